package main

import "github.com/brightlead/leadrelay/cmd"

func main() {
	cmd.Execute()
}
