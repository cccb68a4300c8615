package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/brightlead/leadrelay/internal/config"
	"github.com/brightlead/leadrelay/internal/crm"
	"github.com/brightlead/leadrelay/internal/poller"
	"github.com/brightlead/leadrelay/internal/store"
)

// pendingCmd manages the approval queue of low-confidence drafts.
func pendingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pending",
		Short: "List and resolve staged replies awaiting approval",
		Run: func(cmd *cobra.Command, args []string) {
			withStores(func(cfg *config.Config, stores *store.Stores) error {
				return listPending(stores)
			})
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "approve <id>",
		Short: "Send a staged reply and mark it sent",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			withStores(func(cfg *config.Config, stores *store.Stores) error {
				return approvePending(cfg, stores, args[0])
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "reject <id>",
		Short: "Discard a staged reply",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			withStores(func(cfg *config.Config, stores *store.Stores) error {
				if err := stores.Staging.MarkRejected(args[0]); err != nil {
					return err
				}
				fmt.Println("rejected", args[0])
				return nil
			})
		},
	})
	return cmd
}

func withStores(fn func(*config.Config, *store.Stores) error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	stores, err := openStores(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "store:", err)
		os.Exit(1)
	}
	defer stores.Close()
	if err := fn(cfg, stores); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func listPending(stores *store.Stores) error {
	rows, err := stores.Staging.ListPending()
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		fmt.Println("no pending replies")
		return nil
	}
	for _, r := range rows {
		fmt.Printf("%s  conv=%s  conf=%.2f  %s  %q\n",
			r.ID, r.ConversationID, r.Confidence, r.Platform, r.DraftContent)
	}
	return nil
}

// approvePending delivers the draft through the platform thread so the
// contact is reached on whatever channel the conversation lives on.
func approvePending(cfg *config.Config, stores *store.Stores, id string) error {
	rows, err := stores.Staging.ListPending()
	if err != nil {
		return err
	}
	var reply *store.StagedReply
	for i := range rows {
		if rows[i].ID == id {
			reply = &rows[i]
			break
		}
	}
	if reply == nil {
		return fmt.Errorf("no pending reply with id %s", id)
	}

	guard := poller.NewRateLimiter(cfg.Poller.RateLimitRPS)
	client := crm.NewClient(cfg.CRM.BaseURL, cfg.CRM.APIToken, cfg.CRM.LocationID, guard)

	typ := crm.TypeSMS
	if reply.Platform == "email" {
		typ = crm.TypeEmail
	}
	if _, err := client.SendMessage(context.Background(), typ, reply.ContactID, reply.DraftContent); err != nil {
		return fmt.Errorf("sending approved reply: %w", err)
	}
	if err := stores.Staging.MarkSent(id); err != nil {
		return fmt.Errorf("reply sent but status update failed: %w", err)
	}
	fmt.Println("sent", id)
	return nil
}
