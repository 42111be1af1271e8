package commands

import (
	"errors"
	"fmt"
	"os"
	"time"

	"keyforge/go-backend/internal/identity"
	"keyforge/go-backend/internal/ownership"
	"keyforge/go-backend/pkg/models"

	"github.com/spf13/cobra"
)

func challengeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "challenge",
		Short: "Prove ownership of an imported key",
	}
	cmd.AddCommand(challengeIssueCmd(), challengeVerifyCmd(), challengeOpenCmd())
	return cmd
}

func challengeIssueCmd() *cobra.Command {
	var contact string
	cmd := &cobra.Command{
		Use:   "issue <forge-id>",
		Short: "Send a one-time code to the holder of the imported key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var info models.OwnershipSessionInfo
			params := map[string]any{"forge_id": args[0], "contact": contact}
			if err := client.call(cmd.Context(), "ownership.issue", params, &info); err != nil {
				return err
			}
			success.Printf("Code sent (session %s)\n", info.SessionID)
			muted.Printf("%d digits, valid until %s\n", info.CodeDigits, info.ExpiresAt.Local().Format(time.Kitchen))
			return nil
		},
	}
	cmd.Flags().StringVar(&contact, "contact", "", "deliver to this address instead of the key's identity id")
	return cmd
}

func challengeVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <forge-id> <code>",
		Short: "Answer an ownership challenge (one attempt per code)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var st models.ForgeStatus
			params := map[string]any{"forge_id": args[0], "code": args[1]}
			if err := client.call(cmd.Context(), "ownership.verify", params, &st); err != nil {
				return err
			}
			success.Println("Ownership verified")
			return nil
		},
	}
}

// challengeOpenCmd runs on the key holder's side: it fetches sealed notices
// from a daemon and decrypts them locally with the secret key.
func challengeOpenCmd() *cobra.Command {
	var recipient string
	cmd := &cobra.Command{
		Use:   "open",
		Short: "Decrypt a delivered challenge code with your secret key (read from $FORGE_SECRET_KEY)",
		RunE: func(cmd *cobra.Command, args []string) error {
			secretText := os.Getenv("FORGE_SECRET_KEY")
			if secretText == "" {
				return errors.New("FORGE_SECRET_KEY is not set")
			}
			imported, err := identity.Import(secretText)
			if err != nil {
				return err
			}
			if imported.ViewOnly {
				return errors.New("a secret key is required to open challenge codes")
			}
			defer func() {
				for i := range imported.Secret {
					imported.Secret[i] = 0
				}
			}()
			if recipient == "" {
				if recipient, err = identity.BuildIdentityID(imported.PublicKey); err != nil {
					return err
				}
			}

			var res struct {
				Notices [][]byte `json:"notices"`
			}
			if err := client.call(cmd.Context(), "ownership.pending", map[string]any{"recipient": recipient}, &res); err != nil {
				return err
			}
			for _, sealed := range res.Notices {
				notice, err := ownership.OpenCode(imported.Secret, sealed)
				if err != nil {
					continue
				}
				fmt.Printf("Code: %s\n", notice.Code)
				muted.Printf("session %s, expires %s\n", notice.SessionID, notice.ExpiresAt.Local().Format(time.Kitchen))
				return nil
			}
			warning.Println("No challenge code found for this key")
			return nil
		},
	}
	cmd.Flags().StringVar(&recipient, "recipient", "", "mailbox to read (default: the key's identity id)")
	return cmd
}
