package commands

import (
	"encoding/json"
	"fmt"

	"keyforge/go-backend/pkg/models"

	"github.com/spf13/cobra"
)

type signingFlags struct {
	preferRemote bool
	accountID    string
	password     string
}

func (f *signingFlags) bind(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&f.preferRemote, "remote", false, "prefer the remote signer when the flow holds no key")
	cmd.Flags().StringVar(&f.accountID, "account", "", "account id for password-derived signing")
	cmd.Flags().StringVarP(&f.password, "password", "p", "", "recovery passphrase for password-derived signing")
}

func (f *signingFlags) params() map[string]any {
	return map[string]any{
		"prefer_remote": f.preferRemote,
		"account_id":    f.accountID,
		"password":      f.password,
	}
}

func persistCmd() *cobra.Command {
	var passphrase string
	var signing signingFlags
	cmd := &cobra.Command{
		Use:   "persist <forge-id>",
		Short: "Encrypt the flow's key under a passphrase and store it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var res struct {
				AccountID string `json:"account_id"`
			}
			params := map[string]any{"forge_id": args[0], "passphrase": passphrase, "signing": signing.params()}
			if err := client.call(cmd.Context(), "forge.persist_recovery", params, &res); err != nil {
				return err
			}
			success.Printf("Recovery key stored for %s\n", res.AccountID)
			return nil
		},
	}
	cmd.Flags().StringVar(&passphrase, "passphrase", "", "passphrase protecting the stored key")
	_ = cmd.MarkFlagRequired("passphrase")
	signing.bind(cmd)
	return cmd
}

func publishCmd() *cobra.Command {
	var meta models.ProfileMetadata
	var signing signingFlags
	cmd := &cobra.Command{
		Use:   "publish [forge-id]",
		Short: "Sign and publish a profile",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			forgeID := ""
			if len(args) == 1 {
				forgeID = args[0]
			}
			var receipt models.PublishReceipt
			params := map[string]any{"forge_id": forgeID, "profile": meta, "signing": signing.params()}
			if err := client.call(cmd.Context(), "forge.publish_profile", params, &receipt); err != nil {
				return err
			}
			success.Printf("Published event %s\n", receipt.EventID)
			return nil
		},
	}
	cmd.Flags().StringVar(&meta.Name, "name", "", "profile name")
	cmd.Flags().StringVar(&meta.DisplayName, "display-name", "", "display name")
	cmd.Flags().StringVar(&meta.About, "about", "", "about text")
	cmd.Flags().StringVar(&meta.Picture, "picture", "", "picture URL")
	signing.bind(cmd)
	return cmd
}

func inviteCmd() *cobra.Command {
	var note string
	var signing signingFlags
	cmd := &cobra.Command{
		Use:   "invite <invitee-id> [forge-id]",
		Short: "Sign an invitation for a peer and print it as JSON",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			forgeID := ""
			if len(args) == 2 {
				forgeID = args[1]
			}
			var res struct {
				Event models.Event `json:"event"`
			}
			params := map[string]any{"forge_id": forgeID, "invitee": args[0], "note": note, "signing": signing.params()}
			if err := client.call(cmd.Context(), "forge.sign_invitation", params, &res); err != nil {
				return err
			}
			out, err := json.MarshalIndent(res.Event, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
	cmd.Flags().StringVar(&note, "note", "", "message included in the invitation")
	signing.bind(cmd)
	return cmd
}
