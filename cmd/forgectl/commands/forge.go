package commands

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"keyforge/go-backend/pkg/models"

	"github.com/spf13/cobra"
)

func printStatus(st models.ForgeStatus) {
	fmt.Printf("Forge:     %s\n", st.ForgeID)
	fmt.Printf("Phase:     %s\n", st.Phase)
	if st.Identity.ID != "" {
		fmt.Printf("Identity:  %s\n", st.Identity.ID)
	}
	if st.CountdownActive {
		warning.Printf("Expires in %ds (at %s)\n", st.RemainingSeconds, st.Deadline.Local().Format(time.Kitchen))
	}
	if st.Imported {
		verified := "no"
		if st.OwnershipVerified {
			verified = "yes"
		}
		muted.Printf("imported, view-only=%t, ownership verified=%s\n", st.ViewOnly, verified)
	}
}

func startCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Open a new forge flow",
		RunE: func(cmd *cobra.Command, args []string) error {
			var st models.ForgeStatus
			if err := client.call(cmd.Context(), "forge.start", nil, &st); err != nil {
				return err
			}
			success.Println("Forge flow started")
			printStatus(st)
			return nil
		},
	}
}

func generateCmd() *cobra.Command {
	var protect, force bool
	cmd := &cobra.Command{
		Use:   "generate <forge-id>",
		Short: "Generate a fresh key in a flow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var res struct {
				Identity models.Identity `json:"identity"`
			}
			params := map[string]any{"forge_id": args[0], "protect": protect, "force": force}
			if err := client.call(cmd.Context(), "forge.generate", params, &res); err != nil {
				return err
			}
			success.Printf("Generated identity %s\n", res.Identity.ID)
			return nil
		},
	}
	cmd.Flags().BoolVar(&protect, "protect", false, "refuse silent replacement of this key")
	cmd.Flags().BoolVar(&force, "force", false, "replace a protected key")
	return cmd
}

func importCmd() *cobra.Command {
	var protect, force bool
	cmd := &cobra.Command{
		Use:   "import <forge-id> [key-text|-]",
		Short: "Import secret text, a mnemonic or a public key (reads stdin for - or when omitted)",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			text := ""
			if len(args) == 2 && args[1] != "-" {
				text = args[1]
			} else {
				line, err := bufio.NewReader(os.Stdin).ReadString('\n')
				if err != nil && line == "" {
					return fmt.Errorf("read key text: %w", err)
				}
				text = strings.TrimSpace(line)
			}
			var res struct {
				Identity models.Identity        `json:"identity"`
				ViewOnly bool                   `json:"view_only"`
				Profile  models.ProfileMetadata `json:"profile"`
			}
			params := map[string]any{"forge_id": args[0], "text": text, "protect": protect, "force": force}
			if err := client.call(cmd.Context(), "forge.import", params, &res); err != nil {
				return err
			}
			success.Printf("Imported identity %s\n", res.Identity.ID)
			if res.ViewOnly {
				warning.Println("View-only import: no secret key is held")
			}
			if !res.Profile.IsEmpty() {
				muted.Printf("existing profile: %s\n", res.Profile.Name)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&protect, "protect", false, "refuse silent replacement of this key")
	cmd.Flags().BoolVar(&force, "force", false, "replace a protected key")
	return cmd
}

func revealCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reveal <forge-id>",
		Short: "Show the secret key once and start its expiry countdown",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var res struct {
				SecretText string    `json:"secret_text"`
				Deadline   time.Time `json:"deadline"`
			}
			if err := client.call(cmd.Context(), "forge.reveal", []string{args[0]}, &res); err != nil {
				return err
			}
			fmt.Println(res.SecretText)
			warning.Printf("Save this key now. It is wiped at %s unless secured.\n", res.Deadline.Local().Format(time.Kitchen))
			return nil
		},
	}
}

func secureCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "secure <forge-id>",
		Short: "Confirm the secret key was saved",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var st models.ForgeStatus
			if err := client.call(cmd.Context(), "forge.secure", []string{args[0]}, &st); err != nil {
				return err
			}
			success.Println("Key secured and wiped from the daemon")
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <forge-id>",
		Short: "Show a flow's state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var st models.ForgeStatus
			if err := client.call(cmd.Context(), "forge.status", []string{args[0]}, &st); err != nil {
				return err
			}
			printStatus(st)
			return nil
		},
	}
}

func teardownCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "teardown <forge-id>",
		Short: "End a flow and wipe its key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := client.call(cmd.Context(), "forge.teardown", []string{args[0]}, nil); err != nil {
				return err
			}
			success.Println("Flow ended")
			return nil
		},
	}
}
