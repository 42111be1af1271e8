package commands

import (
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	rpcURL   string
	rpcToken string
	client   *rpcClient

	success = color.New(color.FgGreen)
	warning = color.New(color.FgYellow)
	muted   = color.New(color.FgHiBlack)
	failure = color.New(color.FgRed)
)

func Execute() error {
	root := &cobra.Command{
		Use:           "forgectl",
		Short:         "Drive the keyforge daemon: forge keys, prove ownership, publish profiles",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if rpcToken == "" {
				rpcToken = os.Getenv("FORGE_RPC_TOKEN")
			}
			client = newRPCClient(rpcURL, rpcToken)
			return nil
		},
	}

	root.PersistentFlags().StringVar(&rpcURL, "rpc", "http://127.0.0.1:8787", "daemon base URL")
	root.PersistentFlags().StringVar(&rpcToken, "token", "", "RPC token (default $FORGE_RPC_TOKEN)")

	root.AddCommand(
		startCmd(),
		generateCmd(),
		importCmd(),
		revealCmd(),
		secureCmd(),
		statusCmd(),
		teardownCmd(),
		persistCmd(),
		publishCmd(),
		inviteCmd(),
		challengeCmd(),
	)
	err := root.Execute()
	if err != nil {
		failure.Fprintln(os.Stderr, "Error:", err)
	}
	return err
}
