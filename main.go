package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "marshal",
		Short:         "Study-mode site blocker",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "config file (default $MARSHAL_CONFIG or /etc/marshal/marshal.conf)")

	root.AddCommand(newServeCmd(&configPath))
	root.AddCommand(newSitesCmd(&configPath))
	root.AddCommand(newStudyCmd(&configPath))
	root.AddCommand(newStatsCmd(&configPath))
	root.AddCommand(newCheckCmd(&configPath))
	root.AddCommand(newVersionCmd())
	return root
}
