package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"Ceremony/internal/logger"
)

func main() {
	logger.Init()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "participant",
		Short:         "Take part in a ceremony",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	addFlags(root.PersistentFlags())

	root.AddCommand(
		newNewCmd(),
		newWorkCmd("contribute", "Contribute to chunks until the ceremony completes", true),
		newWorkCmd("verify", "Verify contributions until the ceremony completes", false),
		newCtlCmd(),
		newHTTPAuthCmd(),
	)

	return root
}
