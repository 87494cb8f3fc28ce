package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/CrashVibe/FGATE-Nexus-sub000/bootstrap"
	"github.com/CrashVibe/FGATE-Nexus-sub000/nexus"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "❌ %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd 根命令：serve 运行服务，init 初始化数据库
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "nexus",
		Short:         "FGATE Nexus, a bridge between Minecraft servers and chat groups",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.AddCommand(newServeCmd(), newInitCmd())
	return cmd
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the nexus service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), "🚀 Starting FGATE Nexus...")
			n, err := nexus.New()
			if err != nil {
				return fmt.Errorf("failed to start nexus: %w", err)
			}
			defer n.Close()

			if err := n.Run(); err != nil {
				return fmt.Errorf("nexus error: %w", err)
			}
			waitForSignal()
			fmt.Fprintln(cmd.OutOrStdout(), "👋 Service exiting")
			return nil
		},
	}
}

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create tables and seed default data",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := bootstrap.Run(); err != nil {
				return fmt.Errorf("init failed: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "✅ Database initialized")
			return nil
		},
	}
}

func waitForSignal() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	<-quit
}
