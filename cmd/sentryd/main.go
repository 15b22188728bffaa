package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"DeFi-Sentry/internal/engine"
)

// exitHalted 区分熔断停止与其他启动错误。
const exitHalted = 2

// main 是 DeFi-Sentry 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := newRootCommand().ExecuteContext(ctx)
	switch {
	case err == nil:
	case errors.Is(err, engine.ErrHalted):
		fmt.Fprintln(os.Stderr, "sentryd: 熔断器已停止代理")
		stop()
		os.Exit(exitHalted)
	default:
		fmt.Fprintf(os.Stderr, "sentryd: %v\n", err)
		stop()
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "sentryd",
		Short:         "以太坊 DeFi 代理的控制循环",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "配置文件路径")

	root.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "启动控制循环，直到收到信号或熔断器停止",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), configPath)
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "校验配置文件与链定义，不连接节点",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return validate(cmd.OutOrStdout(), configPath)
		},
	})
	return root
}

func defaultConfigPath() string {
	if path := os.Getenv("SENTRY_CONFIG"); path != "" {
		return path
	}
	return filepath.Join("configs", "sentry.json")
}
