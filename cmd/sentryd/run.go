package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"DeFi-Sentry/internal/api"
	"DeFi-Sentry/internal/config"
	"DeFi-Sentry/internal/observability/metrics"
	"DeFi-Sentry/internal/txn"
	"DeFi-Sentry/internal/wallet"
	"DeFi-Sentry/internal/web3"
	"DeFi-Sentry/internal/web3/provider"
	"DeFi-Sentry/pkg/logger"
)

func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return err
	}
	defer logger.Sync()
	log := logger.Named("sentryd")

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}

	registry, err := provider.NewRegistry(cfg.Chain)
	if err != nil {
		return err
	}
	defer registry.Close()
	client, err := registry.DefaultClient(ctx)
	if err != nil {
		return err
	}
	snapshot, err := client.FetchChainSnapshot(ctx)
	if err != nil {
		return err
	}
	log.Info("已连接链节点",
		slog.String("chain", snapshot.Name),
		slog.String("chain_id", snapshot.ChainID),
		slog.Uint64("block", snapshot.BlockNumber),
	)

	if cfg.Permissions.RequireConfirmation {
		if err := txn.CheckTerminal(os.Stdin); err != nil {
			return fmt.Errorf("permissions.require_confirmation: %w", err)
		}
	}

	signer, err := wallet.Load(cfg.Wallet.KeystorePath, cfg.Wallet.PasswordEnv)
	if err != nil {
		return err
	}

	a, err := assemble(ctx, cfg, client, signer)
	if err != nil {
		return err
	}
	defer a.Close()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	startSidecars(runCtx, cfg, configPath, a, snapshot)

	err = a.engine.Run(runCtx)
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		log.Info("收到退出信号，代理已停止")
		return nil
	default:
		return err
	}
}

// startSidecars 启动状态接口、指标服务与配置监听，它们随 ctx 一起退出。
func startSidecars(ctx context.Context, cfg *config.Config, configPath string, a *app, snapshot web3.ChainSnapshot) {
	log := logger.Named("sentryd")

	if cfg.Server.Enabled {
		srv := api.NewServer(cfg.Server.Address,
			api.Info{Chain: snapshot.Name, ChainID: snapshot.ChainID, Address: a.owner.Hex()},
			a.engine,
			api.WithFailures(a.journal),
			api.WithMetrics(a.metrics.Handler(), a.metrics),
			api.WithBearerTokens(cfg.Server.Tokens()...),
		)
		go func() {
			if err := srv.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("状态接口退出", slog.Any("error", err))
			}
		}()
	}

	if cfg.Metrics.Enabled {
		go func() {
			if err := metrics.StartServer(ctx, cfg.Metrics.Address, a.metrics.Handler()); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("指标服务退出", slog.Any("error", err))
			}
		}()
	}

	go func() {
		err := config.Watch(ctx, configPath, func(*config.Config) {
			log.Warn("配置文件已变更，新的阈值在重启后生效", slog.String("path", configPath))
		})
		if err != nil {
			log.Warn("无法监听配置文件", slog.Any("error", err))
		}
	}()
}

func validate(out io.Writer, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	registry, err := provider.NewRegistry(cfg.Chain)
	if err != nil {
		return err
	}
	if _, err := os.Stat(cfg.Wallet.KeystorePath); err != nil {
		return fmt.Errorf("keystore 不可用: %w", err)
	}
	fmt.Fprintf(out, "配置有效: chains=%v default=%s markets=%d lending=%t journal=%s events=%s\n",
		registry.Chains(), registry.DefaultChain(), len(cfg.Markets), cfg.Lending.Enabled, cfg.Journal.Driver, cfg.Events.Driver)
	return nil
}
