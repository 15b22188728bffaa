package main

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"DeFi-Sentry/internal/balance"
	"DeFi-Sentry/internal/breaker"
	"DeFi-Sentry/internal/config"
	"DeFi-Sentry/internal/engine"
	"DeFi-Sentry/internal/events"
	"DeFi-Sentry/internal/gas"
	"DeFi-Sentry/internal/observability/alerting"
	"DeFi-Sentry/internal/observability/metrics"
	"DeFi-Sentry/internal/opportunity"
	"DeFi-Sentry/internal/oracle"
	"DeFi-Sentry/internal/storage"
	"DeFi-Sentry/internal/token"
	"DeFi-Sentry/internal/txn"
	"DeFi-Sentry/internal/web3"
	"DeFi-Sentry/pkg/logger"
)

// app 持有一次运行所需的全部组件。
type app struct {
	engine    *engine.Engine
	breaker   *breaker.Breaker
	fees      *gas.Policy
	journal   storage.FailureRepository
	publisher events.Publisher
	metrics   *metrics.Collector
	owner     common.Address

	closers []func() error
}

// appOption 用于测试时替换交易发送器的行为。
type appOption func(*[]txn.Option)

func withSubmitterOptions(opts ...txn.Option) appOption {
	return func(dst *[]txn.Option) { *dst = append(*dst, opts...) }
}

// assemble 按依赖顺序构建组件，并在启动前完成代币授权。
func assemble(ctx context.Context, cfg *config.Config, client web3.Client, signer txn.Signer, opts ...appOption) (*app, error) {
	log := logger.Named("sentryd")
	a := &app{owner: signer.Address()}

	fees, err := gas.NewPolicy(gas.Config{
		Minimum:         gas.FromGwei(cfg.Fees.MinimumGwei),
		Maximum:         gas.FromGwei(cfg.Fees.MaximumGwei),
		IncreasePercent: cfg.Fees.IncreasePercent,
		RelaxPercent:    cfg.Fees.RelaxPercent,
	})
	if err != nil {
		return nil, err
	}
	a.fees = fees

	br, err := breaker.New(breaker.Config{
		Window:                     cfg.Breaker.Window(),
		HaltCeiling:                cfg.Breaker.HaltCeiling,
		MaxConsecutiveFailingTicks: cfg.Breaker.MaxConsecutiveFailingTicks,
		Capacity:                   cfg.Breaker.Capacity,
	})
	if err != nil {
		return nil, err
	}
	a.breaker = br

	submitterOpts := []txn.Option{
		txn.WithPermissions(txn.Permissions{
			RequireConfirmation: cfg.Permissions.RequireConfirmation,
			PlaySound:           cfg.Permissions.PlaySound,
		}),
	}
	for _, opt := range opts {
		opt(&submitterOpts)
	}
	submitter := txn.NewSubmitter(client, signer, fees, submitterOpts...)

	stable := token.New("stable", common.HexToAddress(cfg.Tokens.Stable), client)
	wrapped := token.New("wrapped", common.HexToAddress(cfg.Tokens.Wrapped), client)

	markets, err := buildMarkets(cfg, client, submitter)
	if err != nil {
		return nil, err
	}
	var lender opportunity.Lender
	ledgerCfg := balance.Config{
		Owner:             a.owner,
		Stable:            stable,
		Wrapped:           wrapped,
		GasLimitPerAction: cfg.Loop.GasLimitPerAction,
	}
	if cfg.Lending.Enabled {
		compound, err := buildLender(cfg, client, submitter)
		if err != nil {
			return nil, err
		}
		lender = compound
		ledgerCfg.Lending = token.New("lending-shares", common.HexToAddress(cfg.Lending.Market), client)
	}

	if err := approveSpenders(ctx, cfg, a.owner, stable, wrapped, submitter); err != nil {
		return nil, err
	}

	set, err := opportunity.NewSet(opportunity.Priority(markets, lender)...)
	if err != nil {
		return nil, err
	}

	journal, err := storage.Open(ctx, cfg.Journal)
	if err != nil {
		return nil, err
	}
	a.journal = journal
	a.closers = append(a.closers, journal.Close)

	publisher, err := events.Open(ctx, cfg.Events)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.publisher = publisher
	a.closers = append(a.closers, publisher.Close)

	a.metrics = metrics.New()

	eng, err := engine.New(engine.Config{
		Threshold:      cfg.Breaker.AllowThreshold,
		TickInterval:   cfg.Loop.TickInterval(),
		BalanceMaxAge:  cfg.Loop.BalanceMaxAge(),
		RefreshTimeout: cfg.Loop.RefreshTimeout(),
		ActionTimeout:  cfg.Loop.ActionTimeout(),
	}, balance.NewLedger(client, fees, ledgerCfg), br, fees, set,
		engine.WithObservers(
			storage.NewJournal(journal),
			a.metrics,
			events.NewEmitter(publisher),
			alerting.NewObserver(alerting.FromConfig(cfg.Alerting)),
		),
	)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.engine = eng

	log.Info("组件初始化完成",
		slog.String("address", a.owner.Hex()),
		slog.Any("providers", set.Names()),
		slog.String("journal", cfg.Journal.Driver),
		slog.String("events", cfg.Events.Driver),
	)
	return a, nil
}

// Close 逆序释放资源。
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			logger.L().Warn("释放资源失败", slog.Any("error", err))
		}
	}
	a.closers = nil
}

func buildMarkets(cfg *config.Config, client web3.Client, submitter *txn.Submitter) ([]opportunity.Market, error) {
	if len(cfg.Markets) == 0 {
		return nil, nil
	}
	reference := oracle.NewMedianizer(common.HexToAddress(cfg.Oracle.Medianizer), client)

	markets := make([]opportunity.Market, 0, len(cfg.Markets))
	for _, m := range cfg.Markets {
		if uncapped := m.UncappedFields(); len(uncapped) > 0 {
			logger.Named("sentryd").Warn("市场未设置单笔上限，交易将投入全部余额",
				slog.String("market", m.Name),
				slog.Any("fields", uncapped),
			)
		}
		maxStable, err := optionalUnits(m.MaxStableIn, cfg.Tokens.StableDecimals)
		if err != nil {
			return nil, fmt.Errorf("市场 %s 的 max_stable_in 无效: %w", m.Name, err)
		}
		maxWrapped, err := optionalUnits(m.MaxWrappedIn, 18)
		if err != nil {
			return nil, fmt.Errorf("市场 %s 的 max_wrapped_in 无效: %w", m.Name, err)
		}
		markets = append(markets, opportunity.NewRouterMarket(opportunity.MarketConfig{
			Name:           m.Name,
			Router:         common.HexToAddress(m.Router),
			Stable:         common.HexToAddress(cfg.Tokens.Stable),
			StableDecimals: cfg.Tokens.StableDecimals,
			Wrapped:        common.HexToAddress(cfg.Tokens.Wrapped),
			MinEdgeBps:     m.MinEdgeBps,
			SlippageBps:    m.SlippageBps,
			MaxStableIn:    maxStable,
			MaxWrappedIn:   maxWrapped,
			Deadline:       time.Duration(m.DeadlineSeconds) * time.Second,
		}, client, submitter, reference))
	}
	return markets, nil
}

func buildLender(cfg *config.Config, client web3.Client, submitter *txn.Submitter) (*opportunity.CompoundLender, error) {
	reserve, err := balance.ParseUnits(cfg.Lending.Reserve, cfg.Tokens.StableDecimals)
	if err != nil {
		return nil, fmt.Errorf("lending.reserve 无效: %w", err)
	}
	minDeposit, err := balance.ParseUnits(cfg.Lending.MinDeposit, cfg.Tokens.StableDecimals)
	if err != nil {
		return nil, fmt.Errorf("lending.min_deposit 无效: %w", err)
	}
	return opportunity.NewCompoundLender(opportunity.LenderConfig{
		Name:       "compound",
		Market:     common.HexToAddress(cfg.Lending.Market),
		Reserve:    reserve,
		MinDeposit: minDeposit,
	}, client, submitter), nil
}

// approveSpenders 为每个路由授权稳定币与包装资产，为借贷市场授权稳定币。
func approveSpenders(ctx context.Context, cfg *config.Config, owner common.Address, stable, wrapped *token.ERC20, submitter token.Submitter) error {
	for _, m := range cfg.Markets {
		router := common.HexToAddress(m.Router)
		for _, t := range []*token.ERC20{stable, wrapped} {
			if _, err := token.EnsureApproval(ctx, t, owner, router, nil, submitter); err != nil {
				return err
			}
		}
	}
	if cfg.Lending.Enabled {
		if _, err := token.EnsureApproval(ctx, stable, owner, common.HexToAddress(cfg.Lending.Market), nil, submitter); err != nil {
			return err
		}
	}
	return nil
}

func optionalUnits(raw string, decimals int32) (*big.Int, error) {
	if raw == "" {
		return nil, nil
	}
	return balance.ParseUnits(raw, decimals)
}
