package storage

import (
	"context"
	"log/slog"
	"time"

	"DeFi-Sentry/internal/engine"
	"DeFi-Sentry/pkg/logger"
)

// Journal 把每个 tick 排空的失败记录写入仓库。写入失败只记录日志，不影响熔断与出价状态。
type Journal struct {
	repo    FailureRepository
	timeout time.Duration
	log     *slog.Logger
}

// NewJournal 创建失败日志观察者。
func NewJournal(repo FailureRepository) *Journal {
	return &Journal{repo: repo, timeout: 5 * time.Second, log: logger.Named("journal")}
}

// ObserveTick 实现 engine.Observer。
func (j *Journal) ObserveTick(ctx context.Context, report engine.TickReport) {
	if j == nil || j.repo == nil || len(report.Failures) == 0 {
		return
	}
	// 关闭过程中也要落盘最后一批记录。
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), j.timeout)
	defer cancel()
	if err := j.repo.Save(sctx, report.Failures); err != nil {
		j.log.Error("写入失败日志失败",
			slog.Uint64("tick", report.Tick),
			slog.Int("records", len(report.Failures)),
			slog.Any("error", err),
		)
	}
}
