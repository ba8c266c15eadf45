package outbox

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"mailsync/internal/model"
	"mailsync/pkg/metrics"
)

// ReplayService 提供卡住操作的人工处理
type ReplayService struct {
	repo     *Repository
	counters CounterReconciler
	logger   *zap.Logger
}

// NewReplayService 创建新的 ReplayService
func NewReplayService(repo *Repository, counters CounterReconciler, logger *zap.Logger) *ReplayService {
	return &ReplayService{repo: repo, counters: counters, logger: logger}
}

// Stuck lists stuck operations.
func (s *ReplayService) Stuck(ctx context.Context, limit int) ([]*model.QueuedOperation, error) {
	return s.repo.Stuck(ctx, limit)
}

// Retry 把卡住的操作重置为 pending，下次 flush 立即尝试
func (s *ReplayService) Retry(ctx context.Context, id string) (*model.QueuedOperation, error) {
	op, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !op.IsStuck() {
		return nil, fmt.Errorf("%w: %s", ErrNotStuck, id)
	}

	op.Status = model.OperationPending
	op.Attempts = 0
	op.NextAttemptAt = s.repo.now().UTC()
	op.StuckAt = nil
	if err := s.repo.Save(ctx, op); err != nil {
		return nil, err
	}
	s.logger.Info("Stuck operation reset for retry", zap.String("op_id", id))
	s.refreshStuckGauge(ctx)
	return op, nil
}

// Dismiss 删除卡住的操作；本地副本将由下一次同步纠正
func (s *ReplayService) Dismiss(ctx context.Context, id string) error {
	op, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if !op.IsStuck() {
		return fmt.Errorf("%w: %s", ErrNotStuck, id)
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}
	s.logger.Info("Stuck operation dismissed",
		zap.String("op_id", id),
		zap.String("scope_key", op.ScopeKey),
		zap.String("last_error", op.LastError),
	)
	s.refreshStuckGauge(ctx)
	if s.counters != nil {
		if err := s.counters.Reconcile(ctx); err != nil {
			s.logger.Warn("Counter reconcile after dismiss failed", zap.Error(err))
		}
	}
	return nil
}

// RetryAll 重放所有卡住的操作
func (s *ReplayService) RetryAll(ctx context.Context, limit int) (int, error) {
	ops, err := s.repo.Stuck(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to list stuck operations: %w", err)
	}
	n := 0
	for _, op := range ops {
		if _, err := s.Retry(ctx, op.ID); err != nil {
			// 记录错误但继续处理其他操作
			s.logger.Warn("Retry failed", zap.String("op_id", op.ID), zap.Error(err))
			continue
		}
		n++
	}
	return n, nil
}

func (s *ReplayService) refreshStuckGauge(ctx context.Context) {
	ops, err := s.repo.Stuck(ctx, 0)
	if err == nil {
		metrics.SetStuck(len(ops))
	}
}
