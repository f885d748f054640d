package queue

import (
	"context"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/yabe-ex/grandpay-gateway/internal/reconcile"
)

// TaskSessionSweep expires checkout sessions stuck awaiting a result.
const TaskSessionSweep = "session:sweep"

// NewSweepTask builds the periodic sweep task.
func NewSweepTask() *asynq.Task {
	return asynq.NewTask(TaskSessionSweep, nil)
}

// SweepHandler runs the expiry sweep when the scheduled task fires.
type SweepHandler struct {
	Engine *reconcile.Engine
	MaxAge time.Duration
	Logger zerolog.Logger
}

// ProcessTask implements asynq.Handler.
func (h SweepHandler) ProcessTask(ctx context.Context, _ *asynq.Task) error {
	n, err := h.Engine.SweepExpired(ctx, h.MaxAge)
	if err != nil {
		h.Logger.Error().Err(err).Msg("session sweep failed")
		return err
	}
	if n > 0 {
		h.Logger.Info().Int("expired", n).Msg("session sweep completed")
	}
	return nil
}
