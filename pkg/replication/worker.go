package replication

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/aretw0/lifecycle/pkg/core/worker"

	"github.com/aretw0/humus/pkg/core"
)

// syncWorker runs the replicator loop under the lifecycle worker model.
type syncWorker struct {
	*worker.BaseWorker
	r      *Replicator
	cancel context.CancelFunc
}

func newSyncWorker(r *Replicator) *syncWorker {
	return &syncWorker{
		BaseWorker: worker.NewBaseWorker("replicator"),
		r:          r,
	}
}

func (w *syncWorker) Start(ctx context.Context) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	status := w.State().Status
	if status != worker.StatusCreated && status != worker.StatusPending {
		return fmt.Errorf("replicator already started (status: %s)", status)
	}

	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	w.SetStatus(worker.StatusRunning)
	return w.StartFunc(runCtx, w.run)
}

func (w *syncWorker) Stop(ctx context.Context) error {
	if w.cancel != nil {
		w.StopRequested = true
		w.cancel()
	}

	return w.BaseWorker.Stop(ctx)
}

func (w *syncWorker) State() worker.State {
	return w.ExportState(func(s *worker.State) {
		s.Metadata = map[string]string{
			worker.MetadataType: string(worker.TypeGoroutine),
			"endpoint":          w.r.config.Endpoint.String(),
			"direction":         w.r.config.Direction.String(),
		}
	})
}

func (w *syncWorker) run(ctx context.Context) (err error) {
	defer close(w.r.done)
	defer func() {
		if recovered := recover(); recovered != nil {
			panicErr := fmt.Errorf("replicator panic: %v", recovered)
			logger := w.r.config.Logger
			if logger.Enabled(ctx, slog.LevelDebug) {
				logger.Error("replicator panic", "error", panicErr, "stack", string(debug.Stack()))
			} else {
				logger.Error("replicator panic", "error", panicErr)
			}
			rerr := &core.ReplicationError{Reason: "internal failure", Err: panicErr}
			w.r.finish(StateError, rerr)
			err = rerr
		}
	}()

	return w.r.loop(ctx)
}
