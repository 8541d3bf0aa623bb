// Package worker implements the stage worker loop: receive a task delivery,
// execute it with a stage timeout, persist its output, then report completion
// back to the orchestrator.
package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/pagelens/pagelens/internal/metrics"
	"github.com/pagelens/pagelens/internal/pipeline"
)

// Executor runs one task attempt. Implementations must finish their durable
// writes before returning: the worker reports completion only after Execute
// returns (write-then-report), so a reported success always has its output
// persisted.
type Executor interface {
	Execute(ctx context.Context, msg pipeline.TaskMessage) error
}

// Config controls Worker behavior.
type Config struct {
	// Stage is the single queue this worker consumes.
	Stage pipeline.Stage
	// Timeout bounds one task execution; zero means no bound.
	Timeout time.Duration
}

// Worker consumes one stage queue and executes its tasks.
type Worker struct {
	broker   pipeline.Broker
	executor Executor
	handler  pipeline.CompletionHandler
	cfg      Config
	logger   *zap.Logger
}

// New constructs a Worker.
func New(broker pipeline.Broker, executor Executor, handler pipeline.CompletionHandler, cfg Config, logger *zap.Logger) *Worker {
	return &Worker{
		broker:   broker,
		executor: executor,
		handler:  handler,
		cfg:      cfg,
		logger:   logger.With(zap.String("stage", string(cfg.Stage))),
	}
}

// Run blocks, consuming deliveries until the context finishes.
func (w *Worker) Run(ctx context.Context) {
	for {
		delivery, err := w.broker.Receive(ctx, w.cfg.Stage)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("receive failed", zap.Error(err))
			continue
		}
		w.process(ctx, delivery)
	}
}

func (w *Worker) process(ctx context.Context, delivery pipeline.Delivery) {
	msg := delivery.Message
	metrics.WorkerStarted()
	started := time.Now()
	defer func() {
		metrics.ObserveTaskDuration(string(w.cfg.Stage), time.Since(started))
		metrics.WorkerFinished()
	}()

	execErr, panicked := w.execute(ctx, msg)
	if panicked {
		// No completion report: the broker's redelivery picks the task up
		// again after the visibility timeout.
		delivery.Nack()
		return
	}

	report := pipeline.CompletionReport{
		TaskID:    msg.TaskID,
		Attempt:   msg.Attempt,
		Succeeded: execErr == nil,
	}
	if execErr != nil {
		report.ErrorText = execErr.Error()
		w.logger.Warn("task attempt failed",
			zap.String("task_id", msg.TaskID),
			zap.String("job_id", msg.JobID),
			zap.Int("attempt", msg.Attempt),
			zap.Error(execErr),
		)
	}
	if err := w.handler.OnTaskCompleted(ctx, report); err != nil {
		// The report did not land; leave the delivery unacked so the broker
		// redelivers and a later attempt reports again.
		w.logger.Error("completion report failed",
			zap.String("task_id", msg.TaskID),
			zap.Error(err),
		)
		delivery.Nack()
		return
	}
	delivery.Ack()
}

func (w *Worker) execute(ctx context.Context, msg pipeline.TaskMessage) (err error, panicked bool) {
	taskCtx := ctx
	if w.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		taskCtx, cancel = context.WithTimeout(ctx, w.cfg.Timeout)
		defer cancel()
	}
	defer func() {
		if rec := recover(); rec != nil {
			w.logger.Error("task panicked",
				zap.String("task_id", msg.TaskID),
				zap.Any("panic", rec),
			)
			panicked = true
		}
	}()
	err = w.executor.Execute(taskCtx, msg)
	return err, false
}
