package workers

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	apigrpc "github.com/aescanero/dago-master/pkg/api/grpc"
	"github.com/aescanero/dago-master/pkg/api/pubsub"
	"github.com/aescanero/dago-master/pkg/domain"
	"github.com/aescanero/dago-master/pkg/ports"
)

// ErrBusy is reported for a dispatch that arrives while a task is running
var ErrBusy = errors.New("worker busy")

// ResultSender delivers a result report to a callback target
type ResultSender interface {
	SendResult(ctx context.Context, target string, rep domain.ResultReport) (*apigrpc.ResultReply, error)
}

// Config holds agent settings
type Config struct {
	WorkerID string

	// CallbackTarget overrides the callback address carried in dispatches
	CallbackTarget string

	HeartbeatInterval time.Duration
	CallbackTimeout   time.Duration
}

// Agent is one remote worker: it executes at most one task at a time
type Agent struct {
	cfg       Config
	bus       ports.EventBus
	topics    pubsub.Topics
	publisher *pubsub.Publisher
	validator *domain.Validator
	executor  ports.Executor
	results   ResultSender
	logger    *zap.Logger
	heartbeat *Heartbeat

	mu      sync.Mutex
	current string

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// NewAgent creates a new worker agent
func NewAgent(
	cfg Config,
	bus ports.EventBus,
	topics pubsub.Topics,
	executor ports.Executor,
	results ResultSender,
	logger *zap.Logger,
) *Agent {
	if cfg.CallbackTimeout <= 0 {
		cfg.CallbackTimeout = 10 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	logger = logger.With(zap.String("worker_id", cfg.WorkerID))

	a := &Agent{
		cfg:       cfg,
		bus:       bus,
		topics:    topics,
		publisher: pubsub.NewPublisher(bus, topics),
		validator: domain.NewValidator(),
		executor:  executor,
		results:   results,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
	}
	a.heartbeat = NewHeartbeat(cfg.HeartbeatInterval, a.publishStatus, logger)
	return a
}

// Start subscribes to dispatches, registers with the coordinator and
// starts heartbeating
func (a *Agent) Start(ctx context.Context) error {
	if err := a.bus.Subscribe(a.ctx, a.topics.Tasks, a.onTask); err != nil {
		return fmt.Errorf("failed to subscribe to tasks: %w", err)
	}

	ev := domain.RegisterEvent{
		WorkerID:  a.cfg.WorkerID,
		Status:    string(domain.WorkerStatusIdle),
		Timestamp: time.Now().UnixMilli(),
	}
	if err := a.publisher.PublishRegister(ctx, ev); err != nil {
		return fmt.Errorf("failed to register: %w", err)
	}

	a.heartbeat.Start(a.ctx)

	a.logger.Info("worker registered", zap.String("tasks_topic", a.topics.Tasks))
	return nil
}

// Shutdown stops heartbeating and waits for the running task to finish
func (a *Agent) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down worker")

	a.heartbeat.Stop()
	a.cancel()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		a.logger.Info("worker shut down complete")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown timeout")
	}
}

// Status returns busy while a task is running
func (a *Agent) Status() domain.WorkerStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.current != "" {
		return domain.WorkerStatusBusy
	}
	return domain.WorkerStatusIdle
}

// onTask handles one message from the tasks topic
func (a *Agent) onTask(ctx context.Context, msg ports.Message) error {
	var task domain.TaskDispatch
	if err := a.validator.Decode(msg.Payload, &task); err != nil {
		a.logger.Warn("discarding dispatch", zap.Error(err))
		return err
	}
	if task.WorkerID != a.cfg.WorkerID {
		return nil
	}

	a.mu.Lock()
	if a.current != "" {
		running := a.current
		a.mu.Unlock()

		a.logger.Warn("dispatch received while busy",
			zap.String("session_id", task.SessionID),
			zap.String("running_session_id", running))
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.report(a.ctx, task, domain.ResultReport{
				WorkerID:  a.cfg.WorkerID,
				SessionID: task.SessionID,
				Query:     task.Query,
				Error:     ErrBusy.Error(),
				Timestamp: time.Now().UnixMilli(),
			})
		}()
		return nil
	}
	a.current = task.SessionID
	a.mu.Unlock()

	a.logger.Info("task received",
		zap.String("session_id", task.SessionID),
		zap.String("model", task.Model))

	// run outside the delivery callback so the bus keeps flowing
	a.wg.Add(1)
	go a.run(task)
	return nil
}

// run executes one task and reports its outcome
func (a *Agent) run(task domain.TaskDispatch) {
	defer a.wg.Done()
	ctx := a.ctx

	a.publishStatusLogged(ctx)
	a.progress(ctx, task.SessionID, "processing query")

	start := time.Now()
	result, err := a.executor.Execute(ctx, ports.ExecuteRequest{
		SessionID: task.SessionID,
		Model:     task.Model,
		Query:     task.Query,
	})
	elapsed := time.Since(start)

	rep := domain.ResultReport{
		WorkerID:  a.cfg.WorkerID,
		SessionID: task.SessionID,
		Query:     task.Query,
		Result:    result,
		Duration:  fmt.Sprintf("%.2fs", elapsed.Seconds()),
		Timestamp: task.Timestamp,
	}
	if err != nil {
		rep.Result = ""
		rep.Error = err.Error()
		a.logger.Warn("task failed",
			zap.String("session_id", task.SessionID),
			zap.Duration("duration", elapsed),
			zap.Error(err))
		a.progress(ctx, task.SessionID, fmt.Sprintf("execution failed: %v", err))
	} else {
		a.logger.Info("task completed",
			zap.String("session_id", task.SessionID),
			zap.Duration("duration", elapsed))
		a.progress(ctx, task.SessionID, fmt.Sprintf("execution finished in %s", rep.Duration))
	}

	// The coordinator may hand over the next task before the callback
	// returns, so the agent must already be idle by then.
	a.mu.Lock()
	a.current = ""
	a.mu.Unlock()
	a.publishStatusLogged(ctx)

	a.report(ctx, task, rep)
}

// report sends rep to the dispatch's callback target
func (a *Agent) report(ctx context.Context, task domain.TaskDispatch, rep domain.ResultReport) {
	target := task.GRPCCallback
	if a.cfg.CallbackTarget != "" {
		target = a.cfg.CallbackTarget
	}

	// the result must still be delivered while shutting down
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.CallbackTimeout)
	defer cancel()

	reply, err := a.results.SendResult(ctx, target, rep)
	if err != nil {
		a.logger.Error("failed to deliver result",
			zap.String("session_id", rep.SessionID),
			zap.String("target", target),
			zap.Error(err))
		return
	}
	a.logger.Debug("result delivered",
		zap.String("session_id", rep.SessionID),
		zap.String("reply", reply.Message))
}

func (a *Agent) progress(ctx context.Context, sessionID, message string) {
	err := a.publisher.PublishWorkerLog(context.WithoutCancel(ctx), domain.LogEvent{
		SessionID: sessionID,
		WorkerID:  a.cfg.WorkerID,
		Source:    domain.LogSourceWorker,
		Message:   message,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		a.logger.Warn("failed to publish progress", zap.String("session_id", sessionID), zap.Error(err))
	}
}

func (a *Agent) publishStatus(ctx context.Context) error {
	return a.publisher.PublishStatus(ctx, domain.StatusEvent{
		WorkerID: a.cfg.WorkerID,
		Status:   a.Status(),
	})
}

func (a *Agent) publishStatusLogged(ctx context.Context) {
	if err := a.publishStatus(context.WithoutCancel(ctx)); err != nil {
		a.logger.Warn("failed to publish status", zap.Error(err))
	}
}
