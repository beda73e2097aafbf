package workers

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/aescanero/dago-master/internal/application/coordinator"
	"github.com/aescanero/dago-master/pkg/adapters/events/memory"
	"github.com/aescanero/dago-master/pkg/adapters/llm/echo"
	apigrpc "github.com/aescanero/dago-master/pkg/api/grpc"
	"github.com/aescanero/dago-master/pkg/api/pubsub"
	"github.com/aescanero/dago-master/pkg/domain"
	"github.com/aescanero/dago-master/pkg/ports"
)

// loopbackSender hands results straight to the coordinator
type loopbackSender struct {
	coord *coordinator.Coordinator

	mu      sync.Mutex
	targets []string
	reports []domain.ResultReport
}

func (s *loopbackSender) SendResult(ctx context.Context, target string, rep domain.ResultReport) (*apigrpc.ResultReply, error) {
	s.mu.Lock()
	s.targets = append(s.targets, target)
	s.reports = append(s.reports, rep)
	s.mu.Unlock()

	if err := s.coord.HandleResult(ctx, rep); err != nil {
		return nil, err
	}
	return &apigrpc.ResultReply{Message: "ACK"}, nil
}

func (s *loopbackSender) Reports() []domain.ResultReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.ResultReport(nil), s.reports...)
}

func (s *loopbackSender) Targets() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.targets...)
}

type failingExecutor struct{ err error }

func (e failingExecutor) Execute(context.Context, ports.ExecuteRequest) (string, error) {
	return "", e.err
}

// blockingExecutor holds every task until release is closed
type blockingExecutor struct {
	release chan struct{}
}

func (e blockingExecutor) Execute(ctx context.Context, req ports.ExecuteRequest) (string, error) {
	select {
	case <-e.release:
		return "done: " + req.Query, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

type cluster struct {
	bus    *memory.InMemoryEventBus
	topics pubsub.Topics
	coord  *coordinator.Coordinator
	sender *loopbackSender
}

func newCluster(t *testing.T) *cluster {
	t.Helper()
	logger := zaptest.NewLogger(t)

	bus := memory.NewInMemoryEventBus()
	topics := pubsub.NewTopics("upb/")
	coord := coordinator.New(pubsub.NewPublisher(bus, topics), nil, logger, coordinator.Options{
		Model:          "gpt-4.1-mini",
		CallbackTarget: "master:50051",
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, pubsub.NewListener(bus, topics, coord, nil, logger).Start(ctx))

	return &cluster{bus: bus, topics: topics, coord: coord, sender: &loopbackSender{coord: coord}}
}

func (c *cluster) startAgent(t *testing.T, cfg Config, executor ports.Executor) *Agent {
	t.Helper()
	agent := NewAgent(cfg, c.bus, c.topics, executor, c.sender, zaptest.NewLogger(t))
	require.NoError(t, agent.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = agent.Shutdown(ctx)
	})
	return agent
}

func (c *cluster) waitStatus(t *testing.T, sessionID string, want domain.SessionStatus) domain.Session {
	t.Helper()
	var sess domain.Session
	require.Eventually(t, func() bool {
		var err error
		sess, err = c.coord.Session(sessionID)
		return err == nil && sess.Status == want
	}, 5*time.Second, 10*time.Millisecond)
	return sess
}

func TestAgent_ExecutesDispatchedTask(t *testing.T) {
	c := newCluster(t)
	agent := c.startAgent(t, Config{WorkerID: "w1"}, echo.NewExecutor(0))

	workers := c.coord.Workers()
	require.Len(t, workers, 1)
	assert.Equal(t, "w1", workers[0].ID)

	sessionID, err := c.coord.Submit(context.Background(), "u1", "hello")
	require.NoError(t, err)

	sess := c.waitStatus(t, sessionID, domain.SessionStatusDone)
	assert.Equal(t, "echo: hello", sess.Result)
	assert.Equal(t, "w1", sess.AssignedWorker)
	assert.NotEmpty(t, sess.Duration)

	assert.Equal(t, []string{"master:50051"}, c.sender.Targets())

	var workerLines []string
	for _, e := range c.coord.Logs(sessionID) {
		if e.Source == domain.LogSourceWorker {
			workerLines = append(workerLines, e.Message)
		}
	}
	require.Len(t, workerLines, 2)
	assert.Equal(t, "processing query", workerLines[0])

	require.Eventually(t, func() bool {
		return agent.Status() == domain.WorkerStatusIdle
	}, 5*time.Second, 10*time.Millisecond)
}

func TestAgent_DrainsBacklog(t *testing.T) {
	c := newCluster(t)
	c.startAgent(t, Config{WorkerID: "w1"}, echo.NewExecutor(20*time.Millisecond))

	ctx := context.Background()
	queries := []string{"one", "two", "three"}
	sessions := make([]string, 0, len(queries))
	for _, q := range queries {
		id, err := c.coord.Submit(ctx, "u1", q)
		require.NoError(t, err)
		sessions = append(sessions, id)
	}

	for i, id := range sessions {
		sess := c.waitStatus(t, id, domain.SessionStatusDone)
		assert.Equal(t, "echo: "+queries[i], sess.Result)
		assert.Empty(t, sess.Error)
	}
	assert.Zero(t, c.coord.Stats().QueueDepth)
}

func TestAgent_CallbackTargetOverride(t *testing.T) {
	c := newCluster(t)
	c.startAgent(t, Config{WorkerID: "w1", CallbackTarget: "localhost:50051"}, echo.NewExecutor(0))

	sessionID, err := c.coord.Submit(context.Background(), "u1", "hello")
	require.NoError(t, err)
	c.waitStatus(t, sessionID, domain.SessionStatusDone)

	assert.Equal(t, []string{"localhost:50051"}, c.sender.Targets())
}

func TestAgent_ExecutorErrorFailsSession(t *testing.T) {
	c := newCluster(t)
	c.startAgent(t, Config{WorkerID: "w1"}, failingExecutor{err: errors.New("model overloaded")})

	sessionID, err := c.coord.Submit(context.Background(), "u1", "hello")
	require.NoError(t, err)

	sess := c.waitStatus(t, sessionID, domain.SessionStatusFailed)
	assert.Equal(t, "model overloaded", sess.Error)

	reports := c.sender.Reports()
	require.Len(t, reports, 1)
	assert.Empty(t, reports[0].Result)
}

func TestAgent_IgnoresOtherWorkersTasks(t *testing.T) {
	c := newCluster(t)
	release := make(chan struct{})
	c.startAgent(t, Config{WorkerID: "w1"}, blockingExecutor{release: release})
	c.startAgent(t, Config{WorkerID: "w2"}, blockingExecutor{release: release})

	first, err := c.coord.Submit(context.Background(), "u1", "one")
	require.NoError(t, err)
	second, err := c.coord.Submit(context.Background(), "u1", "two")
	require.NoError(t, err)

	s1 := c.waitStatus(t, first, domain.SessionStatusRunning)
	s2 := c.waitStatus(t, second, domain.SessionStatusRunning)
	assert.Equal(t, "w1", s1.AssignedWorker)
	assert.Equal(t, "w2", s2.AssignedWorker)

	close(release)
	assert.Equal(t, "done: one", c.waitStatus(t, first, domain.SessionStatusDone).Result)
	assert.Equal(t, "done: two", c.waitStatus(t, second, domain.SessionStatusDone).Result)
}

func TestAgent_BusyRejectsSecondDispatch(t *testing.T) {
	c := newCluster(t)
	release := make(chan struct{})
	defer close(release)
	agent := c.startAgent(t, Config{WorkerID: "w1"}, blockingExecutor{release: release})

	sessionID, err := c.coord.Submit(context.Background(), "u1", "one")
	require.NoError(t, err)
	c.waitStatus(t, sessionID, domain.SessionStatusRunning)
	assert.Equal(t, domain.WorkerStatusBusy, agent.Status())

	// a stray dispatch for a session the coordinator never assigned
	payload, err := json.Marshal(domain.TaskDispatch{
		WorkerID:     "w1",
		SessionID:    "stray",
		Query:        "two",
		GRPCCallback: "master:50051",
	})
	require.NoError(t, err)
	require.NoError(t, c.bus.Publish(context.Background(), c.topics.Tasks, payload))

	require.Eventually(t, func() bool {
		for _, r := range c.sender.Reports() {
			if r.SessionID == "stray" {
				return r.Error == ErrBusy.Error()
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)

	sess, err := c.coord.Session(sessionID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionStatusRunning, sess.Status)
}

func TestAgent_HeartbeatPublishesStatus(t *testing.T) {
	c := newCluster(t)

	var mu sync.Mutex
	var beats []domain.StatusEvent
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, c.bus.Subscribe(ctx, c.topics.Status, func(_ context.Context, msg ports.Message) error {
		var ev domain.StatusEvent
		if err := json.Unmarshal(msg.Payload, &ev); err != nil {
			return err
		}
		mu.Lock()
		beats = append(beats, ev)
		mu.Unlock()
		return nil
	}))

	c.startAgent(t, Config{WorkerID: "w1", HeartbeatInterval: 10 * time.Millisecond}, echo.NewExecutor(0))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(beats) >= 2
	}, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "w1", beats[0].WorkerID)
	assert.Equal(t, domain.WorkerStatusIdle, beats[0].Status)
}

func TestHeartbeat_StopWaitsForLoop(t *testing.T) {
	var mu sync.Mutex
	count := 0
	hb := NewHeartbeat(5*time.Millisecond, func(context.Context) error {
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	}, zaptest.NewLogger(t))

	hb.Start(context.Background())
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count > 0
	}, time.Second, 5*time.Millisecond)
	hb.Stop()

	mu.Lock()
	stopped := count
	mu.Unlock()
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, stopped, count)

	// disabled heartbeats never start
	NewHeartbeat(0, nil, zaptest.NewLogger(t)).Start(context.Background())
}
