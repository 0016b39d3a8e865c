package flush

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	v1 "github.com/kestrel-lab/project-kestrel/internal/api/v1"
	"github.com/kestrel-lab/project-kestrel/internal/core/config"
	"github.com/kestrel-lab/project-kestrel/internal/repository"
)

// fakeQueue is an in-memory storage.EventStore preserving enqueue order per
// project.
type fakeQueue struct {
	mu              sync.Mutex
	records         map[string][]*v1.EventRecord
	seq             int64
	markFailedCalls int
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{records: make(map[string][]*v1.EventRecord)}
}

func (q *fakeQueue) Enqueue(_ context.Context, record *v1.EventRecord) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.seq++
	record.QueueSeq = q.seq
	q.records[record.ProjectToken] = append(q.records[record.ProjectToken], record)
	return nil
}

func (q *fakeQueue) FetchPending(_ context.Context, projectToken string, limit int) ([]*v1.EventRecord, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	pending := q.records[projectToken]
	if len(pending) > limit {
		pending = pending[:limit]
	}
	out := make([]*v1.EventRecord, len(pending))
	copy(out, pending)
	return out, nil
}

func (q *fakeQueue) MarkDelivered(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.remove(id)
	return nil
}

func (q *fakeQueue) MarkFailed(_ context.Context, id string, maxRetries int) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.markFailedCalls++
	for _, pending := range q.records {
		for _, record := range pending {
			if record.ID == id {
				record.RetryCount++
				if record.RetryCount >= maxRetries {
					q.remove(id)
					return true, nil
				}
				return false, nil
			}
		}
	}
	return false, nil
}

func (q *fakeQueue) CountPending(context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	total := 0
	for _, pending := range q.records {
		total += len(pending)
	}
	return total, nil
}

func (q *fakeQueue) PendingProjects(context.Context) ([]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var projects []string
	for project, pending := range q.records {
		if len(pending) > 0 {
			projects = append(projects, project)
		}
	}
	sort.Strings(projects)
	return projects, nil
}

// caller must hold q.mu
func (q *fakeQueue) remove(id string) {
	for project, pending := range q.records {
		for i, record := range pending {
			if record.ID == id {
				q.records[project] = append(pending[:i:i], pending[i+1:]...)
				return
			}
		}
	}
}

func (q *fakeQueue) pendingIDs(project string) []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	var ids []string
	for _, record := range q.records[project] {
		ids = append(ids, record.ID)
	}
	return ids
}

// fakeTransport records delivery attempts and fails configured event ids.
type fakeTransport struct {
	mu     sync.Mutex
	sent   []string
	fail   map[string]error
	onSend func(ctx context.Context, record *v1.EventRecord) error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{fail: make(map[string]error)}
}

func (tr *fakeTransport) SendEvent(ctx context.Context, record *v1.EventRecord) error {
	if tr.onSend != nil {
		if err := tr.onSend(ctx, record); err != nil {
			return err
		}
	}
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.sent = append(tr.sent, record.ID)
	return tr.fail[record.ID]
}

func (tr *fakeTransport) sentIDs() []string {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	out := make([]string, len(tr.sent))
	copy(out, tr.sent)
	return out
}

func flushConfig(mode string) config.FlushConfig {
	return config.FlushConfig{
		Mode:       mode,
		Interval:   "60s",
		MaxRetries: 10,
		BatchSize:  50,
	}
}

func enqueueN(t *testing.T, q *fakeQueue, project string, n int) []string {
	t.Helper()
	ids := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		id := fmt.Sprintf("%s-evt-%d", project, i)
		require.NoError(t, q.Enqueue(context.Background(), &v1.EventRecord{
			ID:           id,
			Type:         v1.EventTypeSessionStart,
			Timestamp:    1700000000 + int64(i),
			CustomerIDs:  v1.CustomerIDs{v1.IDCookie: "cookie-1"},
			ProjectToken: project,
		}))
		ids = append(ids, id)
	}
	return ids
}

func TestFlushAll_DeliversInQueueOrder(t *testing.T) {
	queue := newFakeQueue()
	transport := newFakeTransport()
	manager := NewManager(queue, transport, flushConfig(config.FlushModeManual))

	ids := enqueueN(t, queue, "proj-main", 3)

	manager.FlushAll(context.Background())

	require.Equal(t, ids, transport.sentIDs())
	count, err := queue.CountPending(context.Background())
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestFlushAll_SmallBatchesStillDrainEverything(t *testing.T) {
	queue := newFakeQueue()
	transport := newFakeTransport()
	cfg := flushConfig(config.FlushModeManual)
	cfg.BatchSize = 2
	manager := NewManager(queue, transport, cfg)

	ids := enqueueN(t, queue, "proj-main", 5)

	manager.FlushAll(context.Background())

	require.Equal(t, ids, transport.sentIDs())
}

func TestFlushAll_RetryableFailureStopsProjectDrain(t *testing.T) {
	queue := newFakeQueue()
	transport := newFakeTransport()
	manager := NewManager(queue, transport, flushConfig(config.FlushModeManual))

	ids := enqueueN(t, queue, "proj-main", 3)
	transport.fail[ids[1]] = &repository.TransportError{Kind: repository.KindServerError, Status: 503}

	var outcome Outcome
	manager.Subscribe(func(o Outcome) { outcome = o })

	manager.FlushAll(context.Background())

	// The third record must not be attempted ahead of the stuck second one.
	require.Equal(t, ids[:2], transport.sentIDs())
	require.Equal(t, []string{ids[1], ids[2]}, queue.pendingIDs("proj-main"))
	require.Equal(t, 1, outcome.Delivered)
	require.Equal(t, 1, outcome.Failed)
	require.Error(t, outcome.Err)
}

func TestFlushAll_TerminalFailureContinuesDrain(t *testing.T) {
	queue := newFakeQueue()
	transport := newFakeTransport()
	manager := NewManager(queue, transport, flushConfig(config.FlushModeManual))

	ids := enqueueN(t, queue, "proj-main", 3)
	transport.fail[ids[1]] = &repository.TransportError{Kind: repository.KindClientError, Status: 400}

	var outcome Outcome
	manager.Subscribe(func(o Outcome) { outcome = o })

	manager.FlushAll(context.Background())

	require.Equal(t, ids, transport.sentIDs())
	require.Equal(t, []string{ids[1]}, queue.pendingIDs("proj-main"))
	require.Equal(t, 2, outcome.Delivered)
	require.Equal(t, 1, outcome.Failed)
}

func TestFlushAll_DropsRecordAfterExhaustingRetries(t *testing.T) {
	queue := newFakeQueue()
	transport := newFakeTransport()
	cfg := flushConfig(config.FlushModeManual)
	cfg.MaxRetries = 2
	manager := NewManager(queue, transport, cfg)

	ids := enqueueN(t, queue, "proj-main", 1)
	transport.fail[ids[0]] = &repository.TransportError{Kind: repository.KindClientError, Status: 400}

	var dropped int
	manager.Subscribe(func(o Outcome) { dropped += o.Dropped })

	manager.FlushAll(context.Background())
	require.Zero(t, dropped)
	require.Equal(t, []string{ids[0]}, queue.pendingIDs("proj-main"))

	// Second failed attempt reaches the budget and retires the record.
	manager.FlushAll(context.Background())
	require.Equal(t, 1, dropped)
	require.Empty(t, queue.pendingIDs("proj-main"))
}

func TestFlushAll_DrainsProjectsIndependently(t *testing.T) {
	queue := newFakeQueue()
	transport := newFakeTransport()
	manager := NewManager(queue, transport, flushConfig(config.FlushModeManual))

	mainIDs := enqueueN(t, queue, "proj-main", 2)
	campaignIDs := enqueueN(t, queue, "proj-campaign", 1)
	transport.fail[mainIDs[0]] = &repository.TransportError{Kind: repository.KindServerError, Status: 502}

	manager.FlushAll(context.Background())

	// proj-main is stuck behind its first record, proj-campaign drains fully.
	require.Equal(t, mainIDs, queue.pendingIDs("proj-main"))
	require.Empty(t, queue.pendingIDs("proj-campaign"))
	require.Contains(t, transport.sentIDs(), campaignIDs[0])
}

func TestFlushAll_AbandonedAttemptAtShutdownIsNotAFailure(t *testing.T) {
	queue := newFakeQueue()
	transport := newFakeTransport()
	manager := NewManager(queue, transport, flushConfig(config.FlushModeManual))

	ids := enqueueN(t, queue, "proj-main", 1)

	ctx, cancel := context.WithCancel(context.Background())
	transport.onSend = func(context.Context, *v1.EventRecord) error {
		cancel()
		return &repository.TransportError{Kind: repository.KindConnection, Cause: context.Canceled}
	}

	manager.FlushAll(ctx)

	require.Zero(t, queue.markFailedCalls)
	require.Equal(t, []string{ids[0]}, queue.pendingIDs("proj-main"))
}

func TestFlushProject_CoalescesConcurrentTriggers(t *testing.T) {
	queue := newFakeQueue()
	transport := newFakeTransport()
	manager := NewManager(queue, transport, flushConfig(config.FlushModeManual))

	enqueueN(t, queue, "proj-main", 1)

	firstSend := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	transport.onSend = func(context.Context, *v1.EventRecord) error {
		once.Do(func() {
			close(firstSend)
			<-release
		})
		return nil
	}

	done := make(chan struct{})
	go func() {
		manager.FlushAll(context.Background())
		close(done)
	}()

	<-firstSend

	// A trigger arriving mid-pass marks a rerun instead of racing the pass.
	enqueueN(t, queue, "proj-main", 1)
	manager.flushProject(context.Background(), "proj-main")

	close(release)
	<-done

	// The rerun pass picks up the record enqueued mid-flight.
	require.Eventually(t, func() bool {
		count, err := queue.CountPending(context.Background())
		return err == nil && count == 0
	}, time.Second, 5*time.Millisecond)
}

func TestRequestFlush_Policies(t *testing.T) {
	t.Run("immediate always drains", func(t *testing.T) {
		queue := newFakeQueue()
		transport := newFakeTransport()
		manager := NewManager(queue, transport, flushConfig(config.FlushModeImmediate))
		enqueueN(t, queue, "proj-main", 1)

		manager.RequestFlush(context.Background())
		require.Len(t, transport.sentIDs(), 1)
	})

	t.Run("manual ignores triggers", func(t *testing.T) {
		queue := newFakeQueue()
		transport := newFakeTransport()
		manager := NewManager(queue, transport, flushConfig(config.FlushModeManual))
		enqueueN(t, queue, "proj-main", 1)

		manager.RequestFlush(context.Background())
		require.Empty(t, transport.sentIDs())
	})

	t.Run("periodic drains only when the interval elapsed", func(t *testing.T) {
		queue := newFakeQueue()
		transport := newFakeTransport()
		manager := NewManager(queue, transport, flushConfig(config.FlushModePeriodic))
		enqueueN(t, queue, "proj-main", 2)

		now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
		manager.nowFn = func() time.Time { return now }

		manager.RequestFlush(context.Background())
		require.Len(t, transport.sentIDs(), 2)

		enqueueN(t, queue, "proj-main", 1)

		now = now.Add(30 * time.Second)
		manager.RequestFlush(context.Background())
		require.Len(t, transport.sentIDs(), 2)

		now = now.Add(31 * time.Second)
		manager.RequestFlush(context.Background())
		require.Len(t, transport.sentIDs(), 3)
	})
}

func TestNotify_ObserverPanicDoesNotBreakDelivery(t *testing.T) {
	queue := newFakeQueue()
	transport := newFakeTransport()
	manager := NewManager(queue, transport, flushConfig(config.FlushModeManual))

	enqueueN(t, queue, "proj-main", 1)

	var observed []Outcome
	manager.Subscribe(func(Outcome) { panic("observer bug") })
	manager.Subscribe(func(o Outcome) { observed = append(observed, o) })

	manager.FlushAll(context.Background())

	require.Len(t, observed, 1)
	require.Equal(t, 1, observed[0].Delivered)
	require.NoError(t, observed[0].Err)
}
