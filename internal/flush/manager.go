package flush

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/kestrel-lab/project-kestrel/internal/core/config"
	"github.com/kestrel-lab/project-kestrel/internal/core/storage"
	"github.com/kestrel-lab/project-kestrel/internal/repository"
	"golang.org/x/sync/errgroup"
)

// Outcome summarizes one flush pass over a single project, reported to
// diagnostic observers. Err carries the failure that stopped the pass early,
// if any.
type Outcome struct {
	ProjectToken string
	Delivered    int
	Failed       int
	Dropped      int
	Err          error
}

// Observer receives per-pass outcomes. Fire-and-forget: a panicking or slow
// observer must never break delivery.
type Observer func(Outcome)

type passState struct {
	running bool
	rerun   bool
}

// Manager drains the durable event queue against the collector. At most one
// pass per project runs at a time; a trigger arriving mid-pass coalesces
// into one more pass after the current one instead of running in parallel.
type Manager struct {
	store    storage.EventStore
	client   repository.TrackingRepository
	cfg      config.FlushConfig
	interval time.Duration

	mu        sync.Mutex
	passes    map[string]*passState
	lastPass  time.Time
	observers []Observer

	// nowFn is overridable in tests.
	nowFn func() time.Time
}

// NewManager creates a flushing manager. The flush policy was validated at
// config load.
func NewManager(store storage.EventStore, client repository.TrackingRepository, cfg config.FlushConfig) *Manager {
	interval, err := time.ParseDuration(cfg.EffectiveInterval())
	if err != nil {
		interval = time.Minute
	}
	return &Manager{
		store:    store,
		client:   client,
		cfg:      cfg,
		interval: interval,
		passes:   make(map[string]*passState),
		nowFn:    time.Now,
	}
}

// Subscribe registers a diagnostic observer for flush-pass outcomes.
func (m *Manager) Subscribe(obs Observer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, obs)
}

// RequestFlush applies the configured policy to a flush trigger (enqueue,
// app foreground, timer tick). Immediate always drains, periodic drains only
// when the interval has elapsed since the last pass, manual ignores the
// trigger entirely.
func (m *Manager) RequestFlush(ctx context.Context) {
	switch m.cfg.Mode {
	case config.FlushModeImmediate:
		m.FlushAll(ctx)
	case config.FlushModePeriodic:
		m.mu.Lock()
		due := m.nowFn().Sub(m.lastPass) >= m.interval
		m.mu.Unlock()
		if due {
			m.FlushAll(ctx)
		}
	case config.FlushModeManual:
		// Only an explicit FlushAll call drains.
	}
}

// FlushAll drains every project with pending records, one coalesced pass per
// project, projects in parallel. Delivery failures are reported via
// observers and logs; they never propagate to the caller.
func (m *Manager) FlushAll(ctx context.Context) {
	m.mu.Lock()
	m.lastPass = m.nowFn()
	m.mu.Unlock()

	projects, err := m.store.PendingProjects(ctx)
	if err != nil {
		slog.Error("[Flush] Failed to list pending projects", "error", err)
		return
	}
	if len(projects) == 0 {
		return
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, project := range projects {
		g.Go(func() error {
			m.flushProject(ctx, project)
			return nil
		})
	}
	g.Wait()
}

// flushProject runs the coalesced pass loop for one project. If a pass is
// already in flight the call marks a rerun and returns; the running pass
// picks it up when it finishes.
func (m *Manager) flushProject(ctx context.Context, project string) {
	m.mu.Lock()
	st := m.passes[project]
	if st == nil {
		st = &passState{}
		m.passes[project] = st
	}
	if st.running {
		st.rerun = true
		m.mu.Unlock()
		return
	}
	st.running = true
	m.mu.Unlock()

	for {
		m.drainProject(ctx, project)

		m.mu.Lock()
		if st.rerun {
			st.rerun = false
			m.mu.Unlock()
			continue
		}
		st.running = false
		m.mu.Unlock()
		return
	}
}

// drainProject attempts delivery of the project's queued records in creation
// order, one batch at a time. A retryable failure stops the drain so a later
// event is never delivered before an earlier one succeeded; a terminal
// failure counts toward the record's retry budget and the drain moves on.
func (m *Manager) drainProject(ctx context.Context, project string) {
	outcome := Outcome{ProjectToken: project}

	for {
		records, err := m.store.FetchPending(ctx, project, m.cfg.BatchSize)
		if err != nil {
			slog.Error("[Flush] Failed to fetch pending events", "project_token", project, "error", err)
			outcome.Err = err
			break
		}
		if len(records) == 0 {
			break
		}

		batchDelivered := 0
		stopped := false
		for _, record := range records {
			sendErr := m.client.SendEvent(ctx, record)
			if sendErr == nil {
				if err := m.store.MarkDelivered(ctx, record.ID); err != nil {
					slog.Error("[Flush] Failed to retire delivered event",
						"event_id", record.ID, "error", err)
				}
				outcome.Delivered++
				batchDelivered++
				continue
			}

			// An attempt abandoned by shutdown is not a failed
			// attempt; the record retries untouched on next launch.
			if ctx.Err() != nil {
				outcome.Err = ctx.Err()
				stopped = true
				break
			}

			outcome.Failed++
			dropped, mfErr := m.store.MarkFailed(ctx, record.ID, m.cfg.MaxRetries)
			if mfErr != nil {
				slog.Error("[Flush] Failed to record delivery failure",
					"event_id", record.ID, "error", mfErr)
			}
			if dropped {
				outcome.Dropped++
			}

			if retryableFailure(sendErr) {
				slog.Warn("[Flush] Retryable delivery failure, pausing project drain",
					"project_token", project,
					"event_id", record.ID,
					"retry_count", record.RetryCount+1,
					"error", sendErr)
				outcome.Err = sendErr
				stopped = true
				break
			}

			slog.Warn("[Flush] Terminal delivery failure",
				"project_token", project,
				"event_id", record.ID,
				"error", sendErr)
		}

		// Refetching is only safe when the whole batch went through;
		// anything left behind waits for the next trigger.
		if stopped || batchDelivered < len(records) {
			break
		}
	}

	slog.Debug("[Flush] Pass finished",
		"project_token", project,
		"delivered", outcome.Delivered,
		"failed", outcome.Failed,
		"dropped", outcome.Dropped)
	m.notify(outcome)
}

func (m *Manager) notify(outcome Outcome) {
	m.mu.Lock()
	observers := make([]Observer, len(m.observers))
	copy(observers, m.observers)
	m.mu.Unlock()

	for _, obs := range observers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("[Flush] Observer panicked", "panic", r)
				}
			}()
			obs(outcome)
		}()
	}
}

// retryableFailure decides whether a delivery failure is transient. Anything
// that is not an explicitly terminal transport error (4xx) is treated as
// retryable, including context cancellation at shutdown.
func retryableFailure(err error) bool {
	var terr *repository.TransportError
	if errors.As(err, &terr) {
		return terr.Retryable()
	}
	return true
}
