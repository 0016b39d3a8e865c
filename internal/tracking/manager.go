package tracking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	v1 "github.com/kestrel-lab/project-kestrel/internal/api/v1"
	"github.com/kestrel-lab/project-kestrel/internal/core/config"
	"github.com/kestrel-lab/project-kestrel/internal/core/consent"
	"github.com/kestrel-lab/project-kestrel/internal/core/identity"
	"github.com/kestrel-lab/project-kestrel/internal/core/storage"
	"github.com/shopspring/decimal"
)

// agentVersion is stamped onto every tracked event.
const agentVersion = "0.4.0"

// ErrInvalidPayment marks a payment rejected by validation before any
// record was created.
var ErrInvalidPayment = errors.New("invalid payment")

// Flusher receives flush triggers after enqueue; the configured policy
// decides whether a pass actually runs.
type Flusher interface {
	RequestFlush(ctx context.Context)
}

// EventCallback mirrors tracked events to the host application right after
// the durable enqueue. Fire-and-forget: it must never block or fail the
// tracking call.
type EventCallback func(record *v1.EventRecord)

// Manager turns semantic actions into fully-formed event records: consent
// check, identity snapshot, default properties, durable enqueue, flush
// trigger.
type Manager struct {
	store        storage.EventStore
	register     *identity.Register
	gate         *consent.Gate
	flusher      Flusher
	onEvent      EventCallback
	project      string
	campaignProj string
	defaultProps map[string]string

	// overridable in tests
	nowFn func() time.Time
	newID func() string
}

// NewManager wires the tracking façade. onEvent may be nil.
func NewManager(
	store storage.EventStore,
	register *identity.Register,
	gate *consent.Gate,
	flusher Flusher,
	collector config.CollectorConfig,
	tracking config.TrackingConfig,
	onEvent EventCallback,
) *Manager {
	campaignProj := collector.CampaignProjectToken
	if campaignProj == "" {
		campaignProj = collector.ProjectToken
	}
	return &Manager{
		store:        store,
		register:     register,
		gate:         gate,
		flusher:      flusher,
		onEvent:      onEvent,
		project:      collector.ProjectToken,
		campaignProj: campaignProj,
		defaultProps: tracking.DefaultProperties,
		nowFn:        time.Now,
		newID:        uuid.NewString,
	}
}

// Track records one event. A consent denial is a silent success: no record
// is created and no error is returned. A storage failure is returned loudly
// because durability could not be guaranteed.
func (m *Manager) Track(ctx context.Context, eventType string, properties map[string]interface{}, category string, mode consent.Mode) error {
	if !m.gate.IsAllowed(category, mode) {
		slog.Debug("[Tracking] Consent denied, event suppressed",
			"event_type", eventType, "category", category, "mode", mode.String())
		return nil
	}

	record := &v1.EventRecord{
		ID:           m.newID(),
		Type:         eventType,
		Timestamp:    m.nowFn().Unix(),
		Properties:   m.stampDefaults(properties),
		CustomerIDs:  m.register.Snapshot(),
		ProjectToken: m.routeProject(eventType),
	}
	if err := record.Validate(); err != nil {
		return fmt.Errorf("invalid event record: %w", err)
	}

	if err := m.store.Enqueue(ctx, record); err != nil {
		return fmt.Errorf("failed to enqueue %s event: %w", eventType, err)
	}

	slog.Debug("[Tracking] Enqueued event",
		"event_id", record.ID,
		"event_type", record.Type,
		"project_token", record.ProjectToken)

	m.emit(record)
	m.flusher.RequestFlush(ctx)
	return nil
}

// TrackSessionStart records the beginning of a session.
func (m *Manager) TrackSessionStart(ctx context.Context) error {
	return m.Track(ctx, v1.EventTypeSessionStart, nil, consent.CategorySessions, consent.ModeWithConsent)
}

// TrackSessionEnd records the end of a session with its duration in seconds.
func (m *Manager) TrackSessionEnd(ctx context.Context, duration float64) error {
	props := map[string]interface{}{"duration": duration}
	return m.Track(ctx, v1.EventTypeSessionEnd, props, consent.CategorySessions, consent.ModeWithConsent)
}

// TrackPushDelivered records a delivered push notification as a campaign
// event with its attribution data.
func (m *Manager) TrackPushDelivered(ctx context.Context, campaignData map[string]interface{}, mode consent.Mode) error {
	props := mergeProperties(campaignData, map[string]interface{}{
		"status":   "delivered",
		"platform": "app",
	})
	return m.Track(ctx, v1.EventTypeCampaign, props, consent.CategoryPush, mode)
}

// TrackPushOpened records an opened push notification.
func (m *Manager) TrackPushOpened(ctx context.Context, campaignData map[string]interface{}, mode consent.Mode) error {
	props := mergeProperties(campaignData, map[string]interface{}{
		"status":   "clicked",
		"platform": "app",
	})
	return m.Track(ctx, v1.EventTypeCampaign, props, consent.CategoryPush, mode)
}

// TrackCampaignClick records a deeplink/campaign click landing in the app.
func (m *Manager) TrackCampaignClick(ctx context.Context, url string, campaignData map[string]interface{}) error {
	props := mergeProperties(campaignData, map[string]interface{}{
		"url":      url,
		"platform": "app",
	})
	return m.Track(ctx, v1.EventTypeCampaign, props, consent.CategoryCampaign, consent.ModeWithConsent)
}

// TrackPayment records a purchase. The amount is validated exactly, then
// flattened for the wire payload.
func (m *Manager) TrackPayment(ctx context.Context, amount decimal.Decimal, currency, productID, paymentSystem string) error {
	if amount.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("%w: amount must be positive, got %s", ErrInvalidPayment, amount)
	}
	if currency == "" {
		return fmt.Errorf("%w: currency is required", ErrInvalidPayment)
	}
	props := map[string]interface{}{
		"price":          amount.InexactFloat64(),
		"currency":       currency,
		"product_id":     productID,
		"payment_system": paymentSystem,
	}
	return m.Track(ctx, v1.EventTypePayment, props, consent.CategoryPayments, consent.ModeWithConsent)
}

// TrackConsentChange records a consent grant/revoke. Bypasses the gate:
// the consent change itself must always reach the collector.
func (m *Manager) TrackConsentChange(ctx context.Context, category string, granted bool) error {
	props := map[string]interface{}{
		"category": category,
		"action":   consentAction(granted),
	}
	return m.Track(ctx, v1.EventTypeConsent, props, consent.CategorySystem, consent.ModeIgnoreConsent)
}

// Identify merges registered identifiers into the current customer and
// tracks the merge so the collector observes it in order with surrounding
// events.
func (m *Manager) Identify(ctx context.Context, ids v1.CustomerIDs) error {
	merged, err := m.register.Identify(ctx, ids)
	if err != nil {
		return err
	}

	props := make(map[string]interface{}, len(merged))
	for key, value := range merged {
		props[key] = value
	}
	return m.Track(ctx, v1.EventTypeIdentify, props, consent.CategorySystem, consent.ModeIgnoreConsent)
}

// Anonymize switches to a new customer. Events already queued keep their
// old-identity snapshots; identity-scoped caches are invalidated by the
// register's observers.
func (m *Manager) Anonymize(ctx context.Context) (v1.CustomerIDs, error) {
	return m.register.Anonymize(ctx)
}

// stampDefaults copies the caller's properties and adds the built-in and
// configured default pairs. Caller-provided keys win.
func (m *Manager) stampDefaults(properties map[string]interface{}) map[string]interface{} {
	stamped := make(map[string]interface{}, len(properties)+len(m.defaultProps)+1)
	stamped["sdk_version"] = agentVersion
	for key, value := range m.defaultProps {
		stamped[key] = value
	}
	for key, value := range properties {
		stamped[key] = value
	}
	return stamped
}

// routeProject picks the target project for an event type. Campaign events
// may go to a dedicated sub-project.
func (m *Manager) routeProject(eventType string) string {
	if eventType == v1.EventTypeCampaign {
		return m.campaignProj
	}
	return m.project
}

// emit fires the host mirror callback, shielded so a misbehaving host never
// fails a tracking call that already succeeded durably.
func (m *Manager) emit(record *v1.EventRecord) {
	if m.onEvent == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Error("[Tracking] Event callback panicked", "panic", r, "event_id", record.ID)
		}
	}()
	m.onEvent(record)
}

func mergeProperties(base, extra map[string]interface{}) map[string]interface{} {
	merged := make(map[string]interface{}, len(base)+len(extra))
	for key, value := range base {
		merged[key] = value
	}
	for key, value := range extra {
		merged[key] = value
	}
	return merged
}

func consentAction(granted bool) string {
	if granted {
		return "accept"
	}
	return "reject"
}
