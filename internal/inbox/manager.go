package inbox

import (
	"context"
	"fmt"
	"log/slog"

	v1 "github.com/kestrel-lab/project-kestrel/internal/api/v1"
	"github.com/kestrel-lab/project-kestrel/internal/core/consent"
	"github.com/kestrel-lab/project-kestrel/internal/core/identity"
	"github.com/kestrel-lab/project-kestrel/internal/core/storage"
	"github.com/kestrel-lab/project-kestrel/internal/repository"
)

// Tracker is the slice of the tracking façade the inbox needs for open and
// click interactions.
type Tracker interface {
	Track(ctx context.Context, eventType string, properties map[string]interface{}, category string, mode consent.Mode) error
}

// Manager synchronizes the app inbox: fetch pages from the collector keyed
// by a sync token, merge them into the local cache without losing read
// state, and route open/click interactions through the tracking pipeline.
// Interactions on a message no longer assigned to the current customer are
// suppressed so tracking is never attributed to the wrong customer.
type Manager struct {
	repo         repository.FetchRepository
	store        storage.InboxStore
	register     *identity.Register
	tracker      Tracker
	projectToken string
}

// NewManager wires the inbox synchronizer and subscribes it to the identity
// register: a new-customer switch evicts the cache and sync tokens of the
// old identity.
func NewManager(
	repo repository.FetchRepository,
	store storage.InboxStore,
	register *identity.Register,
	tracker Tracker,
	projectToken string,
) *Manager {
	m := &Manager{
		repo:         repo,
		store:        store,
		register:     register,
		tracker:      tracker,
		projectToken: projectToken,
	}
	register.Subscribe(func(ctx context.Context, _ v1.CustomerIDs) {
		if err := store.Clear(ctx); err != nil {
			slog.Error("[Inbox] Failed to clear cache on customer switch", "error", err)
			return
		}
		slog.Debug("[Inbox] Cache cleared on customer switch")
	})
	return m
}

// Fetch requests the next inbox page for the current identity and returns
// the merged, identity-scoped cache contents. A fetch abandoned mid-call
// leaves already-merged cache state intact.
func (m *Manager) Fetch(ctx context.Context) ([]*v1.InboxMessage, error) {
	ids := m.register.Snapshot()
	cookie := ids.Cookie()

	syncToken, err := m.store.ReadSyncToken(ctx, cookie)
	if err != nil {
		return nil, err
	}

	response, err := m.repo.FetchAppInbox(ctx, m.projectToken, ids, syncToken)
	if err != nil {
		return nil, fmt.Errorf("inbox fetch failed: %w", err)
	}

	messages := make([]*v1.InboxMessage, 0, len(response.Messages))
	for _, wire := range response.Messages {
		messages = append(messages, &v1.InboxMessage{
			ID:          wire.ID,
			CustomerIDs: ids.Clone(),
			Content:     wire.Content,
			IsRead:      wire.IsRead,
			ReceivedAt:  wire.CreateTimestamp,
			SyncToken:   response.SyncToken,
		})
	}

	if err := m.store.UpsertMessages(ctx, messages); err != nil {
		return nil, err
	}

	if response.SyncToken != "" && response.SyncToken != syncToken {
		if err := m.store.WriteSyncToken(ctx, cookie, response.SyncToken); err != nil {
			return nil, err
		}
	}

	slog.Debug("[Inbox] Fetched page",
		"message_count", len(response.Messages),
		"sync_token", response.SyncToken)

	return m.store.ListMessages(ctx, cookie)
}

// MarkRead flips the local read state optimistically and mirrors it to the
// collector best-effort; a remote failure is logged, never surfaced.
func (m *Manager) MarkRead(ctx context.Context, messageIDs []string) error {
	if err := m.store.MarkMessagesRead(ctx, messageIDs); err != nil {
		return err
	}

	ids := m.register.Snapshot()
	syncToken, err := m.store.ReadSyncToken(ctx, ids.Cookie())
	if err != nil {
		slog.Warn("[Inbox] Failed to read sync token for mark-read mirror", "error", err)
		return nil
	}

	if err := m.repo.MarkAppInboxRead(ctx, m.projectToken, ids, messageIDs, syncToken); err != nil {
		slog.Warn("[Inbox] Failed to mirror read state to collector",
			"message_ids", messageIDs, "error", err)
	}
	return nil
}

// TrackOpened tracks an inbox open as a campaign event. Suppressed silently
// when the message's stored identity no longer matches the current customer.
func (m *Manager) TrackOpened(ctx context.Context, messageID string, mode consent.Mode) error {
	message, ok, err := m.assignedMessage(ctx, messageID)
	if err != nil || !ok {
		return err
	}

	props := message.CampaignProperties()
	props["status"] = "opened"
	return m.tracker.Track(ctx, v1.EventTypeCampaign, props, consent.CategoryInbox, mode)
}

// TrackClick tracks an inbox action click as a campaign event carrying the
// button text and link. Same identity suppression as TrackOpened.
func (m *Manager) TrackClick(ctx context.Context, messageID, buttonText, buttonLink string, mode consent.Mode) error {
	message, ok, err := m.assignedMessage(ctx, messageID)
	if err != nil || !ok {
		return err
	}

	props := message.CampaignProperties()
	props["status"] = "clicked"
	props["cta"] = buttonText
	props["url"] = buttonLink
	return m.tracker.Track(ctx, v1.EventTypeCampaign, props, consent.CategoryInbox, mode)
}

// Clear evicts the whole cache explicitly.
func (m *Manager) Clear(ctx context.Context) error {
	return m.store.Clear(ctx)
}

// assignedMessage loads a cached message and checks it against the current
// identity. An orphaned message (fetched for a superseded customer) reports
// ok=false with no error: the interaction is suppressed, not failed.
func (m *Manager) assignedMessage(ctx context.Context, messageID string) (*v1.InboxMessage, bool, error) {
	message, err := m.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, false, err
	}

	if current := m.register.Snapshot(); !message.AssignedTo(current) {
		slog.Debug("[Inbox] Interaction on orphaned message suppressed",
			"message_id", messageID,
			"message_cookie", message.CustomerIDs.Cookie(),
			"current_cookie", current.Cookie())
		return nil, false, nil
	}
	return message, true, nil
}
