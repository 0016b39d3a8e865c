package v1

// InboxMessage is one cached app-inbox message. Messages are created by the
// fetch/merge cycle and carry the identity snapshot they were fetched under;
// a message whose snapshot no longer matches the current customer is orphaned
// and must not produce tracking.
type InboxMessage struct {
	// ID is assigned by the collector and is the merge key for upserts.
	ID string `json:"id"`

	// CustomerIDs is the identity the message was fetched for. Nil once
	// unassigned (e.g. constructed locally without a fetch).
	CustomerIDs CustomerIDs `json:"customer_ids,omitempty"`

	// Content is the opaque message payload (title, body, actions, campaign
	// attribution under "url_params").
	Content map[string]interface{} `json:"content"`

	// IsRead is mutated locally on open and mirrored to the collector
	// best-effort.
	IsRead bool `json:"is_read"`

	// ReceivedAt is the collector-side creation time, epoch seconds.
	ReceivedAt int64 `json:"received_at"`

	// SyncToken is the token epoch the message was fetched under.
	SyncToken string `json:"-"`
}

// AssignedTo reports whether the message still belongs to the given identity.
// The comparison is on the anonymous cookie: registered identifiers may merge
// onto the same customer, but a cookie change is a new-customer boundary.
func (m *InboxMessage) AssignedTo(ids CustomerIDs) bool {
	if len(m.CustomerIDs) == 0 {
		return false
	}
	return m.CustomerIDs.Cookie() != "" && m.CustomerIDs.Cookie() == ids.Cookie()
}

// CampaignProperties extracts the campaign attribution pairs carried in the
// message content, for stamping onto "campaign" tracking events.
func (m *InboxMessage) CampaignProperties() map[string]interface{} {
	props := map[string]interface{}{
		"action_type":   "app inbox",
		"platform":      "app",
		"campaign_name": "",
	}
	urlParams, ok := m.Content["url_params"].(map[string]interface{})
	if !ok {
		return props
	}
	for key, value := range urlParams {
		props[key] = value
	}
	if name, ok := urlParams["utm_campaign"].(string); ok {
		props["campaign_name"] = name
	}
	return props
}
