package events

import (
	"context"
	"sync"
	"time"

	"opportunity-engine/internal/models"
)

// EventType represents the type of event.
type EventType string

const (
	// EventOpportunityCreated is emitted when a partner creates or updates an opportunity
	EventOpportunityCreated EventType = "opportunity.created"
	// EventDiscovery is emitted when a discovery call returns results
	EventDiscovery EventType = "opportunity.discovered"
	// EventClaimAccepted is emitted when an acceptance commits
	EventClaimAccepted EventType = "claim.accepted"
	// EventClaimCompleted is emitted when a claim is redeemed
	EventClaimCompleted EventType = "claim.completed"
	// EventClaimCancelled is emitted when an accepted claim is released
	EventClaimCancelled EventType = "claim.cancelled"
	// EventDismissed is emitted when a user dismisses an opportunity
	EventDismissed EventType = "interaction.dismissed"
	// EventAcceptFailed is emitted when an acceptance is declined; failed
	// attempts are recorded here for analytics, never as interaction rows
	EventAcceptFailed EventType = "claim.accept_failed"
)

// Event represents an event in the system.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Data      interface{}
}

// OpportunityCreatedData contains data for opportunity created events.
type OpportunityCreatedData struct {
	Opportunity models.Opportunity
}

// DiscoveryData contains data for discovery events.
type DiscoveryData struct {
	SessionID string
	UserID    string
	Returned  int
	Evaluated int
}

// ClaimData contains data for accept/complete/cancel events.
type ClaimData struct {
	UserID        string
	OpportunityID string
	SessionID     string
	ClaimToken    string
	ValueCents    int64
}

// DismissedData contains data for dismissal events.
type DismissedData struct {
	UserID        string
	OpportunityID string
	Reason        string
}

// AcceptFailedData contains data for declined acceptance attempts.
type AcceptFailedData struct {
	UserID        string
	OpportunityID string
	SessionID     string
	Cause         string
}

// Handler is a function that handles events.
type Handler func(ctx context.Context, event Event) error

// Manager manages event handlers and event publishing.
type Manager struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
	enabled  bool
}

// NewManager creates a new event manager.
func NewManager(enabled bool) *Manager {
	return &Manager{
		handlers: make(map[EventType][]Handler),
		enabled:  enabled,
	}
}

// Subscribe subscribes a handler to a specific event type.
func (m *Manager) Subscribe(eventType EventType, handler Handler) {
	if !m.enabled {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.handlers[eventType] = append(m.handlers[eventType], handler)
}

// Publish publishes an event to all subscribed handlers. Handlers run
// asynchronously so the write path never blocks on analytics.
func (m *Manager) Publish(ctx context.Context, eventType EventType, data interface{}) {
	if !m.enabled {
		return
	}

	m.mu.RLock()
	handlers := m.handlers[eventType]
	m.mu.RUnlock()

	if len(handlers) == 0 {
		return
	}

	event := Event{
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
	}

	for _, handler := range handlers {
		go func(h Handler) {
			if err := h(ctx, event); err != nil {
				_ = err
			}
		}(handler)
	}
}

// Shutdown shuts down the event manager.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.enabled = false
	m.handlers = make(map[EventType][]Handler)
}
