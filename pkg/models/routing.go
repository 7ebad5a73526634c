package models

import "time"

// ProviderStatus is a health snapshot of one provider.
type ProviderStatus struct {
	Name                string        `json:"name"`
	Healthy             bool          `json:"healthy"`
	Latency             time.Duration `json:"latency"`
	SuccessRate         float64       `json:"success_rate"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	TotalRequests       int64         `json:"total_requests"`
	LastChecked         time.Time     `json:"last_checked,omitempty"`
}

// RoutingEventType classifies a routing event.
type RoutingEventType string

const (
	EventSwitch       RoutingEventType = "switch"
	EventFallback     RoutingEventType = "fallback"
	EventStatusUpdate RoutingEventType = "status-update"
)

// RoutingEvent records a provider switch, a fallback or a health change.
// From is empty on the initial selection.
type RoutingEvent struct {
	Type      RoutingEventType  `json:"type"`
	From      string            `json:"from,omitempty"`
	To        string            `json:"to"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// RoutingState is a snapshot of the routing controller. CurrentProvider is
// empty until a provider has been selected or served a request.
type RoutingState struct {
	CurrentProvider string           `json:"current_provider,omitempty"`
	Providers       []ProviderStatus `json:"providers"`
	Events          []RoutingEvent   `json:"events"`
	LastEvent       *RoutingEvent    `json:"last_event,omitempty"`
	Refreshing      bool             `json:"refreshing"`
	LastRefresh     time.Time        `json:"last_refresh,omitempty"`
	Err             string           `json:"error,omitempty"`
}
