package models

// BudgetAction decides what happens when a budget is exceeded.
type BudgetAction string

const (
	BudgetWarn  BudgetAction = "warn"
	BudgetBlock BudgetAction = "block"
)

// BudgetPolicy limits spend in USD. A zero limit disables that window.
type BudgetPolicy struct {
	PerSession float64      `json:"per_session" yaml:"per_session" toml:"per_session"`
	PerHour    float64      `json:"per_hour" yaml:"per_hour" toml:"per_hour"`
	OnExceeded BudgetAction `json:"on_exceeded" yaml:"on_exceeded" toml:"on_exceeded"`
}

// BudgetStatus shows spend against one budget window.
type BudgetStatus struct {
	Window    string  `json:"window"`
	Limit     float64 `json:"limit"`
	Spent     float64 `json:"spent"`
	Remaining float64 `json:"remaining"`
	Exceeded  bool    `json:"exceeded"`
}
