package models

// ScheduledJob describes a recurring housekeeping task run by the scheduler.
type ScheduledJob struct {
	Name           string         `json:"name" mapstructure:"name"`
	Slug           string         `json:"slug" mapstructure:"slug"`
	Handler        string         `json:"handler" mapstructure:"handler"`
	Schedule       string         `json:"schedule" mapstructure:"schedule"`
	TimeoutSeconds int            `json:"timeout_seconds" mapstructure:"timeout_seconds"`
	Config         map[string]any `json:"config,omitempty" mapstructure:"config"`
}
