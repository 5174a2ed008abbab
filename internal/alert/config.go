package alert

// AlertConfig defines a webhook alert destination.
type AlertConfig struct {
	URL     string            `yaml:"url"     json:"url"     koanf:"url"`
	Format  string            `yaml:"format"  json:"format"  koanf:"format"` // "generic", "slack", "pagerduty"
	Events  []string          `yaml:"events"  json:"events"  koanf:"events"` // event types or severities: ["injection_attempt", "health_critical", "critical"]
	Headers map[string]string `yaml:"headers" json:"headers" koanf:"headers"`
}

// AlertEvent is the payload sent to webhook endpoints.
type AlertEvent struct {
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Severity  string `json:"severity"`
	EventID   string `json:"event_id,omitempty"`
	TenantID  string `json:"tenant_id,omitempty"`
	UserID    string `json:"user_id,omitempty"`
	Operation string `json:"operation,omitempty"`
	Reason    string `json:"reason,omitempty"`
}
