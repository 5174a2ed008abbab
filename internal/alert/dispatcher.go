package alert

// Dispatcher fans out alert events to matching webhook configurations.
type Dispatcher struct {
	configs []AlertConfig
	onError func(cfg AlertConfig, err error)
}

// NewDispatcher creates a Dispatcher from webhook configurations.
// Returns nil if configs is empty (callers should nil-check).
func NewDispatcher(configs []AlertConfig) *Dispatcher {
	if len(configs) == 0 {
		return nil
	}
	return &Dispatcher{configs: configs}
}

// OnError registers a callback for failed deliveries.
func (d *Dispatcher) OnError(fn func(cfg AlertConfig, err error)) {
	d.onError = fn
}

// Dispatch sends the event to all webhooks whose Events list matches
// event.Type or event.Severity. Fires goroutines and does not block.
func (d *Dispatcher) Dispatch(event AlertEvent) {
	if d == nil {
		return
	}
	for _, cfg := range d.configs {
		if matches(cfg.Events, event) {
			go func(cfg AlertConfig) {
				if err := Send(cfg, event); err != nil && d.onError != nil {
					d.onError(cfg, err)
				}
			}(cfg)
		}
	}
}

func matches(events []string, event AlertEvent) bool {
	for _, e := range events {
		if e == "*" || e == event.Type {
			return true
		}
		if event.Severity != "" && e == event.Severity {
			return true
		}
	}
	return false
}
