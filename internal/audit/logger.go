package audit

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ppiankov/tenantwatch/internal/alert"
	"github.com/ppiankov/tenantwatch/internal/model"
)

// Sink durably stores events outside the process.
type Sink interface {
	Name() string
	Write(ctx context.Context, e *Event) error
	Close() error
}

// Purger is implemented by sinks that support retention.
type Purger interface {
	Purge(ctx context.Context, before time.Time) (int, error)
}

// Config controls retention, health evaluation and sink behaviour.
type Config struct {
	Retention       time.Duration
	CleanupInterval time.Duration
	HealthInterval  time.Duration
	SinkTimeout     time.Duration
	Thresholds      Thresholds
}

// DefaultConfig returns the built-in audit settings.
func DefaultConfig() Config {
	return Config{
		Retention:       365 * 24 * time.Hour,
		CleanupInterval: time.Hour,
		HealthInterval:  time.Minute,
		SinkTimeout:     2 * time.Second,
		Thresholds:      DefaultThresholds(),
	}
}

// Logger is the in-process audit store. It is safe for concurrent use.
type Logger struct {
	cfg    Config
	logger *zap.Logger
	now    func() time.Time
	sinks  []Sink
	alerts *alert.Dispatcher

	onSinkError func(sink string, err error)

	mu       sync.RWMutex
	events   []*Event
	byID     map[string]*Event
	byType   map[EventType][]*Event
	byUser   map[string][]*Event
	byTenant map[string][]*Event

	healthMu   sync.RWMutex
	lastHealth *HealthReport

	stop chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// Option configures a Logger.
type Option func(*Logger)

// WithZap sets the structured logger.
func WithZap(l *zap.Logger) Option {
	return func(a *Logger) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithSinks adds durable sinks.
func WithSinks(sinks ...Sink) Option {
	return func(a *Logger) {
		for _, s := range sinks {
			if s != nil {
				a.sinks = append(a.sinks, s)
			}
		}
	}
}

// WithAlerts routes health transitions and critical events to webhooks.
func WithAlerts(d *alert.Dispatcher) Option {
	return func(a *Logger) { a.alerts = d }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(a *Logger) { a.now = now }
}

// WithSinkErrorHandler is called whenever a sink write fails.
func WithSinkErrorHandler(fn func(sink string, err error)) Option {
	return func(a *Logger) { a.onSinkError = fn }
}

// NewLogger creates an audit logger.
func NewLogger(cfg Config, opts ...Option) *Logger {
	def := DefaultConfig()
	if cfg.Retention <= 0 {
		cfg.Retention = def.Retention
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = def.CleanupInterval
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = def.HealthInterval
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = def.SinkTimeout
	}
	if cfg.Thresholds == (Thresholds{}) {
		cfg.Thresholds = def.Thresholds
	}

	a := &Logger{
		cfg:      cfg,
		logger:   zap.NewNop(),
		now:      time.Now,
		byID:     make(map[string]*Event),
		byType:   make(map[EventType][]*Event),
		byUser:   make(map[string][]*Event),
		byTenant: make(map[string][]*Event),
		stop:     make(chan struct{}),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// NewID returns a fresh event id. Callers reserve one when the id must be
// known before the event is logged.
func NewID() string {
	return uuid.NewString()
}

// Log records e and returns its id. A preset id is kept unless it collides
// with an existing event. Sink failures are logged and never returned.
func (a *Logger) Log(ctx context.Context, e Event) string {
	ev := cloneEvent(e)
	if ev.Timestamp.IsZero() {
		ev.Timestamp = a.now().UTC()
	}
	if ev.Severity == "" {
		ev.Severity = deriveSeverity(ev)
	}
	ev.RiskScore = Score(ev)

	a.mu.Lock()
	if _, dup := a.byID[ev.ID]; ev.ID == "" || dup {
		ev.ID = NewID()
	}
	a.insertLocked(ev)
	a.mu.Unlock()

	a.writeSinks(ctx, ev)

	if ev.Severity == model.SeverityCritical && a.alerts != nil {
		a.alerts.Dispatch(alert.AlertEvent{
			Timestamp: ev.Timestamp.Format(time.RFC3339),
			Type:      string(ev.Type),
			EventID:   ev.ID,
			TenantID:  ev.TenantID,
			UserID:    ev.UserID,
			Operation: ev.Operation,
			Severity:  string(ev.Severity),
			Reason:    ev.Reason,
		})
	}
	return ev.ID
}

func (a *Logger) insertLocked(ev *Event) {
	// keep events ordered by timestamp; appends are the common case
	i := len(a.events)
	for i > 0 && a.events[i-1].Timestamp.After(ev.Timestamp) {
		i--
	}
	a.events = append(a.events, nil)
	copy(a.events[i+1:], a.events[i:])
	a.events[i] = ev

	a.byID[ev.ID] = ev
	a.byType[ev.Type] = append(a.byType[ev.Type], ev)
	if ev.UserID != "" {
		a.byUser[ev.UserID] = append(a.byUser[ev.UserID], ev)
	}
	if ev.TenantID != "" {
		a.byTenant[ev.TenantID] = append(a.byTenant[ev.TenantID], ev)
	}
}

func (a *Logger) writeSinks(ctx context.Context, ev *Event) {
	if len(a.sinks) == 0 {
		return
	}
	// the request may already be cancelled; the record must still land
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.SinkTimeout)
	defer cancel()
	for _, s := range a.sinks {
		if err := s.Write(sctx, ev); err != nil {
			a.logger.Warn("audit sink write failed, event kept locally",
				zap.String("sink", s.Name()),
				zap.String("event_id", ev.ID),
				zap.Error(err))
			if a.onSinkError != nil {
				a.onSinkError(s.Name(), err)
			}
		}
	}
}

// Get returns one event by id.
func (a *Logger) Get(id string) (Event, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	ev, ok := a.byID[id]
	if !ok {
		return Event{}, false
	}
	return *cloneEvent(*ev), true
}

// Len returns the number of retained events.
func (a *Logger) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.events)
}

const (
	defaultLimit = 50
	maxLimit     = 500
)

// Filter selects events for Query.
type Filter struct {
	From        time.Time
	To          time.Time
	UserID      string
	TenantID    string
	Type        EventType
	MinSeverity model.Severity
	Operation   string
	Limit       int
	Offset      int
}

// Page is one page of query results, newest first.
type Page struct {
	Events  []Event `json:"events"`
	Total   int     `json:"total"`
	Limit   int     `json:"limit"`
	Offset  int     `json:"offset"`
	HasMore bool    `json:"has_more"`
}

// Query returns events matching f, newest first.
func (a *Logger) Query(f Filter) Page {
	limit := f.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}

	a.mu.RLock()
	candidates := a.candidatesLocked(f)
	var matched []*Event
	for _, ev := range candidates {
		if f.matches(ev) {
			matched = append(matched, ev)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Timestamp.After(matched[j].Timestamp)
	})

	page := Page{Total: len(matched), Limit: limit, Offset: offset, Events: []Event{}}
	if offset < len(matched) {
		end := offset + limit
		if end > len(matched) {
			end = len(matched)
		}
		for _, ev := range matched[offset:end] {
			page.Events = append(page.Events, *cloneEvent(*ev))
		}
		page.HasMore = end < len(matched)
	}
	a.mu.RUnlock()
	return page
}

// candidatesLocked picks the smallest index that covers f.
func (a *Logger) candidatesLocked(f Filter) []*Event {
	best := a.events
	pick := func(l []*Event, ok bool) bool {
		if !ok {
			return false
		}
		if len(l) < len(best) {
			best = l
		}
		return true
	}
	if f.UserID != "" {
		l, ok := a.byUser[f.UserID]
		if !pick(l, ok) {
			return nil
		}
	}
	if f.TenantID != "" {
		l, ok := a.byTenant[f.TenantID]
		if !pick(l, ok) {
			return nil
		}
	}
	if f.Type != "" {
		l, ok := a.byType[f.Type]
		if !pick(l, ok) {
			return nil
		}
	}
	return best
}

func (f Filter) matches(ev *Event) bool {
	if !f.From.IsZero() && ev.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && ev.Timestamp.After(f.To) {
		return false
	}
	if f.UserID != "" && ev.UserID != f.UserID {
		return false
	}
	if f.TenantID != "" && ev.TenantID != f.TenantID {
		return false
	}
	if f.Type != "" && ev.Type != f.Type {
		return false
	}
	if f.MinSeverity != "" && !ev.Severity.AtLeast(f.MinSeverity) {
		return false
	}
	if f.Operation != "" && !strings.Contains(ev.Operation, f.Operation) {
		return false
	}
	return true
}

// Purge drops events older than before from memory and from every sink that
// supports retention. It returns the number of in-memory events removed.
func (a *Logger) Purge(ctx context.Context, before time.Time) int {
	a.mu.Lock()
	kept := a.events[:0:0]
	removed := 0
	for _, ev := range a.events {
		if ev.Timestamp.Before(before) {
			removed++
			continue
		}
		kept = append(kept, ev)
	}
	if removed > 0 {
		a.events = kept
		a.reindexLocked()
	}
	a.mu.Unlock()

	for _, s := range a.sinks {
		p, ok := s.(Purger)
		if !ok {
			continue
		}
		n, err := p.Purge(ctx, before)
		if err != nil {
			a.logger.Warn("audit sink purge failed", zap.String("sink", s.Name()), zap.Error(err))
			continue
		}
		a.logger.Debug("audit sink purged", zap.String("sink", s.Name()), zap.Int("removed", n))
	}
	if removed > 0 {
		a.logger.Info("audit retention purge", zap.Int("removed", removed), zap.Time("before", before))
	}
	return removed
}

func (a *Logger) reindexLocked() {
	a.byID = make(map[string]*Event, len(a.events))
	a.byType = make(map[EventType][]*Event)
	a.byUser = make(map[string][]*Event)
	a.byTenant = make(map[string][]*Event)
	for _, ev := range a.events {
		a.byID[ev.ID] = ev
		a.byType[ev.Type] = append(a.byType[ev.Type], ev)
		if ev.UserID != "" {
			a.byUser[ev.UserID] = append(a.byUser[ev.UserID], ev)
		}
		if ev.TenantID != "" {
			a.byTenant[ev.TenantID] = append(a.byTenant[ev.TenantID], ev)
		}
	}
}

// Start runs the retention and health loops until Close or ctx is done.
func (a *Logger) Start(ctx context.Context) {
	a.wg.Add(2)
	go a.loop(ctx, a.cfg.CleanupInterval, func() {
		a.Purge(ctx, a.now().Add(-a.cfg.Retention))
	})
	go a.loop(ctx, a.cfg.HealthInterval, func() {
		a.EvaluateHealth()
	})
}

func (a *Logger) loop(ctx context.Context, every time.Duration, fn func()) {
	defer a.wg.Done()
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.stop:
			return
		case <-ticker.C:
			fn()
		}
	}
}

// Close stops background loops and closes sinks.
func (a *Logger) Close() error {
	var firstErr error
	a.once.Do(func() {
		close(a.stop)
		a.wg.Wait()
		for _, s := range a.sinks {
			if err := s.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	})
	return firstErr
}

func cloneEvent(e Event) *Event {
	c := e
	if e.Input != nil {
		in := *e.Input
		in.RedactedFields = append([]string(nil), e.Input.RedactedFields...)
		in.AnonymizedFields = append([]string(nil), e.Input.AnonymizedFields...)
		c.Input = &in
	}
	if e.Output != nil {
		out := *e.Output
		out.CensorsApplied = append([]string(nil), e.Output.CensorsApplied...)
		c.Output = &out
	}
	if e.Checks != nil {
		c.Checks = make([]Check, len(e.Checks))
		for i, ch := range e.Checks {
			ch.Reasons = append([]string(nil), ch.Reasons...)
			ch.Warnings = append([]string(nil), ch.Warnings...)
			c.Checks[i] = ch
		}
	}
	if e.Violations != nil {
		c.Violations = make([]model.Violation, len(e.Violations))
		for i, v := range e.Violations {
			v.Evidence = append([]string(nil), v.Evidence...)
			c.Violations[i] = v
		}
	}
	c.Timings.Stages = append([]StageTiming(nil), e.Timings.Stages...)
	if e.Metadata != nil {
		c.Metadata = make(map[string]string, len(e.Metadata))
		for k, v := range e.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// Restore loads previously persisted events into memory without writing
// them back to sinks. Events with ids already present are skipped.
func (a *Logger) Restore(events []Event) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, e := range events {
		if e.ID == "" {
			continue
		}
		if _, dup := a.byID[e.ID]; dup {
			continue
		}
		a.insertLocked(cloneEvent(e))
		n++
	}
	return n
}
