package tenant

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/ppiankov/tenantwatch/internal/model"
)

var (
	// ErrUnknownTenant is returned by Update for ids that were never registered.
	ErrUnknownTenant = errors.New("tenant: unknown tenant")
	// ErrInvalidProfile is returned when a profile fails validation.
	ErrInvalidProfile = errors.New("tenant: invalid profile")
)

// Status is the registry's view of a tenant id.
type Status int

const (
	StatusUnknown Status = iota
	StatusActive
	StatusInactive
)

// Resolution is the outcome of resolving a tenant id.
type Resolution struct {
	Profile  *Profile
	Fallback bool
}

// Registry holds tenant profiles. Reads are lock-free against an immutable
// snapshot; writers copy the map and swap it.
type Registry struct {
	profiles atomic.Pointer[map[string]*Profile]
	fallback atomic.Pointer[Profile]
	mu       sync.Mutex

	allowUnregistered bool
	logger            *zap.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithAllowUnregistered controls whether tenants served by the default
// profile pass isolation checks.
func WithAllowUnregistered(allow bool) Option {
	return func(r *Registry) { r.allowUnregistered = allow }
}

// WithFallback replaces the default profile.
func WithFallback(p *Profile) Option {
	return func(r *Registry) {
		if p != nil {
			r.fallback.Store(p.Clone())
		}
	}
}

// NewRegistry creates a registry seeded with profiles.
func NewRegistry(profiles []*Profile, opts ...Option) (*Registry, error) {
	r := &Registry{allowUnregistered: true, logger: zap.NewNop()}
	r.fallback.Store(DefaultProfile())
	for _, o := range opts {
		o(r)
	}
	m := make(map[string]*Profile, len(profiles))
	for _, p := range profiles {
		if err := Validate(p); err != nil {
			return nil, err
		}
		m[p.TenantID] = p.Clone()
	}
	r.profiles.Store(&m)
	return r, nil
}

// Validate checks the fields every stage relies on.
func Validate(p *Profile) error {
	if p == nil || p.TenantID == "" {
		return fmt.Errorf("%w: tenant_id is required", ErrInvalidProfile)
	}
	if p.BusinessType != "" && !p.BusinessType.Valid() {
		return fmt.Errorf("%w: tenant %s: unknown business type %q", ErrInvalidProfile, p.TenantID, p.BusinessType)
	}
	if _, ok := model.TierRank[p.Tier]; !ok {
		return fmt.Errorf("%w: tenant %s: unknown tier %q", ErrInvalidProfile, p.TenantID, p.Tier)
	}
	if _, ok := model.ClassRank[p.Classification]; !ok {
		return fmt.Errorf("%w: tenant %s: unknown classification %q", ErrInvalidProfile, p.TenantID, p.Classification)
	}
	if p.SanitizationLevel != "" && !p.SanitizationLevel.Valid() {
		return fmt.Errorf("%w: tenant %s: unknown sanitization level %q", ErrInvalidProfile, p.TenantID, p.SanitizationLevel)
	}
	return nil
}

// Resolve returns the tenant's profile, or a copy of the default profile
// bound to tenantID when none exists. A fallback is logged, never fatal.
func (r *Registry) Resolve(tenantID string) Resolution {
	if p, ok := (*r.profiles.Load())[tenantID]; ok {
		return Resolution{Profile: p.Clone()}
	}
	fb := r.fallback.Load().Clone()
	fb.TenantID = tenantID
	r.logger.Warn("tenant profile not found, using default profile",
		zap.String("tenant_id", tenantID))
	return Resolution{Profile: fb, Fallback: true}
}

// Lookup returns the registered profile without fallback.
func (r *Registry) Lookup(tenantID string) (*Profile, bool) {
	p, ok := (*r.profiles.Load())[tenantID]
	if !ok {
		return nil, false
	}
	return p.Clone(), true
}

// Status reports whether tenantID is registered and active.
func (r *Registry) Status(tenantID string) Status {
	p, ok := (*r.profiles.Load())[tenantID]
	switch {
	case !ok:
		return StatusUnknown
	case !p.Active:
		return StatusInactive
	default:
		return StatusActive
	}
}

// AllowUnregistered reports whether fallback tenants pass isolation.
func (r *Registry) AllowUnregistered() bool {
	return r.allowUnregistered
}

// TenantIDs returns all registered ids in sorted order.
func (r *Registry) TenantIDs() []string {
	m := *r.profiles.Load()
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Register adds or replaces one profile.
func (r *Registry) Register(p *Profile) error {
	if err := Validate(p); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	next := r.copyLocked()
	next[p.TenantID] = p.Clone()
	r.profiles.Store(&next)
	return nil
}

// Update applies fn to a copy of the tenant's profile and publishes it.
func (r *Registry) Update(tenantID string, fn func(*Profile)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := (*r.profiles.Load())[tenantID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTenant, tenantID)
	}
	p := cur.Clone()
	fn(p)
	p.TenantID = tenantID
	if err := Validate(p); err != nil {
		return err
	}
	next := r.copyLocked()
	next[tenantID] = p
	r.profiles.Store(&next)
	return nil
}

// Replace swaps the whole profile set, used by hot-reload.
func (r *Registry) Replace(profiles []*Profile) error {
	next := make(map[string]*Profile, len(profiles))
	for _, p := range profiles {
		if err := Validate(p); err != nil {
			return err
		}
		next[p.TenantID] = p.Clone()
	}
	r.mu.Lock()
	r.profiles.Store(&next)
	r.mu.Unlock()
	r.logger.Info("tenant profiles replaced", zap.Int("count", len(next)))
	return nil
}

func (r *Registry) copyLocked() map[string]*Profile {
	cur := *r.profiles.Load()
	next := make(map[string]*Profile, len(cur)+1)
	for k, v := range cur {
		next[k] = v
	}
	return next
}
