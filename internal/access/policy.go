// Package access decides whether a caller's role may perform an AI
// operation.
package access

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ppiankov/tenantwatch/internal/model"
)

// ErrUnknownRole is returned for roles that have no definition.
var ErrUnknownRole = errors.New("access: unknown role")

// Permission grants actions on a resource pattern.
// Resource is an exact operation name, a "prefix.*" wildcard or "*".
type Permission struct {
	Resource   string   `yaml:"resource" json:"resource"`
	Actions    []string `yaml:"actions" json:"actions"`
	Conditions []string `yaml:"conditions,omitempty" json:"conditions,omitempty"`
}

// RoleDefinition is a role's own permissions and its single parent.
type RoleDefinition struct {
	Role        model.Role   `yaml:"role" json:"role"`
	Inherits    model.Role   `yaml:"inherits,omitempty" json:"inherits,omitempty"`
	Permissions []Permission `yaml:"permissions" json:"permissions"`
}

// RestrictionType selects how a restriction is evaluated.
type RestrictionType string

const (
	RestrictTimeOfDay          RestrictionType = "time_of_day"
	RestrictDataScope          RestrictionType = "data_scope"
	RestrictForbiddenOperation RestrictionType = "forbidden_operation"
	RestrictLocation           RestrictionType = "location"
	RestrictModel              RestrictionType = "model"
)

// Enforcement is a restriction's severity.
type Enforcement string

const (
	EnforceBlock   Enforcement = "block"
	EnforceWarning Enforcement = "warning"
)

// HourWindow is an allowed [Start, End) hour range in UTC. Start > End wraps
// past midnight.
type HourWindow struct {
	Start int `yaml:"start" json:"start"`
	End   int `yaml:"end" json:"end"`
}

// Contains reports whether hour falls inside the window.
func (w HourWindow) Contains(hour int) bool {
	if w.Start == w.End {
		return true
	}
	if w.Start < w.End {
		return hour >= w.Start && hour < w.End
	}
	return hour >= w.Start || hour < w.End
}

// Restriction narrows what a granted role may do.
type Restriction struct {
	Name       string          `yaml:"name" json:"name"`
	Type       RestrictionType `yaml:"type" json:"type"`
	Severity   Enforcement     `yaml:"severity" json:"severity"`
	Roles      []model.Role    `yaml:"roles,omitempty" json:"roles,omitempty"`
	Hours      *HourWindow     `yaml:"hours,omitempty" json:"hours,omitempty"`
	Fields     []string        `yaml:"fields,omitempty" json:"fields,omitempty"`
	Operations []string        `yaml:"operations,omitempty" json:"operations,omitempty"`
	Origins    []string        `yaml:"origins,omitempty" json:"origins,omitempty"`
	Models     []string        `yaml:"models,omitempty" json:"models,omitempty"`
}

// AppliesTo reports whether the restriction targets role. No roles means all.
func (r Restriction) AppliesTo(role model.Role) bool {
	if len(r.Roles) == 0 {
		return true
	}
	for _, x := range r.Roles {
		if x == role {
			return true
		}
	}
	return false
}

// Policy is the full role and restriction configuration.
type Policy struct {
	Roles        []RoleDefinition  `yaml:"roles"`
	Restrictions []Restriction     `yaml:"restrictions"`
	Conditions   map[string]string `yaml:"conditions,omitempty"`
}

// DefaultPolicy returns the built-in role hierarchy:
// driver <- dispatcher <- manager <- admin, with broker <- dispatcher.
func DefaultPolicy() *Policy {
	return &Policy{
		Roles: []RoleDefinition{
			{
				Role: model.RoleDriver,
				Permissions: []Permission{
					{Resource: "ai.chat", Actions: []string{"execute"}, Conditions: []string{"own_data_only"}},
					{Resource: "ai.route.*", Actions: []string{"read", "execute"}},
					{Resource: "ai.customer_service.*", Actions: []string{"read"}},
				},
			},
			{
				Role:     model.RoleDispatcher,
				Inherits: model.RoleDriver,
				Permissions: []Permission{
					{Resource: "ai.dispatch.*", Actions: []string{"*"}},
					{Resource: "ai.route.*", Actions: []string{"*"}},
					{Resource: "ai.customer_service.*", Actions: []string{"execute"}},
				},
			},
			{
				Role:     model.RoleBroker,
				Inherits: model.RoleDispatcher,
				Permissions: []Permission{
					{Resource: "ai.pricing.*", Actions: []string{"*"}},
					{Resource: "ai.negotiation.*", Actions: []string{"*"}},
					{Resource: "ai.customer_service.*", Actions: []string{"*"}},
				},
			},
			{
				Role:     model.RoleManager,
				Inherits: model.RoleDispatcher,
				Permissions: []Permission{
					{Resource: "ai.analytics.*", Actions: []string{"*"}},
					{Resource: "ai.pricing.*", Actions: []string{"read"}},
					{Resource: "ai.negotiation.*", Actions: []string{"read"}},
				},
			},
			{
				Role:     model.RoleAdmin,
				Inherits: model.RoleManager,
				Permissions: []Permission{
					{Resource: "*", Actions: []string{"*"}},
				},
			},
		},
		Restrictions: []Restriction{
			{
				Name:     "driver_financial_scope",
				Type:     RestrictDataScope,
				Severity: EnforceWarning,
				Roles:    []model.Role{model.RoleDriver},
				Fields:   []string{"rate", "margin", "cost", "commission", "brokerRate", "profitMargin"},
			},
			{
				Name:       "driver_no_negotiation",
				Type:       RestrictForbiddenOperation,
				Severity:   EnforceBlock,
				Roles:      []model.Role{model.RoleDriver},
				Operations: []string{"ai.negotiation.*"},
			},
			{
				Name:     "dispatcher_models",
				Type:     RestrictModel,
				Severity: EnforceWarning,
				Roles:    []model.Role{model.RoleDispatcher},
				Models:   []string{"standard", "advanced"},
			},
		},
	}
}

// LoadPolicy reads a policy from a YAML file.
func LoadPolicy(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("access: read %s: %w", path, err)
	}
	return ParsePolicy(data)
}

// ParsePolicy decodes a YAML policy.
func ParsePolicy(data []byte) (*Policy, error) {
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("access: parse policy: %w", err)
	}
	return &p, nil
}

// Hash returns a stable SHA-256 of the policy's YAML encoding.
func (p *Policy) Hash() string {
	data, err := yaml.Marshal(p)
	if err != nil {
		return ""
	}
	h := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(h[:])
}
