package isolation

import (
	"strings"

	"github.com/ppiankov/tenantwatch/internal/model"
)

// TierPolicy lists what a subscription tier is entitled to.
type TierPolicy struct {
	Categories        []model.Category     `yaml:"categories" json:"categories"`
	Models            []string             `yaml:"models" json:"models"`
	MaxClassification model.Classification `yaml:"max_classification" json:"max_classification"`
}

// DefaultTierPolicies returns the built-in entitlements per tier.
func DefaultTierPolicies() map[model.Tier]TierPolicy {
	return map[model.Tier]TierPolicy{
		model.TierBasic: {
			Categories:        []model.Category{model.CategoryCustomerService},
			Models:            []string{"standard"},
			MaxClassification: model.ClassInternal,
		},
		model.TierPremium: {
			Categories: []model.Category{
				model.CategoryCustomerService,
				model.CategoryDispatch,
				model.CategoryPricing,
				model.CategoryAnalytics,
			},
			Models:            []string{"standard", "advanced"},
			MaxClassification: model.ClassConfidential,
		},
		model.TierEnterprise: {
			Categories:        model.Categories,
			Models:            []string{"*"},
			MaxClassification: model.ClassRestricted,
		},
	}
}

func (tp TierPolicy) allowsCategory(c model.Category) bool {
	for _, x := range tp.Categories {
		if x == c {
			return true
		}
	}
	return false
}

func (tp TierPolicy) allowsModel(m string) bool {
	if m == "" {
		m = "standard"
	}
	for _, x := range tp.Models {
		if x == "*" || strings.EqualFold(x, m) {
			return true
		}
	}
	return false
}

func (tp TierPolicy) coversClassification(c model.Classification) bool {
	return model.ClassRank[c] <= model.ClassRank[tp.MaxClassification]
}
