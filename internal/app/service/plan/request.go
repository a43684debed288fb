package plan

import (
	"strings"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"

	"github.com/fatflowers/tokenbill/internal/models"
	"github.com/fatflowers/tokenbill/pkg/apperr"
	"github.com/fatflowers/tokenbill/pkg/types"
)

type CreateRequest struct {
	Name         string             `json:"name"`
	Description  string             `json:"description"`
	CustomerType types.CustomerType `json:"customer_type"`
	Price        decimal.Decimal    `json:"price"`
	Currency     string             `json:"currency"`
	BillingCycle types.BillingCycle `json:"billing_cycle"`
	Features     []string           `json:"features"`
	TokenConfig  types.TokenConfig  `json:"token_config"`
	Limits       types.PlanLimits   `json:"limits"`
	Metadata     map[string]any     `json:"metadata"`
	// IsActive and IsVisible default to true.
	IsActive  *bool  `json:"is_active"`
	IsVisible *bool  `json:"is_visible"`
	CreatedBy string `json:"-"`
}

// PlanUpdate lists every field an update may set. Lifecycle fields are owned
// by the transitions and cannot be set here.
type PlanUpdate struct {
	Name         *string             `json:"name"`
	Description  *string             `json:"description"`
	CustomerType *types.CustomerType `json:"customer_type"`
	Price        *decimal.Decimal    `json:"price"`
	Currency     *string             `json:"currency"`
	BillingCycle *types.BillingCycle `json:"billing_cycle"`
	Features     *[]string           `json:"features"`
	TokenConfig  *types.TokenConfig  `json:"token_config"`
	Limits       *types.PlanLimits   `json:"limits"`
	// Metadata is merged key by key; a null value removes the key.
	Metadata  map[string]any `json:"metadata"`
	IsActive  *bool          `json:"is_active"`
	IsVisible *bool          `json:"is_visible"`
	// ExpectedRevision rejects the update when the plan moved on.
	ExpectedRevision *int64 `json:"expected_revision"`
	UpdatedBy        string `json:"-"`
}

type ArchiveRequest struct {
	Reason            string `json:"reason"`
	ReplacementPlanID string `json:"replacement_plan_id"`
	ArchivedBy        string `json:"-"`
}

func (u PlanUpdate) renames() bool {
	return u.Name != nil || u.CustomerType != nil
}

// apply copies the set fields onto p.
func (u PlanUpdate) apply(p *models.Plan) {
	if u.Name != nil {
		p.Name = strings.TrimSpace(*u.Name)
	}
	if u.Description != nil {
		p.Description = *u.Description
	}
	if u.CustomerType != nil {
		p.CustomerType = *u.CustomerType
	}
	if u.Price != nil {
		p.Price = *u.Price
	}
	if u.Currency != nil {
		p.Currency = strings.ToUpper(strings.TrimSpace(*u.Currency))
	}
	if u.BillingCycle != nil {
		p.BillingCycle = *u.BillingCycle
	}
	if u.Features != nil {
		p.Features = append(p.Features[:0:0], *u.Features...)
	}
	if u.TokenConfig != nil {
		p.TokenConfig = datatypes.NewJSONType(u.TokenConfig.Clone())
	}
	if u.Limits != nil {
		p.Limits = datatypes.NewJSONType(*u.Limits)
	}
	if u.Metadata != nil {
		p.Metadata = mergeMetadata(p.Metadata, u.Metadata)
	}
	if u.IsActive != nil {
		p.IsActive = *u.IsActive
	}
	if u.IsVisible != nil {
		p.IsVisible = *u.IsVisible
	}
}

func mergeMetadata(dst map[string]any, src map[string]any) map[string]any {
	if dst == nil {
		dst = make(map[string]any, len(src))
	}
	for k, v := range src {
		if v == nil {
			delete(dst, k)
			continue
		}
		dst[k] = v
	}
	return dst
}

// validate checks the user-settable fields of p.
func validate(p *models.Plan) error {
	tc := p.TokenConfig.Data()
	switch {
	case p.Name == "":
		return apperr.BadRequest("plan name is required")
	case !p.CustomerType.Valid():
		return apperr.BadRequest("invalid customer type %q", p.CustomerType)
	case p.Price.IsNegative():
		return apperr.BadRequest("price must not be negative")
	case !p.Price.Equal(p.Price.Round(2)):
		return apperr.BadRequest("price %s has more than two decimal places", p.Price)
	case len(p.Currency) != 3:
		return apperr.BadRequest("currency must be a 3-letter code, got %q", p.Currency)
	case !p.BillingCycle.Valid():
		return apperr.BadRequest("invalid billing cycle %q", p.BillingCycle)
	case tc.MonthlyTokens < 0:
		return apperr.BadRequest("monthly tokens must not be negative")
	case tc.Rollover.MaxTokens < 0:
		return apperr.BadRequest("rollover max tokens must not be negative")
	}
	for feature, rate := range tc.FeatureRates {
		if rate < 0 {
			return apperr.BadRequest("feature rate for %s must not be negative", feature)
		}
	}
	return nil
}
