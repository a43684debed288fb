package models

import (
	"maps"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"

	"github.com/fatflowers/tokenbill/internal/events"
	"github.com/fatflowers/tokenbill/pkg/types"
)

// Plan is one version of a subscription plan. Versions of the same plan share
// a LineageID; only DRAFT rows are edited in place.
type Plan struct {
	ID        string `gorm:"column:id;type:uuid;primary_key" json:"id"`
	LineageID string `gorm:"column:lineage_id;type:uuid;not null;index" json:"lineage_id"`
	Name      string `gorm:"column:name;type:varchar(255);not null;index:idx_plan_name_type,priority:1" json:"name"`

	Description  string             `gorm:"column:description;type:text" json:"description"`
	CustomerType types.CustomerType `gorm:"column:customer_type;type:varchar(32);not null;index:idx_plan_name_type,priority:2" json:"customer_type"`
	Price        decimal.Decimal    `gorm:"column:price;type:numeric(12,2);not null" json:"price"`
	Currency     string             `gorm:"column:currency;type:varchar(8);not null" json:"currency"`
	BillingCycle types.BillingCycle `gorm:"column:billing_cycle;type:varchar(16);not null" json:"billing_cycle"`
	Features     pq.StringArray     `gorm:"column:features;type:text[]" json:"features"`

	TokenConfig datatypes.JSONType[types.TokenConfig]   `gorm:"column:token_config;type:jsonb" json:"token_config"`
	Limits      datatypes.JSONType[types.PlanLimits]    `gorm:"column:limits;type:jsonb" json:"limits"`
	Analytics   datatypes.JSONType[types.PlanAnalytics] `gorm:"column:analytics;type:jsonb" json:"analytics"`
	// Metadata holds free-form annotations such as archiveReason and duplicatedFrom.
	Metadata datatypes.JSONMap `gorm:"column:metadata;type:jsonb" json:"metadata"`

	IsActive  bool             `gorm:"column:is_active;not null" json:"is_active"`
	IsVisible bool             `gorm:"column:is_visible;not null" json:"is_visible"`
	Status    types.PlanStatus `gorm:"column:status;type:varchar(16);not null;index" json:"status"`

	Version           int        `gorm:"column:version;not null" json:"version"`
	PreviousVersionID *string    `gorm:"column:previous_version_id;type:uuid" json:"previous_version_id"`
	DeployedAt        *time.Time `gorm:"column:deployed_at" json:"deployed_at"`
	DeployedBy        string     `gorm:"column:deployed_by;type:varchar(128)" json:"deployed_by"`
	ArchivedAt        *time.Time `gorm:"column:archived_at" json:"archived_at"`
	DeletedAt         *time.Time `gorm:"column:deleted_at" json:"deleted_at"`

	CreatedBy string `gorm:"column:created_by;type:varchar(128)" json:"created_by"`
	UpdatedBy string `gorm:"column:updated_by;type:varchar(128)" json:"updated_by"`
	// Revision increments on every lifecycle-visible change and doubles as the event version.
	Revision  int64     `gorm:"column:revision;not null" json:"revision"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Plan) TableName() string {
	return "plan"
}

func (p *Plan) IncludedTokens() int64 {
	return p.TokenConfig.Data().MonthlyTokens
}

// Clone returns a copy that shares no maps or slices with p.
func (p *Plan) Clone() *Plan {
	if p == nil {
		return nil
	}
	cp := *p
	cp.Features = append(pq.StringArray(nil), p.Features...)
	cp.TokenConfig = datatypes.NewJSONType(p.TokenConfig.Data().Clone())
	cp.Analytics = datatypes.NewJSONType(p.Analytics.Data().Clone())
	cp.Metadata = maps.Clone(p.Metadata)
	if p.PreviousVersionID != nil {
		prev := *p.PreviousVersionID
		cp.PreviousVersionID = &prev
	}
	return &cp
}

// Snapshot converts the row into the plan payload carried by plan events.
func (p *Plan) Snapshot() events.PlanData {
	return events.PlanData{
		ID:                p.ID,
		LineageID:         p.LineageID,
		Name:              p.Name,
		Description:       p.Description,
		CustomerType:      p.CustomerType,
		Price:             p.Price,
		Currency:          p.Currency,
		BillingCycle:      p.BillingCycle,
		Features:          append([]string(nil), p.Features...),
		TokenConfig:       p.TokenConfig.Data().Clone(),
		Limits:            p.Limits.Data(),
		IsActive:          p.IsActive,
		IsVisible:         p.IsVisible,
		Status:            p.Status,
		Version:           p.Version,
		PreviousVersionID: p.PreviousVersionID,
		DeployedAt:        p.DeployedAt,
		DeployedBy:        p.DeployedBy,
		ArchivedAt:        p.ArchivedAt,
		DeletedAt:         p.DeletedAt,
		Metadata:          maps.Clone(map[string]any(p.Metadata)),
		Revision:          p.Revision,
	}
}

func (p *Plan) Ref() events.PlanRef {
	return events.PlanRef{ID: p.ID, Name: p.Name, Version: p.Version, IncludedTokens: p.IncludedTokens()}
}
