package models

import (
	"time"

	"gorm.io/datatypes"

	"github.com/fatflowers/tokenbill/internal/events"
	"github.com/fatflowers/tokenbill/pkg/types"
)

// PlanReplica is the account authority's wholesale copy of a plan version.
type PlanReplica struct {
	PlanID         string                              `gorm:"column:plan_id;type:varchar(64);primary_key" json:"plan_id"`
	LineageID      string                              `gorm:"column:lineage_id;type:varchar(64);index" json:"lineage_id"`
	Name           string                              `gorm:"column:name;type:varchar(255)" json:"name"`
	CustomerType   types.CustomerType                  `gorm:"column:customer_type;type:varchar(32)" json:"customer_type"`
	Status         types.PlanStatus                    `gorm:"column:status;type:varchar(16)" json:"status"`
	IncludedTokens int64                               `gorm:"column:included_tokens;not null" json:"included_tokens"`
	Version        int                                 `gorm:"column:version;not null" json:"version"`
	Revision       int64                               `gorm:"column:revision;not null" json:"revision"`
	Data           datatypes.JSONType[events.PlanData] `gorm:"column:data;type:jsonb" json:"data"`
	UpdatedAt      time.Time                           `json:"updated_at"`
}

func (PlanReplica) TableName() string {
	return "plan_replica"
}

func NewPlanReplica(d events.PlanData) *PlanReplica {
	return &PlanReplica{
		PlanID:         d.ID,
		LineageID:      d.LineageID,
		Name:           d.Name,
		CustomerType:   d.CustomerType,
		Status:         d.Status,
		IncludedTokens: d.IncludedTokens(),
		Version:        d.Version,
		Revision:       d.Revision,
		Data:           datatypes.NewJSONType(d),
	}
}
