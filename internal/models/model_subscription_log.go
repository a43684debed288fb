package models

import (
	"time"

	"gorm.io/datatypes"

	"github.com/fatflowers/tokenbill/pkg/types"
)

// SubscriptionLog records changes to subscriptions.
// Use case: troubleshooting.
type SubscriptionLog struct {
	ID             string `gorm:"column:id;type:uuid;primary_key" json:"id"`
	SubscriptionID string `gorm:"column:subscription_id;type:uuid;index:idx_subscription_log_sub_id,priority:1;not null" json:"subscription_id"`
	CustomerID     string `gorm:"column:customer_id;type:varchar(64);index;not null" json:"customer_id"`
	// Reason is the change reason.
	Reason types.SubscriptionChangeReason `gorm:"column:reason;type:varchar(64);not null" json:"reason"`
	// Before is nil for creations.
	Before datatypes.JSONType[*Subscription] `gorm:"column:before;type:jsonb;default:'null'" json:"before"`
	After  datatypes.JSONType[*Subscription] `gorm:"column:after;type:jsonb;default:'null'" json:"after"`
	// Extra stores additional context such as the actor and free-text reason.
	Extra     datatypes.JSONMap `gorm:"column:extra;type:jsonb;default:'{}'" json:"extra"`
	CreatedAt time.Time         `gorm:"index:idx_subscription_log_sub_id,priority:2" json:"created_at"`
}

func (SubscriptionLog) TableName() string {
	return "subscription_log"
}
