package models

import (
	"time"

	"github.com/fatflowers/tokenbill/pkg/types"
)

// Customer is owned by the account authority.
type Customer struct {
	ID           string               `gorm:"column:id;type:varchar(64);primary_key" json:"id"`
	Name         string               `gorm:"column:name;type:varchar(255);not null" json:"name"`
	Email        string               `gorm:"column:email;type:varchar(255);not null;uniqueIndex" json:"email"`
	CustomerType types.CustomerType   `gorm:"column:customer_type;type:varchar(32);not null" json:"customer_type"`
	Status       types.CustomerStatus `gorm:"column:status;type:varchar(32);not null" json:"status"`
	CreatedBy    string               `gorm:"column:created_by;type:varchar(128)" json:"created_by"`
	UpdatedBy    string               `gorm:"column:updated_by;type:varchar(128)" json:"updated_by"`
	Revision     int64                `gorm:"column:revision;not null" json:"revision"`
	CreatedAt    time.Time            `json:"created_at"`
	UpdatedAt    time.Time            `json:"updated_at"`
}

func (Customer) TableName() string {
	return "customer"
}

// CustomerReplica is billing's copy of an account customer, fed by customer events.
type CustomerReplica struct {
	CustomerID   string               `gorm:"column:customer_id;type:varchar(64);primary_key" json:"customer_id"`
	Name         string               `gorm:"column:name;type:varchar(255)" json:"name"`
	Email        string               `gorm:"column:email;type:varchar(255)" json:"email"`
	CustomerType types.CustomerType   `gorm:"column:customer_type;type:varchar(32)" json:"customer_type"`
	Status       types.CustomerStatus `gorm:"column:status;type:varchar(32)" json:"status"`
	Version      int64                `gorm:"column:version;not null" json:"version"`
	UpdatedAt    time.Time            `json:"updated_at"`
}

func (CustomerReplica) TableName() string {
	return "customer_replica"
}
