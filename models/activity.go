package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// SalesActivity is a customer-facing event with a denormalized snapshot of
// client name and amount, plus a reference to the deal it belongs to.
// Ingestion happens upstream; this codebase only repoints deal references
// and soft-deletes via merge.
type SalesActivity struct {
	ID           int              `gorm:"primary_key" json:"id"`
	ClientName   string           `gorm:"size:255" json:"client_name"`
	Amount       *decimal.Decimal `gorm:"type:decimal(20,6)" json:"amount"`
	ActivityDate time.Time        `gorm:"index;not null" json:"activity_date"`
	Type         ActivityType     `gorm:"size:20;not null" json:"type"`
	Status       ActivityStatus   `gorm:"size:20;not null;index" json:"status"`
	DealId       *int             `gorm:"index" json:"deal_id"`
	UserId       int              `gorm:"index;not null" json:"user_id"`

	RecordStatus *RecordStatus `gorm:"size:20;index" json:"record_status"`
	MergedInto   *int          `gorm:"index" json:"merged_into"`
	MergedAt     *time.Time    `json:"merged_at"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (a *SalesActivity) IsMerged() bool {
	return a.RecordStatus != nil && *a.RecordStatus == RecordStatusMerged
}

func (SalesActivity) TableName() string {
	return "activities"
}
