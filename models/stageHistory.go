package models

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/crm_backend/config"
)

// DealStageHistory is appended by UpdateDealStage in the same transaction as
// the stage change itself. The old schema did this with a database trigger;
// making it an explicit write keeps the control flow visible and testable.
type DealStageHistory struct {
	ID              int       `gorm:"primary_key" json:"id"`
	DealId          int       `gorm:"index;not null" json:"deal_id"`
	FromStageId     int       `gorm:"not null" json:"from_stage_id"`
	ToStageId       int       `gorm:"not null" json:"to_stage_id"`
	ChangedByUserId int       `gorm:"index;not null" json:"changed_by_user_id"`
	CreatedAt       time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}

func ListDealStageHistory(ctx context.Context, dealId int) ([]*DealStageHistory, error) {
	db := config.GetDB()
	var entries []*DealStageHistory
	if err := db.WithContext(ctx).
		Where("deal_id = ?", dealId).
		Order("id ASC").
		Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}
