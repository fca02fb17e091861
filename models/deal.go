package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/crm_backend/config"
	"bitbucket.org/mmdatafocus/crm_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type Deal struct {
	ID          int             `gorm:"primary_key" json:"id"`
	Name        string          `gorm:"size:255;not null" json:"name" binding:"required"`
	CompanyName string          `gorm:"size:255" json:"company_name"`
	Description string          `gorm:"type:text" json:"description"`
	Value       decimal.Decimal `gorm:"type:decimal(20,6);not null" json:"value"`
	StageId     int             `gorm:"index;not null;default:0" json:"stage_id"`
	Status      DealStatus      `gorm:"size:20;not null;default:'open'" json:"status"`
	UserId      int             `gorm:"index;not null" json:"user_id"`
	CloseDate   *time.Time      `json:"close_date"`

	// Soft-deletion / merge fields. RecordStatus NULL means active
	// (rows that predate the merge feature).
	RecordStatus *RecordStatus `gorm:"size:20;index" json:"record_status"`
	MergedInto   *int          `gorm:"index" json:"merged_into"`
	MergedAt     *time.Time    `json:"merged_at"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// ActiveRecords scopes a query to rows not soft-deleted by a merge.
// Read paths that must never see merged records go through this.
func ActiveRecords(db *gorm.DB) *gorm.DB {
	return db.Where("record_status = ? OR record_status IS NULL", RecordStatusActive)
}

func GetDealById(ctx context.Context, dealId int) (*Deal, error) {
	db := config.GetDB()
	var deal Deal
	if err := db.WithContext(ctx).Where("id = ?", dealId).First(&deal).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return &deal, nil
}

// IsMerged treats NULL record status as active.
func (d *Deal) IsMerged() bool {
	return d.RecordStatus != nil && *d.RecordStatus == RecordStatusMerged
}

// UpdateDealStage moves a deal to a new stage and appends the stage-history
// entry in the same transaction. This is the only write path for stage
// changes; history is an explicit effect here, not a database trigger.
func UpdateDealStage(ctx context.Context, dealId int, toStageId int) (*Deal, error) {
	userId, ok := utils.GetUserIdFromContext(ctx)
	if !ok {
		return nil, errors.New("user id is required")
	}

	db := config.GetDB()
	var deal Deal
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Scopes(ActiveRecords).Where("id = ?", dealId).First(&deal).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return utils.ErrorRecordNotFound
			}
			return err
		}
		if deal.UserId != userId && !utils.GetIsAdminFromContext(ctx) {
			return errors.New("deal is owned by another user")
		}
		if deal.StageId == toStageId {
			return nil
		}

		oldDeal := deal
		if err := tx.Model(&Deal{}).Where("id = ?", dealId).
			Update("stage_id", toStageId).Error; err != nil {
			return err
		}
		deal.StageId = toStageId

		history := DealStageHistory{
			DealId:          dealId,
			FromStageId:     oldDeal.StageId,
			ToStageId:       toStageId,
			ChangedByUserId: userId,
		}
		if err := tx.Create(&history).Error; err != nil {
			return err
		}

		return PublishReconcileDecision(ctx, tx, deal.UpdatedAt, history.ID,
			ReconcileReferenceTypeStageChange, &deal, &oldDeal, ReconcileEventActionUpdate)
	})
	if err != nil {
		return nil, err
	}
	return &deal, nil
}
