package workflow

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"bitbucket.org/mmdatafocus/crm_backend/config"
	"bitbucket.org/mmdatafocus/crm_backend/models"
	"bitbucket.org/mmdatafocus/crm_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// The shared-deal repair job. Historic ingestion let several completed sale
// activities point at one deal, so editing that deal rippled across unrelated
// activities. The repair gives every completed sale its own deal: the earliest
// activity per deal keeps the original, every later one gets an independent
// clone and is repointed to it.
//
// Re-running on a repaired dataset selects nothing, so the job is idempotent.

var ErrSourceDealUnavailable = errors.New("source deal is missing or merged")

type PlannedSplit struct {
	ActivityId   int             `json:"activity_id"`
	ActivityDate time.Time       `json:"activity_date"`
	ClientName   string          `json:"client_name"`
	SourceDealId int             `json:"source_deal_id"`
	NewDealName  string          `json:"new_deal_name"`
	NewDealValue decimal.Decimal `json:"new_deal_value"`
}

type RepairSummary struct {
	DryRun   bool           `json:"dry_run"`
	Repaired int            `json:"repaired"`
	Skipped  int            `json:"skipped"`
	Failed   int            `json:"failed"`
	Planned  []PlannedSplit `json:"planned,omitempty"`
}

// FindSharedDealActivities selects completed sale activities whose deal_id is
// shared with at least one other completed sale activity. Null deal_ids and
// merged rows are excluded. Ordered date descending, matching how the batch
// walks candidates.
func FindSharedDealActivities(ctx context.Context, db *gorm.DB) ([]models.SalesActivity, error) {
	shared := db.Model(&models.SalesActivity{}).
		Select("deal_id").
		Where("type = ? AND status = ?", models.ActivityTypeSale, models.ActivityStatusCompleted).
		Where("deal_id IS NOT NULL").
		Scopes(models.ActiveRecords).
		Group("deal_id").
		Having("COUNT(*) > 1")

	var activities []models.SalesActivity
	err := db.WithContext(ctx).
		Where("type = ? AND status = ?", models.ActivityTypeSale, models.ActivityStatusCompleted).
		Where("deal_id IN (?)", shared).
		Scopes(models.ActiveRecords).
		Order("activity_date DESC, id DESC").
		Find(&activities).Error
	if err != nil {
		return nil, err
	}
	return activities, nil
}

// PartitionKeepers decides, per shared deal, which activity keeps the original
// deal (the earliest by date, lowest id on ties) and which ones must be split
// onto clones. Pure function over the candidate set.
func PartitionKeepers(activities []models.SalesActivity) (keepers map[int]int, splits []models.SalesActivity) {
	keepers = make(map[int]int) // deal_id -> activity_id

	earliest := make(map[int]models.SalesActivity)
	for _, a := range activities {
		if a.DealId == nil {
			continue
		}
		cur, ok := earliest[*a.DealId]
		if !ok || a.ActivityDate.Before(cur.ActivityDate) ||
			(a.ActivityDate.Equal(cur.ActivityDate) && a.ID < cur.ID) {
			earliest[*a.DealId] = a
		}
	}
	for dealId, a := range earliest {
		keepers[dealId] = a.ID
	}

	for _, a := range activities {
		if a.DealId == nil {
			continue
		}
		if keepers[*a.DealId] != a.ID {
			splits = append(splits, a)
		}
	}
	return keepers, splits
}

// DeriveDealClone builds the independent deal an activity will own after the
// split. Everything is copied from the source except:
//   - name: "<client> Deal" when the activity's client differs from the
//     deal's company, else "<name> (Copy)"
//   - value: the activity's amount when present
//   - status: forced to won (the activity is a completed sale)
//   - created_at: the activity's date, not the repair run's wall clock
//   - description: provenance note naming the originating activity
func DeriveDealClone(source models.Deal, activity models.SalesActivity) models.Deal {
	name := source.Name + " (Copy)"
	if activity.ClientName != "" && activity.ClientName != source.CompanyName {
		name = activity.ClientName + " Deal"
	}

	value := source.Value
	if activity.Amount != nil {
		value = *activity.Amount
	}

	description := source.Description
	if description != "" {
		description += "\n"
	}
	description += fmt.Sprintf("Split from deal #%d for activity #%d (%s).",
		source.ID, activity.ID, activity.ActivityDate.Format("2006-01-02"))

	active := models.RecordStatusActive
	return models.Deal{
		Name:         name,
		CompanyName:  source.CompanyName,
		Description:  description,
		Value:        value,
		StageId:      source.StageId,
		Status:       models.DealStatusWon,
		UserId:       source.UserId,
		CloseDate:    source.CloseDate,
		RecordStatus: &active,
		CreatedAt:    activity.ActivityDate,
	}
}

// RepairSharedDeals runs the batch. Each candidate repairs inside its own
// transaction so the clone and the deal_id repoint commit as a pair; one
// candidate's failure never blocks the rest. Dry-run reports the plan without
// touching anything.
func RepairSharedDeals(ctx context.Context, logger *logrus.Logger, dryRun bool) (*RepairSummary, error) {
	db := config.GetDB()

	activities, err := FindSharedDealActivities(ctx, db)
	if err != nil {
		config.LogError(logger, "reconciliationWorkflow.go", "RepairSharedDeals", "FindSharedDealActivities", nil, err)
		return nil, err
	}

	keepers, splits := PartitionKeepers(activities)
	summary := &RepairSummary{
		DryRun:  dryRun,
		Skipped: len(keepers),
	}

	for _, activity := range splits {
		if dryRun {
			plan, err := planSplit(ctx, db, activity)
			if err != nil {
				summary.Failed++
				config.LogError(logger, "reconciliationWorkflow.go", "RepairSharedDeals", "planSplit", activity.ID, err)
				continue
			}
			summary.Planned = append(summary.Planned, *plan)
			continue
		}

		repaired, err := repairOne(ctx, db, activity)
		if errors.Is(err, ErrIdempotencyInProgress) {
			// Another run holds this candidate mid-flight. Not a failure: leave
			// its key alone and let the next run pick it up.
			summary.Skipped++
			logger.WithField("activity_id", activity.ID).Info("shared-deal split already in progress, skipping")
			continue
		}
		if err != nil {
			summary.Failed++
			config.LogError(logger, "reconciliationWorkflow.go", "RepairSharedDeals", "repairOne", activity.ID, err)
			recordRepairFailure(ctx, db, logger, activity, err)
			continue
		}
		if repaired {
			summary.Repaired++
		} else {
			summary.Skipped++
		}
	}

	return summary, nil
}

func planSplit(ctx context.Context, db *gorm.DB, activity models.SalesActivity) (*PlannedSplit, error) {
	source, err := loadSourceDeal(ctx, db, activity)
	if err != nil {
		return nil, err
	}
	clone := DeriveDealClone(*source, activity)
	return &PlannedSplit{
		ActivityId:   activity.ID,
		ActivityDate: activity.ActivityDate,
		ClientName:   activity.ClientName,
		SourceDealId: source.ID,
		NewDealName:  clone.Name,
		NewDealValue: clone.Value,
	}, nil
}

// loadSourceDeal fails closed: a missing or merged source deal means the
// split cannot produce a fully-populated clone, so the candidate is skipped
// with an error instead of cloning partial data.
func loadSourceDeal(ctx context.Context, db *gorm.DB, activity models.SalesActivity) (*models.Deal, error) {
	if activity.DealId == nil {
		return nil, errors.New("activity has no deal reference")
	}
	var deal models.Deal
	if err := db.WithContext(ctx).Where("id = ?", *activity.DealId).First(&deal).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSourceDealUnavailable
		}
		return nil, err
	}
	if deal.IsMerged() {
		return nil, ErrSourceDealUnavailable
	}
	return &deal, nil
}

const handlerSharedDealSplit = "SHARED_DEAL_SPLIT"

func repairOne(ctx context.Context, db *gorm.DB, activity models.SalesActivity) (bool, error) {
	repaired := false
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Durable idempotency: a split that already succeeded (this run or a
		// previous one) is never applied twice.
		skip, err := BeginIdempotency(tx, handlerSharedDealSplit, strconv.Itoa(activity.ID))
		if err != nil {
			return err
		}
		if skip {
			return nil
		}

		source, err := loadSourceDeal(ctx, tx, activity)
		if err != nil {
			return err
		}

		clone := DeriveDealClone(*source, activity)
		if err := tx.Create(&clone).Error; err != nil {
			return err
		}

		res := tx.Model(&models.SalesActivity{}).
			Where("id = ? AND deal_id = ?", activity.ID, source.ID).
			Updates(map[string]interface{}{
				"deal_id":    clone.ID,
				"updated_at": time.Now().UTC(),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// Someone repointed this activity since detection ran; nothing to do,
			// but the clone must not survive the race.
			return errors.New("activity deal reference changed during repair")
		}

		confidence := 100 // deterministic rule, not a probabilistic match
		targetTable := "deals"
		entry := models.NewAuditEntry{
			ActionType:      models.AuditActionCreateDealFromActivity,
			SourceTable:     "activities",
			SourceId:        activity.ID,
			TargetTable:     &targetTable,
			TargetId:        &clone.ID,
			ConfidenceScore: &confidence,
			Metadata: map[string]interface{}{
				"previous_deal_id": source.ID,
				"new_deal_id":      clone.ID,
				"activity_date":    activity.ActivityDate,
			},
		}
		// Interactive runs attribute the split to the triggering admin;
		// scheduled runs stay system-automated (null acting user).
		if userId, ok := utils.GetUserIdFromContext(ctx); ok {
			entry.ActingUserId = &userId
			entry.ActingUserName, _ = utils.GetUserNameFromContext(ctx)
		}
		if _, err := models.RecordAuditEntry(tx, entry); err != nil {
			return err
		}

		if err := models.PublishReconcileDecision(ctx, tx, activity.ActivityDate, clone.ID,
			models.ReconcileReferenceTypeDeal, &clone, source, models.ReconcileEventActionCreate); err != nil {
			return err
		}

		repaired = true
		return MarkIdempotencySucceeded(tx, handlerSharedDealSplit, strconv.Itoa(activity.ID))
	})
	return repaired, err
}

// recordRepairFailure writes the ERROR audit entry outside the rolled-back
// candidate transaction so the failure itself is durable.
func recordRepairFailure(ctx context.Context, db *gorm.DB, logger *logrus.Logger, activity models.SalesActivity, cause error) {
	// The candidate transaction rolled back; if an idempotency key survived
	// from an earlier attempt, record the failure on it so the next run can
	// reuse it immediately instead of waiting out the staleness window.
	if err := MarkIdempotencyFailed(db.WithContext(ctx), handlerSharedDealSplit, strconv.Itoa(activity.ID), cause); err != nil {
		config.LogError(logger, "reconciliationWorkflow.go", "recordRepairFailure", "MarkIdempotencyFailed", activity.ID, err)
	}

	metadata := map[string]interface{}{
		"error": cause.Error(),
	}
	if activity.DealId != nil {
		metadata["deal_id"] = *activity.DealId
	}
	_, err := models.RecordAuditEntry(db.WithContext(ctx), models.NewAuditEntry{
		ActionType:  models.AuditActionError,
		SourceTable: "activities",
		SourceId:    activity.ID,
		Metadata:    metadata,
	})
	if err != nil {
		config.LogError(logger, "reconciliationWorkflow.go", "recordRepairFailure", "RecordAuditEntry", activity.ID, err)
	}
}
