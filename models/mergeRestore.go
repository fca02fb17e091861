package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/crm_backend/config"
	"bitbucket.org/mmdatafocus/crm_backend/utils"
	"gorm.io/gorm"
)

var (
	ErrMergeIntoSelf   = errors.New("cannot merge a record into itself")
	ErrMergeIntoMerged = errors.New("merge target is itself merged")
)

// mergeState is the snapshot the manager needs from either table. A closed
// switch on MergeTable maps to the typed model; storage is never touched
// with a caller-supplied table name.
type mergeState struct {
	ID           int
	UserId       int
	RecordStatus *RecordStatus
	MergedInto   *int
}

func loadMergeState(tx *gorm.DB, table MergeTable, recordId int) (*mergeState, error) {
	var state mergeState
	var err error
	switch table {
	case MergeTableActivities:
		err = tx.Model(&SalesActivity{}).
			Select("id", "user_id", "record_status", "merged_into").
			Where("id = ?", recordId).First(&state).Error
	case MergeTableDeals:
		err = tx.Model(&Deal{}).
			Select("id", "user_id", "record_status", "merged_into").
			Where("id = ?", recordId).First(&state).Error
	default:
		return nil, ErrInvalidMergeTable
	}
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return &state, nil
}

func updateMergeColumns(tx *gorm.DB, table MergeTable, recordId int, values map[string]interface{}, conds ...interface{}) (int64, error) {
	var q *gorm.DB
	switch table {
	case MergeTableActivities:
		q = tx.Model(&SalesActivity{})
	case MergeTableDeals:
		q = tx.Model(&Deal{})
	default:
		return 0, ErrInvalidMergeTable
	}
	q = q.Where("id = ?", recordId)
	if len(conds) > 0 {
		q = q.Where(conds[0], conds[1:]...)
	}
	res := q.Updates(values)
	return res.RowsAffected, res.Error
}

// MergeRecord soft-deletes a record by pointing it at the surviving record.
// The target must be an active record of the same table; merging into an
// already-merged target is rejected, so merge chains never form.
func MergeRecord(ctx context.Context, table MergeTable, recordId int, intoId int) error {
	if recordId == intoId {
		return ErrMergeIntoSelf
	}
	userId, ok := utils.GetUserIdFromContext(ctx)
	if !ok {
		return errors.New("user id is required")
	}
	userName, _ := utils.GetUserNameFromContext(ctx)

	db := config.GetDB()
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if config.StrictMergeTargets() {
			target, err := loadMergeState(tx, table, intoId)
			if err != nil {
				return err
			}
			if target.RecordStatus != nil && *target.RecordStatus == RecordStatusMerged {
				return ErrMergeIntoMerged
			}
		}

		now := time.Now().UTC()
		affected, err := updateMergeColumns(tx, table, recordId, map[string]interface{}{
			"record_status": RecordStatusMerged,
			"merged_into":   intoId,
			"merged_at":     now,
		}, "user_id = ? AND (record_status = ? OR record_status IS NULL)", userId, RecordStatusActive)
		if err != nil {
			return err
		}
		if affected == 0 {
			return utils.ErrorRecordNotFound
		}

		confidence := 100
		_, err = RecordAuditEntry(tx, NewAuditEntry{
			ActionType:      AuditActionMergeRecord,
			SourceTable:     string(table),
			SourceId:        recordId,
			TargetTable:     stringPtr(string(table)),
			TargetId:        &intoId,
			ConfidenceScore: &confidence,
			Metadata: map[string]interface{}{
				"merged_into": intoId,
				"merged_at":   now,
			},
			ActingUserId:   &userId,
			ActingUserName: userName,
		})
		return err
	})
}

// RestoreMergedRecord clears the merge fields of a record the caller owns.
// Preconditions not met (wrong owner, not currently merged, unknown id) make
// the restore a no-op with count 0 rather than an error; callers must check
// the returned count.
func RestoreMergedRecord(ctx context.Context, table MergeTable, recordId int) (int, error) {
	userId, ok := utils.GetUserIdFromContext(ctx)
	if !ok {
		return 0, errors.New("user id is required")
	}
	userName, _ := utils.GetUserNameFromContext(ctx)

	db := config.GetDB()
	restored := 0
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		state, err := loadMergeState(tx, table, recordId)
		if err != nil {
			if errors.Is(err, utils.ErrorRecordNotFound) {
				return nil
			}
			return err
		}
		previousTarget := state.MergedInto

		affected, err := updateMergeColumns(tx, table, recordId, map[string]interface{}{
			"record_status": RecordStatusActive,
			"merged_into":   nil,
			"merged_at":     nil,
		}, "user_id = ? AND record_status = ?", userId, RecordStatusMerged)
		if err != nil {
			return err
		}
		if affected == 0 {
			return nil
		}
		restored = int(affected)

		confidence := 100
		if _, err := RecordAuditEntry(tx, NewAuditEntry{
			ActionType:      AuditActionRestoreMergedRecord,
			SourceTable:     string(table),
			SourceId:        recordId,
			ConfidenceScore: &confidence,
			Metadata: map[string]interface{}{
				"previous_merged_into": previousTarget,
			},
			ActingUserId:   &userId,
			ActingUserName: userName,
		}); err != nil {
			return err
		}

		refType := ReconcileReferenceTypeActivity
		if table == MergeTableDeals {
			refType = ReconcileReferenceTypeDeal
		}
		return PublishReconcileDecision(ctx, tx, time.Now().UTC(), recordId, refType,
			map[string]interface{}{"record_status": RecordStatusActive},
			map[string]interface{}{"record_status": RecordStatusMerged, "merged_into": previousTarget},
			ReconcileEventActionRestore)
	})
	if err != nil {
		return 0, err
	}
	return restored, nil
}

func stringPtr(s string) *string {
	return &s
}
