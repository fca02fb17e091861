package models

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/crm_backend/config"
	"bitbucket.org/mmdatafocus/crm_backend/utils"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// AuditEntry is one immutable record of a reconciliation decision. Rows are
// append-only: no update or delete path exists anywhere in this package.
// Retention trimming is an external scheduled job.
type AuditEntry struct {
	ID              int             `gorm:"primary_key" json:"id"`
	ActionType      AuditActionType `gorm:"size:50;not null;index" json:"action_type"`
	SourceTable     string          `gorm:"size:64;not null" json:"source_table"`
	SourceId        int             `gorm:"not null;index" json:"source_id"`
	TargetTable     *string         `gorm:"size:64" json:"target_table"`
	TargetId        *int            `gorm:"index" json:"target_id"`
	ConfidenceScore *int            `json:"confidence_score"`
	Metadata        string          `gorm:"type:text" json:"metadata"`
	// ActingUserId NULL means the action was system-automated.
	ActingUserId   *int      `gorm:"index" json:"acting_user_id"`
	ActingUserName string    `gorm:"size:100" json:"acting_user_name"`
	CreatedAt      time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}

type NewAuditEntry struct {
	ActionType      AuditActionType
	SourceTable     string
	SourceId        int
	TargetTable     *string
	TargetId        *int
	ConfidenceScore *int
	Metadata        map[string]interface{}
	// ActingUserId nil records the entry as system-automated even when a
	// user is present in context (batch jobs run with elevated privilege).
	ActingUserId   *int
	ActingUserName string
}

var ErrConfidenceOutOfRange = errors.New("confidence score must be between 0 and 100")

// RecordAuditEntry appends one entry inside the caller's transaction.
// A reconciliation action that cannot be audited must not commit, so
// failures propagate and nothing retries here.
func RecordAuditEntry(tx *gorm.DB, entry NewAuditEntry) (int, error) {
	if entry.ActionType == "" {
		return 0, errors.New("action type is required")
	}
	if entry.SourceTable == "" {
		return 0, errors.New("source table is required")
	}
	if entry.ConfidenceScore != nil && (*entry.ConfidenceScore < 0 || *entry.ConfidenceScore > 100) {
		return 0, ErrConfidenceOutOfRange
	}
	// Unknown action types are accepted for forward compatibility with new
	// action kinds, but flagged so monitoring can pick them up.
	if !IsKnownAuditAction(entry.ActionType) {
		config.GetLogger().WithFields(logrus.Fields{
			"module":      "auditEntry.go",
			"action_type": entry.ActionType,
		}).Warn("unrecognized audit action type")
	}

	metadata := "{}"
	if entry.Metadata != nil {
		s, err := utils.MarshalToJSON(entry.Metadata)
		if err != nil {
			return 0, fmt.Errorf("marshal audit metadata: %w", err)
		}
		metadata = s
	}

	row := AuditEntry{
		ActionType:      entry.ActionType,
		SourceTable:     entry.SourceTable,
		SourceId:        entry.SourceId,
		TargetTable:     entry.TargetTable,
		TargetId:        entry.TargetId,
		ConfidenceScore: entry.ConfidenceScore,
		Metadata:        metadata,
		ActingUserId:    entry.ActingUserId,
		ActingUserName:  entry.ActingUserName,
	}
	if err := tx.Create(&row).Error; err != nil {
		return 0, err
	}
	return row.ID, nil
}

type AuditEntryFilter struct {
	ActionType string     `form:"action_type"`
	SourceId   int        `form:"source_id"`
	From       *time.Time `form:"from" time_format:"2006-01-02"`
	To         *time.Time `form:"to" time_format:"2006-01-02"`
	Limit      int        `form:"limit"`
	Offset     int        `form:"offset"`
}

// ListAuditEntries returns entries visible to the caller: admins see all,
// everyone else only entries they themselves acted on.
func ListAuditEntries(ctx context.Context, filter AuditEntryFilter) ([]*AuditEntry, error) {
	db := config.GetDB()
	q := db.WithContext(ctx).Model(&AuditEntry{})

	if !utils.GetIsAdminFromContext(ctx) {
		userId, ok := utils.GetUserIdFromContext(ctx)
		if !ok {
			return nil, errors.New("user id is required")
		}
		q = q.Where("acting_user_id = ?", userId)
	}
	if filter.ActionType != "" {
		q = q.Where("action_type = ?", filter.ActionType)
	}
	if filter.SourceId != 0 {
		q = q.Where("source_id = ?", filter.SourceId)
	}
	if filter.From != nil {
		q = q.Where("created_at >= ?", *filter.From)
	}
	if filter.To != nil {
		q = q.Where("created_at < ?", *filter.To)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > 500 {
		limit = 500
	}

	var entries []*AuditEntry
	if err := q.Order("id DESC").Limit(limit).Offset(filter.Offset).Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}
