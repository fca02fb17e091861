package models

import (
	"context"
	"encoding/json"
	"time"

	"bitbucket.org/mmdatafocus/crm_backend/config"
	"bitbucket.org/mmdatafocus/crm_backend/utils"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Outbox publish statuses for ReconcileOutboxRecord.PublishStatus.
// Keep these as strings (DB values) for backwards compatibility.
const (
	OutboxPublishStatusPending    = "PENDING"
	OutboxPublishStatusProcessing = "PROCESSING"
	OutboxPublishStatusSent       = "SENT"
	OutboxPublishStatusFailed     = "FAILED"
	OutboxPublishStatusDead       = "DEAD"
)

// ReconcileOutboxRecord implements the transactional outbox: the record is
// written inside the caller's DB transaction and published to Pub/Sub
// asynchronously by the dispatcher after commit.
type ReconcileOutboxRecord struct {
	ID            int                    `gorm:"primary_key;index:idx_outbox_dispatch,priority:3" json:"id"`
	EventDateTime time.Time              `gorm:"index;not null" json:"event_date_time"`
	ReferenceId   int                    `json:"reference_id"`
	ReferenceType ReconcileReferenceType `gorm:"type:enum('DL','AC','SH')" json:"reference_type"`
	Action        ReconcileEventAction   `gorm:"type:enum('C','U','R')" json:"action"`
	OldObj        []byte                 `gorm:"type:blob" json:"old_obj"`
	NewObj        []byte                 `gorm:"type:blob" json:"new_obj"`

	PublishStatus    string     `gorm:"size:20;index;not null;default:'PENDING';index:idx_outbox_dispatch,priority:1" json:"publish_status"` // PENDING|PROCESSING|SENT|FAILED|DEAD
	PublishedAt      *time.Time `gorm:"index" json:"published_at"`
	PubSubMessageId  *string    `gorm:"size:255" json:"pubsub_message_id"`
	PublishAttempts  int        `gorm:"not null;default:0" json:"publish_attempts"`
	NextAttemptAt    *time.Time `gorm:"index;index:idx_outbox_dispatch,priority:2" json:"next_attempt_at"`
	LockedAt         *time.Time `gorm:"index" json:"locked_at"`
	LockedBy         *string    `gorm:"size:100" json:"locked_by"`
	LastPublishError *string    `gorm:"type:text" json:"last_publish_error"`

	CorrelationId string    `gorm:"size:64;index" json:"correlation_id"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func ConvertToReconcileEvent(record ReconcileOutboxRecord) config.ReconcileEvent {
	return config.ReconcileEvent{
		ID:            record.ID,
		EventDateTime: record.EventDateTime,
		ReferenceId:   record.ReferenceId,
		ReferenceType: string(record.ReferenceType),
		Action:        string(record.Action),
		OldObj:        record.OldObj,
		NewObj:        record.NewObj,
		CorrelationId: record.CorrelationId,
	}
}

// PublishReconcileDecision writes the outbox record in the caller's DB
// transaction but does NOT publish to Pub/Sub. Publishing is performed
// asynchronously by the outbox dispatcher after commit.
func PublishReconcileDecision(ctx context.Context, tx *gorm.DB, eventDateTime time.Time, refId int, refType ReconcileReferenceType, obj interface{}, oldObj interface{}, action ReconcileEventAction) error {
	var objInByte []byte
	var oldObjInByte []byte
	var err error

	if obj != nil {
		objInByte, err = json.Marshal(obj)
		if err != nil {
			return err
		}
	}
	if oldObj != nil {
		oldObjInByte, err = json.Marshal(oldObj)
		if err != nil {
			return err
		}
	}

	record := ReconcileOutboxRecord{
		EventDateTime: eventDateTime,
		ReferenceId:   refId,
		ReferenceType: refType,
		Action:        action,
		NewObj:        objInByte,
		OldObj:        oldObjInByte,
		PublishStatus: OutboxPublishStatusPending,
		CorrelationId: correlationIdFromContextOrNew(ctx),
	}
	return tx.Create(&record).Error
}

func correlationIdFromContextOrNew(ctx context.Context) string {
	if ctx != nil {
		if v, ok := utils.GetCorrelationIdFromContext(ctx); ok && v != "" {
			return v
		}
	}
	return uuid.NewString()
}
