package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/crm_backend/config"
	"bitbucket.org/mmdatafocus/crm_backend/utils"
)

// SecurityEvent is the authorization/rate-limit audit trail. It shares the
// append-only design of AuditEntry but lives in its own table so security
// dashboards never mix with reconciliation history.
type SecurityEvent struct {
	ID            int               `gorm:"primary_key" json:"id"`
	EventType     SecurityEventType `gorm:"size:50;not null;index" json:"event_type"`
	Metadata      string            `gorm:"type:text" json:"metadata"`
	UserId        *int              `gorm:"index" json:"user_id"`
	OriginAddress string            `gorm:"size:64" json:"origin_address"`
	AgentString   string            `gorm:"size:512" json:"agent_string"`
	CreatedAt     time.Time         `gorm:"autoCreateTime;index" json:"created_at"`
}

// RecordSecurityEvent appends one event. Fire-and-forget: failures are
// logged, never returned, so hot paths (middleware) cannot be blocked by
// the security log.
func RecordSecurityEvent(ctx context.Context, eventType SecurityEventType, metadata map[string]interface{}, originAddress string, agentString string) {
	db := config.GetDB()
	if db == nil {
		return
	}

	meta := "{}"
	if metadata != nil {
		if s, err := utils.MarshalToJSON(metadata); err == nil {
			meta = s
		}
	}

	var userId *int
	if id, ok := utils.GetUserIdFromContext(ctx); ok {
		userId = &id
	}

	event := SecurityEvent{
		EventType:     eventType,
		Metadata:      meta,
		UserId:        userId,
		OriginAddress: originAddress,
		AgentString:   agentString,
	}
	if err := db.WithContext(ctx).Create(&event).Error; err != nil {
		config.LogError(config.GetLogger(), "securityEvent.go", "RecordSecurityEvent", "Create", event, err)
	}
}

type SecurityEventFilter struct {
	EventType string     `form:"event_type"`
	UserId    int        `form:"user_id"`
	From      *time.Time `form:"from" time_format:"2006-01-02"`
	To        *time.Time `form:"to" time_format:"2006-01-02"`
	Limit     int        `form:"limit"`
	Offset    int        `form:"offset"`
}

// ListSecurityEvents is admin-only; the HTTP layer enforces the role, this
// guard is the backstop.
func ListSecurityEvents(ctx context.Context, filter SecurityEventFilter) ([]*SecurityEvent, error) {
	if !utils.GetIsAdminFromContext(ctx) {
		return nil, errors.New("admin role is required")
	}

	db := config.GetDB()
	q := db.WithContext(ctx).Model(&SecurityEvent{})
	if filter.EventType != "" {
		q = q.Where("event_type = ?", filter.EventType)
	}
	if filter.UserId != 0 {
		q = q.Where("user_id = ?", filter.UserId)
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

	var events []*SecurityEvent
	if err := q.Order("id DESC").Limit(limit).Offset(filter.Offset).Find(&events).Error; err != nil {
		return nil, err
	}
	return events, nil
}
