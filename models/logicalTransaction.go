package models

import "time"

type LogicalTransactionState string

const (
	LogicalTransactionStateActive     LogicalTransactionState = "active"
	LogicalTransactionStateCommitted  LogicalTransactionState = "committed"
	LogicalTransactionStateRolledBack LogicalTransactionState = "rolled_back"
)

// LogicalTransaction is an advisory correlation marker, not a storage
// transaction. It records that a sequence of calls belonged together; real
// atomicity always comes from the database transaction scope.
type LogicalTransaction struct {
	ID            string                  `gorm:"primary_key;size:64" json:"id"`
	State         LogicalTransactionState `gorm:"size:20;not null;index" json:"state"`
	UserId        *int                    `gorm:"index" json:"user_id"`
	CorrelationId string                  `gorm:"size:64;index" json:"correlation_id"`
	StartedAt     time.Time               `gorm:"autoCreateTime" json:"started_at"`
	EndedAt       *time.Time              `json:"ended_at"`
}
