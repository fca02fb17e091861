package models

import (
	"log"

	"bitbucket.org/mmdatafocus/crm_backend/config"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&User{},
		&Deal{}, &SalesActivity{},
		&DealStageHistory{},
		&AuditEntry{}, &SecurityEvent{},
		&LogicalTransaction{},
		&ReconcileOutboxRecord{},
		&IdempotencyKey{},
	)
	if err != nil {
		log.Fatal(err)
	}
}
