package workflow

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/crm_backend/config"
	"bitbucket.org/mmdatafocus/crm_backend/models"
	"bitbucket.org/mmdatafocus/crm_backend/utils"
	"github.com/google/uuid"
)

// Logical transactions are advisory correlation markers only. They exist so a
// sequence of calls can be tied together in logs and external traces; they
// give no atomicity beyond what the database already provides per statement.
// Callers that need all-or-nothing semantics must use a real gorm transaction.
//
// The active token travels as an explicit context value, never as ambient
// session state.

// BeginLogicalTransaction mints a fresh token, records the marker row, and
// returns a context carrying the token.
func BeginLogicalTransaction(ctx context.Context) (context.Context, string, error) {
	txnId := uuid.NewString()

	var userId *int
	if id, ok := utils.GetUserIdFromContext(ctx); ok {
		userId = &id
	}
	correlationId, _ := utils.GetCorrelationIdFromContext(ctx)

	marker := models.LogicalTransaction{
		ID:            txnId,
		State:         models.LogicalTransactionStateActive,
		UserId:        userId,
		CorrelationId: correlationId,
	}
	db := config.GetDB()
	if err := db.WithContext(ctx).Create(&marker).Error; err != nil {
		return ctx, "", err
	}

	return utils.SetLogicalTxnIdInContext(ctx, txnId), txnId, nil
}

// CommitLogicalTransaction records the terminal state for the context's
// active token. No active token in context is a no-op, not an error.
func CommitLogicalTransaction(ctx context.Context) (string, error) {
	return endLogicalTransaction(ctx, models.LogicalTransactionStateCommitted)
}

// RollbackLogicalTransaction records the terminal state for the context's
// active token. No active token in context is a no-op, not an error.
func RollbackLogicalTransaction(ctx context.Context) (string, error) {
	return endLogicalTransaction(ctx, models.LogicalTransactionStateRolledBack)
}

func endLogicalTransaction(ctx context.Context, state models.LogicalTransactionState) (string, error) {
	txnId, ok := utils.GetLogicalTxnIdFromContext(ctx)
	if !ok || txnId == "" {
		return "", nil
	}

	now := time.Now().UTC()
	db := config.GetDB()
	err := db.WithContext(ctx).Model(&models.LogicalTransaction{}).
		Where("id = ? AND state = ?", txnId, models.LogicalTransactionStateActive).
		Updates(map[string]interface{}{"state": state, "ended_at": &now}).Error
	if err != nil {
		return "", err
	}
	return txnId, nil
}
