package workflow

import (
	"context"
	"errors"
	"fmt"
	"testing"

	mysqlDriver "github.com/go-sql-driver/mysql"
)

func TestIsDuplicateKeyErr(t *testing.T) {
	dup := &mysqlDriver.MySQLError{Number: 1062, Message: "Duplicate entry"}
	if !isDuplicateKeyErr(dup) {
		t.Fatal("1062 not detected as duplicate key")
	}
	if !isDuplicateKeyErr(fmt.Errorf("create idempotency key: %w", dup)) {
		t.Fatal("wrapped 1062 not detected")
	}
	if isDuplicateKeyErr(&mysqlDriver.MySQLError{Number: 1213}) {
		t.Fatal("deadlock error misdetected as duplicate key")
	}
	if isDuplicateKeyErr(errors.New("plain error")) {
		t.Fatal("plain error misdetected as duplicate key")
	}
	if isDuplicateKeyErr(nil) {
		t.Fatal("nil misdetected as duplicate key")
	}
}

func TestEndLogicalTransaction_NoTokenIsNoOp(t *testing.T) {
	// No token in context must short-circuit before any storage access.
	ctx := context.Background()

	id, err := CommitLogicalTransaction(ctx)
	if err != nil || id != "" {
		t.Fatalf("commit without token: id=%q err=%v", id, err)
	}
	id, err = RollbackLogicalTransaction(ctx)
	if err != nil || id != "" {
		t.Fatalf("rollback without token: id=%q err=%v", id, err)
	}
}
