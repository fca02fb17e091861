package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"bitbucket.org/mmdatafocus/crm_backend/config"
	"bitbucket.org/mmdatafocus/crm_backend/workflow"
	"github.com/bsm/redislock"
	"github.com/sirupsen/logrus"
)

const lockKey = "lock:reconcile-shared-deals"

// main wraps run so its deferred cleanup (the redis lock release in
// particular) still fires on non-zero exits; os.Exit would skip defers.
func main() {
	os.Exit(run())
}

func run() int {
	dryRun := flag.Bool("dry-run", config.ReconcileDryRunDefault(), "Plan splits without writing anything")
	lockTTL := flag.Duration("lock-ttl", 10*time.Minute, "Redis lock TTL for the batch run")
	flag.Parse()

	config.ConnectDatabaseWithRetry()
	if config.GetDB() == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		return 1
	}
	logger := logrus.New()

	ctx := context.Background()

	// Single-flight guard: only one repair batch at a time across instances.
	// Without redis (local/dev) the guard is skipped.
	if locker := config.GetRedisLock(); locker != nil {
		lock, err := locker.Obtain(ctx, lockKey, *lockTTL, nil)
		if err == redislock.ErrNotObtained {
			fmt.Fprintln(os.Stderr, "another reconcile run holds the lock; exiting")
			return 1
		} else if err != nil {
			fmt.Fprintf(os.Stderr, "obtain lock: %v\n", err)
			return 1
		}
		defer lock.Release(ctx)
	}

	ctx, txnId, err := workflow.BeginLogicalTransaction(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "begin logical transaction: %v\n", err)
		return 1
	}
	fmt.Printf("logical transaction %s\n", txnId)

	summary, err := workflow.RepairSharedDeals(ctx, logger, *dryRun)
	if err != nil {
		_, _ = workflow.RollbackLogicalTransaction(ctx)
		fmt.Fprintf(os.Stderr, "repair failed: %v\n", err)
		return 1
	}
	if _, err := workflow.CommitLogicalTransaction(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "commit logical transaction: %v\n", err)
	}

	if *dryRun {
		fmt.Printf("dry run: %d split(s) planned, %d skipped\n", len(summary.Planned), summary.Skipped)
		for _, p := range summary.Planned {
			fmt.Printf("  activity id=%d deal=%d -> new deal %q\n", p.ActivityId, p.SourceDealId, p.NewDealName)
		}
	} else {
		fmt.Printf("repaired=%d skipped=%d failed=%d\n", summary.Repaired, summary.Skipped, summary.Failed)
		if summary.Failed > 0 {
			return 1
		}
	}
	return 0
}
