package config

import (
	"os"
	"strings"
)

// ReconcileDryRunDefault makes the shared-deal repair job plan-only unless the
// caller explicitly opts in to executing splits.
//
// Set via env:
// - RECONCILE_DRY_RUN_DEFAULT=true
func ReconcileDryRunDefault() bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("RECONCILE_DRY_RUN_DEFAULT")))
	return v == "1" || v == "true" || v == "yes" || v == "y"
}

// StrictMergeTargets rejects merging a record into a target that is itself
// merged. This keeps merge chains from forming, so restore never has to
// resolve A -> B -> C.
//
// On by default; set STRICT_MERGE_TARGETS=false to restore the legacy
// permissive behavior.
func StrictMergeTargets() bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("STRICT_MERGE_TARGETS")))
	if v == "" {
		return true
	}
	return v == "1" || v == "true" || v == "yes" || v == "y"
}
