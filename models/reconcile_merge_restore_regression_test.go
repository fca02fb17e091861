package models_test

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/crm_backend/config"
	"bitbucket.org/mmdatafocus/crm_backend/models"
	"bitbucket.org/mmdatafocus/crm_backend/utils"
	"bitbucket.org/mmdatafocus/crm_backend/workflow"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// End-to-end regression over real MySQL: merge -> restore roundtrip with the
// audit trail, then the shared-deal repair including its idempotent re-run.

func TestMergeRestoreAndSharedDealRepair(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	mysqlName, mysqlPort := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(mysqlName) })

	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "crm_test")

	config.ConnectDatabaseWithRetry()
	models.MigrateTable()
	db := config.GetDB()

	ctx := utils.SetUserIdInContext(context.Background(), 1)
	ctx = utils.SetUserNameInContext(ctx, "Test Admin")
	ctx = utils.SetIsAdminInContext(ctx, true)

	// Seed: one deal shared by two completed sales, plus a lone deal pair
	// for the merge/restore roundtrip.
	shared := models.Deal{Name: "Acme Renewal", CompanyName: "Acme", Value: decimal.NewFromInt(5000), StageId: 2, Status: models.DealStatusWon, UserId: 1}
	if err := db.Create(&shared).Error; err != nil {
		t.Fatalf("seed shared deal: %v", err)
	}
	survivor := models.Deal{Name: "Initech Pilot", CompanyName: "Initech", Value: decimal.NewFromInt(100), Status: models.DealStatusOpen, UserId: 1}
	duplicate := models.Deal{Name: "Initech Pilot (dup)", CompanyName: "Initech", Value: decimal.NewFromInt(100), Status: models.DealStatusOpen, UserId: 1}
	if err := db.Create(&survivor).Error; err != nil {
		t.Fatalf("seed survivor: %v", err)
	}
	if err := db.Create(&duplicate).Error; err != nil {
		t.Fatalf("seed duplicate: %v", err)
	}

	amount := decimal.NewFromInt(750)
	early := models.SalesActivity{ClientName: "Acme", ActivityDate: date(2024, 3, 1), Type: models.ActivityTypeSale, Status: models.ActivityStatusCompleted, DealId: &shared.ID, UserId: 1}
	late := models.SalesActivity{ClientName: "Globex", Amount: &amount, ActivityDate: date(2024, 3, 5), Type: models.ActivityTypeSale, Status: models.ActivityStatusCompleted, DealId: &shared.ID, UserId: 1}
	if err := db.Create(&early).Error; err != nil {
		t.Fatalf("seed early activity: %v", err)
	}
	if err := db.Create(&late).Error; err != nil {
		t.Fatalf("seed late activity: %v", err)
	}

	// Merge the duplicate deal into the survivor.
	if err := models.MergeRecord(ctx, models.MergeTableDeals, duplicate.ID, survivor.ID); err != nil {
		t.Fatalf("MergeRecord: %v", err)
	}
	merged, err := models.GetDealById(ctx, duplicate.ID)
	if err != nil {
		t.Fatalf("reload merged deal: %v", err)
	}
	if !merged.IsMerged() || merged.MergedInto == nil || *merged.MergedInto != survivor.ID {
		t.Fatalf("merge fields not set: %+v", merged)
	}

	// Merging anything into an already-merged target must be rejected.
	third := models.Deal{Name: "Initech Pilot (again)", CompanyName: "Initech", Status: models.DealStatusOpen, UserId: 1}
	if err := db.Create(&third).Error; err != nil {
		t.Fatalf("seed third: %v", err)
	}
	if err := models.MergeRecord(ctx, models.MergeTableDeals, third.ID, duplicate.ID); err != models.ErrMergeIntoMerged {
		t.Fatalf("expected ErrMergeIntoMerged, got %v", err)
	}

	// Restore clears the fields and is a no-op the second time.
	count, err := models.RestoreMergedRecord(ctx, models.MergeTableDeals, duplicate.ID)
	if err != nil {
		t.Fatalf("RestoreMergedRecord: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected restored count 1, got %d", count)
	}
	restored, err := models.GetDealById(ctx, duplicate.ID)
	if err != nil {
		t.Fatalf("reload restored deal: %v", err)
	}
	if restored.IsMerged() || restored.MergedInto != nil || restored.MergedAt != nil {
		t.Fatalf("merge fields not cleared: %+v", restored)
	}
	count, err = models.RestoreMergedRecord(ctx, models.MergeTableDeals, duplicate.ID)
	if err != nil {
		t.Fatalf("second restore: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected no-op restore, got count %d", count)
	}

	// Both actions left audit entries.
	var auditCount int64
	if err := db.Model(&models.AuditEntry{}).
		Where("action_type IN ?", []string{string(models.AuditActionMergeRecord), string(models.AuditActionRestoreMergedRecord)}).
		Where("source_id = ?", duplicate.ID).
		Count(&auditCount).Error; err != nil {
		t.Fatalf("count audit entries: %v", err)
	}
	if auditCount != 2 {
		t.Fatalf("expected 2 audit entries for merge+restore, got %d", auditCount)
	}

	// Dry run first: the plan names the split but nothing is written.
	logger := logrus.New()
	var dealsBefore int64
	if err := db.Model(&models.Deal{}).Count(&dealsBefore).Error; err != nil {
		t.Fatalf("count deals: %v", err)
	}
	plan, err := workflow.RepairSharedDeals(ctx, logger, true)
	if err != nil {
		t.Fatalf("dry-run RepairSharedDeals: %v", err)
	}
	if !plan.DryRun || plan.Repaired != 0 || plan.Failed != 0 {
		t.Fatalf("unexpected dry-run summary: %+v", plan)
	}
	if len(plan.Planned) != 1 {
		t.Fatalf("expected 1 planned split, got %d", len(plan.Planned))
	}
	p := plan.Planned[0]
	if p.ActivityId != late.ID || p.SourceDealId != shared.ID {
		t.Fatalf("plan names the wrong records: %+v", p)
	}
	if p.NewDealName != "Globex Deal" || !p.NewDealValue.Equal(amount) {
		t.Fatalf("plan derivation wrong: %+v", p)
	}
	var dealsAfterPlan int64
	if err := db.Model(&models.Deal{}).Count(&dealsAfterPlan).Error; err != nil {
		t.Fatalf("count deals: %v", err)
	}
	if dealsAfterPlan != dealsBefore {
		t.Fatalf("dry run created deals: before=%d after=%d", dealsBefore, dealsAfterPlan)
	}
	var splitAudits int64
	if err := db.Model(&models.AuditEntry{}).
		Where("action_type = ?", models.AuditActionCreateDealFromActivity).
		Count(&splitAudits).Error; err != nil {
		t.Fatalf("count split audits: %v", err)
	}
	if splitAudits != 0 {
		t.Fatalf("dry run wrote %d audit entries", splitAudits)
	}
	var lateAfterPlan models.SalesActivity
	if err := db.Where("id = ?", late.ID).First(&lateAfterPlan).Error; err != nil {
		t.Fatalf("reload late activity: %v", err)
	}
	if lateAfterPlan.DealId == nil || *lateAfterPlan.DealId != shared.ID {
		t.Fatalf("dry run repointed the activity: %+v", lateAfterPlan.DealId)
	}

	// Shared-deal repair: the later activity gets its own deal.
	summary, err := workflow.RepairSharedDeals(ctx, logger, false)
	if err != nil {
		t.Fatalf("RepairSharedDeals: %v", err)
	}
	if summary.Repaired != 1 || summary.Failed != 0 {
		t.Fatalf("unexpected summary: %+v", summary)
	}

	var lateReloaded models.SalesActivity
	if err := db.Where("id = ?", late.ID).First(&lateReloaded).Error; err != nil {
		t.Fatalf("reload late activity: %v", err)
	}
	if lateReloaded.DealId == nil || *lateReloaded.DealId == shared.ID {
		t.Fatalf("late activity still points at the shared deal: %+v", lateReloaded.DealId)
	}
	newDeal, err := models.GetDealById(ctx, *lateReloaded.DealId)
	if err != nil {
		t.Fatalf("load clone deal: %v", err)
	}
	if newDeal.Name != "Globex Deal" {
		t.Fatalf("expected clone named from client, got %q", newDeal.Name)
	}
	if newDeal.Status != models.DealStatusWon {
		t.Fatalf("expected clone status won, got %s", newDeal.Status)
	}
	if !newDeal.Value.Equal(amount) {
		t.Fatalf("expected clone value %s, got %s", amount, newDeal.Value)
	}

	var earlyReloaded models.SalesActivity
	if err := db.Where("id = ?", early.ID).First(&earlyReloaded).Error; err != nil {
		t.Fatalf("reload early activity: %v", err)
	}
	if earlyReloaded.DealId == nil || *earlyReloaded.DealId != shared.ID {
		t.Fatalf("earliest activity must keep the original deal")
	}

	var splitAudit models.AuditEntry
	if err := db.Where("action_type = ? AND source_id = ?", models.AuditActionCreateDealFromActivity, late.ID).
		First(&splitAudit).Error; err != nil {
		t.Fatalf("split audit entry missing: %v", err)
	}
	if splitAudit.TargetId == nil || *splitAudit.TargetId != newDeal.ID {
		t.Fatalf("split audit entry does not reference the clone: %+v", splitAudit)
	}

	// Re-run finds nothing to repair.
	summary, err = workflow.RepairSharedDeals(ctx, logger, false)
	if err != nil {
		t.Fatalf("second RepairSharedDeals: %v", err)
	}
	if summary.Repaired != 0 || summary.Failed != 0 {
		t.Fatalf("repair is not idempotent: %+v", summary)
	}

	// The repair and restore queued reconcile outbox events.
	var outboxCount int64
	if err := db.Model(&models.ReconcileOutboxRecord{}).Count(&outboxCount).Error; err != nil {
		t.Fatalf("count outbox: %v", err)
	}
	if outboxCount < 2 {
		t.Fatalf("expected outbox events from restore and repair, got %d", outboxCount)
	}

	// Fail closed: a shared deal that is itself merged cannot be cloned. The
	// candidate fails, no clone appears, and the failure lands in the audit
	// trail even though the candidate's own transaction rolled back.
	orphan := models.Deal{Name: "Umbrella Expansion", CompanyName: "Umbrella", Value: decimal.NewFromInt(900), Status: models.DealStatusWon, UserId: 1}
	if err := db.Create(&orphan).Error; err != nil {
		t.Fatalf("seed orphan deal: %v", err)
	}
	if err := models.MergeRecord(ctx, models.MergeTableDeals, orphan.ID, survivor.ID); err != nil {
		t.Fatalf("merge orphan deal: %v", err)
	}
	oFirst := models.SalesActivity{ClientName: "Umbrella", ActivityDate: date(2024, 4, 1), Type: models.ActivityTypeSale, Status: models.ActivityStatusCompleted, DealId: &orphan.ID, UserId: 1}
	oSecond := models.SalesActivity{ClientName: "Umbrella", ActivityDate: date(2024, 4, 3), Type: models.ActivityTypeSale, Status: models.ActivityStatusCompleted, DealId: &orphan.ID, UserId: 1}
	if err := db.Create(&oFirst).Error; err != nil {
		t.Fatalf("seed first orphan activity: %v", err)
	}
	if err := db.Create(&oSecond).Error; err != nil {
		t.Fatalf("seed second orphan activity: %v", err)
	}

	if err := db.Model(&models.Deal{}).Count(&dealsBefore).Error; err != nil {
		t.Fatalf("count deals: %v", err)
	}
	summary, err = workflow.RepairSharedDeals(ctx, logger, false)
	if err != nil {
		t.Fatalf("RepairSharedDeals over merged source: %v", err)
	}
	if summary.Failed != 1 || summary.Repaired != 0 {
		t.Fatalf("expected one failed candidate, got %+v", summary)
	}
	var dealsAfterFail int64
	if err := db.Model(&models.Deal{}).Count(&dealsAfterFail).Error; err != nil {
		t.Fatalf("count deals: %v", err)
	}
	if dealsAfterFail != dealsBefore {
		t.Fatalf("failed split still created a deal: before=%d after=%d", dealsBefore, dealsAfterFail)
	}
	var errEntry models.AuditEntry
	if err := db.Where("action_type = ? AND source_id = ?", models.AuditActionError, oSecond.ID).
		First(&errEntry).Error; err != nil {
		t.Fatalf("error audit entry missing: %v", err)
	}
	if !strings.Contains(errEntry.Metadata, "merged") {
		t.Fatalf("error metadata does not carry the cause: %q", errEntry.Metadata)
	}
	var oSecondReloaded models.SalesActivity
	if err := db.Where("id = ?", oSecond.ID).First(&oSecondReloaded).Error; err != nil {
		t.Fatalf("reload orphan activity: %v", err)
	}
	if oSecondReloaded.DealId == nil || *oSecondReloaded.DealId != orphan.ID {
		t.Fatalf("failed candidate was repointed: %+v", oSecondReloaded.DealId)
	}

	// A candidate another run holds mid-flight is skipped, not failed: its
	// idempotency key stays STARTED and no error entry is written for it.
	held := models.Deal{Name: "Hooli Upsell", CompanyName: "Hooli", Value: decimal.NewFromInt(300), Status: models.DealStatusWon, UserId: 1}
	if err := db.Create(&held).Error; err != nil {
		t.Fatalf("seed held deal: %v", err)
	}
	hFirst := models.SalesActivity{ClientName: "Hooli", ActivityDate: date(2024, 5, 1), Type: models.ActivityTypeSale, Status: models.ActivityStatusCompleted, DealId: &held.ID, UserId: 1}
	hSecond := models.SalesActivity{ClientName: "Hooli", ActivityDate: date(2024, 5, 2), Type: models.ActivityTypeSale, Status: models.ActivityStatusCompleted, DealId: &held.ID, UserId: 1}
	if err := db.Create(&hFirst).Error; err != nil {
		t.Fatalf("seed first held activity: %v", err)
	}
	if err := db.Create(&hSecond).Error; err != nil {
		t.Fatalf("seed second held activity: %v", err)
	}
	inFlight := models.IdempotencyKey{HandlerName: "SHARED_DEAL_SPLIT", MessageId: strconv.Itoa(hSecond.ID), Status: models.IdempotencyStatusStarted}
	if err := db.Create(&inFlight).Error; err != nil {
		t.Fatalf("seed in-flight key: %v", err)
	}

	summary, err = workflow.RepairSharedDeals(ctx, logger, false)
	if err != nil {
		t.Fatalf("RepairSharedDeals with in-flight candidate: %v", err)
	}
	// Orphan candidate fails again; the held candidate counts as skipped
	// alongside the two keepers.
	if summary.Repaired != 0 || summary.Failed != 1 || summary.Skipped != 3 {
		t.Fatalf("in-flight candidate not skipped: %+v", summary)
	}
	var heldErrs int64
	if err := db.Model(&models.AuditEntry{}).
		Where("action_type = ? AND source_id = ?", models.AuditActionError, hSecond.ID).
		Count(&heldErrs).Error; err != nil {
		t.Fatalf("count held error entries: %v", err)
	}
	if heldErrs != 0 {
		t.Fatalf("in-flight candidate produced %d error entries", heldErrs)
	}
	var heldKey models.IdempotencyKey
	if err := db.Where("id = ?", inFlight.ID).First(&heldKey).Error; err != nil {
		t.Fatalf("reload in-flight key: %v", err)
	}
	if heldKey.Status != models.IdempotencyStatusStarted {
		t.Fatalf("in-flight key flipped to %s", heldKey.Status)
	}
	var hSecondReloaded models.SalesActivity
	if err := db.Where("id = ?", hSecond.ID).First(&hSecondReloaded).Error; err != nil {
		t.Fatalf("reload held activity: %v", err)
	}
	if hSecondReloaded.DealId == nil || *hSecondReloaded.DealId != held.ID {
		t.Fatalf("in-flight candidate was repointed: %+v", hSecondReloaded.DealId)
	}
}

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func startMySQLContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("crm-test-mysql-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-e", "MYSQL_ROOT_PASSWORD=testpw",
		"-e", "MYSQL_DATABASE=crm_test",
		"-p", "127.0.0.1:0:3306",
		"mysql:8.0",
		"--default-authentication-plugin=mysql_native_password",
	)
	if err != nil {
		t.Fatalf("start mysql container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "3306/tcp")
	if err != nil {
		t.Fatalf("mysql docker port: %v", err)
	}
	// wait until ready
	deadline := time.Now().Add(120 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "mysqladmin", "ping", "-h", "127.0.0.1", "-ptestpw", "--silent")
		if err == nil {
			return name, port
		}
		time.Sleep(500 * time.Millisecond)
	}
	t.Fatalf("mysql did not become ready")
	return "", ""
}

func dockerHostPort(container, portProto string) (string, error) {
	out, err := dockerRun("port", container, portProto)
	if err != nil {
		return "", fmt.Errorf("docker port: %w: %s", err, out)
	}
	// Example: "127.0.0.1:49154\n"
	re := regexp.MustCompile(`:(\d+)`)
	m := re.FindStringSubmatch(out)
	if len(m) != 2 {
		return "", fmt.Errorf("unexpected docker port output: %q", out)
	}
	return m[1], nil
}

func dockerRmForce(container string) error {
	if strings.TrimSpace(container) == "" {
		return nil
	}
	_, err := dockerRun("rm", "-f", container)
	return err
}

func dockerRun(args ...string) (string, error) {
	cmd := exec.Command("docker", args...)
	b, err := cmd.CombinedOutput()
	return string(b), err
}
