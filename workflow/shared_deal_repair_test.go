package workflow

import (
	"strings"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/crm_backend/models"
	"github.com/shopspring/decimal"
)

// NOTE: These tests are intentionally DB-free. They validate the split
// semantics of the shared-deal repair:
// - the earliest completed sale per deal keeps the original deal
// - every later one is split onto an independent clone
// - clone fields are derived deterministically from source deal + activity
//
// Full DB integration coverage lives in the INTEGRATION_TESTS-gated
// regression tests under models/.

func day(d int) time.Time {
	return time.Date(2024, 3, d, 0, 0, 0, 0, time.UTC)
}

func saleActivity(id int, dealId int, client string, date time.Time) models.SalesActivity {
	return models.SalesActivity{
		ID:           id,
		ClientName:   client,
		ActivityDate: date,
		Type:         models.ActivityTypeSale,
		Status:       models.ActivityStatusCompleted,
		DealId:       &dealId,
	}
}

func TestPartitionKeepers_EarliestActivityKeepsDeal(t *testing.T) {
	// Two completed sales share deal 10; the earlier one keeps it.
	a1 := saleActivity(1, 10, "Acme", day(1))
	a2 := saleActivity(2, 10, "Globex", day(5))

	keepers, splits := PartitionKeepers([]models.SalesActivity{a2, a1})

	if keepers[10] != a1.ID {
		t.Fatalf("expected activity %d to keep deal 10, got %d", a1.ID, keepers[10])
	}
	if len(splits) != 1 || splits[0].ID != a2.ID {
		t.Fatalf("expected only activity %d to split, got %+v", a2.ID, splits)
	}
}

func TestPartitionKeepers_TieBreaksOnLowestId(t *testing.T) {
	same := day(3)
	a1 := saleActivity(7, 20, "Acme", same)
	a2 := saleActivity(3, 20, "Acme", same)

	keepers, splits := PartitionKeepers([]models.SalesActivity{a1, a2})

	if keepers[20] != 3 {
		t.Fatalf("expected lowest id 3 to keep the deal on a date tie, got %d", keepers[20])
	}
	if len(splits) != 1 || splits[0].ID != 7 {
		t.Fatalf("expected activity 7 to split, got %+v", splits)
	}
}

func TestPartitionKeepers_IndependentDealsPartitionSeparately(t *testing.T) {
	activities := []models.SalesActivity{
		saleActivity(1, 10, "Acme", day(1)),
		saleActivity(2, 10, "Acme", day(2)),
		saleActivity(3, 10, "Acme", day(3)),
		saleActivity(4, 30, "Initech", day(1)),
		saleActivity(5, 30, "Initech", day(4)),
	}

	keepers, splits := PartitionKeepers(activities)

	if len(keepers) != 2 {
		t.Fatalf("expected 2 keepers, got %d", len(keepers))
	}
	if keepers[10] != 1 || keepers[30] != 4 {
		t.Fatalf("unexpected keepers: %v", keepers)
	}
	if len(splits) != 3 {
		t.Fatalf("expected 3 splits, got %d", len(splits))
	}
	for _, s := range splits {
		if s.ID == 1 || s.ID == 4 {
			t.Fatalf("keeper %d must not appear in splits", s.ID)
		}
	}
}

func TestPartitionKeepers_Deterministic(t *testing.T) {
	activities := []models.SalesActivity{
		saleActivity(9, 10, "Acme", day(2)),
		saleActivity(4, 10, "Acme", day(2)),
		saleActivity(2, 10, "Acme", day(6)),
	}

	firstKeepers, firstSplits := PartitionKeepers(activities)
	for run := 0; run < 50; run++ {
		// Reverse order every other run; the partition must not depend on
		// input ordering.
		shuffled := []models.SalesActivity{activities[2], activities[0], activities[1]}
		if run%2 == 0 {
			shuffled = []models.SalesActivity{activities[1], activities[2], activities[0]}
		}
		keepers, splits := PartitionKeepers(shuffled)
		if keepers[10] != firstKeepers[10] {
			t.Fatalf("run=%d keeper changed: %d vs %d", run, keepers[10], firstKeepers[10])
		}
		if len(splits) != len(firstSplits) {
			t.Fatalf("run=%d split count changed: %d vs %d", run, len(splits), len(firstSplits))
		}
	}
}

func TestDeriveDealClone_ClientNameDiffersFromCompany(t *testing.T) {
	source := models.Deal{
		ID:          10,
		Name:        "Acme Renewal",
		CompanyName: "Acme",
		Value:       decimal.NewFromInt(5000),
		StageId:     4,
		UserId:      2,
	}
	amount := decimal.NewFromInt(750)
	activity := saleActivity(2, 10, "Globex", day(5))
	activity.Amount = &amount

	clone := DeriveDealClone(source, activity)

	if clone.Name != "Globex Deal" {
		t.Fatalf("expected name %q, got %q", "Globex Deal", clone.Name)
	}
	if !clone.Value.Equal(amount) {
		t.Fatalf("expected value from activity amount %s, got %s", amount, clone.Value)
	}
	if clone.Status != models.DealStatusWon {
		t.Fatalf("expected status won, got %s", clone.Status)
	}
	if !clone.CreatedAt.Equal(activity.ActivityDate) {
		t.Fatalf("expected created_at = activity date %s, got %s", activity.ActivityDate, clone.CreatedAt)
	}
	if clone.StageId != source.StageId || clone.UserId != source.UserId {
		t.Fatalf("expected stage and owner copied from source, got stage=%d user=%d", clone.StageId, clone.UserId)
	}
	if clone.ID != 0 {
		t.Fatalf("clone must not carry the source id, got %d", clone.ID)
	}
}

func TestDeriveDealClone_SameClientGetsCopySuffix(t *testing.T) {
	source := models.Deal{
		ID:          10,
		Name:        "Acme Renewal",
		CompanyName: "Acme",
		Value:       decimal.NewFromInt(5000),
	}
	activity := saleActivity(2, 10, "Acme", day(5))

	clone := DeriveDealClone(source, activity)

	if clone.Name != "Acme Renewal (Copy)" {
		t.Fatalf("expected copy-suffixed name, got %q", clone.Name)
	}
	// No activity amount: value falls back to the source deal's.
	if !clone.Value.Equal(source.Value) {
		t.Fatalf("expected value %s from source, got %s", source.Value, clone.Value)
	}
}

func TestDeriveDealClone_DescriptionRecordsProvenance(t *testing.T) {
	source := models.Deal{ID: 10, Name: "Acme Renewal", CompanyName: "Acme", Description: "imported 2023"}
	activity := saleActivity(2, 10, "Acme", day(5))

	clone := DeriveDealClone(source, activity)

	if !strings.HasPrefix(clone.Description, "imported 2023") {
		t.Fatalf("source description lost: %q", clone.Description)
	}
	if !strings.Contains(clone.Description, "deal #10") || !strings.Contains(clone.Description, "activity #2") {
		t.Fatalf("provenance note missing source ids: %q", clone.Description)
	}
}

func TestDeriveDealClone_CloneStartsActive(t *testing.T) {
	source := models.Deal{ID: 10, Name: "N", CompanyName: "C"}
	clone := DeriveDealClone(source, saleActivity(2, 10, "C", day(1)))

	if clone.RecordStatus == nil || *clone.RecordStatus != models.RecordStatusActive {
		t.Fatalf("expected clone record status active, got %v", clone.RecordStatus)
	}
	if clone.MergedInto != nil || clone.MergedAt != nil {
		t.Fatalf("clone must not inherit merge fields")
	}
}
