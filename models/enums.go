package models

import "errors"

// RecordStatus is the soft-deletion lifecycle shared by activities and deals.
// NULL/empty is treated as active for rows that predate the merge feature.
type RecordStatus string

const (
	RecordStatusActive RecordStatus = "active"
	RecordStatusMerged RecordStatus = "merged"
)

func (t *RecordStatus) UnmarshalJSON(b []byte) error {
	str, err := unquote(b)
	if err != nil {
		return errors.New("record status must be string")
	}
	switch str {
	case "", "active":
		*t = RecordStatusActive
	case "merged":
		*t = RecordStatusMerged
	default:
		return errors.New("invalid record status")
	}
	return nil
}

type DealStatus string

const (
	DealStatusOpen DealStatus = "open"
	DealStatusWon  DealStatus = "won"
	DealStatusLost DealStatus = "lost"
)

func (t *DealStatus) UnmarshalJSON(b []byte) error {
	str, err := unquote(b)
	if err != nil {
		return errors.New("deal status must be string")
	}
	switch str {
	case "open":
		*t = DealStatusOpen
	case "won":
		*t = DealStatusWon
	case "lost":
		*t = DealStatusLost
	default:
		return errors.New("invalid deal status")
	}
	return nil
}

type ActivityType string

const (
	ActivityTypeCall    ActivityType = "call"
	ActivityTypeEmail   ActivityType = "email"
	ActivityTypeMeeting ActivityType = "meeting"
	ActivityTypeSale    ActivityType = "sale"
)

type ActivityStatus string

const (
	ActivityStatusPending   ActivityStatus = "pending"
	ActivityStatusCompleted ActivityStatus = "completed"
	ActivityStatusCancelled ActivityStatus = "cancelled"
)

// AuditActionType enumerates the reconciliation actions this codebase writes.
// Unknown values are accepted on write (new action kinds may ship before this
// list is extended); IsKnownAuditAction lets the writer flag them for monitoring.
type AuditActionType string

const (
	AuditActionAutoLinkHighConfidence AuditActionType = "AUTO_LINK_HIGH_CONFIDENCE"
	AuditActionManualLink             AuditActionType = "MANUAL_LINK"
	AuditActionCreateDealFromActivity AuditActionType = "CREATE_DEAL_FROM_ACTIVITY"
	AuditActionRestoreMergedRecord    AuditActionType = "RESTORE_MERGED_RECORD"
	AuditActionMergeRecord            AuditActionType = "MERGE_RECORD"
	AuditActionError                  AuditActionType = "ERROR"
)

func IsKnownAuditAction(t AuditActionType) bool {
	switch t {
	case AuditActionAutoLinkHighConfidence,
		AuditActionManualLink,
		AuditActionCreateDealFromActivity,
		AuditActionRestoreMergedRecord,
		AuditActionMergeRecord,
		AuditActionError:
		return true
	}
	return false
}

// MergeTable is the closed set of tables merge/restore may touch. Caller input
// is parsed through ParseMergeTable; storage statements are never built from a
// caller-supplied identifier.
type MergeTable string

const (
	MergeTableActivities MergeTable = "activities"
	MergeTableDeals      MergeTable = "deals"
)

var ErrInvalidMergeTable = errors.New("table must be one of: activities, deals")

func ParseMergeTable(s string) (MergeTable, error) {
	switch s {
	case "activities":
		return MergeTableActivities, nil
	case "deals":
		return MergeTableDeals, nil
	}
	return "", ErrInvalidMergeTable
}

func (t *MergeTable) UnmarshalJSON(b []byte) error {
	str, err := unquote(b)
	if err != nil {
		return errors.New("merge table must be string")
	}
	parsed, err := ParseMergeTable(str)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

type SecurityEventType string

const (
	SecurityEventRateLimitExceeded SecurityEventType = "RATE_LIMIT_EXCEEDED"
	SecurityEventInvalidToken      SecurityEventType = "INVALID_TOKEN"
	SecurityEventLoginFailed       SecurityEventType = "LOGIN_FAILED"
	SecurityEventAdminAction       SecurityEventType = "ADMIN_ACTION"
)

// ReconcileReferenceType tags the record a reconcile outbox event is about.
type ReconcileReferenceType string

const (
	ReconcileReferenceTypeDeal        ReconcileReferenceType = "DL"
	ReconcileReferenceTypeActivity    ReconcileReferenceType = "AC"
	ReconcileReferenceTypeStageChange ReconcileReferenceType = "SH"
)

type ReconcileEventAction string

const (
	ReconcileEventActionCreate  ReconcileEventAction = "C"
	ReconcileEventActionUpdate  ReconcileEventAction = "U"
	ReconcileEventActionRestore ReconcileEventAction = "R"
)

func unquote(b []byte) (string, error) {
	if len(b) < 2 || b[0] != '"' || b[len(b)-1] != '"' {
		return "", errors.New("not a JSON string")
	}
	return string(b[1 : len(b)-1]), nil
}
