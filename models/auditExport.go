package models

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/xuri/excelize/v2"
)

// ExportAuditEntries writes the caller-visible audit entries as an xlsx
// workbook. Used by the admin export endpoint; visibility rules are the
// same as ListAuditEntries.
func ExportAuditEntries(ctx context.Context, filter AuditEntryFilter, w io.Writer) error {
	entries, err := ListAuditEntries(ctx, filter)
	if err != nil {
		return err
	}

	f := excelize.NewFile()
	defer f.Close()

	const sheet = "AuditEntries"
	idx, err := f.NewSheet(sheet)
	if err != nil {
		return err
	}
	f.SetActiveSheet(idx)
	f.DeleteSheet("Sheet1")

	headers := []string{"ID", "ActionType", "SourceTable", "SourceId", "TargetTable", "TargetId", "Confidence", "ActingUser", "CreatedAt", "Metadata"}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		f.SetCellValue(sheet, cell, h)
	}

	for rowNo, entry := range entries {
		values := []interface{}{
			entry.ID,
			string(entry.ActionType),
			entry.SourceTable,
			entry.SourceId,
			derefString(entry.TargetTable),
			derefIntAsString(entry.TargetId),
			derefIntAsString(entry.ConfidenceScore),
			entry.ActingUserName,
			entry.CreatedAt.Format("2006-01-02 15:04:05"),
			entry.Metadata,
		}
		for col, v := range values {
			cell, _ := excelize.CoordinatesToCellName(col+1, rowNo+2)
			f.SetCellValue(sheet, cell, v)
		}
	}

	if err := f.Write(w); err != nil {
		return fmt.Errorf("write xlsx: %w", err)
	}
	return nil
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func derefIntAsString(i *int) string {
	if i == nil {
		return ""
	}
	return strconv.Itoa(*i)
}
