package export

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/xuri/excelize/v2"

	"github.com/joseph-ayodele/docjobs/internal/entity"
)

const SheetName = "History"

// HistoryLister is the read side of the document history store.
type HistoryLister interface {
	ListByAccount(ctx context.Context, accountID uuid.UUID, limit int) ([]*entity.HistoryRecord, error)
}

// Service produces XLSX bytes for history exports.
type Service struct {
	history HistoryLister
	logger  *slog.Logger
	now     func() time.Time
}

func NewService(history HistoryLister, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{history: history, logger: logger, now: time.Now}
}

// Headers are the column titles of the exported sheet, in order.
var Headers = []string{
	"Processed At",
	"Filename",
	"Job ID",
	"Profile",
	"Pages",
	"Size (bytes)",
	"Tabular Result",
	"Enrichment Result",
	"Enrichment Note",
}

// ExportHistoryXLSX returns an XLSX workbook (as bytes) of an account's history.
// If only from is provided -> from..today (inclusive).
// If only to is provided   -> beginning..to (inclusive).
// If neither is provided   -> all records for the account.
func (s *Service) ExportHistoryXLSX(ctx context.Context, accountID uuid.UUID, from, to *time.Time) ([]byte, int, error) {
	start := time.Now()
	lo, hi := s.window(from, to)

	recs, err := s.history.ListByAccount(ctx, accountID, 0)
	if err != nil {
		return nil, 0, fmt.Errorf("query history: %w", err)
	}

	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	if index, _ := f.GetSheetIndex(SheetName); index == -1 {
		if _, err := f.NewSheet(SheetName); err != nil {
			return nil, 0, err
		}
	}
	activeIndex, _ := f.GetSheetIndex(SheetName)
	f.SetActiveSheet(activeIndex)
	_ = f.DeleteSheet("Sheet1")

	for i, h := range Headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(SheetName, cell, h)
	}

	row := 2
	for _, r := range recs {
		day := r.CreatedAt.UTC()
		if lo != nil && day.Before(*lo) {
			continue
		}
		if hi != nil && !day.Before(*hi) {
			continue
		}

		write := func(col int, v any) {
			cell, _ := excelize.CoordinatesToCellName(col, row)
			_ = f.SetCellValue(SheetName, cell, v)
		}
		write(1, day.Format(time.RFC3339))
		write(2, r.Filename)
		write(3, r.JobID)
		write(4, r.AnalysisProfile)
		write(5, r.PageCount)
		write(6, r.FileSize)
		write(7, r.TabularKey)
		write(8, r.EnrichmentKey)
		write(9, truncate(r.EnrichmentSkipReason, 140))
		row++
	}

	_ = f.SetColWidth(SheetName, "A", "A", 22) // date
	_ = f.SetColWidth(SheetName, "B", "B", 32) // filename
	_ = f.SetColWidth(SheetName, "C", "C", 38) // job id
	_ = f.SetColWidth(SheetName, "D", "F", 12)
	_ = f.SetColWidth(SheetName, "G", "H", 60) // keys
	_ = f.SetColWidth(SheetName, "I", "I", 40)

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, 0, fmt.Errorf("xlsx write: %w", err)
	}

	rows := row - 2
	s.logger.Info("export.xlsx.ok",
		"account_id", accountID.String(),
		"rows", rows,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return buf.Bytes(), rows, nil
}

// window returns the half-open [lo, hi) range of UTC days to include.
func (s *Service) window(from, to *time.Time) (*time.Time, *time.Time) {
	day := func(t time.Time) time.Time {
		t = t.UTC()
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	}
	var lo, hi *time.Time
	if from != nil {
		d := day(*from)
		lo = &d
	}
	if to != nil {
		d := day(*to).AddDate(0, 0, 1)
		hi = &d
	}
	if lo != nil && hi == nil {
		d := day(s.now()).AddDate(0, 0, 1)
		hi = &d
	}
	return lo, hi
}

func truncate(s string, n int) string {
	r := []rune(s)
	if n <= 0 || len(r) <= n {
		return s
	}
	if n <= 1 {
		return string(r[:n])
	}
	return string(r[:n-1]) + "…"
}
