// Package export writes the leave register as an XLSX workbook for
// facility administration.
package export

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/xuri/excelize/v2"

	"careleave/internal/leave/models"
	id "careleave/pkg/domain"
)

// SheetName is the worksheet holding the register.
const SheetName = "Register"

const timeLayout = "2006-01-02 15:04"

// Header is the register's first row.
var Header = []any{
	"Request ID", "Beneficiary ID", "Beneficiary", "Leave type", "Departure date", "Return date",
	"State", "Guardian", "Guardian contact", "Reason", "Cleared by", "Rejection reason",
	"Actual departure", "Actual return", "Returned late", "Created by", "Created at",
}

// Lister is the read side of the leave service the export pages through.
type Lister interface {
	ListRequests(ctx context.Context, f models.ListFilter) (models.Page, error)
	BeneficiaryName(ctx context.Context, beneficiaryID id.BeneficiaryID) string
}

// Exporter renders filtered leave requests into a workbook.
type Exporter struct {
	lister   Lister
	location *time.Location
}

// New creates an exporter rendering timestamps in loc.
func New(lister Lister, loc *time.Location) *Exporter {
	if loc == nil {
		loc = time.UTC
	}
	return &Exporter{lister: lister, location: loc}
}

// Write streams every request matching f to w and returns the number of
// data rows written. Paging fields of f are ignored.
func (e *Exporter) Write(ctx context.Context, w io.Writer, f models.ListFilter) (int, error) {
	wb := excelize.NewFile()
	defer wb.Close()

	if err := wb.SetSheetName("Sheet1", SheetName); err != nil {
		return 0, fmt.Errorf("name sheet: %w", err)
	}
	sw, err := wb.NewStreamWriter(SheetName)
	if err != nil {
		return 0, fmt.Errorf("open stream writer: %w", err)
	}
	bold, err := wb.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return 0, fmt.Errorf("create header style: %w", err)
	}
	if err := sw.SetPanes(&excelize.Panes{Freeze: true, YSplit: 1, TopLeftCell: "A2", ActivePane: "bottomLeft"}); err != nil {
		return 0, fmt.Errorf("freeze header: %w", err)
	}
	if err := sw.SetRow("A1", Header, excelize.RowOpts{StyleID: bold}); err != nil {
		return 0, fmt.Errorf("write header: %w", err)
	}

	// Keyset paging: requests created while the export runs sort ahead of
	// the cursor and cannot shift later pages.
	rows := 0
	f.PageSize = models.MaxPageSize
	f.Page = 1
	f.After = nil
	for {
		p, err := e.lister.ListRequests(ctx, f)
		if err != nil {
			return rows, err
		}
		for _, r := range p.Items {
			cell, err := excelize.CoordinatesToCellName(1, rows+2)
			if err != nil {
				return rows, err
			}
			if err := sw.SetRow(cell, e.row(ctx, r)); err != nil {
				return rows, fmt.Errorf("write row %d: %w", rows+2, err)
			}
			rows++
		}
		if len(p.Items) < f.PageSize {
			break
		}
		f.After = models.CursorOf(p.Items[len(p.Items)-1])
	}

	if err := sw.Flush(); err != nil {
		return rows, fmt.Errorf("flush register: %w", err)
	}
	if err := wb.Write(w); err != nil {
		return rows, fmt.Errorf("write workbook: %w", err)
	}
	return rows, nil
}

func (e *Exporter) row(ctx context.Context, r *models.LeaveRequest) []any {
	clearedBy := ""
	if r.MedicalClearance != nil {
		clearedBy = r.MedicalClearance.ClearedBy.String()
	}
	late := "no"
	if r.ReturnedLate {
		late = "yes"
	}
	return []any{
		r.ID.String(),
		r.BeneficiaryID.String(),
		e.lister.BeneficiaryName(ctx, r.BeneficiaryID),
		r.LeaveType.String(),
		r.DepartureDate.String(),
		r.ReturnDate.String(),
		r.State.String(),
		r.GuardianName,
		r.GuardianContact,
		r.Reason,
		clearedBy,
		r.RejectionReason,
		e.formatTime(r.ActualDeparture),
		e.formatTime(r.ActualReturn),
		late,
		r.CreatedBy.String(),
		r.CreatedAt.In(e.location).Format(timeLayout),
	}
}

func (e *Exporter) formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.In(e.location).Format(timeLayout)
}
