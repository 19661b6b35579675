package finance

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"

	"schoolfees_go/models"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"
)

const (
	columnFeeHead = "fee head"
	columnAmount  = "amount"
)

// ImportSectionFees reads a "Fee Head, Amount" sheet (xlsx or csv) and replaces the
// section's slab for the term. Heads may be given by name or id.
func (s *Service) ImportSectionFees(ctx context.Context, sectionID, termID uint, filename string, r io.Reader) ([]models.ClasswiseFee, error) {
	var rows [][]string
	var err error
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".xlsx":
		rows, err = readXLSX(r)
	case ".csv":
		rows, err = csv.NewReader(r).ReadAll()
	default:
		return nil, validationf("Unsupported file type %q, expected .xlsx or .csv", filepath.Ext(filename))
	}
	if err != nil {
		return nil, validationf("Could not read %s: %v", filename, err)
	}
	if len(rows) < 2 {
		return nil, validationf("The sheet has no fee rows")
	}

	headCol, amountCol := -1, -1
	for i, h := range rows[0] {
		switch strings.ToLower(strings.TrimSpace(h)) {
		case columnFeeHead:
			headCol = i
		case columnAmount:
			amountCol = i
		}
	}
	if headCol < 0 || amountCol < 0 {
		return nil, validationf("The header row must contain \"Fee Head\" and \"Amount\" columns")
	}

	sec, err := s.loadSection(s.dbc(ctx), sectionID)
	if err != nil {
		return nil, err
	}
	var heads []models.FeeHead
	if err := s.dbc(ctx).Where("branch_id = ? AND session_id = ?", sec.BranchID, sec.SessionID).Find(&heads).Error; err != nil {
		return nil, internal(err, "load fee heads")
	}
	byName := make(map[string]uint, len(heads))
	for _, h := range heads {
		byName[strings.ToLower(h.Name)] = h.ID
	}

	fees := make([]FeeAmount, 0, len(rows)-1)
	for n, row := range rows[1:] {
		line := n + 2
		name := cell(row, headCol)
		raw := cell(row, amountCol)
		if name == "" && raw == "" {
			continue
		}
		id, ok := byName[strings.ToLower(name)]
		if !ok {
			if v, perr := strconv.ParseUint(name, 10, 64); perr == nil {
				id, ok = uint(v), true
			}
		}
		if !ok {
			return nil, validationf("Row %d: unknown fee head %q", line, name)
		}
		amount, err := decimal.NewFromString(strings.ReplaceAll(raw, ",", ""))
		if err != nil {
			return nil, validationf("Row %d: invalid amount %q", line, raw)
		}
		fees = append(fees, FeeAmount{FeeHeadID: id, Amount: amount})
	}
	return s.SetSectionFees(ctx, sectionID, termID, fees)
}

func readXLSX(r io.Reader) ([][]string, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("workbook has no sheets")
	}
	return f.GetRows(sheets[0])
}

func cell(row []string, i int) string {
	if i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

var collectionExportHeaders = []string{
	"Receipt No", "Payment Date", "Student ID", "Fee Term ID", "Payment Mode",
	"Source", "Reference No", "Total Amount", "Paid Amount",
}

// ExportCollections renders the filtered collections as an xlsx workbook
func (s *Service) ExportCollections(ctx context.Context, f CollectionFilter) (*bytes.Buffer, error) {
	cols, err := s.ListCollections(ctx, f)
	if err != nil {
		return nil, err
	}

	wb := excelize.NewFile()
	defer wb.Close()
	const sheet = "Collections"
	if err := wb.SetSheetName(wb.GetSheetName(0), sheet); err != nil {
		return nil, internal(err, "prepare export sheet")
	}
	for i, h := range collectionExportHeaders {
		ref, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = wb.SetCellValue(sheet, ref, h)
	}

	total := decimal.Zero
	for i, c := range cols {
		source := SourceManual
		if c.IsGateway() {
			source = SourceGateway
		}
		paid, _ := c.PaidAmount.Float64()
		amount, _ := c.TotalAmount.Float64()
		values := []interface{}{
			c.ReceiptNo, c.PaymentDate.Format("2006-01-02 15:04"), c.StudentID, c.FeeTermID,
			c.PaymentMode, source, c.ReferenceNo, amount, paid,
		}
		for j, v := range values {
			ref, _ := excelize.CoordinatesToCellName(j+1, i+2)
			_ = wb.SetCellValue(sheet, ref, v)
		}
		total = total.Add(c.PaidAmount)
	}

	last := len(cols) + 2
	_ = wb.SetCellValue(sheet, fmt.Sprintf("A%d", last), "Total")
	t, _ := total.Float64()
	_ = wb.SetCellValue(sheet, fmt.Sprintf("I%d", last), t)

	buf, err := wb.WriteToBuffer()
	if err != nil {
		return nil, internal(err, "write export workbook")
	}
	return buf, nil
}
