package finance

import (
	"bytes"
	"strings"
	"testing"

	"schoolfees_go/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

func TestImportSectionFeesCSV(t *testing.T) {
	f := newFixture(t)
	sheet := "Fee Head,Amount\nTuition,\"11,500\"\ntransport,2100.50\n,\n"

	rows, err := f.svc.ImportSectionFees(f.ctx, f.section.ID, f.term.ID, "fees.csv", strings.NewReader(sheet))
	require.NoError(t, err)
	amounts := slabAmounts(rows)[f.term.ID]
	assertDecimal(t, "11500", amounts[f.tuition.ID])
	assertDecimal(t, "2100.50", amounts[f.transport.ID])
}

func TestImportSectionFeesXLSX(t *testing.T) {
	f := newFixture(t)
	wb := excelize.NewFile()
	sheet := wb.GetSheetName(0)
	require.NoError(t, wb.SetSheetRow(sheet, "A1", &[]interface{}{"Amount", "Fee Head"}))
	require.NoError(t, wb.SetSheetRow(sheet, "A2", &[]interface{}{9000, "Tuition"}))
	buf, err := wb.WriteToBuffer()
	require.NoError(t, err)

	rows, err := f.svc.ImportSectionFees(f.ctx, f.section.ID, f.term.ID, "fees.XLSX", buf)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assertDecimal(t, "9000", rows[0].Amount)
}

func TestImportSectionFeesRejectsBadSheets(t *testing.T) {
	f := newFixture(t)
	cases := map[string]struct {
		filename string
		body     string
	}{
		"extension":    {"fees.txt", "Fee Head,Amount\nTuition,1\n"},
		"header":       {"fees.csv", "Head,Price\nTuition,1\n"},
		"unknown head": {"fees.csv", "Fee Head,Amount\nCanteen,1\n"},
		"bad amount":   {"fees.csv", "Fee Head,Amount\nTuition,ten\n"},
		"empty":        {"fees.csv", "Fee Head,Amount\n"},
	}
	for name, tc := range cases {
		_, err := f.svc.ImportSectionFees(f.ctx, f.section.ID, f.term.ID, tc.filename, strings.NewReader(tc.body))
		assert.True(t, IsKind(err, KindValidation), "%s: %v", name, err)
	}

	rows, err := f.svc.GetSectionFees(f.ctx, f.section.ID, &f.term.ID)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestExportCollections(t *testing.T) {
	f := newFixture(t)
	for _, amount := range []string{"1000", "250.75"} {
		_, err := f.svc.RecordManualCollection(f.ctx, ManualCollectionInput{
			BranchID: f.branch.ID, SessionID: f.session.ID, StudentID: f.student.ID, FeeTermID: f.term.ID,
			PaymentMode: models.PaymentModeBankTransfer,
			Items:       []FeeAmount{{FeeHeadID: f.tuition.ID, Amount: dec(amount)}},
		})
		require.NoError(t, err)
	}

	buf, err := f.svc.ExportCollections(f.ctx, CollectionFilter{BranchID: f.branch.ID})
	require.NoError(t, err)

	wb, err := excelize.OpenReader(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	defer wb.Close()
	rows, err := wb.GetRows("Collections")
	require.NoError(t, err)
	require.Len(t, rows, 4)
	assert.Equal(t, collectionExportHeaders, rows[0])
	assert.Equal(t, "MAIN-202506-00001", rows[1][0])
	assert.Equal(t, SourceManual, rows[2][5])
	assert.Equal(t, "Total", rows[3][0])
	assert.Equal(t, "1250.75", rows[3][8])
}
