package finance

import (
	"context"
	"fmt"
	"strings"
	"time"

	"schoolfees_go/models"
	"schoolfees_go/utils"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var manualPaymentModes = map[string]bool{
	models.PaymentModeCash:         true,
	models.PaymentModeCheque:       true,
	models.PaymentModeBankTransfer: true,
	models.PaymentModeUPI:          true,
	models.PaymentModeCard:         true,
}

// ManualCollectionInput records money received at the counter
type ManualCollectionInput struct {
	BranchID    uint        `json:"branch_id"`
	SessionID   uint        `json:"session_id" validate:"required"`
	StudentID   uint        `json:"student_id" validate:"required"`
	FeeTermID   uint        `json:"fee_term_id" validate:"required"`
	PaymentMode string      `json:"payment_mode" validate:"required"`
	PaymentDate *time.Time  `json:"payment_date"`
	ReferenceNo string      `json:"reference_no" validate:"max=100"`
	Remarks     string      `json:"remarks" validate:"max=500"`
	Items       []FeeAmount `json:"items" validate:"required,min=1,dive"`
	CollectedBy uint        `json:"-"`
}

// RecordManualCollection validates the lines, then writes the collection, its items
// and the receipt number in one transaction.
func (s *Service) RecordManualCollection(ctx context.Context, in ManualCollectionInput) (*models.FeeCollection, error) {
	mode := strings.ToUpper(strings.TrimSpace(in.PaymentMode))
	if !manualPaymentModes[mode] {
		return nil, validationf("Invalid payment mode %q", in.PaymentMode)
	}

	db := s.dbc(ctx)
	student, err := s.loadStudent(db, in.StudentID, in.BranchID)
	if err != nil {
		return nil, err
	}
	if student.SessionID != in.SessionID {
		return nil, validationf("Student does not belong to this session")
	}
	term, err := s.loadTerm(db, in.FeeTermID, in.BranchID, in.SessionID)
	if err != nil {
		return nil, err
	}
	if _, total, err := s.validateFeeLines(db, term, in.Items, true); err != nil {
		return nil, err
	} else if !total.IsPositive() {
		return nil, validationf("Total amount must be greater than 0")
	}

	now := s.clock()
	paymentDate := now
	if in.PaymentDate != nil && !in.PaymentDate.IsZero() {
		paymentDate = in.PaymentDate.UTC()
	}
	var collectedBy *uint
	if in.CollectedBy != 0 {
		collectedBy = uintPtr(in.CollectedBy)
	}

	var col models.FeeCollection
	err = db.Transaction(func(tx *gorm.DB) error {
		breakdown, err := s.lineBreakdown(tx, student, term.ID, now)
		if err != nil {
			return err
		}
		receiptNo, err := s.nextReceiptNo(tx, in.BranchID, paymentDate)
		if err != nil {
			return err
		}
		col = models.FeeCollection{
			BranchID:    in.BranchID,
			SessionID:   in.SessionID,
			StudentID:   student.ID,
			FeeTermID:   term.ID,
			ReceiptNo:   receiptNo,
			PaymentMode: mode,
			PaymentDate: paymentDate,
			ReferenceNo: in.ReferenceNo,
			Remarks:     in.Remarks,
			CollectedBy: collectedBy,
		}
		return insertCollection(tx, &col, term.ID, in.Items, breakdown)
	})
	if err != nil {
		return nil, internal(err, "record manual collection")
	}

	utils.Logger(ctx).WithFields(logrus.Fields{
		"collection_id": col.ID,
		"receipt_no":    col.ReceiptNo,
		"student_id":    col.StudentID,
		"amount":        col.TotalAmount.String(),
	}).Info("manual fee collection recorded")
	return &col, nil
}

// insertCollection writes the collection header and its items. Totals are derived from the items.
// A gateway collection that already exists for the transaction leaves col.ID at zero.
func insertCollection(tx *gorm.DB, col *models.FeeCollection, termID uint, lines []FeeAmount, breakdown map[uint]ConcessionResult) error {
	total := decimal.Zero
	items := make([]models.FeeCollectionItem, 0, len(lines))
	for _, l := range lines {
		amount := l.Amount.Round(2)
		total = total.Add(amount)
		item := models.FeeCollectionItem{
			FeeTermID:        termID,
			FeeHeadID:        l.FeeHeadID,
			Amount:           amount,
			OriginalAmount:   amount,
			ConcessionAmount: decimal.Zero,
		}
		if b, ok := breakdown[l.FeeHeadID]; ok {
			item.OriginalAmount = b.OriginalAmount
			item.ConcessionAmount = b.ConcessionAmount
		}
		items = append(items, item)
	}
	col.TotalAmount = total
	col.PaidAmount = total

	q := tx.Omit(clause.Associations)
	if col.GatewayTransactionID != nil {
		q = q.Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "gateway_transaction_id"}}, DoNothing: true})
	}
	res := q.Create(col)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		col.ID = 0
		return nil
	}
	for i := range items {
		items[i].FeeCollectionID = col.ID
	}
	if err := tx.Create(&items).Error; err != nil {
		return err
	}
	col.Items = items
	return nil
}

// lineBreakdown is the original/concession split of every priced head of a term
func (s *Service) lineBreakdown(tx *gorm.DB, student *models.Student, termID uint, now time.Time) (map[uint]ConcessionResult, error) {
	rows, err := s.projectLedger(tx, student, &termID, now)
	if err != nil {
		return nil, err
	}
	out := make(map[uint]ConcessionResult, len(rows))
	for _, r := range rows {
		out[r.FeeHeadID] = ConcessionResult{
			OriginalAmount:   r.OriginalAmount,
			ConcessionAmount: r.ConcessionAmount,
			FinalAmount:      r.EffectiveAmount,
		}
	}
	return out, nil
}

// nextReceiptNo reserves the next receipt number for the branch and month.
// The counter row is locked for the rest of the caller's transaction.
func (s *Service) nextReceiptNo(tx *gorm.DB, branchID uint, at time.Time) (string, error) {
	var branch models.Branch
	if err := tx.Unscoped().Select("id", "code").First(&branch, branchID).Error; err != nil {
		return "", notFoundOr(err, "Branch", "load branch")
	}
	period := at.UTC().Format("200601")

	seed := models.ReceiptCounter{BranchID: branchID, Period: period}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&seed).Error; err != nil {
		return "", err
	}

	var counter models.ReceiptCounter
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("branch_id = ? AND period = ?", branchID, period).First(&counter).Error; err != nil {
		return "", err
	}
	next := counter.LastValue + 1
	if err := tx.Model(&counter).Update("last_value", next).Error; err != nil {
		return "", err
	}
	return FormatReceiptNo(branch.Code, period, next), nil
}

// FormatReceiptNo renders BRANCHCODE-YYYYMM-NNNNN
func FormatReceiptNo(branchCode, period string, seq int64) string {
	code := strings.ToUpper(strings.TrimSpace(branchCode))
	if code == "" {
		code = "RCPT"
	}
	return fmt.Sprintf("%s-%s-%05d", code, period, seq)
}

// CollectionFilter narrows ListCollections
type CollectionFilter struct {
	BranchID  uint
	SessionID uint
	StudentID uint
	FeeTermID uint
	From      *time.Time
	To        *time.Time
}

func (s *Service) ListCollections(ctx context.Context, f CollectionFilter) ([]models.FeeCollection, error) {
	q := s.dbc(ctx).Preload("Items").Scopes(inBranch(f.BranchID))
	if f.SessionID != 0 {
		q = q.Where("session_id = ?", f.SessionID)
	}
	if f.StudentID != 0 {
		q = q.Where("student_id = ?", f.StudentID)
	}
	if f.FeeTermID != 0 {
		q = q.Where("fee_term_id = ?", f.FeeTermID)
	}
	if f.From != nil {
		q = q.Where("payment_date >= ?", f.From.UTC())
	}
	if f.To != nil {
		q = q.Where("payment_date < ?", f.To.UTC())
	}
	var cols []models.FeeCollection
	if err := q.Order("payment_date ASC, id ASC").Find(&cols).Error; err != nil {
		return nil, internal(err, "list collections")
	}
	return cols, nil
}
