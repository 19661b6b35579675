package finance

import (
	"context"
	"sort"
	"time"

	"schoolfees_go/models"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Fee line status labels
const (
	FeeStatusPaid          = "Paid"
	FeeStatusPartiallyPaid = "Partially Paid"
	FeeStatusOverdue       = "Overdue"
	FeeStatusPending       = "Pending"
)

// Collection sources in payment history
const (
	SourceManual  = "MANUAL"
	SourceGateway = "GATEWAY"
)

// FeeDetail is the ledger projection of one (fee head, fee term) line
type FeeDetail struct {
	FeeTermID        uint                `json:"fee_term_id"`
	FeeTermName      string              `json:"fee_term_name"`
	DueDate          time.Time           `json:"due_date"`
	FeeHeadID        uint                `json:"fee_head_id"`
	FeeHeadName      string              `json:"fee_head_name"`
	OriginalAmount   decimal.Decimal     `json:"original_amount"`
	ConcessionAmount decimal.Decimal     `json:"concession_amount"`
	EffectiveAmount  decimal.Decimal     `json:"effective_amount"`
	PaidAmount       decimal.Decimal     `json:"paid_amount"`
	Outstanding      decimal.Decimal     `json:"outstanding"`
	Status           string              `json:"status"`
	Concessions      []AppliedConcession `json:"concessions,omitempty"`
}

// FeeTotals sums a set of FeeDetail rows
type FeeTotals struct {
	OriginalAmount   decimal.Decimal `json:"original_amount"`
	ConcessionAmount decimal.Decimal `json:"concession_amount"`
	EffectiveAmount  decimal.Decimal `json:"effective_amount"`
	PaidAmount       decimal.Decimal `json:"paid_amount"`
	Outstanding      decimal.Decimal `json:"outstanding"`
}

// StudentFeeDetails is the unified fee view of one student
type StudentFeeDetails struct {
	StudentID   uint        `json:"student_id"`
	StudentName string      `json:"student_name"`
	AdmissionNo string      `json:"admission_no"`
	SectionID   uint        `json:"section_id"`
	Rows        []FeeDetail `json:"rows"`
	Totals      FeeTotals   `json:"totals"`
}

// PaymentHistoryEntry is one collection in a student's history
type PaymentHistoryEntry struct {
	models.FeeCollection
	Source      string `json:"source"`
	Gateway     string `json:"gateway,omitempty"`
	FeeTermName string `json:"fee_term_name"`
}

func sumRows(rows []FeeDetail) FeeTotals {
	t := FeeTotals{
		OriginalAmount:   decimal.Zero,
		ConcessionAmount: decimal.Zero,
		EffectiveAmount:  decimal.Zero,
		PaidAmount:       decimal.Zero,
		Outstanding:      decimal.Zero,
	}
	for _, r := range rows {
		t.OriginalAmount = t.OriginalAmount.Add(r.OriginalAmount)
		t.ConcessionAmount = t.ConcessionAmount.Add(r.ConcessionAmount)
		t.EffectiveAmount = t.EffectiveAmount.Add(r.EffectiveAmount)
		t.PaidAmount = t.PaidAmount.Add(r.PaidAmount)
		t.Outstanding = t.Outstanding.Add(r.Outstanding)
	}
	return t
}

func dateOnly(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// lineStatus labels a line; the checks run in this precedence
func lineStatus(paid, outstanding decimal.Decimal, due, now time.Time) string {
	switch {
	case !outstanding.IsPositive():
		return FeeStatusPaid
	case paid.IsPositive():
		return FeeStatusPartiallyPaid
	case dateOnly(now).After(dateOnly(due)):
		return FeeStatusOverdue
	default:
		return FeeStatusPending
	}
}

// GetStudentFeeDetails returns one row per (fee head, term) with concessions and
// every collection for the student applied, manual and gateway alike.
func (s *Service) GetStudentFeeDetails(ctx context.Context, studentID, branchID uint, feeTermID *uint) (*StudentFeeDetails, error) {
	db := s.dbc(ctx)
	student, err := s.loadStudent(db, studentID, branchID)
	if err != nil {
		if IsKind(err, KindValidation) {
			return nil, notFoundf("Student not found")
		}
		return nil, err
	}
	rows, err := s.projectLedger(db, student, feeTermID, s.clock())
	if err != nil {
		return nil, err
	}
	return &StudentFeeDetails{
		StudentID:   student.ID,
		StudentName: student.FullName(),
		AdmissionNo: student.AdmissionNo,
		SectionID:   student.SectionID,
		Rows:        rows,
		Totals:      sumRows(rows),
	}, nil
}

// projectLedger computes original, concession, paid and outstanding per line
func (s *Service) projectLedger(tx *gorm.DB, student *models.Student, feeTermID *uint, now time.Time) ([]FeeDetail, error) {
	var terms []models.FeeTerm
	if feeTermID != nil {
		term, err := s.loadTerm(tx, *feeTermID, student.BranchID, student.SessionID)
		if err != nil {
			return nil, err
		}
		terms = []models.FeeTerm{*term}
	} else {
		err := tx.Where("branch_id = ? AND session_id = ? AND is_active = ?", student.BranchID, student.SessionID, true).
			Order("order_index ASC, start_date ASC").Find(&terms).Error
		if err != nil {
			return nil, internal(err, "load fee terms")
		}
	}
	if len(terms) == 0 {
		return []FeeDetail{}, nil
	}
	termIDs := make([]uint, 0, len(terms))
	for _, t := range terms {
		termIDs = append(termIDs, t.ID)
	}

	var slab []models.ClasswiseFee
	if err := tx.Preload("FeeHead").Where("section_id = ? AND fee_term_id IN ?", student.SectionID, termIDs).Find(&slab).Error; err != nil {
		return nil, internal(err, "load section fees")
	}

	concessions, err := s.activeConcessions(tx, student.ID, now)
	if err != nil {
		return nil, err
	}

	paid, err := s.paidAmounts(tx, student.ID, termIDs)
	if err != nil {
		return nil, err
	}

	seen := map[paidKey]bool{}
	var rows []FeeDetail
	termByID := map[uint]models.FeeTerm{}
	for _, t := range terms {
		termByID[t.ID] = t
	}

	build := func(term models.FeeTerm, headID uint, headName string, original decimal.Decimal) FeeDetail {
		res := ComputeConcession(concessions, ConcessionLine{FeeHeadID: headID, FeeTermID: term.ID, OriginalAmount: original}, now)
		p := paid[paidKey{term.ID, headID}]
		outstanding := decimal.Max(decimal.Zero, res.FinalAmount.Sub(p))
		return FeeDetail{
			FeeTermID:        term.ID,
			FeeTermName:      term.Name,
			DueDate:          term.DueDate,
			FeeHeadID:        headID,
			FeeHeadName:      headName,
			OriginalAmount:   res.OriginalAmount,
			ConcessionAmount: res.ConcessionAmount,
			EffectiveAmount:  res.FinalAmount,
			PaidAmount:       p,
			Outstanding:      outstanding,
			Status:           lineStatus(p, outstanding, term.DueDate, now),
			Concessions:      res.Applied,
		}
	}

	for _, fee := range slab {
		if !fee.FeeHead.AppliesTo(student.StudentType) {
			continue
		}
		term := termByID[fee.FeeTermID]
		seen[paidKey{fee.FeeTermID, fee.FeeHeadID}] = true
		rows = append(rows, build(term, fee.FeeHeadID, fee.FeeHead.Name, fee.Amount))
	}

	// money received for a line that is no longer priced still shows up
	var orphanHeads []uint
	for k := range paid {
		if !seen[k] {
			orphanHeads = append(orphanHeads, k.head)
		}
	}
	if len(orphanHeads) > 0 {
		var heads []models.FeeHead
		if err := tx.Unscoped().Where("id IN ?", orphanHeads).Find(&heads).Error; err != nil {
			return nil, internal(err, "load fee heads")
		}
		names := map[uint]string{}
		for _, h := range heads {
			names[h.ID] = h.Name
		}
		for k := range paid {
			if !seen[k] {
				rows = append(rows, build(termByID[k.term], k.head, names[k.head], decimal.Zero))
			}
		}
	}

	order := map[uint]int{}
	for i, t := range terms {
		order[t.ID] = i
	}
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].FeeTermID != rows[j].FeeTermID {
			return order[rows[i].FeeTermID] < order[rows[j].FeeTermID]
		}
		return rows[i].FeeHeadName < rows[j].FeeHeadName
	})
	if rows == nil {
		rows = []FeeDetail{}
	}
	return rows, nil
}

type paidKey struct{ term, head uint }

// paidAmounts sums collection items per (term, head) across every collection of the student
func (s *Service) paidAmounts(tx *gorm.DB, studentID uint, termIDs []uint) (map[paidKey]decimal.Decimal, error) {
	var items []models.FeeCollectionItem
	err := tx.Where("fee_term_id IN ?", termIDs).
		Where("fee_collection_id IN (?)", tx.Model(&models.FeeCollection{}).Select("id").Where("student_id = ?", studentID)).
		Find(&items).Error
	if err != nil {
		return nil, internal(err, "load collection items")
	}
	out := map[paidKey]decimal.Decimal{}
	for _, it := range items {
		k := paidKey{it.FeeTermID, it.FeeHeadID}
		out[k] = out[k].Add(it.Amount)
	}
	return out, nil
}

// GetStudentPaymentHistory lists every collection of a student, newest first
func (s *Service) GetStudentPaymentHistory(ctx context.Context, studentID, branchID uint) ([]PaymentHistoryEntry, error) {
	db := s.dbc(ctx)
	if _, err := s.loadStudent(db, studentID, branchID); err != nil {
		if IsKind(err, KindValidation) {
			return nil, notFoundf("Student not found")
		}
		return nil, err
	}

	var cols []models.FeeCollection
	if err := db.Preload("Items").Where("student_id = ?", studentID).
		Order("payment_date DESC, id DESC").Find(&cols).Error; err != nil {
		return nil, internal(err, "load collections")
	}

	var txnIDs, termIDs []uint
	for _, c := range cols {
		termIDs = append(termIDs, c.FeeTermID)
		if c.GatewayTransactionID != nil {
			txnIDs = append(txnIDs, *c.GatewayTransactionID)
		}
	}
	gatewayByTxn := map[uint]string{}
	if len(txnIDs) > 0 {
		var txns []models.PaymentGatewayTransaction
		if err := db.Select("id", "gateway").Where("id IN ?", txnIDs).Find(&txns).Error; err != nil {
			return nil, internal(err, "load gateway transactions")
		}
		for _, t := range txns {
			gatewayByTxn[t.ID] = t.Gateway
		}
	}
	termNames := map[uint]string{}
	if len(termIDs) > 0 {
		var terms []models.FeeTerm
		if err := db.Unscoped().Select("id", "name").Where("id IN ?", termIDs).Find(&terms).Error; err != nil {
			return nil, internal(err, "load fee terms")
		}
		for _, t := range terms {
			termNames[t.ID] = t.Name
		}
	}

	out := make([]PaymentHistoryEntry, 0, len(cols))
	for _, c := range cols {
		e := PaymentHistoryEntry{FeeCollection: c, Source: SourceManual, FeeTermName: termNames[c.FeeTermID]}
		if c.GatewayTransactionID != nil {
			e.Source = SourceGateway
			e.Gateway = gatewayByTxn[*c.GatewayTransactionID]
		}
		out = append(out, e)
	}
	return out, nil
}
