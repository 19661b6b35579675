package finance

import (
	"time"

	"schoolfees_go/models"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

var hundred = decimal.NewFromInt(100)

// ConcessionLine identifies the fee line a concession is computed for
type ConcessionLine struct {
	FeeHeadID      uint
	FeeTermID      uint
	OriginalAmount decimal.Decimal
}

// AppliedConcession is the share one student concession contributes to a line
type AppliedConcession struct {
	StudentConcessionID uint            `json:"student_concession_id"`
	ConcessionTypeID    uint            `json:"concession_type_id"`
	Name                string          `json:"name"`
	Amount              decimal.Decimal `json:"amount"`
}

// ConcessionResult is the outcome for one line
type ConcessionResult struct {
	OriginalAmount   decimal.Decimal     `json:"original_amount"`
	ConcessionAmount decimal.Decimal     `json:"concession_amount"`
	FinalAmount      decimal.Decimal     `json:"final_amount"`
	Applied          []AppliedConcession `json:"applied,omitempty"`
}

// ComputeConcession applies every active, applicable concession to the line.
// Concessions stack additively; the total is capped at the original amount.
// The ConcessionType of each concession (with FeeHeads and FeeTerms) must be loaded.
func ComputeConcession(concessions []models.StudentConcession, line ConcessionLine, now time.Time) ConcessionResult {
	original := line.OriginalAmount
	if original.IsNegative() {
		original = decimal.Zero
	}
	res := ConcessionResult{OriginalAmount: original, ConcessionAmount: decimal.Zero, FinalAmount: original}

	total := decimal.Zero
	for _, sc := range concessions {
		if !sc.ActiveAt(now) || !sc.ConcessionType.IsActive {
			continue
		}
		if !appliesTo(sc.ConcessionType, line.FeeHeadID, line.FeeTermID) {
			continue
		}
		amount := rawConcession(sc, line.FeeTermID, original)
		if !amount.IsPositive() {
			continue
		}
		total = total.Add(amount)
		res.Applied = append(res.Applied, AppliedConcession{
			StudentConcessionID: sc.ID,
			ConcessionTypeID:    sc.ConcessionTypeID,
			Name:                sc.ConcessionType.Name,
			Amount:              amount,
		})
	}

	if total.GreaterThan(original) {
		total = original
	}
	res.ConcessionAmount = total
	res.FinalAmount = decimal.Max(decimal.Zero, original.Sub(total))
	return res
}

func appliesTo(ct models.ConcessionType, feeHeadID, feeTermID uint) bool {
	if len(ct.FeeHeads) > 0 {
		found := false
		for _, h := range ct.FeeHeads {
			if h.ID == feeHeadID {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(ct.FeeTerms) > 0 {
		found := false
		for _, t := range ct.FeeTerms {
			if t.FeeTermID == feeTermID {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// rawConcession is the uncapped-by-siblings amount of a single concession on a line
func rawConcession(sc models.StudentConcession, feeTermID uint, original decimal.Decimal) decimal.Decimal {
	ct := sc.ConcessionType
	value := ct.Value
	if sc.CustomValue.Valid {
		value = sc.CustomValue.Decimal
	}

	var amount decimal.Decimal
	switch ct.Type {
	case models.ConcessionPercentage:
		amount = original.Mul(value).Div(hundred).Round(2)
	case models.ConcessionFixed:
		amount = value
		for _, t := range ct.FeeTerms {
			if t.FeeTermID == feeTermID && t.Amount.Valid && !sc.CustomValue.Valid {
				amount = t.Amount.Decimal
				break
			}
		}
		if ct.MaxValue.Valid && amount.GreaterThan(ct.MaxValue.Decimal) {
			amount = ct.MaxValue.Decimal
		}
	default:
		return decimal.Zero
	}

	if amount.GreaterThan(original) {
		amount = original
	}
	return amount
}

// activeConcessions loads the student's approved concessions valid at now
func (s *Service) activeConcessions(tx *gorm.DB, studentID uint, now time.Time) ([]models.StudentConcession, error) {
	var rows []models.StudentConcession
	err := tx.Preload("ConcessionType.FeeHeads").Preload("ConcessionType.FeeTerms").
		Where("student_id = ? AND status = ?", studentID, models.ConcessionStatusApproved).
		Find(&rows).Error
	if err != nil {
		return nil, internal(err, "load student concessions")
	}
	out := rows[:0]
	for _, sc := range rows {
		if sc.ActiveAt(now) {
			out = append(out, sc)
		}
	}
	return out, nil
}
