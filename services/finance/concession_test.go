package finance

import (
	"testing"
	"time"

	"schoolfees_go/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func approved(id uint, ct models.ConcessionType) models.StudentConcession {
	sc := models.StudentConcession{
		ConcessionTypeID: ct.ID,
		ValidFrom:        time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		Status:           models.ConcessionStatusApproved,
		ConcessionType:   ct,
	}
	sc.ID = id
	return sc
}

func concessionType(id uint, kind, value string) models.ConcessionType {
	ct := models.ConcessionType{Name: kind + " " + value, Type: kind, Value: dec(value), IsActive: true}
	ct.ID = id
	return ct
}

func TestComputeConcession(t *testing.T) {
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	line := ConcessionLine{FeeHeadID: 1, FeeTermID: 7, OriginalAmount: dec("10000")}

	capped := concessionType(3, models.ConcessionFixed, "5000")
	capped.MaxValue = decimal.NewNullDecimal(dec("1500"))

	perTerm := concessionType(4, models.ConcessionFixed, "800")
	perTerm.FeeTerms = []models.ConcessionTypeFeeTerm{{FeeTermID: 7, Amount: decimal.NewNullDecimal(dec("1200"))}}

	otherHead := concessionType(5, models.ConcessionPercentage, "50")
	otherHead.FeeHeads = []models.FeeHead{{BaseModel: models.BaseModel{ID: 2}}}

	inactiveType := concessionType(6, models.ConcessionPercentage, "50")
	inactiveType.IsActive = false

	pending := approved(20, concessionType(7, models.ConcessionPercentage, "50"))
	pending.Status = models.ConcessionStatusPending

	lapsed := approved(21, concessionType(8, models.ConcessionPercentage, "50"))
	until := time.Date(2025, 3, 31, 0, 0, 0, 0, time.UTC)
	lapsed.ValidUntil = &until

	custom := approved(22, concessionType(9, models.ConcessionPercentage, "10"))
	custom.CustomValue = decimal.NewNullDecimal(dec("25"))

	tests := []struct {
		name        string
		concessions []models.StudentConcession
		want        string
		applied     int
	}{
		{name: "no concessions", want: "0"},
		{name: "percentage", concessions: []models.StudentConcession{approved(1, concessionType(1, models.ConcessionPercentage, "10"))}, want: "1000", applied: 1},
		{name: "fixed", concessions: []models.StudentConcession{approved(1, concessionType(2, models.ConcessionFixed, "750"))}, want: "750", applied: 1},
		{name: "fixed capped by max value", concessions: []models.StudentConcession{approved(1, capped)}, want: "1500", applied: 1},
		{name: "per-term amount overrides value", concessions: []models.StudentConcession{approved(1, perTerm)}, want: "1200", applied: 1},
		{name: "custom value overrides type value", concessions: []models.StudentConcession{custom}, want: "2500", applied: 1},
		{
			name: "stacking is additive",
			concessions: []models.StudentConcession{
				approved(1, concessionType(1, models.ConcessionPercentage, "10")),
				approved(2, concessionType(2, models.ConcessionFixed, "750")),
			},
			want:    "1750",
			applied: 2,
		},
		{
			name: "stacked total capped at original",
			concessions: []models.StudentConcession{
				approved(1, concessionType(1, models.ConcessionPercentage, "80")),
				approved(2, concessionType(2, models.ConcessionPercentage, "50")),
			},
			want:    "10000",
			applied: 2,
		},
		{name: "restricted to another head", concessions: []models.StudentConcession{approved(1, otherHead)}, want: "0"},
		{name: "inactive type", concessions: []models.StudentConcession{approved(1, inactiveType)}, want: "0"},
		{name: "pending concession", concessions: []models.StudentConcession{pending}, want: "0"},
		{name: "lapsed concession", concessions: []models.StudentConcession{lapsed}, want: "0"},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			res := ComputeConcession(tc.concessions, line, now)
			assertDecimal(t, tc.want, res.ConcessionAmount)
			assert.True(t, res.FinalAmount.Equal(res.OriginalAmount.Sub(res.ConcessionAmount)))
			assert.False(t, res.FinalAmount.IsNegative())
			assert.Len(t, res.Applied, tc.applied)
		})
	}
}

func TestComputeConcessionSmallLine(t *testing.T) {
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	res := ComputeConcession([]models.StudentConcession{
		approved(1, concessionType(1, models.ConcessionFixed, "5000")),
	}, ConcessionLine{FeeHeadID: 1, FeeTermID: 1, OriginalAmount: dec("300")}, now)

	assertDecimal(t, "300", res.ConcessionAmount)
	assertDecimal(t, "0", res.FinalAmount)
}

func TestComputeConcessionRoundsPercentage(t *testing.T) {
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	res := ComputeConcession([]models.StudentConcession{
		approved(1, concessionType(1, models.ConcessionPercentage, "12.5")),
	}, ConcessionLine{FeeHeadID: 1, FeeTermID: 1, OriginalAmount: dec("333.33")}, now)

	assertDecimal(t, "41.67", res.ConcessionAmount)
	assertDecimal(t, "291.66", res.FinalAmount)
}
