package finance

import (
	"testing"
	"time"

	"schoolfees_go/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateFeeHeadDuplicateName(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.CreateFeeHead(f.ctx, FeeHeadInput{BranchID: f.branch.ID, SessionID: f.session.ID, Name: "Tuition"})
	assert.True(t, IsKind(err, KindConflict), "%v", err)

	_, err = f.svc.CreateFeeHead(f.ctx, FeeHeadInput{BranchID: f.branch.ID, SessionID: f.session.ID, Name: "   "})
	assert.True(t, IsKind(err, KindValidation), "%v", err)

	inactive := false
	h, err := f.svc.CreateFeeHead(f.ctx, FeeHeadInput{BranchID: f.branch.ID, SessionID: f.session.ID, Name: "Library", IsActive: &inactive})
	require.NoError(t, err)
	assert.False(t, h.IsActive)
	assert.Equal(t, models.StudentTypeBoth, h.StudentType)
}

func TestSetSectionFeesIsAtomic(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.SetSectionFees(f.ctx, f.section.ID, f.term.ID, []FeeAmount{
		{FeeHeadID: f.tuition.ID, Amount: dec("12000")},
		{FeeHeadID: 9999, Amount: dec("100")},
	})
	require.Error(t, err)
	assert.True(t, IsKind(err, KindValidation))

	_, err = f.svc.SetSectionFees(f.ctx, f.section.ID, f.term.ID, []FeeAmount{
		{FeeHeadID: f.tuition.ID, Amount: dec("12000")},
		{FeeHeadID: f.transport.ID, Amount: dec("-5")},
	})
	assert.True(t, IsKind(err, KindValidation))

	rows, err := f.svc.GetSectionFees(f.ctx, f.section.ID, &f.term.ID)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	amounts := slabAmounts(rows)[f.term.ID]
	assertDecimal(t, "10000", amounts[f.tuition.ID])
	assertDecimal(t, "2000", amounts[f.transport.ID])
}

func TestSetSectionFeesReplacesSlab(t *testing.T) {
	f := newFixture(t)
	rows, err := f.svc.SetSectionFees(f.ctx, f.section.ID, f.term.ID, []FeeAmount{
		{FeeHeadID: f.tuition.ID, Amount: dec("11000")},
	})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "Tuition", rows[0].FeeHead.Name)
	assertDecimal(t, "11000", rows[0].Amount)

	rows, err = f.svc.SetSectionFees(f.ctx, f.section.ID, f.term.ID, nil)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestCopySectionFees(t *testing.T) {
	f := newFixture(t)
	b := models.Section{BranchID: f.branch.ID, SessionID: f.session.ID, ClassName: "Grade 5", Name: "B"}
	c := models.Section{BranchID: f.branch.ID, SessionID: f.session.ID, ClassName: "Grade 5", Name: "C"}
	require.NoError(t, f.db.Create(&b).Error)
	require.NoError(t, f.db.Create(&c).Error)

	_, err := f.svc.SetSectionFees(f.ctx, c.ID, f.term.ID, []FeeAmount{{FeeHeadID: f.tuition.ID, Amount: dec("1")}})
	require.NoError(t, err)

	n, err := f.svc.CopySectionFees(f.ctx, f.section.ID, []uint{b.ID, c.ID, b.ID}, nil)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	for _, id := range []uint{b.ID, c.ID} {
		rows, err := f.svc.GetSectionFees(f.ctx, id, nil)
		require.NoError(t, err)
		amounts := slabAmounts(rows)[f.term.ID]
		assertDecimal(t, "10000", amounts[f.tuition.ID])
		assertDecimal(t, "2000", amounts[f.transport.ID])
	}

	_, err = f.svc.CopySectionFees(f.ctx, f.section.ID, []uint{f.section.ID}, nil)
	assert.True(t, IsKind(err, KindValidation))
}

func TestDeleteFeeHeadGuard(t *testing.T) {
	f := newFixture(t)

	usage, err := f.svc.GetFeeHeadUsage(f.ctx, f.tuition.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, usage.FeeTerms)
	assert.EqualValues(t, 1, usage.ClasswiseFees)
	assert.EqualValues(t, 2, usage.TotalUsage)

	err = f.svc.DeleteFeeHead(f.ctx, f.tuition.ID, f.branch.ID)
	assert.True(t, IsKind(err, KindConflict), "%v", err)
	var head models.FeeHead
	require.NoError(t, f.db.First(&head, f.tuition.ID).Error)

	unused := f.addHead("Sports")
	require.NoError(t, f.svc.DeleteFeeHead(f.ctx, unused.ID, f.branch.ID))
	assert.Error(t, f.db.Unscoped().First(&models.FeeHead{}, unused.ID).Error)

	system := f.addHead("Late Fine")
	require.NoError(t, f.db.Model(&system).Update("is_system_defined", true).Error)
	err = f.svc.DeleteFeeHead(f.ctx, system.ID, f.branch.ID)
	assert.True(t, IsKind(err, KindPrecondition), "%v", err)

	err = f.svc.DeleteFeeHead(f.ctx, 424242, f.branch.ID)
	assert.True(t, IsKind(err, KindNotFound))

	// a head named only by a concession type's allow-list stays
	staffOnly := f.addHead("Library")
	_, err = f.svc.CreateConcessionType(f.ctx, ConcessionTypeInput{
		BranchID: f.branch.ID, SessionID: f.session.ID, Name: "Staff", Type: models.ConcessionPercentage, Value: dec("50"),
		FeeHeadIDs: []uint{staffOnly.ID},
	})
	require.NoError(t, err)
	usage, err = f.svc.GetFeeHeadUsage(f.ctx, staffOnly.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, usage.ConcessionTypes)
	assert.EqualValues(t, 1, usage.TotalUsage)
	err = f.svc.DeleteFeeHead(f.ctx, staffOnly.ID, f.branch.ID)
	assert.True(t, IsKind(err, KindConflict), "%v", err)
	var links int64
	require.NoError(t, f.db.Table("concession_type_fee_heads").Where("fee_head_id = ?", staffOnly.ID).Count(&links).Error)
	assert.EqualValues(t, 1, links)
}

func TestDeleteFeeTermGuard(t *testing.T) {
	f := newFixture(t)
	err := f.svc.DeleteFeeTerm(f.ctx, f.term.ID, f.branch.ID)
	assert.True(t, IsKind(err, KindConflict), "%v", err)
	require.NoError(t, f.db.First(&models.FeeTerm{}, f.term.ID).Error)

	spare, err := f.svc.CreateFeeTerm(f.ctx, FeeTermInput{
		BranchID:   f.branch.ID,
		SessionID:  f.session.ID,
		Name:       "Term 2",
		StartDate:  time.Date(2025, 10, 1, 0, 0, 0, 0, time.UTC),
		EndDate:    time.Date(2026, 3, 31, 0, 0, 0, 0, time.UTC),
		DueDate:    time.Date(2025, 9, 20, 0, 0, 0, 0, time.UTC),
		FeeHeadIDs: []uint{f.tuition.ID},
	})
	require.NoError(t, err)
	require.NoError(t, f.svc.DeleteFeeTerm(f.ctx, spare.ID, f.branch.ID))

	var links int64
	require.NoError(t, f.db.Table("fee_term_fee_heads").Where("fee_term_id = ?", spare.ID).Count(&links).Error)
	assert.Zero(t, links)

	// a term restricted by a concession type stays
	winter, err := f.svc.CreateFeeTerm(f.ctx, FeeTermInput{
		BranchID:   f.branch.ID,
		SessionID:  f.session.ID,
		Name:       "Winter Camp",
		StartDate:  time.Date(2025, 12, 1, 0, 0, 0, 0, time.UTC),
		EndDate:    time.Date(2025, 12, 31, 0, 0, 0, 0, time.UTC),
		DueDate:    time.Date(2025, 11, 20, 0, 0, 0, 0, time.UTC),
		FeeHeadIDs: []uint{f.tuition.ID},
	})
	require.NoError(t, err)
	_, err = f.svc.CreateConcessionType(f.ctx, ConcessionTypeInput{
		BranchID: f.branch.ID, SessionID: f.session.ID, Name: "Staff", Type: models.ConcessionFixed, Value: dec("300"),
		FeeTerms: []ConcessionTypeTerm{{FeeTermID: winter.ID}},
	})
	require.NoError(t, err)
	usage, err := f.svc.GetFeeTermUsage(f.ctx, winter.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, usage.ConcessionTypes)
	assert.EqualValues(t, 1, usage.TotalUsage)
	err = f.svc.DeleteFeeTerm(f.ctx, winter.ID, f.branch.ID)
	assert.True(t, IsKind(err, KindConflict), "%v", err)
	assert.EqualValues(t, 1, f.count(&models.ConcessionTypeFeeTerm{}))
}

func TestFeeTermValidation(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.CreateFeeTerm(f.ctx, FeeTermInput{
		BranchID:  f.branch.ID,
		SessionID: f.session.ID,
		Name:      "Backwards",
		StartDate: time.Date(2025, 10, 1, 0, 0, 0, 0, time.UTC),
		EndDate:   time.Date(2025, 9, 1, 0, 0, 0, 0, time.UTC),
		DueDate:   time.Date(2025, 9, 1, 0, 0, 0, 0, time.UTC),
	})
	assert.True(t, IsKind(err, KindValidation))

	updated, err := f.svc.UpdateFeeTerm(f.ctx, f.term.ID, FeeTermInput{
		BranchID:   f.branch.ID,
		Name:       "First Term",
		OrderIndex: 1,
		FeeHeadIDs: []uint{f.tuition.ID},
	})
	require.NoError(t, err)
	assert.Equal(t, "First Term", updated.Name)
	require.Len(t, updated.FeeHeads, 1)
	assert.Equal(t, f.tuition.ID, updated.FeeHeads[0].ID)
}
