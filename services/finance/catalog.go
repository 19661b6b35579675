package finance

import (
	"context"
	"sort"
	"strings"
	"time"

	"schoolfees_go/models"
	"schoolfees_go/utils"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// FeeHeadInput creates or updates a fee head
type FeeHeadInput struct {
	BranchID    uint   `json:"branch_id"`
	SessionID   uint   `json:"session_id" validate:"required"`
	Name        string `json:"name" validate:"notblank,max=150"`
	Description string `json:"description" validate:"max=500"`
	StudentType string `json:"student_type" validate:"omitempty,oneof=NEW_ADMISSION OLD_STUDENT BOTH"`
	IsActive    *bool  `json:"is_active"`
}

// FeeHeadUsage counts the records referencing a fee head
type FeeHeadUsage struct {
	FeeTerms            int64 `json:"fee_terms"`
	ClasswiseFees       int64 `json:"classwise_fees"`
	CollectionItems     int64 `json:"collection_items"`
	PaymentRequestItems int64 `json:"payment_request_items"`
	ConcessionTypes     int64 `json:"concession_types"`
	TotalUsage          int64 `json:"total_usage"`
}

// FeeTermInput creates or updates a fee term
type FeeTermInput struct {
	BranchID   uint      `json:"branch_id"`
	SessionID  uint      `json:"session_id" validate:"required"`
	Name       string    `json:"name" validate:"notblank,max=150"`
	StartDate  time.Time `json:"start_date" validate:"required"`
	EndDate    time.Time `json:"end_date" validate:"required"`
	DueDate    time.Time `json:"due_date" validate:"required"`
	OrderIndex int       `json:"order_index"`
	FeeHeadIDs []uint    `json:"fee_head_ids"`
	IsActive   *bool     `json:"is_active"`
}

// FeeTermUsage counts the records referencing a fee term
type FeeTermUsage struct {
	ClasswiseFees   int64 `json:"classwise_fees"`
	Collections     int64 `json:"collections"`
	PaymentRequests int64 `json:"payment_requests"`
	ConcessionTypes int64 `json:"concession_types"`
	TotalUsage      int64 `json:"total_usage"`
}

func (s *Service) ListFeeHeads(ctx context.Context, branchID, sessionID uint) ([]models.FeeHead, error) {
	var heads []models.FeeHead
	err := s.dbc(ctx).Where("branch_id = ? AND session_id = ?", branchID, sessionID).
		Order("name ASC").Find(&heads).Error
	if err != nil {
		return nil, internal(err, "list fee heads")
	}
	return heads, nil
}

func (s *Service) CreateFeeHead(ctx context.Context, in FeeHeadInput) (*models.FeeHead, error) {
	in.Name = strings.TrimSpace(in.Name)
	if in.Name == "" {
		return nil, validationf("Fee head name is required")
	}
	if in.StudentType == "" {
		in.StudentType = models.StudentTypeBoth
	}
	db := s.dbc(ctx)
	if err := s.ensureUniqueName(db, &models.FeeHead{}, in.BranchID, in.SessionID, in.Name, 0, "Fee head"); err != nil {
		return nil, err
	}

	head := models.FeeHead{
		BranchID:    in.BranchID,
		SessionID:   in.SessionID,
		Name:        in.Name,
		Description: in.Description,
		StudentType: in.StudentType,
		IsActive:    true,
	}
	if err := db.Create(&head).Error; err != nil {
		if isUniqueViolation(err) {
			return nil, conflictf("Fee head %q already exists", in.Name)
		}
		return nil, internal(err, "create fee head")
	}
	if in.IsActive != nil && !*in.IsActive {
		if err := db.Model(&head).Update("is_active", false).Error; err != nil {
			return nil, internal(err, "deactivate fee head")
		}
		head.IsActive = false
	}
	return &head, nil
}

func (s *Service) UpdateFeeHead(ctx context.Context, id uint, in FeeHeadInput) (*models.FeeHead, error) {
	db := s.dbc(ctx)
	var head models.FeeHead
	if err := db.Scopes(inBranch(in.BranchID)).First(&head, id).Error; err != nil {
		return nil, notFoundOr(err, "Fee head", "load fee head")
	}
	if head.IsSystemDefined && in.Name != "" && !strings.EqualFold(strings.TrimSpace(in.Name), head.Name) {
		return nil, preconditionf("System defined fee heads cannot be renamed")
	}

	updates := map[string]interface{}{}
	if name := strings.TrimSpace(in.Name); name != "" && name != head.Name {
		if err := s.ensureUniqueName(db, &models.FeeHead{}, head.BranchID, head.SessionID, name, head.ID, "Fee head"); err != nil {
			return nil, err
		}
		updates["name"] = name
	}
	if in.Description != "" {
		updates["description"] = in.Description
	}
	if in.StudentType != "" {
		updates["student_type"] = in.StudentType
	}
	if in.IsActive != nil {
		updates["is_active"] = *in.IsActive
	}
	if len(updates) > 0 {
		if err := db.Model(&head).Updates(updates).Error; err != nil {
			if isUniqueViolation(err) {
				return nil, conflictf("Fee head %q already exists", in.Name)
			}
			return nil, internal(err, "update fee head")
		}
	}
	if err := db.First(&head, head.ID).Error; err != nil {
		return nil, internal(err, "reload fee head")
	}
	return &head, nil
}

func (s *Service) GetFeeHeadUsage(ctx context.Context, id uint) (*FeeHeadUsage, error) {
	return s.feeHeadUsage(s.dbc(ctx), id)
}

func (s *Service) feeHeadUsage(db *gorm.DB, id uint) (*FeeHeadUsage, error) {
	var u FeeHeadUsage
	if err := db.Table("fee_term_fee_heads").Where("fee_head_id = ?", id).Count(&u.FeeTerms).Error; err != nil {
		return nil, internal(err, "count fee head terms")
	}
	if err := db.Model(&models.ClasswiseFee{}).Where("fee_head_id = ?", id).Count(&u.ClasswiseFees).Error; err != nil {
		return nil, internal(err, "count fee head slabs")
	}
	if err := db.Model(&models.FeeCollectionItem{}).Where("fee_head_id = ?", id).Count(&u.CollectionItems).Error; err != nil {
		return nil, internal(err, "count fee head collections")
	}
	if err := db.Model(&models.PaymentRequestItem{}).Where("fee_head_id = ?", id).Count(&u.PaymentRequestItems).Error; err != nil {
		return nil, internal(err, "count fee head payment items")
	}
	if err := db.Table("concession_type_fee_heads").Where("fee_head_id = ?", id).Count(&u.ConcessionTypes).Error; err != nil {
		return nil, internal(err, "count fee head concession types")
	}
	u.TotalUsage = u.FeeTerms + u.ClasswiseFees + u.CollectionItems + u.PaymentRequestItems + u.ConcessionTypes
	return &u, nil
}

// DeleteFeeHead removes an unreferenced fee head. Referenced heads are never cascaded.
func (s *Service) DeleteFeeHead(ctx context.Context, id, branchID uint) error {
	return s.dbc(ctx).Transaction(func(tx *gorm.DB) error {
		var head models.FeeHead
		if err := tx.Scopes(inBranch(branchID)).First(&head, id).Error; err != nil {
			return notFoundOr(err, "Fee head", "load fee head")
		}
		if head.IsSystemDefined {
			return preconditionf("System defined fee head %q cannot be deleted", head.Name)
		}
		usage, err := s.feeHeadUsage(tx, id)
		if err != nil {
			return err
		}
		if usage.TotalUsage > 0 {
			return conflictf("Fee head %q is in use (%d references) and cannot be deleted", head.Name, usage.TotalUsage)
		}
		if err := tx.Unscoped().Delete(&head).Error; err != nil {
			return internal(err, "delete fee head")
		}
		return nil
	})
}

func (s *Service) ListFeeTerms(ctx context.Context, branchID, sessionID uint) ([]models.FeeTerm, error) {
	var terms []models.FeeTerm
	err := s.dbc(ctx).Preload("FeeHeads").Where("branch_id = ? AND session_id = ?", branchID, sessionID).
		Order("order_index ASC, start_date ASC").Find(&terms).Error
	if err != nil {
		return nil, internal(err, "list fee terms")
	}
	return terms, nil
}

func validateTermDates(start, end time.Time) error {
	if start.IsZero() || end.IsZero() {
		return validationf("Start date and end date are required")
	}
	if !end.After(start) {
		return validationf("End date must be after start date")
	}
	return nil
}

// termHeads loads and checks the heads to associate with a term
func (s *Service) termHeads(db *gorm.DB, branchID, sessionID uint, ids []uint) ([]models.FeeHead, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var heads []models.FeeHead
	if err := db.Where("id IN ?", ids).Find(&heads).Error; err != nil {
		return nil, internal(err, "load fee heads")
	}
	found := make(map[uint]models.FeeHead, len(heads))
	for _, h := range heads {
		found[h.ID] = h
	}
	for _, id := range ids {
		h, ok := found[id]
		if !ok {
			return nil, validationf("Fee head %d not found", id)
		}
		if h.BranchID != branchID || h.SessionID != sessionID {
			return nil, validationf("Fee head %q does not belong to this branch and session", h.Name)
		}
	}
	return heads, nil
}

func (s *Service) CreateFeeTerm(ctx context.Context, in FeeTermInput) (*models.FeeTerm, error) {
	in.Name = strings.TrimSpace(in.Name)
	if in.Name == "" {
		return nil, validationf("Fee term name is required")
	}
	if err := validateTermDates(in.StartDate, in.EndDate); err != nil {
		return nil, err
	}
	if in.DueDate.IsZero() {
		return nil, validationf("Due date is required")
	}

	var term models.FeeTerm
	err := s.dbc(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.ensureUniqueName(tx, &models.FeeTerm{}, in.BranchID, in.SessionID, in.Name, 0, "Fee term"); err != nil {
			return err
		}
		heads, err := s.termHeads(tx, in.BranchID, in.SessionID, in.FeeHeadIDs)
		if err != nil {
			return err
		}
		term = models.FeeTerm{
			BranchID:   in.BranchID,
			SessionID:  in.SessionID,
			Name:       in.Name,
			StartDate:  in.StartDate.UTC(),
			EndDate:    in.EndDate.UTC(),
			DueDate:    in.DueDate.UTC(),
			OrderIndex: in.OrderIndex,
			IsActive:   true,
			FeeHeads:   heads,
		}
		if err := tx.Omit("FeeHeads.*").Create(&term).Error; err != nil {
			if isUniqueViolation(err) {
				return conflictf("Fee term %q already exists", in.Name)
			}
			return internal(err, "create fee term")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &term, nil
}

func (s *Service) UpdateFeeTerm(ctx context.Context, id uint, in FeeTermInput) (*models.FeeTerm, error) {
	var term models.FeeTerm
	err := s.dbc(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Scopes(inBranch(in.BranchID)).First(&term, id).Error; err != nil {
			return notFoundOr(err, "Fee term", "load fee term")
		}

		start, end, due := term.StartDate, term.EndDate, term.DueDate
		if !in.StartDate.IsZero() {
			start = in.StartDate.UTC()
		}
		if !in.EndDate.IsZero() {
			end = in.EndDate.UTC()
		}
		if !in.DueDate.IsZero() {
			due = in.DueDate.UTC()
		}
		if err := validateTermDates(start, end); err != nil {
			return err
		}

		updates := map[string]interface{}{
			"start_date":  start,
			"end_date":    end,
			"due_date":    due,
			"order_index": in.OrderIndex,
		}
		if name := strings.TrimSpace(in.Name); name != "" && name != term.Name {
			if err := s.ensureUniqueName(tx, &models.FeeTerm{}, term.BranchID, term.SessionID, name, term.ID, "Fee term"); err != nil {
				return err
			}
			updates["name"] = name
		}
		if in.IsActive != nil {
			updates["is_active"] = *in.IsActive
		}
		if err := tx.Model(&term).Updates(updates).Error; err != nil {
			return internal(err, "update fee term")
		}

		if in.FeeHeadIDs != nil {
			heads, err := s.termHeads(tx, term.BranchID, term.SessionID, in.FeeHeadIDs)
			if err != nil {
				return err
			}
			if err := tx.Model(&term).Association("FeeHeads").Replace(heads); err != nil {
				return internal(err, "replace fee term heads")
			}
		}
		return tx.Preload("FeeHeads").First(&term, term.ID).Error
	})
	if err != nil {
		return nil, internal(err, "update fee term")
	}
	return &term, nil
}

func (s *Service) GetFeeTermUsage(ctx context.Context, id uint) (*FeeTermUsage, error) {
	return s.feeTermUsage(s.dbc(ctx), id)
}

func (s *Service) feeTermUsage(db *gorm.DB, id uint) (*FeeTermUsage, error) {
	var u FeeTermUsage
	if err := db.Model(&models.ClasswiseFee{}).Where("fee_term_id = ?", id).Count(&u.ClasswiseFees).Error; err != nil {
		return nil, internal(err, "count fee term slabs")
	}
	if err := db.Model(&models.FeeCollection{}).Where("fee_term_id = ?", id).Count(&u.Collections).Error; err != nil {
		return nil, internal(err, "count fee term collections")
	}
	if err := db.Model(&models.PaymentRequest{}).Where("fee_term_id = ?", id).Count(&u.PaymentRequests).Error; err != nil {
		return nil, internal(err, "count fee term payment requests")
	}
	if err := db.Model(&models.ConcessionTypeFeeTerm{}).Where("fee_term_id = ?", id).Count(&u.ConcessionTypes).Error; err != nil {
		return nil, internal(err, "count fee term concession types")
	}
	u.TotalUsage = u.ClasswiseFees + u.Collections + u.PaymentRequests + u.ConcessionTypes
	return &u, nil
}

// DeleteFeeTerm removes an unreferenced fee term along with its head associations
func (s *Service) DeleteFeeTerm(ctx context.Context, id, branchID uint) error {
	return s.dbc(ctx).Transaction(func(tx *gorm.DB) error {
		var term models.FeeTerm
		if err := tx.Scopes(inBranch(branchID)).First(&term, id).Error; err != nil {
			return notFoundOr(err, "Fee term", "load fee term")
		}
		usage, err := s.feeTermUsage(tx, id)
		if err != nil {
			return err
		}
		if usage.TotalUsage > 0 {
			return conflictf("Fee term %q is in use (%d references) and cannot be deleted", term.Name, usage.TotalUsage)
		}
		if err := tx.Model(&term).Association("FeeHeads").Clear(); err != nil {
			return internal(err, "clear fee term heads")
		}
		if err := tx.Unscoped().Delete(&term).Error; err != nil {
			return internal(err, "delete fee term")
		}
		return nil
	})
}

func (s *Service) ensureUniqueName(db *gorm.DB, model interface{}, branchID, sessionID uint, name string, exceptID uint, label string) error {
	var count int64
	q := db.Model(model).Unscoped().Where("branch_id = ? AND session_id = ? AND name = ?", branchID, sessionID, name)
	if exceptID != 0 {
		q = q.Where("id <> ?", exceptID)
	}
	if err := q.Count(&count).Error; err != nil {
		return internal(err, "check name")
	}
	if count > 0 {
		return conflictf("%s %q already exists", label, name)
	}
	return nil
}

// sectionAndTerm checks that both exist and share a branch and session
func (s *Service) sectionAndTerm(tx *gorm.DB, sectionID, termID uint) (*models.Section, *models.FeeTerm, error) {
	sec, err := s.loadSection(tx, sectionID)
	if err != nil {
		return nil, nil, err
	}
	term, err := s.loadTerm(tx, termID, sec.BranchID, sec.SessionID)
	if err != nil {
		return nil, nil, err
	}
	return sec, term, nil
}

// SetSectionFees replaces the whole slab of a section for one term.
// Everything is validated before the delete; the delete and insert share one transaction.
func (s *Service) SetSectionFees(ctx context.Context, sectionID, termID uint, fees []FeeAmount) ([]models.ClasswiseFee, error) {
	db := s.dbc(ctx)
	_, term, err := s.sectionAndTerm(db, sectionID, termID)
	if err != nil {
		return nil, err
	}
	// an empty slab is allowed: it clears the section's fees for the term
	if len(fees) > 0 {
		// slab amounts may be zero; the term's head list does not restrict slabs
		slabTerm := *term
		slabTerm.FeeHeads = nil
		if _, _, err := s.validateFeeLines(db, &slabTerm, fees, false); err != nil {
			return nil, err
		}
	}

	err = db.Transaction(func(tx *gorm.DB) error {
		return replaceSlab(tx, sectionID, termID, fees)
	})
	if err != nil {
		return nil, internal(err, "replace section fees")
	}
	utils.Logger(ctx).WithFields(logrus.Fields{
		"section_id":  sectionID,
		"fee_term_id": termID,
		"lines":       len(fees),
	}).Info("section fee slab replaced")
	return s.GetSectionFees(ctx, sectionID, &termID)
}

func replaceSlab(tx *gorm.DB, sectionID, termID uint, fees []FeeAmount) error {
	if err := tx.Where("section_id = ? AND fee_term_id = ?", sectionID, termID).Delete(&models.ClasswiseFee{}).Error; err != nil {
		return err
	}
	if len(fees) == 0 {
		return nil
	}
	rows := make([]models.ClasswiseFee, 0, len(fees))
	for _, f := range fees {
		rows = append(rows, models.ClasswiseFee{
			SectionID: sectionID,
			FeeTermID: termID,
			FeeHeadID: f.FeeHeadID,
			Amount:    f.Amount.Round(2),
		})
	}
	return tx.Omit("FeeHead").Create(&rows).Error
}

func (s *Service) GetSectionFees(ctx context.Context, sectionID uint, termID *uint) ([]models.ClasswiseFee, error) {
	var rows []models.ClasswiseFee
	q := s.dbc(ctx).Preload("FeeHead").Where("section_id = ?", sectionID)
	if termID != nil {
		q = q.Where("fee_term_id = ?", *termID)
	}
	if err := q.Order("fee_term_id ASC, fee_head_id ASC").Find(&rows).Error; err != nil {
		return nil, internal(err, "load section fees")
	}
	return rows, nil
}

// CopySectionFees duplicates the source section's slabs into every target section.
// With termID nil every term the source has fees for is copied. Each target term slab
// is replaced as a whole and all targets are written in one transaction.
func (s *Service) CopySectionFees(ctx context.Context, fromSectionID uint, toSectionIDs []uint, termID *uint) (int, error) {
	db := s.dbc(ctx)
	src, err := s.loadSection(db, fromSectionID)
	if err != nil {
		return 0, err
	}
	if len(toSectionIDs) == 0 {
		return 0, validationf("At least one target section is required")
	}

	targets := make([]uint, 0, len(toSectionIDs))
	seen := map[uint]bool{}
	for _, id := range toSectionIDs {
		if id == fromSectionID {
			return 0, validationf("Target sections cannot include the source section")
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		sec, err := s.loadSection(db, id)
		if err != nil {
			return 0, err
		}
		if sec.BranchID != src.BranchID || sec.SessionID != src.SessionID {
			return 0, validationf("Section %d does not belong to the same branch and session", id)
		}
		targets = append(targets, id)
	}

	slab, err := s.GetSectionFees(ctx, fromSectionID, termID)
	if err != nil {
		return 0, err
	}
	if len(slab) == 0 {
		return 0, validationf("Source section has no fees to copy")
	}

	byTerm := map[uint][]FeeAmount{}
	for _, row := range slab {
		byTerm[row.FeeTermID] = append(byTerm[row.FeeTermID], FeeAmount{FeeHeadID: row.FeeHeadID, Amount: row.Amount})
	}
	termIDs := make([]uint, 0, len(byTerm))
	for id := range byTerm {
		termIDs = append(termIDs, id)
	}
	sort.Slice(termIDs, func(i, j int) bool { return termIDs[i] < termIDs[j] })

	copied := 0
	err = db.Transaction(func(tx *gorm.DB) error {
		for _, target := range targets {
			for _, tid := range termIDs {
				if err := replaceSlab(tx, target, tid, byTerm[tid]); err != nil {
					return err
				}
				copied += len(byTerm[tid])
			}
		}
		return nil
	})
	if err != nil {
		return 0, internal(err, "copy section fees")
	}
	return copied, nil
}
