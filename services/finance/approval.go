package finance

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"schoolfees_go/models"
	"schoolfees_go/utils"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Concession history actions
const (
	ActionAssigned      = "ASSIGNED"
	ActionAutoApproved  = "AUTO_APPROVED"
	ActionFirstApproval = "FIRST_APPROVAL"
	ActionApproved      = "APPROVED"
	ActionRejected      = "REJECTED"
	ActionSuspended     = "SUSPENDED"
)

// ApprovalSettingsInput saves the branch+session approval configuration
type ApprovalSettingsInput struct {
	BranchID            uint            `json:"branch_id"`
	SessionID           uint            `json:"session_id" validate:"required"`
	ApprovalLevel       string          `json:"approval_level" validate:"required,oneof=1_PERSON 2_PERSON"`
	AuthorizationType   string          `json:"authorization_type" validate:"required,oneof=ROLE_BASED INDIVIDUAL_BASED"`
	ApproverRoles       []string        `json:"approver_roles"`
	ApproverUserIDs     []uint          `json:"approver_user_ids"`
	AutoApproveBelow    decimal.Decimal `json:"auto_approve_below" validate:"gte=0"`
	EscalationThreshold decimal.Decimal `json:"escalation_threshold" validate:"gte=0"`
	MaxApprovalAmount   decimal.Decimal `json:"max_approval_amount" validate:"gt=0"`
}

// Validate enforces the threshold ordering and approver lists
func (in ApprovalSettingsInput) Validate() error {
	if in.ApprovalLevel != models.ApprovalOnePerson && in.ApprovalLevel != models.ApprovalTwoPerson {
		return validationf("Approval level must be 1_PERSON or 2_PERSON")
	}
	if in.AuthorizationType != models.AuthorizationRoleBased && in.AuthorizationType != models.AuthorizationIndividual {
		return validationf("Authorization type must be ROLE_BASED or INDIVIDUAL_BASED")
	}
	if in.AutoApproveBelow.IsNegative() || in.EscalationThreshold.IsNegative() || !in.MaxApprovalAmount.IsPositive() {
		return validationf("Thresholds cannot be negative and max approval amount must be greater than 0")
	}
	if !in.AutoApproveBelow.LessThan(in.MaxApprovalAmount) {
		return validationf("Auto approve below must be less than max approval amount")
	}
	if in.ApprovalLevel == models.ApprovalTwoPerson && !in.EscalationThreshold.LessThan(in.MaxApprovalAmount) {
		return validationf("Escalation threshold must be less than max approval amount")
	}
	if in.AuthorizationType == models.AuthorizationRoleBased && len(in.ApproverRoles) == 0 {
		return validationf("At least one approver role is required")
	}
	if in.AuthorizationType == models.AuthorizationIndividual && len(in.ApproverUserIDs) == 0 {
		return validationf("At least one approver is required")
	}
	return nil
}

func (s *Service) GetApprovalSettings(ctx context.Context, branchID, sessionID uint) (*models.ConcessionApprovalSetting, error) {
	st, err := s.approvalSettings(s.dbc(ctx), branchID, sessionID)
	if err != nil {
		return nil, err
	}
	if st == nil {
		return nil, notFoundf("Concession approval settings not configured")
	}
	return st, nil
}

func (s *Service) approvalSettings(tx *gorm.DB, branchID, sessionID uint) (*models.ConcessionApprovalSetting, error) {
	var st models.ConcessionApprovalSetting
	err := tx.Where("branch_id = ? AND session_id = ?", branchID, sessionID).First(&st).Error
	if isNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, internal(err, "load approval settings")
	}
	return &st, nil
}

// SaveApprovalSettings creates or replaces the singleton for the branch and session
func (s *Service) SaveApprovalSettings(ctx context.Context, in ApprovalSettingsInput) (*models.ConcessionApprovalSetting, error) {
	in.ApprovalLevel = strings.ToUpper(strings.TrimSpace(in.ApprovalLevel))
	in.AuthorizationType = strings.ToUpper(strings.TrimSpace(in.AuthorizationType))
	if err := in.Validate(); err != nil {
		return nil, err
	}
	roles, _ := json.Marshal(in.ApproverRoles)
	users, _ := json.Marshal(in.ApproverUserIDs)
	if in.ApproverRoles == nil {
		roles = []byte("[]")
	}
	if in.ApproverUserIDs == nil {
		users = []byte("[]")
	}

	st := models.ConcessionApprovalSetting{
		BranchID:            in.BranchID,
		SessionID:           in.SessionID,
		ApprovalLevel:       in.ApprovalLevel,
		AuthorizationType:   in.AuthorizationType,
		ApproverRoles:       datatypes.JSON(roles),
		ApproverUserIDs:     datatypes.JSON(users),
		AutoApproveBelow:    in.AutoApproveBelow,
		EscalationThreshold: in.EscalationThreshold,
		MaxApprovalAmount:   in.MaxApprovalAmount,
	}
	err := s.dbc(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "branch_id"}, {Name: "session_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"approval_level", "authorization_type", "approver_roles", "approver_user_ids",
			"auto_approve_below", "escalation_threshold", "max_approval_amount", "updated_at",
		}),
	}).Create(&st).Error
	if err != nil {
		return nil, internal(err, "save approval settings")
	}
	return s.GetApprovalSettings(ctx, in.BranchID, in.SessionID)
}

// ConcessionTypeTerm restricts a type to a term with an optional term-specific amount
type ConcessionTypeTerm struct {
	FeeTermID uint             `json:"fee_term_id" validate:"required"`
	Amount    *decimal.Decimal `json:"amount"`
}

// ConcessionTypeInput creates or updates a concession type
type ConcessionTypeInput struct {
	BranchID     uint                 `json:"branch_id"`
	SessionID    uint                 `json:"session_id" validate:"required"`
	Name         string               `json:"name" validate:"notblank,max=150"`
	Description  string               `json:"description" validate:"max=500"`
	Type         string               `json:"type" validate:"required,oneof=PERCENTAGE FIXED"`
	Value        decimal.Decimal      `json:"value" validate:"gte=0"`
	MaxValue     *decimal.Decimal     `json:"max_value"`
	AutoApproval bool                 `json:"auto_approval"`
	IsActive     *bool                `json:"is_active"`
	FeeHeadIDs   []uint               `json:"fee_head_ids"`
	FeeTerms     []ConcessionTypeTerm `json:"fee_terms" validate:"dive"`
}

func (in ConcessionTypeInput) validate() error {
	if strings.TrimSpace(in.Name) == "" {
		return validationf("Concession type name is required")
	}
	switch in.Type {
	case models.ConcessionPercentage:
		if in.Value.IsNegative() || in.Value.GreaterThan(hundred) {
			return validationf("Percentage value must be between 0 and 100")
		}
	case models.ConcessionFixed:
		if in.Value.IsNegative() {
			return validationf("Fixed value cannot be negative")
		}
		if in.MaxValue != nil && in.MaxValue.IsNegative() {
			return validationf("Max value cannot be negative")
		}
	default:
		return validationf("Concession type must be PERCENTAGE or FIXED")
	}
	for _, t := range in.FeeTerms {
		if t.Amount != nil && t.Amount.IsNegative() {
			return validationf("Term amount cannot be negative")
		}
	}
	return nil
}

func (s *Service) ListConcessionTypes(ctx context.Context, branchID, sessionID uint) ([]models.ConcessionType, error) {
	var out []models.ConcessionType
	err := s.dbc(ctx).Preload("FeeHeads").Preload("FeeTerms").
		Where("branch_id = ? AND session_id = ?", branchID, sessionID).Order("name ASC").Find(&out).Error
	if err != nil {
		return nil, internal(err, "list concession types")
	}
	return out, nil
}

func (s *Service) CreateConcessionType(ctx context.Context, in ConcessionTypeInput) (*models.ConcessionType, error) {
	in.Type = strings.ToUpper(in.Type)
	if err := in.validate(); err != nil {
		return nil, err
	}
	var ct models.ConcessionType
	err := s.dbc(ctx).Transaction(func(tx *gorm.DB) error {
		name := strings.TrimSpace(in.Name)
		if err := s.ensureUniqueName(tx, &models.ConcessionType{}, in.BranchID, in.SessionID, name, 0, "Concession type"); err != nil {
			return err
		}
		heads, err := s.termHeads(tx, in.BranchID, in.SessionID, in.FeeHeadIDs)
		if err != nil {
			return err
		}
		terms, err := s.concessionTerms(tx, in.BranchID, in.SessionID, in.FeeTerms)
		if err != nil {
			return err
		}
		ct = models.ConcessionType{
			BranchID:     in.BranchID,
			SessionID:    in.SessionID,
			Name:         name,
			Description:  in.Description,
			Type:         in.Type,
			Value:        in.Value,
			AutoApproval: in.AutoApproval,
			IsActive:     true,
			FeeHeads:     heads,
			FeeTerms:     terms,
		}
		if in.MaxValue != nil {
			ct.MaxValue = decimal.NewNullDecimal(*in.MaxValue)
		}
		if err := tx.Omit("FeeHeads.*").Create(&ct).Error; err != nil {
			if isUniqueViolation(err) {
				return conflictf("Concession type %q already exists", name)
			}
			return err
		}
		if in.IsActive != nil && !*in.IsActive {
			ct.IsActive = false
			return tx.Model(&ct).Update("is_active", false).Error
		}
		return nil
	})
	if err != nil {
		return nil, internal(err, "create concession type")
	}
	return &ct, nil
}

func (s *Service) concessionTerms(tx *gorm.DB, branchID, sessionID uint, in []ConcessionTypeTerm) ([]models.ConcessionTypeFeeTerm, error) {
	out := make([]models.ConcessionTypeFeeTerm, 0, len(in))
	seen := map[uint]bool{}
	for _, t := range in {
		if seen[t.FeeTermID] {
			return nil, validationf("Fee term %d appears more than once", t.FeeTermID)
		}
		seen[t.FeeTermID] = true
		if _, err := s.loadTerm(tx, t.FeeTermID, branchID, sessionID); err != nil {
			return nil, err
		}
		row := models.ConcessionTypeFeeTerm{FeeTermID: t.FeeTermID}
		if t.Amount != nil {
			row.Amount = decimal.NewNullDecimal(*t.Amount)
		}
		out = append(out, row)
	}
	return out, nil
}

func (s *Service) UpdateConcessionType(ctx context.Context, id uint, in ConcessionTypeInput) (*models.ConcessionType, error) {
	in.Type = strings.ToUpper(in.Type)
	if err := in.validate(); err != nil {
		return nil, err
	}
	var ct models.ConcessionType
	err := s.dbc(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Scopes(inBranch(in.BranchID)).First(&ct, id).Error; err != nil {
			return notFoundOr(err, "Concession type", "load concession type")
		}
		name := strings.TrimSpace(in.Name)
		if name != ct.Name {
			if err := s.ensureUniqueName(tx, &models.ConcessionType{}, ct.BranchID, ct.SessionID, name, ct.ID, "Concession type"); err != nil {
				return err
			}
		}
		heads, err := s.termHeads(tx, ct.BranchID, ct.SessionID, in.FeeHeadIDs)
		if err != nil {
			return err
		}
		terms, err := s.concessionTerms(tx, ct.BranchID, ct.SessionID, in.FeeTerms)
		if err != nil {
			return err
		}
		updates := map[string]interface{}{
			"name":          name,
			"description":   in.Description,
			"type":          in.Type,
			"value":         in.Value,
			"max_value":     decimal.NullDecimal{},
			"auto_approval": in.AutoApproval,
		}
		if in.MaxValue != nil {
			updates["max_value"] = decimal.NewNullDecimal(*in.MaxValue)
		}
		if in.IsActive != nil {
			updates["is_active"] = *in.IsActive
		}
		if err := tx.Model(&ct).Updates(updates).Error; err != nil {
			return err
		}
		assoc := tx.Model(&ct).Association("FeeHeads")
		if len(heads) == 0 {
			if err := assoc.Clear(); err != nil {
				return err
			}
		} else if err := assoc.Replace(heads); err != nil {
			return err
		}
		if err := tx.Where("concession_type_id = ?", ct.ID).Delete(&models.ConcessionTypeFeeTerm{}).Error; err != nil {
			return err
		}
		for i := range terms {
			terms[i].ConcessionTypeID = ct.ID
		}
		if len(terms) > 0 {
			if err := tx.Create(&terms).Error; err != nil {
				return err
			}
		}
		return tx.Preload("FeeHeads").Preload("FeeTerms").First(&ct, ct.ID).Error
	})
	if err != nil {
		return nil, internal(err, "update concession type")
	}
	return &ct, nil
}

// DeleteConcessionType soft-deletes a type that no student concession references
func (s *Service) DeleteConcessionType(ctx context.Context, id, branchID uint) error {
	return s.dbc(ctx).Transaction(func(tx *gorm.DB) error {
		var ct models.ConcessionType
		if err := tx.Scopes(inBranch(branchID)).First(&ct, id).Error; err != nil {
			return notFoundOr(err, "Concession type", "load concession type")
		}
		var n int64
		if err := tx.Model(&models.StudentConcession{}).Where("concession_type_id = ?", id).Count(&n).Error; err != nil {
			return internal(err, "count student concessions")
		}
		if n > 0 {
			return conflictf("Concession type %q is assigned to %d students and cannot be deleted", ct.Name, n)
		}
		if err := tx.Delete(&ct).Error; err != nil {
			return internal(err, "delete concession type")
		}
		return nil
	})
}

// AssignConcessionInput binds a student to a concession type
type AssignConcessionInput struct {
	BranchID         uint             `json:"branch_id"`
	SessionID        uint             `json:"session_id" validate:"required"`
	StudentID        uint             `json:"student_id" validate:"required"`
	ConcessionTypeID uint             `json:"concession_type_id" validate:"required"`
	CustomValue      *decimal.Decimal `json:"custom_value"`
	ValidFrom        *time.Time       `json:"valid_from"`
	ValidUntil       *time.Time       `json:"valid_until"`
	Reason           string           `json:"reason" validate:"max=500"`
}

// AssignConcession creates a student concession. It starts APPROVED when the type
// auto-approves or the estimated amount is under the auto-approve threshold, PENDING otherwise.
func (s *Service) AssignConcession(ctx context.Context, in AssignConcessionInput, actor Actor) (*models.StudentConcession, error) {
	now := s.clock()
	db := s.dbc(ctx)
	student, err := s.loadStudent(db, in.StudentID, in.BranchID)
	if err != nil {
		return nil, err
	}
	if student.SessionID != in.SessionID {
		return nil, validationf("Student does not belong to this session")
	}
	var ct models.ConcessionType
	if err := db.Preload("FeeHeads").Preload("FeeTerms").First(&ct, in.ConcessionTypeID).Error; err != nil {
		if isNotFound(err) {
			return nil, validationf("Concession type not found")
		}
		return nil, internal(err, "load concession type")
	}
	if ct.BranchID != in.BranchID || ct.SessionID != in.SessionID {
		return nil, validationf("Concession type does not belong to this branch and session")
	}
	if !ct.IsActive {
		return nil, validationf("Concession type %q is inactive", ct.Name)
	}
	if in.CustomValue != nil {
		if in.CustomValue.IsNegative() {
			return nil, validationf("Custom value cannot be negative")
		}
		if ct.Type == models.ConcessionPercentage && in.CustomValue.GreaterThan(hundred) {
			return nil, validationf("Custom percentage must be between 0 and 100")
		}
	}
	validFrom := dateOnly(now)
	if in.ValidFrom != nil && !in.ValidFrom.IsZero() {
		validFrom = in.ValidFrom.UTC()
	}
	var validUntil *time.Time
	if in.ValidUntil != nil && !in.ValidUntil.IsZero() {
		u := in.ValidUntil.UTC()
		if !u.After(validFrom) {
			return nil, validationf("Valid until must be after valid from")
		}
		validUntil = &u
	}

	sc := models.StudentConcession{
		BranchID:         in.BranchID,
		SessionID:        in.SessionID,
		StudentID:        student.ID,
		ConcessionTypeID: ct.ID,
		ValidFrom:        validFrom,
		ValidUntil:       validUntil,
		Reason:           in.Reason,
		Status:           models.ConcessionStatusPending,
		RequestedBy:      actor.UserID,
	}
	if in.CustomValue != nil {
		sc.CustomValue = decimal.NewNullDecimal(*in.CustomValue)
	}

	err = db.Transaction(func(tx *gorm.DB) error {
		if err := ensureNoOverlap(tx, sc); err != nil {
			return err
		}

		action := ActionAssigned
		if ct.AutoApproval {
			action = ActionAutoApproved
		} else {
			settings, err := s.approvalSettings(tx, in.BranchID, in.SessionID)
			if err != nil {
				return err
			}
			if settings != nil && settings.AutoApproveBelow.IsPositive() {
				sc.ConcessionType = ct
				estimate, err := s.estimateConcession(tx, student, sc, now)
				if err != nil {
					return err
				}
				if estimate.LessThan(settings.AutoApproveBelow) {
					action = ActionAutoApproved
				}
			}
		}
		if action == ActionAutoApproved {
			sc.Status = models.ConcessionStatusApproved
			sc.ApprovedBy = uintPtr(actor.UserID)
			sc.ApprovedAt = timePtr(now)
		}

		if err := tx.Omit(clause.Associations).Create(&sc).Error; err != nil {
			return err
		}
		return appendHistory(tx, sc.ID, action, "", sc.Status, in.Reason, actor.UserID)
	})
	if err != nil {
		return nil, internal(err, "assign concession")
	}
	sc.ConcessionType = ct

	utils.Logger(ctx).WithFields(logrus.Fields{
		"student_concession_id": sc.ID,
		"student_id":            sc.StudentID,
		"status":                sc.Status,
	}).Info("concession assigned")
	return &sc, nil
}

// ensureNoOverlap rejects a second pending or approved concession of the same type over an overlapping window
func ensureNoOverlap(tx *gorm.DB, sc models.StudentConcession) error {
	var existing []models.StudentConcession
	err := tx.Where("student_id = ? AND concession_type_id = ? AND status IN ?", sc.StudentID, sc.ConcessionTypeID,
		[]string{models.ConcessionStatusPending, models.ConcessionStatusApproved}).Find(&existing).Error
	if err != nil {
		return err
	}
	for _, e := range existing {
		if windowsOverlap(e.ValidFrom, e.ValidUntil, sc.ValidFrom, sc.ValidUntil) {
			return conflictf("Student already has an overlapping %s concession of this type", strings.ToLower(e.Status))
		}
	}
	return nil
}

func windowsOverlap(aFrom time.Time, aUntil *time.Time, bFrom time.Time, bUntil *time.Time) bool {
	if aUntil != nil && aUntil.Before(bFrom) {
		return false
	}
	if bUntil != nil && bUntil.Before(aFrom) {
		return false
	}
	return true
}

// estimateConcession totals what one concession would take off the student's priced lines
func (s *Service) estimateConcession(tx *gorm.DB, student *models.Student, sc models.StudentConcession, now time.Time) (decimal.Decimal, error) {
	var slab []models.ClasswiseFee
	err := tx.Preload("FeeHead").Where("section_id = ?", student.SectionID).
		Where("fee_term_id IN (?)", tx.Model(&models.FeeTerm{}).Select("id").
			Where("branch_id = ? AND session_id = ?", student.BranchID, student.SessionID)).
		Find(&slab).Error
	if err != nil {
		return decimal.Zero, err
	}

	// evaluate as if approved and valid now
	candidate := sc
	candidate.Status = models.ConcessionStatusApproved
	candidate.ValidFrom = now
	candidate.ValidUntil = nil

	total := decimal.Zero
	for _, fee := range slab {
		if !fee.FeeHead.AppliesTo(student.StudentType) {
			continue
		}
		res := ComputeConcession([]models.StudentConcession{candidate}, ConcessionLine{
			FeeHeadID:      fee.FeeHeadID,
			FeeTermID:      fee.FeeTermID,
			OriginalAmount: fee.Amount,
		}, now)
		total = total.Add(res.ConcessionAmount)
	}
	return total, nil
}

func appendHistory(tx *gorm.DB, concessionID uint, action, from, to, reason string, by uint) error {
	return tx.Create(&models.ConcessionHistory{
		StudentConcessionID: concessionID,
		Action:              action,
		FromStatus:          from,
		ToStatus:            to,
		Reason:              truncate(reason, 500),
		PerformedBy:         by,
	}).Error
}

// lockConcession loads a concession for update with its type
func lockConcession(tx *gorm.DB, id uint, actor Actor) (*models.StudentConcession, error) {
	var sc models.StudentConcession
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&sc, id).Error; err != nil {
		return nil, notFoundOr(err, "Concession", "load concession")
	}
	if !actor.canAccess(sc.BranchID) {
		return nil, notFoundf("Concession not found")
	}
	if err := tx.Unscoped().Preload("FeeHeads").Preload("FeeTerms").First(&sc.ConcessionType, sc.ConcessionTypeID).Error; err != nil {
		return nil, err
	}
	return &sc, nil
}

// authorizeApprover checks the actor against the configured approver roles or users
func authorizeApprover(settings *models.ConcessionApprovalSetting, actor Actor) error {
	if settings == nil {
		return nil
	}
	switch settings.AuthorizationType {
	case models.AuthorizationIndividual:
		for _, id := range settings.UserIDs() {
			if id == actor.UserID {
				return nil
			}
		}
		return preconditionf("You are not an authorized concession approver")
	default:
		for _, r := range settings.Roles() {
			if strings.EqualFold(r, actor.Role) {
				return nil
			}
		}
		return preconditionf("Your role is not authorized to approve concessions")
	}
}

// ApproveConcession approves a PENDING concession. Under 2_PERSON approval, concessions at or
// above the escalation threshold need two distinct approvers; the first stays PENDING.
func (s *Service) ApproveConcession(ctx context.Context, id uint, actor Actor, reason string) (*models.StudentConcession, error) {
	now := s.clock()
	var sc *models.StudentConcession
	err := s.dbc(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		if sc, err = lockConcession(tx, id, actor); err != nil {
			return err
		}
		if sc.Status != models.ConcessionStatusPending {
			return conflictf("Only pending concessions can be approved (current status %s)", sc.Status)
		}
		settings, err := s.approvalSettings(tx, sc.BranchID, sc.SessionID)
		if err != nil {
			return err
		}
		if err := authorizeApprover(settings, actor); err != nil {
			return err
		}

		if settings != nil {
			var student models.Student
			if err := tx.Unscoped().First(&student, sc.StudentID).Error; err != nil {
				return err
			}
			amount, err := s.estimateConcession(tx, &student, *sc, now)
			if err != nil {
				return err
			}
			if amount.GreaterThan(settings.MaxApprovalAmount) {
				return preconditionf("Concession amount %s exceeds the maximum approval amount %s",
					amount.StringFixed(2), settings.MaxApprovalAmount.StringFixed(2))
			}
			if settings.ApprovalLevel == models.ApprovalTwoPerson && amount.GreaterThanOrEqual(settings.EscalationThreshold) {
				if sc.FirstApprovedBy == nil {
					if err := tx.Model(sc).Update("first_approved_by", actor.UserID).Error; err != nil {
						return err
					}
					sc.FirstApprovedBy = uintPtr(actor.UserID)
					return appendHistory(tx, sc.ID, ActionFirstApproval, sc.Status, sc.Status, reason, actor.UserID)
				}
				if *sc.FirstApprovedBy == actor.UserID {
					return conflictf("The second approval must come from a different approver")
				}
			}
		}

		if err := tx.Model(sc).Updates(map[string]interface{}{
			"status":      models.ConcessionStatusApproved,
			"approved_by": actor.UserID,
			"approved_at": now,
		}).Error; err != nil {
			return err
		}
		from := sc.Status
		sc.Status = models.ConcessionStatusApproved
		sc.ApprovedBy = uintPtr(actor.UserID)
		sc.ApprovedAt = timePtr(now)
		return appendHistory(tx, sc.ID, ActionApproved, from, sc.Status, reason, actor.UserID)
	})
	if err != nil {
		return nil, internal(err, "approve concession")
	}
	return sc, nil
}

// RejectConcession rejects a PENDING concession
func (s *Service) RejectConcession(ctx context.Context, id uint, actor Actor, reason string) (*models.StudentConcession, error) {
	return s.transition(ctx, id, actor, reason, models.ConcessionStatusPending, models.ConcessionStatusRejected, ActionRejected)
}

// SuspendConcession suspends an APPROVED concession
func (s *Service) SuspendConcession(ctx context.Context, id uint, actor Actor, reason string) (*models.StudentConcession, error) {
	return s.transition(ctx, id, actor, reason, models.ConcessionStatusApproved, models.ConcessionStatusSuspended, ActionSuspended)
}

func (s *Service) transition(ctx context.Context, id uint, actor Actor, reason, from, to, action string) (*models.StudentConcession, error) {
	if strings.TrimSpace(reason) == "" {
		return nil, validationf("A reason is required")
	}
	var sc *models.StudentConcession
	err := s.dbc(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		if sc, err = lockConcession(tx, id, actor); err != nil {
			return err
		}
		if sc.Status != from {
			return conflictf("Only %s concessions can be %s (current status %s)",
				strings.ToLower(from), strings.ToLower(to), sc.Status)
		}
		if err := tx.Model(sc).Update("status", to).Error; err != nil {
			return err
		}
		sc.Status = to
		return appendHistory(tx, sc.ID, action, from, to, reason, actor.UserID)
	})
	if err != nil {
		return nil, internal(err, "update concession status")
	}
	return sc, nil
}

// ListStudentConcessions returns every concession of a student with its type
func (s *Service) ListStudentConcessions(ctx context.Context, studentID, branchID uint) ([]models.StudentConcession, error) {
	var out []models.StudentConcession
	err := s.dbc(ctx).Preload("ConcessionType").Scopes(inBranch(branchID)).
		Where("student_id = ?", studentID).Order("id DESC").Find(&out).Error
	if err != nil {
		return nil, internal(err, "list student concessions")
	}
	return out, nil
}

// GetConcessionHistory returns the audit trail oldest first
func (s *Service) GetConcessionHistory(ctx context.Context, id uint, actor Actor) ([]models.ConcessionHistory, error) {
	db := s.dbc(ctx)
	var sc models.StudentConcession
	if err := db.Select("id", "branch_id").First(&sc, id).Error; err != nil {
		return nil, notFoundOr(err, "Concession", "load concession")
	}
	if !actor.canAccess(sc.BranchID) {
		return nil, notFoundf("Concession not found")
	}
	var out []models.ConcessionHistory
	if err := db.Where("student_concession_id = ?", id).Order("id ASC").Find(&out).Error; err != nil {
		return nil, internal(err, "load concession history")
	}
	return out, nil
}
