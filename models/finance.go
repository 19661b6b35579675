package models

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// FeeHead is a named category of charge (Tuition, Transport, ...)
type FeeHead struct {
	BaseModel
	BranchID        uint   `json:"branch_id" gorm:"not null;uniqueIndex:idx_fee_head_name"`
	SessionID       uint   `json:"session_id" gorm:"not null;uniqueIndex:idx_fee_head_name"`
	Name            string `json:"name" gorm:"size:150;not null;uniqueIndex:idx_fee_head_name"`
	Description     string `json:"description" gorm:"size:500"`
	StudentType     string `json:"student_type" gorm:"size:20;not null;default:'BOTH'"` // NEW_ADMISSION, OLD_STUDENT, BOTH
	IsSystemDefined bool   `json:"is_system_defined" gorm:"default:false"`
	IsActive        bool   `json:"is_active" gorm:"default:true"`
}

// AppliesTo reports whether the head is billed to a student of the given type
func (h FeeHead) AppliesTo(studentType string) bool {
	return h.StudentType == "" || h.StudentType == StudentTypeBoth || h.StudentType == studentType
}

// FeeTerm is a billing period. DueDate may precede StartDate.
type FeeTerm struct {
	BaseModel
	BranchID   uint      `json:"branch_id" gorm:"not null;uniqueIndex:idx_fee_term_name"`
	SessionID  uint      `json:"session_id" gorm:"not null;uniqueIndex:idx_fee_term_name"`
	Name       string    `json:"name" gorm:"size:150;not null;uniqueIndex:idx_fee_term_name"`
	StartDate  time.Time `json:"start_date" gorm:"type:date;not null"`
	EndDate    time.Time `json:"end_date" gorm:"type:date;not null"`
	DueDate    time.Time `json:"due_date" gorm:"type:date;not null"`
	OrderIndex int       `json:"order_index" gorm:"default:0"`
	IsActive   bool      `json:"is_active" gorm:"default:true"`

	FeeHeads []FeeHead `json:"fee_heads,omitempty" gorm:"many2many:fee_term_fee_heads;"`
}

// ClasswiseFee is one entry of a section's price list for a term.
// Rows are replaced as a whole slab, never patched.
type ClasswiseFee struct {
	ID        uint            `json:"id" gorm:"primaryKey"`
	SectionID uint            `json:"section_id" gorm:"not null;uniqueIndex:idx_classwise_fee"`
	FeeTermID uint            `json:"fee_term_id" gorm:"not null;uniqueIndex:idx_classwise_fee"`
	FeeHeadID uint            `json:"fee_head_id" gorm:"not null;uniqueIndex:idx_classwise_fee"`
	Amount    decimal.Decimal `json:"amount" gorm:"type:decimal(12,2);not null"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`

	FeeHead FeeHead `json:"fee_head,omitempty" gorm:"foreignKey:FeeHeadID"`
}

const (
	ConcessionPercentage = "PERCENTAGE"
	ConcessionFixed      = "FIXED"
)

// ConcessionType is a discount policy
type ConcessionType struct {
	BaseModel
	BranchID     uint                `json:"branch_id" gorm:"not null;uniqueIndex:idx_concession_type_name"`
	SessionID    uint                `json:"session_id" gorm:"not null;uniqueIndex:idx_concession_type_name"`
	Name         string              `json:"name" gorm:"size:150;not null;uniqueIndex:idx_concession_type_name"`
	Description  string              `json:"description" gorm:"size:500"`
	Type         string              `json:"type" gorm:"size:20;not null"` // PERCENTAGE, FIXED
	Value        decimal.Decimal     `json:"value" gorm:"type:decimal(12,2);not null"`
	MaxValue     decimal.NullDecimal `json:"max_value" gorm:"type:decimal(12,2)"`
	AutoApproval bool                `json:"auto_approval" gorm:"default:false"`
	IsActive     bool                `json:"is_active" gorm:"default:true"`

	// empty lists mean "applies to all"
	FeeHeads []FeeHead               `json:"fee_heads,omitempty" gorm:"many2many:concession_type_fee_heads;"`
	FeeTerms []ConcessionTypeFeeTerm `json:"fee_terms,omitempty" gorm:"foreignKey:ConcessionTypeID"`
}

// ConcessionTypeFeeTerm restricts a concession to a term, optionally with a term-specific amount
type ConcessionTypeFeeTerm struct {
	ID               uint                `json:"id" gorm:"primaryKey"`
	ConcessionTypeID uint                `json:"concession_type_id" gorm:"not null;uniqueIndex:idx_concession_type_term"`
	FeeTermID        uint                `json:"fee_term_id" gorm:"not null;uniqueIndex:idx_concession_type_term"`
	Amount           decimal.NullDecimal `json:"amount" gorm:"type:decimal(12,2)"`
}

const (
	ConcessionStatusPending   = "PENDING"
	ConcessionStatusApproved  = "APPROVED"
	ConcessionStatusRejected  = "REJECTED"
	ConcessionStatusSuspended = "SUSPENDED"
)

// StudentConcession binds a student to a concession type
type StudentConcession struct {
	BaseModel
	BranchID         uint                `json:"branch_id" gorm:"not null;index"`
	SessionID        uint                `json:"session_id" gorm:"not null;index"`
	StudentID        uint                `json:"student_id" gorm:"not null;index"`
	ConcessionTypeID uint                `json:"concession_type_id" gorm:"not null;index"`
	CustomValue      decimal.NullDecimal `json:"custom_value" gorm:"type:decimal(12,2)"`
	ValidFrom        time.Time           `json:"valid_from" gorm:"not null"`
	ValidUntil       *time.Time          `json:"valid_until"`
	Reason           string              `json:"reason" gorm:"size:500"`
	Status           string              `json:"status" gorm:"size:20;not null;default:'PENDING';index"`
	RequestedBy      uint                `json:"requested_by"`
	FirstApprovedBy  *uint               `json:"first_approved_by"`
	ApprovedBy       *uint               `json:"approved_by"`
	ApprovedAt       *time.Time          `json:"approved_at"`

	ConcessionType ConcessionType `json:"concession_type,omitempty" gorm:"foreignKey:ConcessionTypeID"`
}

// ActiveAt reports whether the concession is approved and within its validity window
func (sc StudentConcession) ActiveAt(now time.Time) bool {
	if sc.Status != ConcessionStatusApproved {
		return false
	}
	if now.Before(sc.ValidFrom) {
		return false
	}
	return sc.ValidUntil == nil || !now.After(*sc.ValidUntil)
}

// ConcessionHistory is the append-only audit trail of concession transitions
type ConcessionHistory struct {
	ID                  uint      `json:"id" gorm:"primaryKey"`
	StudentConcessionID uint      `json:"student_concession_id" gorm:"not null;index"`
	Action              string    `json:"action" gorm:"size:30;not null"`
	FromStatus          string    `json:"from_status" gorm:"size:20"`
	ToStatus            string    `json:"to_status" gorm:"size:20"`
	Reason              string    `json:"reason" gorm:"size:500"`
	PerformedBy         uint      `json:"performed_by"`
	CreatedAt           time.Time `json:"created_at"`
}

const (
	ApprovalOnePerson       = "1_PERSON"
	ApprovalTwoPerson       = "2_PERSON"
	AuthorizationRoleBased  = "ROLE_BASED"
	AuthorizationIndividual = "INDIVIDUAL_BASED"
)

// ConcessionApprovalSetting is the per branch+session approval configuration
type ConcessionApprovalSetting struct {
	BaseModel
	BranchID            uint            `json:"branch_id" gorm:"not null;uniqueIndex:idx_approval_setting_scope"`
	SessionID           uint            `json:"session_id" gorm:"not null;uniqueIndex:idx_approval_setting_scope"`
	ApprovalLevel       string          `json:"approval_level" gorm:"size:20;not null;default:'1_PERSON'"`
	AuthorizationType   string          `json:"authorization_type" gorm:"size:20;not null;default:'ROLE_BASED'"`
	ApproverRoles       datatypes.JSON  `json:"approver_roles"`
	ApproverUserIDs     datatypes.JSON  `json:"approver_user_ids"`
	AutoApproveBelow    decimal.Decimal `json:"auto_approve_below" gorm:"type:decimal(12,2);not null"`
	EscalationThreshold decimal.Decimal `json:"escalation_threshold" gorm:"type:decimal(12,2);not null"`
	MaxApprovalAmount   decimal.Decimal `json:"max_approval_amount" gorm:"type:decimal(12,2);not null"`
}

// Roles decodes ApproverRoles
func (s ConcessionApprovalSetting) Roles() []string {
	var out []string
	if len(s.ApproverRoles) > 0 {
		_ = json.Unmarshal(s.ApproverRoles, &out)
	}
	return out
}

// UserIDs decodes ApproverUserIDs
func (s ConcessionApprovalSetting) UserIDs() []uint {
	var out []uint
	if len(s.ApproverUserIDs) > 0 {
		_ = json.Unmarshal(s.ApproverUserIDs, &out)
	}
	return out
}
