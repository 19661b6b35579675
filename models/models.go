package models

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Base model with common fields
type BaseModel struct {
	ID        uint           `json:"id" gorm:"primaryKey"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"deleted_at,omitempty" gorm:"index"`
}

// Branch model
type Branch struct {
	BaseModel
	Name    string `json:"name" gorm:"size:255;not null"`
	Code    string `json:"code" gorm:"size:50;not null;uniqueIndex"`
	Address string `json:"address" gorm:"size:500"`
	Phone   string `json:"phone" gorm:"size:20"`
	Active  bool   `json:"active" gorm:"default:true"`
}

// AcademicSession is a school year within a branch
type AcademicSession struct {
	BaseModel
	BranchID  uint      `json:"branch_id" gorm:"not null;index"`
	Name      string    `json:"name" gorm:"size:50;not null"`
	StartDate time.Time `json:"start_date" gorm:"type:date"`
	EndDate   time.Time `json:"end_date" gorm:"type:date"`
	IsCurrent bool      `json:"is_current" gorm:"default:false"`
}

// Section is one division of a class (e.g. Grade 5 - A)
type Section struct {
	BaseModel
	BranchID  uint   `json:"branch_id" gorm:"not null;index"`
	SessionID uint   `json:"session_id" gorm:"not null;index"`
	ClassName string `json:"class_name" gorm:"size:100;not null"`
	Name      string `json:"name" gorm:"size:50;not null"`
}

const (
	StudentTypeNewAdmission = "NEW_ADMISSION"
	StudentTypeOldStudent   = "OLD_STUDENT"
	StudentTypeBoth         = "BOTH"
)

// Student model
type Student struct {
	BaseModel
	BranchID      uint   `json:"branch_id" gorm:"not null;index"`
	SessionID     uint   `json:"session_id" gorm:"not null;index"`
	SectionID     uint   `json:"section_id" gorm:"not null;index"`
	UserID        *uint  `json:"user_id"` // parent login, used for push notifications
	AdmissionNo   string `json:"admission_no" gorm:"size:50;index"`
	FirstName     string `json:"first_name" gorm:"size:100"`
	LastName      string `json:"last_name" gorm:"size:100"`
	StudentType   string `json:"student_type" gorm:"size:20;not null;default:'OLD_STUDENT'"`
	GuardianName  string `json:"guardian_name" gorm:"size:200"`
	GuardianPhone string `json:"guardian_phone" gorm:"size:20"`
	GuardianEmail string `json:"guardian_email" gorm:"size:255"`
	Active        bool   `json:"active" gorm:"default:true"`

	Section Section `json:"section,omitempty" gorm:"foreignKey:SectionID"`
}

// FullName joins first and last name
func (s Student) FullName() string {
	if s.LastName == "" {
		return s.FirstName
	}
	return s.FirstName + " " + s.LastName
}

// User model
type User struct {
	BaseModel
	Username string `json:"username" gorm:"size:100;not null;uniqueIndex"`
	Email    string `json:"email" gorm:"size:255"`
	Role     string `json:"role" gorm:"size:50;not null;default:'accountant'"` // owner, admin, accountant, teacher, parent
	BranchID uint   `json:"branch_id" gorm:"not null"`
	Status   string `json:"status" gorm:"size:50;not null;default:'active'"` // active, inactive, suspended
}

// Notification is the persisted in-app notification
type Notification struct {
	BaseModel
	UserID   uint           `json:"user_id" gorm:"not null;index"`
	Title    string         `json:"title" gorm:"size:255;not null"`
	Message  string         `json:"message" gorm:"type:text"`
	Type     string         `json:"type" gorm:"size:50;default:'info'"` // info, success, warning, error
	Channels datatypes.JSON `json:"channels"`
	Data     datatypes.JSON `json:"data"`
	Read     bool           `json:"read" gorm:"default:false"`
	ReadAt   *time.Time     `json:"read_at"`
}

// All lists every persisted model in migration order
func All() []interface{} {
	return []interface{}{
		&Branch{},
		&AcademicSession{},
		&Section{},
		&Student{},
		&User{},
		&Notification{},
		&FeeHead{},
		&FeeTerm{},
		&ClasswiseFee{},
		&ConcessionType{},
		&ConcessionTypeFeeTerm{},
		&StudentConcession{},
		&ConcessionHistory{},
		&ConcessionApprovalSetting{},
		&PaymentRequest{},
		&PaymentRequestItem{},
		&PaymentGatewayTransaction{},
		&FeeCollection{},
		&FeeCollectionItem{},
		&ReceiptCounter{},
		&PaymentLink{},
		&WebhookEvent{},
		&ReconciliationException{},
		&WebhookArchive{},
	}
}
