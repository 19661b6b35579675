package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// Payment request / gateway transaction states.
const (
	PaymentStatusPending   = "PENDING"
	PaymentStatusInitiated = "INITIATED"
	PaymentStatusSuccess   = "SUCCESS"
	PaymentStatusFailed    = "FAILED"
	PaymentStatusCancelled = "CANCELLED"
	PaymentStatusExpired   = "EXPIRED"
)

// IsTerminalPaymentStatus reports whether no further transition is allowed
func IsTerminalPaymentStatus(status string) bool {
	switch status {
	case PaymentStatusSuccess, PaymentStatusFailed, PaymentStatusCancelled, PaymentStatusExpired:
		return true
	}
	return false
}

// effectivePaymentStatus applies read-time expiry
func effectivePaymentStatus(status string, expiresAt, now time.Time) string {
	if !IsTerminalPaymentStatus(status) && !expiresAt.IsZero() && now.After(expiresAt) {
		return PaymentStatusExpired
	}
	return status
}

// PaymentRequest is an outbound request to collect money through a gateway.
// Financial rows are never deleted, so there is no DeletedAt.
type PaymentRequest struct {
	ID            uint            `json:"id" gorm:"primaryKey"`
	BranchID      uint            `json:"branch_id" gorm:"not null;index"`
	SessionID     uint            `json:"session_id" gorm:"not null;index"`
	StudentID     uint            `json:"student_id" gorm:"not null;index"`
	FeeTermID     uint            `json:"fee_term_id" gorm:"not null;index"`
	Amount        decimal.Decimal `json:"amount" gorm:"type:decimal(12,2);not null"`
	Currency      string          `json:"currency" gorm:"size:3;not null;default:'INR'"`
	Gateway       string          `json:"gateway" gorm:"size:30;not null"`
	BuyerName     string          `json:"buyer_name" gorm:"size:200"`
	BuyerEmail    string          `json:"buyer_email" gorm:"size:255"`
	BuyerPhone    string          `json:"buyer_phone" gorm:"size:20"`
	Status        string          `json:"status" gorm:"size:20;not null;default:'PENDING';index"`
	FailureReason string          `json:"failure_reason" gorm:"size:500"`
	ExpiresAt     time.Time       `json:"expires_at" gorm:"not null;index"`
	CreatedBy     uint            `json:"created_by"`
	CancelledAt   *time.Time      `json:"cancelled_at"`
	CompletedAt   *time.Time      `json:"completed_at"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`

	Items        []PaymentRequestItem        `json:"items,omitempty" gorm:"foreignKey:PaymentRequestID"`
	Transactions []PaymentGatewayTransaction `json:"transactions,omitempty" gorm:"foreignKey:PaymentRequestID"`
}

// EffectiveStatus returns EXPIRED for overdue non-terminal requests even before the sweep persists it
func (p PaymentRequest) EffectiveStatus(now time.Time) string {
	return effectivePaymentStatus(p.Status, p.ExpiresAt, now)
}

// PaymentRequestItem is the immutable fee-line snapshot captured at creation
type PaymentRequestItem struct {
	ID               uint            `json:"id" gorm:"primaryKey"`
	PaymentRequestID uint            `json:"payment_request_id" gorm:"not null;index"`
	FeeHeadID        uint            `json:"fee_head_id" gorm:"not null"`
	FeeHeadName      string          `json:"fee_head_name" gorm:"size:150"`
	Amount           decimal.Decimal `json:"amount" gorm:"type:decimal(12,2);not null"`
	CreatedAt        time.Time       `json:"created_at"`
}

// PaymentGatewayTransaction is the provider-side attempt for a request
type PaymentGatewayTransaction struct {
	ID               uint            `json:"id" gorm:"primaryKey"`
	PaymentRequestID uint            `json:"payment_request_id" gorm:"not null;index"`
	Gateway          string          `json:"gateway" gorm:"size:30;not null"`
	GatewayOrderID   *string         `json:"gateway_order_id" gorm:"size:100;uniqueIndex"`
	GatewayPaymentID string          `json:"gateway_payment_id" gorm:"size:100"`
	Amount           decimal.Decimal `json:"amount" gorm:"type:decimal(12,2);not null"`
	Currency         string          `json:"currency" gorm:"size:3;not null;default:'INR'"`
	Status           string          `json:"status" gorm:"size:20;not null;default:'PENDING';index"`
	FailureReason    string          `json:"failure_reason" gorm:"size:500"`
	PaidAt           *time.Time      `json:"paid_at"`
	ExpiresAt        time.Time       `json:"expires_at"`
	RawResponse      datatypes.JSON  `json:"raw_response,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`

	FeeCollection *FeeCollection `json:"fee_collection,omitempty" gorm:"foreignKey:GatewayTransactionID"`
}

// EffectiveStatus applies read-time expiry
func (t PaymentGatewayTransaction) EffectiveStatus(now time.Time) string {
	return effectivePaymentStatus(t.Status, t.ExpiresAt, now)
}

// Payment modes for collections.
const (
	PaymentModeCash         = "CASH"
	PaymentModeCheque       = "CHEQUE"
	PaymentModeBankTransfer = "BANK_TRANSFER"
	PaymentModeUPI          = "UPI"
	PaymentModeCard         = "CARD"
	PaymentModeOnline       = "ONLINE"
)

// FeeCollection is the canonical record of money received.
// GatewayTransactionID nil means a counter (manual) collection.
type FeeCollection struct {
	ID                   uint            `json:"id" gorm:"primaryKey"`
	BranchID             uint            `json:"branch_id" gorm:"not null;index"`
	SessionID            uint            `json:"session_id" gorm:"not null;index"`
	StudentID            uint            `json:"student_id" gorm:"not null;index"`
	FeeTermID            uint            `json:"fee_term_id" gorm:"not null;index"`
	ReceiptNo            string          `json:"receipt_no" gorm:"size:50;not null;uniqueIndex"`
	TotalAmount          decimal.Decimal `json:"total_amount" gorm:"type:decimal(12,2);not null"`
	PaidAmount           decimal.Decimal `json:"paid_amount" gorm:"type:decimal(12,2);not null"`
	PaymentMode          string          `json:"payment_mode" gorm:"size:20;not null"`
	PaymentDate          time.Time       `json:"payment_date" gorm:"not null;index"`
	ReferenceNo          string          `json:"reference_no" gorm:"size:100"`
	Remarks              string          `json:"remarks" gorm:"size:500"`
	CollectedBy          *uint           `json:"collected_by"`
	GatewayTransactionID *uint           `json:"gateway_transaction_id" gorm:"uniqueIndex"`
	CreatedAt            time.Time       `json:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at"`

	Items []FeeCollectionItem `json:"items,omitempty" gorm:"foreignKey:FeeCollectionID"`
}

// IsGateway reports whether the collection originated from an online payment
func (c FeeCollection) IsGateway() bool { return c.GatewayTransactionID != nil }

// FeeCollectionItem is one fee line of a collection
type FeeCollectionItem struct {
	ID               uint            `json:"id" gorm:"primaryKey"`
	FeeCollectionID  uint            `json:"fee_collection_id" gorm:"not null;index"`
	FeeTermID        uint            `json:"fee_term_id" gorm:"not null;index"`
	FeeHeadID        uint            `json:"fee_head_id" gorm:"not null;index"`
	Amount           decimal.Decimal `json:"amount" gorm:"type:decimal(12,2);not null"`
	OriginalAmount   decimal.Decimal `json:"original_amount" gorm:"type:decimal(12,2)"`
	ConcessionAmount decimal.Decimal `json:"concession_amount" gorm:"type:decimal(12,2)"`
	CreatedAt        time.Time       `json:"created_at"`
}

// ReceiptCounter hands out receipt sequence numbers per branch and month
type ReceiptCounter struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	BranchID  uint      `json:"branch_id" gorm:"not null;uniqueIndex:idx_receipt_counter_period"`
	Period    string    `json:"period" gorm:"size:6;not null;uniqueIndex:idx_receipt_counter_period"` // YYYYMM
	LastValue int64     `json:"last_value" gorm:"not null;default:0"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PaymentLink is a shareable token that lists a student's unpaid terms at access time
type PaymentLink struct {
	BaseModel
	BranchID       uint       `json:"branch_id" gorm:"not null;index"`
	SessionID      uint       `json:"session_id" gorm:"not null"`
	StudentID      uint       `json:"student_id" gorm:"not null;index"`
	Token          string     `json:"token" gorm:"size:64;not null;uniqueIndex"`
	ExpiresAt      time.Time  `json:"expires_at" gorm:"not null"`
	IsActive       bool       `json:"is_active" gorm:"default:true"`
	CreatedBy      uint       `json:"created_by"`
	AccessCount    int        `json:"access_count" gorm:"default:0"`
	LastAccessedAt *time.Time `json:"last_accessed_at"`
}

// WebhookEvent is the audit trail of gateway deliveries
type WebhookEvent struct {
	ID          uint           `json:"id" gorm:"primaryKey"`
	Gateway     string         `json:"gateway" gorm:"size:30;not null;uniqueIndex:idx_webhook_event"`
	EventID     string         `json:"event_id" gorm:"size:150;not null;uniqueIndex:idx_webhook_event"`
	EventType   string         `json:"event_type" gorm:"size:50"`
	OrderID     string         `json:"order_id" gorm:"size:100;index"`
	Payload     datatypes.JSON `json:"payload"`
	Deliveries  int            `json:"deliveries" gorm:"default:1"`
	ProcessedAt *time.Time     `json:"processed_at"`
	Error       string         `json:"error" gorm:"size:500"`
	ArchivedAt  *time.Time     `json:"archived_at" gorm:"index"`
	CreatedAt   time.Time      `json:"created_at" gorm:"index"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Reconciliation exception kinds and states.
const (
	ExceptionMissingCollection = "MISSING_COLLECTION"
	ExceptionAmountMismatch    = "AMOUNT_MISMATCH"
	ExceptionLateSuccess       = "LATE_SUCCESS"

	ExceptionStatusOpen     = "OPEN"
	ExceptionStatusResolved = "RESOLVED"
)

// ReconciliationException flags captured money that has no matching ledger entry
type ReconciliationException struct {
	ID                   uint                `json:"id" gorm:"primaryKey"`
	BranchID             uint                `json:"branch_id" gorm:"not null;index"`
	GatewayTransactionID uint                `json:"gateway_transaction_id" gorm:"not null;index"`
	PaymentRequestID     uint                `json:"payment_request_id" gorm:"not null;index"`
	Kind                 string              `json:"kind" gorm:"size:30;not null"`
	GatewayPaymentID     string              `json:"gateway_payment_id" gorm:"size:100"`
	CapturedAmount       decimal.NullDecimal `json:"captured_amount" gorm:"type:decimal(12,2)"`
	Detail               string              `json:"detail" gorm:"size:1000"`
	Status               string              `json:"status" gorm:"size:20;not null;default:'OPEN';index"`
	ResolvedBy           *uint               `json:"resolved_by"`
	ResolvedAt           *time.Time          `json:"resolved_at"`
	ResolutionNote       string              `json:"resolution_note" gorm:"size:500"`
	FeeCollectionID      *uint               `json:"fee_collection_id"`
	CreatedAt            time.Time           `json:"created_at"`
	UpdatedAt            time.Time           `json:"updated_at"`
}

// WebhookArchive records one batch of webhook events moved to object storage
type WebhookArchive struct {
	BaseModel
	FileName    string    `json:"file_name" gorm:"size:255;not null"`
	StorageKey  string    `json:"storage_key" gorm:"size:500;not null"`
	FromDate    time.Time `json:"from_date"`
	ToDate      time.Time `json:"to_date"`
	RecordCount int       `json:"record_count"`
	FileSize    int64     `json:"file_size"`
}
