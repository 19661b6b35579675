package utils

import (
	"time"

	"schoolfees_go/models"

	"github.com/shopspring/decimal"
)

type NotificationDTO struct {
	ID        uint        `json:"id"`
	CreatedAt time.Time   `json:"created_at"`
	UserID    uint        `json:"user_id"`
	Title     string      `json:"title"`
	Message   string      `json:"message"`
	Type      string      `json:"type"`
	Data      interface{} `json:"data,omitempty"`
	Read      bool        `json:"read"`
	ReadAt    *time.Time  `json:"read_at,omitempty"`
}

// ToNotificationDTO maps a models.Notification to the compact DTO pushed over websockets
func ToNotificationDTO(n models.Notification) NotificationDTO {
	dto := NotificationDTO{
		ID:        n.ID,
		CreatedAt: n.CreatedAt,
		UserID:    n.UserID,
		Title:     n.Title,
		Message:   n.Message,
		Type:      n.Type,
		Read:      n.Read,
		ReadAt:    n.ReadAt,
	}
	if len(n.Data) > 0 {
		dto.Data = n.Data
	}
	return dto
}

// PaymentRequestDTO reports the effective status, so overdue requests read as EXPIRED
// before the sweep has persisted it
type PaymentRequestDTO struct {
	ID            uint                        `json:"id"`
	BranchID      uint                        `json:"branch_id"`
	StudentID     uint                        `json:"student_id"`
	FeeTermID     uint                        `json:"fee_term_id"`
	Amount        decimal.Decimal             `json:"amount"`
	Currency      string                      `json:"currency"`
	Gateway       string                      `json:"gateway"`
	Status        string                      `json:"status"`
	FailureReason string                      `json:"failure_reason,omitempty"`
	ExpiresAt     time.Time                   `json:"expires_at"`
	CreatedAt     time.Time                   `json:"created_at"`
	CompletedAt   *time.Time                  `json:"completed_at,omitempty"`
	CancelledAt   *time.Time                  `json:"cancelled_at,omitempty"`
	Items         []models.PaymentRequestItem `json:"items,omitempty"`
	Transactions  []TransactionDTO            `json:"transactions,omitempty"`
}

type TransactionDTO struct {
	ID               uint            `json:"id"`
	Gateway          string          `json:"gateway"`
	GatewayOrderID   string          `json:"gateway_order_id,omitempty"`
	GatewayPaymentID string          `json:"gateway_payment_id,omitempty"`
	Amount           decimal.Decimal `json:"amount"`
	Status           string          `json:"status"`
	FailureReason    string          `json:"failure_reason,omitempty"`
	PaidAt           *time.Time      `json:"paid_at,omitempty"`
}

func ToPaymentRequestDTO(req models.PaymentRequest, now time.Time) PaymentRequestDTO {
	dto := PaymentRequestDTO{
		ID:            req.ID,
		BranchID:      req.BranchID,
		StudentID:     req.StudentID,
		FeeTermID:     req.FeeTermID,
		Amount:        req.Amount,
		Currency:      req.Currency,
		Gateway:       req.Gateway,
		Status:        req.EffectiveStatus(now),
		FailureReason: req.FailureReason,
		ExpiresAt:     req.ExpiresAt,
		CreatedAt:     req.CreatedAt,
		CompletedAt:   req.CompletedAt,
		CancelledAt:   req.CancelledAt,
		Items:         req.Items,
	}
	for _, t := range req.Transactions {
		dto.Transactions = append(dto.Transactions, TransactionDTO{
			ID:               t.ID,
			Gateway:          t.Gateway,
			GatewayOrderID:   derefString(t.GatewayOrderID),
			GatewayPaymentID: t.GatewayPaymentID,
			Amount:           t.Amount,
			Status:           t.EffectiveStatus(now),
			FailureReason:    t.FailureReason,
			PaidAt:           t.PaidAt,
		})
	}
	return dto
}

func derefString(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
