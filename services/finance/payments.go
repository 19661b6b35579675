package finance

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"schoolfees_go/models"
	"schoolfees_go/services/gateway"
	"schoolfees_go/utils"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Buyer is the payer contact passed to the gateway
type Buyer struct {
	Name  string `json:"name" validate:"max=200"`
	Email string `json:"email" validate:"omitempty,email"`
	Phone string `json:"phone" validate:"max=20"`
}

// PaymentRequestInput opens an online payment for one student and term
type PaymentRequestInput struct {
	BranchID    uint        `json:"branch_id"`
	SessionID   uint        `json:"session_id" validate:"required"`
	StudentID   uint        `json:"student_id" validate:"required"`
	FeeTermID   uint        `json:"fee_term_id" validate:"required"`
	Gateway     string      `json:"gateway"`
	Fees        []FeeAmount `json:"fees" validate:"required,min=1,dive"`
	Buyer       Buyer       `json:"buyer"`
	ExpiryHours int         `json:"expiry_hours" validate:"omitempty,min=1,max=72"`
	CreatedBy   uint        `json:"-"`
}

// PaymentRequestResult is handed to the client to open the gateway checkout
type PaymentRequestResult struct {
	PaymentRequestID uint                   `json:"payment_request_id"`
	TransactionID    uint                   `json:"transaction_id"`
	Gateway          string                 `json:"gateway"`
	GatewayOrderID   string                 `json:"gateway_order_id"`
	Amount           decimal.Decimal        `json:"amount"`
	Currency         string                 `json:"currency"`
	CheckoutPayload  map[string]interface{} `json:"checkout_payload"`
	ExpiresAt        time.Time              `json:"expires_at"`
}

// CreatePaymentRequest validates everything before writing, stores the request and its
// transaction as PENDING, then opens the gateway order. A gateway rejection marks both
// FAILED and is returned as an external error.
func (s *Service) CreatePaymentRequest(ctx context.Context, in PaymentRequestInput) (*PaymentRequestResult, error) {
	hours := in.ExpiryHours
	if hours == 0 {
		hours = s.defaultExpiryHours
	}
	if hours < 1 || hours > MaxExpiryHours {
		return nil, validationf("Expiry hours must be between 1 and %d", MaxExpiryHours)
	}

	gw, err := s.gateways.Get(in.Gateway)
	if err != nil {
		return nil, validationf("Unknown payment gateway %q", in.Gateway)
	}

	db := s.dbc(ctx)
	student, err := s.loadStudent(db, in.StudentID, in.BranchID)
	if err != nil {
		return nil, err
	}
	if student.SessionID != in.SessionID {
		return nil, validationf("Student does not belong to this session")
	}
	term, err := s.loadTerm(db, in.FeeTermID, in.BranchID, in.SessionID)
	if err != nil {
		return nil, err
	}
	heads, total, err := s.validateFeeLines(db, term, in.Fees, true)
	if err != nil {
		return nil, err
	}
	if !total.IsPositive() {
		return nil, validationf("Total amount must be greater than 0")
	}
	if !gw.IsConfigured() {
		return nil, preconditionf("Payment gateway %s is not configured", gw.Name())
	}

	now := s.clock()
	expiresAt := now.Add(time.Duration(hours) * time.Hour)
	buyerName := strings.TrimSpace(in.Buyer.Name)
	if buyerName == "" {
		buyerName = student.GuardianName
	}
	if buyerName == "" {
		buyerName = student.FullName()
	}
	buyerEmail := firstNonEmpty(in.Buyer.Email, student.GuardianEmail)
	buyerPhone := firstNonEmpty(in.Buyer.Phone, student.GuardianPhone)

	req := models.PaymentRequest{
		BranchID:   in.BranchID,
		SessionID:  in.SessionID,
		StudentID:  student.ID,
		FeeTermID:  term.ID,
		Amount:     total.Round(2),
		Currency:   s.currency,
		Gateway:    gw.Name(),
		BuyerName:  buyerName,
		BuyerEmail: buyerEmail,
		BuyerPhone: buyerPhone,
		Status:     models.PaymentStatusPending,
		ExpiresAt:  expiresAt,
		CreatedBy:  in.CreatedBy,
	}
	for _, f := range in.Fees {
		req.Items = append(req.Items, models.PaymentRequestItem{
			FeeHeadID:   f.FeeHeadID,
			FeeHeadName: heads[f.FeeHeadID].Name,
			Amount:      f.Amount.Round(2),
		})
	}
	txn := models.PaymentGatewayTransaction{
		Gateway:   gw.Name(),
		Amount:    req.Amount,
		Currency:  req.Currency,
		Status:    models.PaymentStatusPending,
		ExpiresAt: expiresAt,
	}

	err = db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&req).Error; err != nil {
			return err
		}
		txn.PaymentRequestID = req.ID
		return tx.Create(&txn).Error
	})
	if err != nil {
		return nil, internal(err, "create payment request")
	}

	ctx = utils.WithFields(ctx, logrus.Fields{
		"payment_request_id": req.ID,
		"transaction_id":     txn.ID,
		"gateway":            gw.Name(),
	})
	log := utils.Logger(ctx)

	order, orderErr := gw.CreateOrder(ctx, gateway.OrderRequest{
		Amount:   req.Amount,
		Currency: req.Currency,
		Receipt:  fmt.Sprintf("PR%d-T%d", req.ID, txn.ID),
		Customer: gateway.Customer{
			ID:    fmt.Sprintf("STU%d", student.ID),
			Name:  buyerName,
			Email: buyerEmail,
			Phone: buyerPhone,
		},
		Notes: map[string]string{
			"payment_request_id": fmt.Sprint(req.ID),
			"student_id":         fmt.Sprint(student.ID),
			"branch_id":          fmt.Sprint(req.BranchID),
			"fee_term_id":        fmt.Sprint(term.ID),
		},
	})
	if orderErr != nil {
		reason := orderErr.Error()
		var oe *gateway.OrderError
		if errors.As(orderErr, &oe) {
			reason = oe.Message
		}
		log.WithError(orderErr).Warn("gateway rejected payment order")
		if err := s.failRequest(s.db.WithContext(context.WithoutCancel(ctx)), req.ID, txn.ID, "", reason); err != nil {
			log.WithError(err).Error("failed to mark payment request as failed")
		}
		req.Status = models.PaymentStatusFailed
		s.notifier.PaymentFailed(ctx, req, reason)
		return nil, external(orderErr, "Payment gateway could not create the order: "+reason)
	}

	orderID := order.ID
	log = log.WithField("gateway_order_id", orderID)
	detached := s.db.WithContext(context.WithoutCancel(ctx))
	err = markInitiated(db, req.ID, txn.ID, order)
	if err != nil {
		log.WithError(err).Warn("retrying payment order bookkeeping")
		err = markInitiated(detached, req.ID, txn.ID, order)
	}
	if err != nil {
		// the order exists at the gateway; keep its id so a late capture still matches
		log.WithError(err).Error("gateway order created but payment request could not be marked initiated")
		reason := fmt.Sprintf("gateway order %s could not be recorded", orderID)
		if ferr := s.failRequest(detached, req.ID, txn.ID, orderID, reason); ferr != nil {
			log.WithError(ferr).Error("failed to mark payment request as failed")
		}
		req.Status = models.PaymentStatusFailed
		s.notifier.PaymentFailed(ctx, req, reason)
		return nil, internal(err, "mark payment request initiated")
	}

	log.Info("payment order created")
	return &PaymentRequestResult{
		PaymentRequestID: req.ID,
		TransactionID:    txn.ID,
		Gateway:          gw.Name(),
		GatewayOrderID:   orderID,
		Amount:           req.Amount,
		Currency:         req.Currency,
		CheckoutPayload:  order.CheckoutPayload,
		ExpiresAt:        expiresAt,
	}, nil
}

func markInitiated(db *gorm.DB, requestID, txnID uint, order *gateway.Order) error {
	return db.Transaction(func(tx *gorm.DB) error {
		updates := map[string]interface{}{
			"status":           models.PaymentStatusInitiated,
			"gateway_order_id": order.ID,
		}
		if len(order.Raw) > 0 {
			updates["raw_response"] = datatypes.JSON(order.Raw)
		}
		if err := tx.Model(&models.PaymentGatewayTransaction{}).Where("id = ?", txnID).Updates(updates).Error; err != nil {
			return err
		}
		return tx.Model(&models.PaymentRequest{}).Where("id = ?", requestID).Update("status", models.PaymentStatusInitiated).Error
	})
}

// failRequest marks the pair FAILED; records are kept for audit
func (s *Service) failRequest(db *gorm.DB, requestID, txnID uint, orderID, reason string) error {
	now := s.clock()
	reason = truncate(reason, 500)
	return db.Transaction(func(tx *gorm.DB) error {
		updates := map[string]interface{}{
			"status":         models.PaymentStatusFailed,
			"failure_reason": reason,
		}
		if orderID != "" {
			updates["gateway_order_id"] = orderID
		}
		if err := tx.Model(&models.PaymentGatewayTransaction{}).Where("id = ?", txnID).Updates(updates).Error; err != nil {
			return err
		}
		return tx.Model(&models.PaymentRequest{}).Where("id = ?", requestID).Updates(map[string]interface{}{
			"status":         models.PaymentStatusFailed,
			"failure_reason": reason,
			"completed_at":   now,
		}).Error
	})
}

// CancelPaymentRequest cancels a PENDING or INITIATED request together with all of its
// open transactions.
func (s *Service) CancelPaymentRequest(ctx context.Context, id uint, actor Actor) (*models.PaymentRequest, error) {
	now := s.clock()
	var req models.PaymentRequest
	err := s.dbc(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&req, id).Error; err != nil {
			return notFoundOr(err, "Payment request", "load payment request")
		}
		if !actor.canAccess(req.BranchID) {
			return notFoundf("Payment request not found")
		}
		switch status := req.EffectiveStatus(now); status {
		case models.PaymentStatusPending, models.PaymentStatusInitiated:
		case models.PaymentStatusSuccess:
			return conflictf("Cannot cancel a payment that has already succeeded")
		default:
			return conflictf("Payment request is already %s", strings.ToLower(status))
		}

		if err := tx.Model(&models.PaymentGatewayTransaction{}).
			Where("payment_request_id = ? AND status IN ?", req.ID, []string{models.PaymentStatusPending, models.PaymentStatusInitiated}).
			Updates(map[string]interface{}{
				"status":         models.PaymentStatusCancelled,
				"failure_reason": "cancelled",
			}).Error; err != nil {
			return err
		}
		return tx.Model(&req).Updates(map[string]interface{}{
			"status":       models.PaymentStatusCancelled,
			"cancelled_at": now,
		}).Error
	})
	if err != nil {
		return nil, internal(err, "cancel payment request")
	}
	utils.Logger(ctx).WithFields(logrus.Fields{
		"payment_request_id": req.ID,
		"cancelled_by":       actor.UserID,
	}).Info("payment request cancelled")
	return s.GetPaymentRequest(ctx, id, actor)
}

// GetPaymentRequest loads a request with items and transactions; expired rows read as EXPIRED
func (s *Service) GetPaymentRequest(ctx context.Context, id uint, actor Actor) (*models.PaymentRequest, error) {
	var req models.PaymentRequest
	err := s.dbc(ctx).Preload("Items").Preload("Transactions", func(db *gorm.DB) *gorm.DB {
		return db.Order("id ASC")
	}).First(&req, id).Error
	if err != nil {
		return nil, notFoundOr(err, "Payment request", "load payment request")
	}
	if !actor.canAccess(req.BranchID) {
		return nil, notFoundf("Payment request not found")
	}
	s.applyExpiry(&req)
	return &req, nil
}

func (s *Service) applyExpiry(req *models.PaymentRequest) {
	now := s.clock()
	req.Status = req.EffectiveStatus(now)
	for i := range req.Transactions {
		req.Transactions[i].Status = req.Transactions[i].EffectiveStatus(now)
	}
}

// PaymentRequestFilter narrows ListPaymentRequests
type PaymentRequestFilter struct {
	BranchID  uint
	SessionID uint
	StudentID uint
	Status    string
	Page      int
	Limit     int
}

// ListPaymentRequests pages requests newest first. Status filters honour read-time expiry.
func (s *Service) ListPaymentRequests(ctx context.Context, f PaymentRequestFilter) ([]models.PaymentRequest, int64, error) {
	now := s.clock()
	open := []string{models.PaymentStatusPending, models.PaymentStatusInitiated}

	q := s.dbc(ctx).Model(&models.PaymentRequest{}).Scopes(inBranch(f.BranchID))
	if f.SessionID != 0 {
		q = q.Where("session_id = ?", f.SessionID)
	}
	if f.StudentID != 0 {
		q = q.Where("student_id = ?", f.StudentID)
	}
	switch status := strings.ToUpper(f.Status); status {
	case "":
	case models.PaymentStatusExpired:
		q = q.Where("(status = ? OR (status IN ? AND expires_at < ?))", models.PaymentStatusExpired, open, now)
	case models.PaymentStatusPending, models.PaymentStatusInitiated:
		q = q.Where("status = ? AND expires_at >= ?", status, now)
	default:
		q = q.Where("status = ?", status)
	}

	q = q.Session(&gorm.Session{})

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, internal(err, "count payment requests")
	}

	page, limit := f.Page, f.Limit
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 100 {
		limit = 20
	}
	var reqs []models.PaymentRequest
	if err := q.Preload("Items").Order("id DESC").Offset((page - 1) * limit).Limit(limit).Find(&reqs).Error; err != nil {
		return nil, 0, internal(err, "list payment requests")
	}
	for i := range reqs {
		s.applyExpiry(&reqs[i])
	}
	return reqs, total, nil
}

// ExpireStalePayments persists EXPIRED for open requests and transactions past their expiry
func (s *Service) ExpireStalePayments(ctx context.Context) (int64, error) {
	now := s.clock()
	open := []string{models.PaymentStatusPending, models.PaymentStatusInitiated}
	var expired int64
	err := s.dbc(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.PaymentGatewayTransaction{}).
			Where("status IN ? AND expires_at < ?", open, now).
			Updates(map[string]interface{}{"status": models.PaymentStatusExpired, "failure_reason": "expired"}).Error; err != nil {
			return err
		}
		res := tx.Model(&models.PaymentRequest{}).
			Where("status IN ? AND expires_at < ?", open, now).
			Updates(map[string]interface{}{"status": models.PaymentStatusExpired, "completed_at": now})
		expired = res.RowsAffected
		return res.Error
	})
	if err != nil {
		return 0, internal(err, "expire stale payments")
	}
	if expired > 0 {
		utils.Logger(ctx).WithField("count", expired).Info("expired stale payment requests")
	}
	return expired, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

// truncate cuts s to at most n bytes without splitting a rune
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
