package finance

import (
	"context"
	"fmt"
	"time"

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

// Outcome of advancing a transaction
const (
	OutcomeCollected = "COLLECTED"
	OutcomeFailed    = "FAILED"
	OutcomeExpired   = "EXPIRED"
	OutcomeDuplicate = "DUPLICATE"
	OutcomeException = "EXCEPTION"
	OutcomeIgnored   = "IGNORED"
)

// AdvanceResult describes what a gateway event did to the ledger
type AdvanceResult struct {
	Outcome          string `json:"outcome"`
	PaymentRequestID uint   `json:"payment_request_id,omitempty"`
	TransactionID    uint   `json:"transaction_id,omitempty"`
	FeeCollectionID  uint   `json:"fee_collection_id,omitempty"`
	ReceiptNo        string `json:"receipt_no,omitempty"`
	ExceptionID      uint   `json:"exception_id,omitempty"`
}

type capture struct {
	paymentID string
	amount    decimal.Decimal // zero when the caller does not know the captured amount
}

// HandleWebhook verifies and parses a gateway delivery, records it, then advances the
// transaction. Repeat deliveries are no-ops.
func (s *Service) HandleWebhook(ctx context.Context, gatewayName string, req gateway.WebhookRequest) (*AdvanceResult, error) {
	gw, err := s.gateways.Get(gatewayName)
	if err != nil {
		return nil, notFoundf("Unknown payment gateway %q", gatewayName)
	}
	log := utils.Logger(ctx).WithField("gateway", gw.Name())

	ev, err := gw.ParseWebhook(req)
	switch {
	case err == nil:
	case errors.Is(err, gateway.ErrUnsupportedEvent):
		log.WithError(err).Info("ignoring unsupported gateway event")
		return &AdvanceResult{Outcome: OutcomeIgnored}, nil
	case errors.Is(err, gateway.ErrInvalidSignature):
		log.Warn("webhook signature verification failed")
		return nil, external(err, "Invalid webhook signature")
	case errors.Is(err, gateway.ErrNotConfigured):
		return nil, preconditionf("Payment gateway %s is not configured", gw.Name())
	default:
		return nil, validationf("Malformed webhook payload")
	}

	ctx = utils.WithFields(ctx, logrus.Fields{
		"gateway":          gw.Name(),
		"gateway_order_id": ev.OrderRef(),
		"event_id":         ev.ID(),
	})

	event, already, err := s.recordWebhookEvent(ctx, gw.Name(), ev, req.Body)
	if err != nil {
		return nil, err
	}
	if already {
		utils.Logger(ctx).Info("webhook event already processed")
		return &AdvanceResult{Outcome: OutcomeDuplicate}, nil
	}

	res, advErr := s.AdvanceTransaction(ctx, gw.Name(), ev)

	updates := map[string]interface{}{"error": ""}
	if advErr != nil {
		updates["error"] = truncate(advErr.Error(), 500)
	} else {
		updates["processed_at"] = s.clock()
	}
	if err := s.dbc(ctx).Model(&models.WebhookEvent{}).Where("id = ?", event.ID).Updates(updates).Error; err != nil {
		utils.Logger(ctx).WithError(err).Error("failed to update webhook event")
	}
	return res, advErr
}

// recordWebhookEvent stores the delivery; already is true when the same event was processed before
func (s *Service) recordWebhookEvent(ctx context.Context, gatewayName string, ev gateway.Event, body []byte) (*models.WebhookEvent, bool, error) {
	db := s.dbc(ctx)
	event := models.WebhookEvent{
		Gateway:    gatewayName,
		EventID:    truncate(ev.ID(), 150),
		EventType:  ev.Kind(),
		OrderID:    ev.OrderRef(),
		Payload:    datatypes.JSON(body),
		Deliveries: 1,
	}
	res := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&event)
	if res.Error != nil {
		return nil, false, internal(res.Error, "record webhook event")
	}
	if res.RowsAffected > 0 {
		return &event, false, nil
	}

	if err := db.Where("gateway = ? AND event_id = ?", event.Gateway, event.EventID).First(&event).Error; err != nil {
		return nil, false, internal(err, "load webhook event")
	}
	if err := db.Model(&event).UpdateColumn("deliveries", gorm.Expr("deliveries + 1")).Error; err != nil {
		return nil, false, internal(err, "count webhook delivery")
	}
	return &event, event.ProcessedAt != nil, nil
}

// ConfirmCheckout is the client callback path: the signature returned by the checkout is
// verified and the transaction advanced exactly like a captured webhook.
func (s *Service) ConfirmCheckout(ctx context.Context, gatewayName, orderID, paymentID, signature string) (*AdvanceResult, error) {
	gw, err := s.gateways.Get(gatewayName)
	if err != nil {
		return nil, validationf("Unknown payment gateway %q", gatewayName)
	}
	if orderID == "" || paymentID == "" {
		return nil, validationf("Order id and payment id are required")
	}
	if !gw.VerifySignature(orderID, paymentID, signature) {
		utils.Logger(ctx).WithField("gateway_order_id", orderID).Warn("checkout signature verification failed")
		return nil, external(gateway.ErrInvalidSignature, "Payment verification failed")
	}
	txn, err := s.transactionByOrder(s.dbc(ctx), gw.Name(), orderID)
	if err != nil {
		return nil, err
	}
	return s.captureTransaction(ctx, txn.ID, capture{paymentID: paymentID})
}

// AdvanceTransaction applies a verified gateway event to its transaction
func (s *Service) AdvanceTransaction(ctx context.Context, gatewayName string, ev gateway.Event) (*AdvanceResult, error) {
	txn, err := s.transactionByOrder(s.dbc(ctx), gatewayName, ev.OrderRef())
	if err != nil {
		return nil, err
	}
	switch e := ev.(type) {
	case gateway.PaymentCaptured:
		return s.captureTransaction(ctx, txn.ID, capture{paymentID: e.PaymentID, amount: e.Amount})
	case gateway.PaymentFailed:
		return s.closeTransaction(ctx, txn.ID, models.PaymentStatusFailed, e.PaymentID, e.Reason)
	case gateway.OrderExpired:
		return s.closeTransaction(ctx, txn.ID, models.PaymentStatusExpired, "", "expired at gateway")
	default:
		return nil, validationf("Unsupported gateway event %q", ev.Kind())
	}
}

func (s *Service) transactionByOrder(db *gorm.DB, gatewayName, orderID string) (*models.PaymentGatewayTransaction, error) {
	var txn models.PaymentGatewayTransaction
	if err := db.Where("gateway = ? AND gateway_order_id = ?", gatewayName, orderID).First(&txn).Error; err != nil {
		if isNotFound(err) {
			return nil, notFoundf("Unknown payment order %q", orderID)
		}
		return nil, internal(err, "load transaction by order")
	}
	return &txn, nil
}

// captureTransaction moves the transaction and its request to SUCCESS and writes exactly
// one collection. The transaction row lock serialises concurrent deliveries and the unique
// gateway_transaction_id on fee_collections is the backstop.
func (s *Service) captureTransaction(ctx context.Context, txnID uint, cp capture) (*AdvanceResult, error) {
	now := s.clock()
	res := &AdvanceResult{TransactionID: txnID}
	var (
		req       models.PaymentRequest
		col       models.FeeCollection
		exception *models.ReconciliationException
	)

	err := s.dbc(ctx).Transaction(func(tx *gorm.DB) error {
		var txn models.PaymentGatewayTransaction
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&txn, txnID).Error; err != nil {
			return err
		}
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Preload("Items").First(&req, txn.PaymentRequestID).Error; err != nil {
			return err
		}
		res.PaymentRequestID = req.ID

		if txn.Status == models.PaymentStatusSuccess {
			res.Outcome = OutcomeDuplicate
			return nil
		}

		captured := cp.amount
		if captured.IsZero() {
			captured = txn.Amount
		}

		txnStatus, reqStatus := txn.EffectiveStatus(now), req.EffectiveStatus(now)
		if models.IsTerminalPaymentStatus(txnStatus) || models.IsTerminalPaymentStatus(reqStatus) {
			// money captured after the request was closed locally must not vanish
			if txnStatus == models.PaymentStatusExpired && txn.Status != models.PaymentStatusExpired {
				if err := expirePair(tx, txn.ID, req.ID, now); err != nil {
					return err
				}
			}
			detail := fmt.Sprintf("payment %s captured %s %s while transaction was %s and request was %s",
				cp.paymentID, captured.StringFixed(2), txn.Currency, txnStatus, reqStatus)
			ex, err := openException(tx, txn, req.BranchID, models.ExceptionLateSuccess, cp.paymentID, captured, detail)
			if err != nil {
				return err
			}
			exception = ex
			res.Outcome = OutcomeException
			res.ExceptionID = ex.ID
			return nil
		}

		txn.GatewayPaymentID = cp.paymentID
		if err := settlePair(tx, &txn, &req, now); err != nil {
			return err
		}

		if !captured.Equal(txn.Amount) {
			detail := fmt.Sprintf("gateway captured %s but the request was for %s", captured.StringFixed(2), txn.Amount.StringFixed(2))
			ex, err := openException(tx, txn, req.BranchID, models.ExceptionAmountMismatch, cp.paymentID, captured, detail)
			if err != nil {
				return err
			}
			exception = ex
			res.Outcome = OutcomeException
			res.ExceptionID = ex.ID
			return nil
		}

		created, err := s.createGatewayCollection(tx, &req, &txn, now, &col)
		if err != nil {
			return err
		}
		res.FeeCollectionID = col.ID
		res.ReceiptNo = col.ReceiptNo
		if created {
			res.Outcome = OutcomeCollected
		} else {
			res.Outcome = OutcomeDuplicate
		}
		return nil
	})

	log := utils.Logger(ctx).WithFields(logrus.Fields{
		"transaction_id":     txnID,
		"payment_request_id": res.PaymentRequestID,
	})
	if err != nil {
		log.WithError(err).Error("failed to record captured payment")
		// the capture happened at the gateway; surface it for an operator
		s.recordMissingCollection(ctx, txnID, cp, err)
		return nil, internal(err, "capture transaction")
	}

	switch res.Outcome {
	case OutcomeCollected:
		log.WithFields(logrus.Fields{"fee_collection_id": col.ID, "receipt_no": col.ReceiptNo}).Info("gateway payment collected")
		s.notifier.PaymentCompleted(ctx, req, col)
	case OutcomeException:
		log.WithField("exception_id", res.ExceptionID).Warn("gateway payment needs reconciliation")
		s.notifier.ExceptionOpened(ctx, *exception)
	case OutcomeDuplicate:
		log.Info("duplicate capture ignored")
	}
	return res, nil
}

// createGatewayCollection writes the collection for a successful transaction from the request
// snapshot. created is false when one already exists.
func (s *Service) createGatewayCollection(tx *gorm.DB, req *models.PaymentRequest, txn *models.PaymentGatewayTransaction, paidAt time.Time, col *models.FeeCollection) (bool, error) {
	var existing models.FeeCollection
	err := tx.Where("gateway_transaction_id = ?", txn.ID).First(&existing).Error
	if err == nil {
		*col = existing
		return false, nil
	}
	if !isNotFound(err) {
		return false, err
	}

	var student models.Student
	if err := tx.Unscoped().First(&student, req.StudentID).Error; err != nil {
		return false, err
	}
	breakdown, err := s.lineBreakdown(tx, &student, req.FeeTermID, paidAt)
	if err != nil {
		return false, err
	}
	receiptNo, err := s.nextReceiptNo(tx, req.BranchID, paidAt)
	if err != nil {
		return false, err
	}

	lines := make([]FeeAmount, 0, len(req.Items))
	for _, it := range req.Items {
		lines = append(lines, FeeAmount{FeeHeadID: it.FeeHeadID, Amount: it.Amount})
	}
	*col = models.FeeCollection{
		BranchID:             req.BranchID,
		SessionID:            req.SessionID,
		StudentID:            req.StudentID,
		FeeTermID:            req.FeeTermID,
		ReceiptNo:            receiptNo,
		PaymentMode:          models.PaymentModeOnline,
		PaymentDate:          paidAt,
		ReferenceNo:          txn.GatewayPaymentID,
		Remarks:              fmt.Sprintf("%s order %s", txn.Gateway, derefString(txn.GatewayOrderID)),
		GatewayTransactionID: uintPtr(txn.ID),
	}
	if err := insertCollection(tx, col, req.FeeTermID, lines, breakdown); err != nil {
		return false, err
	}
	if col.ID == 0 {
		if err := tx.Where("gateway_transaction_id = ?", txn.ID).First(col).Error; err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

// closeTransaction applies a failure or expiry; terminal transactions are left untouched
func (s *Service) closeTransaction(ctx context.Context, txnID uint, status, paymentID, reason string) (*AdvanceResult, error) {
	now := s.clock()
	res := &AdvanceResult{TransactionID: txnID}
	var req models.PaymentRequest
	err := s.dbc(ctx).Transaction(func(tx *gorm.DB) error {
		var txn models.PaymentGatewayTransaction
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&txn, txnID).Error; err != nil {
			return err
		}
		res.PaymentRequestID = txn.PaymentRequestID
		if models.IsTerminalPaymentStatus(txn.Status) {
			res.Outcome = OutcomeDuplicate
			return nil
		}
		updates := map[string]interface{}{
			"status":         status,
			"failure_reason": truncate(reason, 500),
		}
		if paymentID != "" {
			updates["gateway_payment_id"] = paymentID
		}
		if err := tx.Model(&txn).Updates(updates).Error; err != nil {
			return err
		}

		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&req, txn.PaymentRequestID).Error; err != nil {
			return err
		}
		if !models.IsTerminalPaymentStatus(req.Status) {
			if err := tx.Model(&req).Updates(map[string]interface{}{
				"status":         status,
				"failure_reason": truncate(reason, 500),
				"completed_at":   now,
			}).Error; err != nil {
				return err
			}
			req.Status = status
		}
		if status == models.PaymentStatusFailed {
			res.Outcome = OutcomeFailed
		} else {
			res.Outcome = OutcomeExpired
		}
		return nil
	})
	if err != nil {
		return nil, internal(err, "close transaction")
	}
	if res.Outcome == OutcomeFailed {
		utils.Logger(ctx).WithFields(logrus.Fields{
			"transaction_id": txnID,
			"reason":         reason,
		}).Info("gateway payment failed")
		s.notifier.PaymentFailed(ctx, req, reason)
	}
	return res, nil
}

func expirePair(tx *gorm.DB, txnID, reqID uint, now time.Time) error {
	if err := tx.Model(&models.PaymentGatewayTransaction{}).Where("id = ? AND status IN ?", txnID,
		[]string{models.PaymentStatusPending, models.PaymentStatusInitiated}).
		Updates(map[string]interface{}{"status": models.PaymentStatusExpired, "failure_reason": "expired"}).Error; err != nil {
		return err
	}
	return tx.Model(&models.PaymentRequest{}).Where("id = ? AND status IN ?", reqID,
		[]string{models.PaymentStatusPending, models.PaymentStatusInitiated}).
		Updates(map[string]interface{}{"status": models.PaymentStatusExpired, "completed_at": now}).Error
}

// settlePair moves whichever of the transaction and request is still open to SUCCESS
func settlePair(tx *gorm.DB, txn *models.PaymentGatewayTransaction, req *models.PaymentRequest, paidAt time.Time) error {
	if !models.IsTerminalPaymentStatus(txn.Status) {
		if err := tx.Model(txn).Updates(map[string]interface{}{
			"status":             models.PaymentStatusSuccess,
			"gateway_payment_id": txn.GatewayPaymentID,
			"paid_at":            paidAt,
			"failure_reason":     "",
		}).Error; err != nil {
			return err
		}
		txn.Status = models.PaymentStatusSuccess
		txn.PaidAt = &paidAt
	}
	if !models.IsTerminalPaymentStatus(req.Status) {
		if err := tx.Model(req).Updates(map[string]interface{}{
			"status":       models.PaymentStatusSuccess,
			"completed_at": paidAt,
		}).Error; err != nil {
			return err
		}
		req.Status = models.PaymentStatusSuccess
	}
	return nil
}

// openException records a reconciliation exception unless an open one of the same kind exists
func openException(tx *gorm.DB, txn models.PaymentGatewayTransaction, branchID uint, kind, paymentID string, captured decimal.Decimal, detail string) (*models.ReconciliationException, error) {
	var ex models.ReconciliationException
	err := tx.Where("gateway_transaction_id = ? AND kind = ? AND status = ?", txn.ID, kind, models.ExceptionStatusOpen).First(&ex).Error
	if err == nil {
		return &ex, nil
	}
	if !isNotFound(err) {
		return nil, err
	}
	ex = models.ReconciliationException{
		BranchID:             branchID,
		GatewayTransactionID: txn.ID,
		PaymentRequestID:     txn.PaymentRequestID,
		Kind:                 kind,
		GatewayPaymentID:     paymentID,
		CapturedAmount:       decimal.NewNullDecimal(captured),
		Detail:               truncate(detail, 1000),
		Status:               models.ExceptionStatusOpen,
	}
	if err := tx.Create(&ex).Error; err != nil {
		return nil, err
	}
	return &ex, nil
}

// recordMissingCollection runs outside the failed transaction so the exception survives its rollback
func (s *Service) recordMissingCollection(ctx context.Context, txnID uint, cp capture, cause error) {
	db := s.db.WithContext(context.WithoutCancel(ctx))
	var txn models.PaymentGatewayTransaction
	if err := db.First(&txn, txnID).Error; err != nil {
		utils.Logger(ctx).WithError(err).Error("cannot load transaction for reconciliation exception")
		return
	}
	var req models.PaymentRequest
	if err := db.Select("id", "branch_id").First(&req, txn.PaymentRequestID).Error; err != nil {
		utils.Logger(ctx).WithError(err).Error("cannot load payment request for reconciliation exception")
		return
	}
	captured := cp.amount
	if captured.IsZero() {
		captured = txn.Amount
	}
	detail := fmt.Sprintf("payment %s captured but the collection could not be written: %v", cp.paymentID, cause)
	ex, err := openException(db, txn, req.BranchID, models.ExceptionMissingCollection, cp.paymentID, captured, detail)
	if err != nil {
		utils.Logger(ctx).WithError(err).Error("failed to record reconciliation exception")
		return
	}
	s.notifier.ExceptionOpened(ctx, *ex)
}

func derefString(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
