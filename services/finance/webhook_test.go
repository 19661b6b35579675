package finance

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"schoolfees_go/models"
	"schoolfees_go/services/gateway"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captured(id, orderID, paymentID, amount string) fakeEvent {
	return fakeEvent{ID: id, Type: gateway.KindPaymentCaptured, OrderID: orderID, PaymentID: paymentID, Amount: amount}
}

func TestWebhookCaptureIsIdempotent(t *testing.T) {
	f := newFixture(t)
	res := f.createPayment(FeeAmount{FeeHeadID: f.tuition.ID, Amount: dec("10000")})
	delivery := webhookBody(t, captured("evt_1", res.GatewayOrderID, "pay_1", "10000"))

	first, err := f.svc.HandleWebhook(f.ctx, "fakepay", delivery)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCollected, first.Outcome)
	assert.Equal(t, "MAIN-202506-00001", first.ReceiptNo)

	second, err := f.svc.HandleWebhook(f.ctx, "fakepay", delivery)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, second.Outcome)

	// same capture under a different event id still yields one collection
	third, err := f.svc.HandleWebhook(f.ctx, "fakepay", webhookBody(t, captured("evt_2", res.GatewayOrderID, "pay_1", "10000")))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, third.Outcome)

	// and so does the checkout callback
	confirm, err := f.svc.ConfirmCheckout(f.ctx, "fakepay", res.GatewayOrderID, "pay_1", res.GatewayOrderID+"|pay_1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, confirm.Outcome)

	assert.EqualValues(t, 1, f.count(&models.FeeCollection{}))
	var col models.FeeCollection
	require.NoError(t, f.db.Preload("Items").First(&col).Error)
	require.NotNil(t, col.GatewayTransactionID)
	assert.Equal(t, res.TransactionID, *col.GatewayTransactionID)
	assert.Equal(t, models.PaymentModeOnline, col.PaymentMode)
	assert.Equal(t, "pay_1", col.ReferenceNo)
	assertDecimal(t, "10000", col.TotalAmount)

	var event models.WebhookEvent
	require.NoError(t, f.db.Where("event_id = ?", "evt_1").First(&event).Error)
	assert.Equal(t, 2, event.Deliveries)
	assert.NotNil(t, event.ProcessedAt)

	req, err := f.svc.GetPaymentRequest(f.ctx, res.PaymentRequestID, f.admin())
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusSuccess, req.Status)
	assert.Equal(t, models.PaymentStatusSuccess, req.Transactions[0].Status)
	assert.Equal(t, []uint{res.PaymentRequestID}, f.notifier.completed)

	details, err := f.svc.GetStudentFeeDetails(f.ctx, f.student.ID, f.branch.ID, nil)
	require.NoError(t, err)
	assertDecimal(t, "0", f.feeRow(details, f.tuition.ID).Outstanding)
}

func TestWebhookRejectsBadInput(t *testing.T) {
	f := newFixture(t)
	res := f.createPayment(FeeAmount{FeeHeadID: f.tuition.ID, Amount: dec("10000")})

	bad := webhookBody(t, captured("evt_1", res.GatewayOrderID, "pay_1", "10000"))
	bad.Signature = "forged"
	_, err := f.svc.HandleWebhook(f.ctx, "fakepay", bad)
	assert.True(t, IsKind(err, KindExternal))
	assert.ErrorIs(t, err, gateway.ErrInvalidSignature)

	_, err = f.svc.HandleWebhook(f.ctx, "unknown", bad)
	assert.True(t, IsKind(err, KindNotFound))

	_, err = f.svc.HandleWebhook(f.ctx, "fakepay", gateway.WebhookRequest{Body: []byte("{"), Signature: "valid"})
	assert.True(t, IsKind(err, KindValidation))

	ignored, err := f.svc.HandleWebhook(f.ctx, "fakepay", webhookBody(t, fakeEvent{ID: "evt_9", Type: "refund.created"}))
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, ignored.Outcome)

	_, err = f.svc.HandleWebhook(f.ctx, "fakepay", webhookBody(t, captured("evt_3", "order_404", "pay_1", "1")))
	assert.True(t, IsKind(err, KindNotFound))

	_, err = f.svc.ConfirmCheckout(f.ctx, "fakepay", res.GatewayOrderID, "pay_1", "nope")
	assert.True(t, IsKind(err, KindExternal))

	assert.Zero(t, f.count(&models.FeeCollection{}))
	// only the verified delivery for the unknown order was recorded
	assert.EqualValues(t, 1, f.count(&models.WebhookEvent{}))
}

func TestWebhookFailureAndExpiry(t *testing.T) {
	f := newFixture(t)
	failed := f.createPayment(FeeAmount{FeeHeadID: f.tuition.ID, Amount: dec("10000")})
	expired := f.createPayment(FeeAmount{FeeHeadID: f.transport.ID, Amount: dec("2000")})

	out, err := f.svc.HandleWebhook(f.ctx, "fakepay", webhookBody(t, fakeEvent{
		ID: "evt_f", Type: gateway.KindPaymentFailed, OrderID: failed.GatewayOrderID, PaymentID: "pay_f", Reason: "card declined",
	}))
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, out.Outcome)
	assert.Equal(t, []string{"card declined"}, f.notifier.failed)

	out, err = f.svc.HandleWebhook(f.ctx, "fakepay", webhookBody(t, fakeEvent{
		ID: "evt_e", Type: gateway.KindOrderExpired, OrderID: expired.GatewayOrderID,
	}))
	require.NoError(t, err)
	assert.Equal(t, OutcomeExpired, out.Outcome)

	var req models.PaymentRequest
	require.NoError(t, f.db.First(&req, failed.PaymentRequestID).Error)
	assert.Equal(t, models.PaymentStatusFailed, req.Status)
	assert.Equal(t, "card declined", req.FailureReason)
	require.NoError(t, f.db.First(&req, expired.PaymentRequestID).Error)
	assert.Equal(t, models.PaymentStatusExpired, req.Status)

	// a late failure does not reopen or change a closed transaction
	out, err = f.svc.AdvanceTransaction(f.ctx, "fakepay", gateway.PaymentFailed{EventID: "x", OrderID: expired.GatewayOrderID})
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, out.Outcome)
}

func TestLateSuccessOpensException(t *testing.T) {
	f := newFixture(t)
	res := f.createPayment(FeeAmount{FeeHeadID: f.tuition.ID, Amount: dec("10000")})

	f.now = f.now.Add(25 * time.Hour)
	out, err := f.svc.HandleWebhook(f.ctx, "fakepay", webhookBody(t, captured("evt_late", res.GatewayOrderID, "pay_late", "10000")))
	require.NoError(t, err)
	assert.Equal(t, OutcomeException, out.Outcome)
	assert.Zero(t, f.count(&models.FeeCollection{}))

	var txn models.PaymentGatewayTransaction
	require.NoError(t, f.db.First(&txn, res.TransactionID).Error)
	assert.Equal(t, models.PaymentStatusExpired, txn.Status)

	exceptions, err := f.svc.ListExceptions(f.ctx, ExceptionFilter{BranchID: f.branch.ID, Status: "open"})
	require.NoError(t, err)
	require.Len(t, exceptions, 1)
	assert.Equal(t, models.ExceptionLateSuccess, exceptions[0].Kind)
	assert.Equal(t, "pay_late", exceptions[0].GatewayPaymentID)
	assert.Equal(t, []string{models.ExceptionLateSuccess}, f.notifier.exceptions)

	resolved, err := f.svc.ResolveException(f.ctx, exceptions[0].ID, f.admin(), "parent sent bank statement")
	require.NoError(t, err)
	assert.Equal(t, models.ExceptionStatusResolved, resolved.Status)
	require.NotNil(t, resolved.FeeCollectionID)

	var col models.FeeCollection
	require.NoError(t, f.db.First(&col, *resolved.FeeCollectionID).Error)
	assert.Equal(t, "pay_late", col.ReferenceNo)
	assertDecimal(t, "10000", col.PaidAmount)
	assert.Equal(t, []uint{exceptions[0].ID}, f.notifier.resolved)

	_, err = f.svc.ResolveException(f.ctx, exceptions[0].ID, f.admin(), "again")
	assert.True(t, IsKind(err, KindConflict))
}

func TestCaptureAfterCancelOpensException(t *testing.T) {
	f := newFixture(t)
	res := f.createPayment(FeeAmount{FeeHeadID: f.tuition.ID, Amount: dec("10000")})
	_, err := f.svc.CancelPaymentRequest(f.ctx, res.PaymentRequestID, f.admin())
	require.NoError(t, err)

	out, err := f.svc.HandleWebhook(f.ctx, "fakepay", webhookBody(t, captured("evt_c", res.GatewayOrderID, "pay_c", "10000")))
	require.NoError(t, err)
	assert.Equal(t, OutcomeException, out.Outcome)

	var req models.PaymentRequest
	require.NoError(t, f.db.First(&req, res.PaymentRequestID).Error)
	assert.Equal(t, models.PaymentStatusCancelled, req.Status)
	assert.Zero(t, f.count(&models.FeeCollection{}))
}

func TestAmountMismatchOpensException(t *testing.T) {
	f := newFixture(t)
	res := f.createPayment(FeeAmount{FeeHeadID: f.tuition.ID, Amount: dec("10000")})

	out, err := f.svc.HandleWebhook(f.ctx, "fakepay", webhookBody(t, captured("evt_m", res.GatewayOrderID, "pay_m", "9000")))
	require.NoError(t, err)
	assert.Equal(t, OutcomeException, out.Outcome)
	assert.Zero(t, f.count(&models.FeeCollection{}))

	var ex models.ReconciliationException
	require.NoError(t, f.db.First(&ex, out.ExceptionID).Error)
	assert.Equal(t, models.ExceptionAmountMismatch, ex.Kind)
	assertDecimal(t, "9000", ex.CapturedAmount.Decimal)

	// a reviewed mismatch is closed without writing a collection
	resolved, err := f.svc.ResolveException(f.ctx, ex.ID, f.admin(), "refund issued")
	require.NoError(t, err)
	assert.Nil(t, resolved.FeeCollectionID)
	assert.Zero(t, f.count(&models.FeeCollection{}))
}

func TestScanReconciliation(t *testing.T) {
	f := newFixture(t)
	res := f.createPayment(FeeAmount{FeeHeadID: f.tuition.ID, Amount: dec("10000")})
	ok := f.createPayment(FeeAmount{FeeHeadID: f.transport.ID, Amount: dec("2000")})
	_, err := f.svc.ConfirmCheckout(f.ctx, "fakepay", ok.GatewayOrderID, "pay_ok", ok.GatewayOrderID+"|pay_ok")
	require.NoError(t, err)

	// a success recorded without its collection
	require.NoError(t, f.db.Model(&models.PaymentGatewayTransaction{}).Where("id = ?", res.TransactionID).
		Updates(map[string]interface{}{"status": models.PaymentStatusSuccess, "gateway_payment_id": "pay_lost"}).Error)

	n, err := f.svc.ScanReconciliation(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = f.svc.ScanReconciliation(f.ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	exceptions, err := f.svc.ListExceptions(f.ctx, ExceptionFilter{Kind: models.ExceptionMissingCollection})
	require.NoError(t, err)
	require.Len(t, exceptions, 1)
	assert.Equal(t, res.TransactionID, exceptions[0].GatewayTransactionID)

	_, err = f.svc.ResolveException(f.ctx, exceptions[0].ID, Actor{UserID: 3, BranchID: f.branch.ID + 7}, "")
	assert.True(t, IsKind(err, KindNotFound))

	resolved, err := f.svc.ResolveException(f.ctx, exceptions[0].ID, f.admin(), "collection written manually")
	require.NoError(t, err)
	require.NotNil(t, resolved.FeeCollectionID)
	assert.EqualValues(t, 2, f.count(&models.FeeCollection{}))

	var col models.FeeCollection
	require.NoError(t, f.db.First(&col, *resolved.FeeCollectionID).Error)
	require.NotNil(t, col.GatewayTransactionID)
	assert.Equal(t, res.TransactionID, *col.GatewayTransactionID)
}

func TestCaptureWriteFailureOpensMissingCollection(t *testing.T) {
	f := newFixture(t)
	res := f.createPayment(FeeAmount{FeeHeadID: f.tuition.ID, Amount: dec("10000")})
	delivery := webhookBody(t, captured("evt_w", res.GatewayOrderID, "pay_w", "10000"))

	restore := f.failWrites("fee_collections")
	_, err := f.svc.HandleWebhook(f.ctx, "fakepay", delivery)
	restore()
	require.Error(t, err)
	assert.True(t, IsKind(err, KindInternal), "%v", err)
	assert.Zero(t, f.count(&models.FeeCollection{}))

	// the capture rolled back as a whole
	var txn models.PaymentGatewayTransaction
	require.NoError(t, f.db.First(&txn, res.TransactionID).Error)
	assert.Equal(t, models.PaymentStatusInitiated, txn.Status)
	var req models.PaymentRequest
	require.NoError(t, f.db.First(&req, res.PaymentRequestID).Error)
	assert.Equal(t, models.PaymentStatusInitiated, req.Status)

	exceptions, err := f.svc.ListExceptions(f.ctx, ExceptionFilter{Kind: models.ExceptionMissingCollection, Status: "open"})
	require.NoError(t, err)
	require.Len(t, exceptions, 1)
	assert.Equal(t, "pay_w", exceptions[0].GatewayPaymentID)
	assert.Contains(t, exceptions[0].Detail, "disk full")
	assertDecimal(t, "10000", exceptions[0].CapturedAmount.Decimal)
	assert.Equal(t, []string{models.ExceptionMissingCollection}, f.notifier.exceptions)

	resolved, err := f.svc.ResolveException(f.ctx, exceptions[0].ID, f.admin(), "collection written after outage")
	require.NoError(t, err)
	require.NotNil(t, resolved.FeeCollectionID)

	require.NoError(t, f.db.First(&txn, res.TransactionID).Error)
	assert.Equal(t, models.PaymentStatusSuccess, txn.Status)
	assert.Equal(t, "pay_w", txn.GatewayPaymentID)
	assert.NotNil(t, txn.PaidAt)
	require.NoError(t, f.db.First(&req, res.PaymentRequestID).Error)
	assert.Equal(t, models.PaymentStatusSuccess, req.Status)
	assert.NotNil(t, req.CompletedAt)

	var col models.FeeCollection
	require.NoError(t, f.db.First(&col, *resolved.FeeCollectionID).Error)
	assert.Equal(t, "MAIN-202506-00001", col.ReceiptNo)
	assert.Equal(t, "pay_w", col.ReferenceNo)

	_, err = f.svc.CancelPaymentRequest(f.ctx, res.PaymentRequestID, f.admin())
	assert.True(t, IsKind(err, KindConflict), "%v", err)

	// the gateway retrying the failed delivery finds the payment settled
	retry, err := f.svc.HandleWebhook(f.ctx, "fakepay", delivery)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, retry.Outcome)
	assert.EqualValues(t, 1, f.count(&models.FeeCollection{}))

	details, err := f.svc.GetStudentFeeDetails(f.ctx, f.student.ID, f.branch.ID, nil)
	require.NoError(t, err)
	assertDecimal(t, "0", f.feeRow(details, f.tuition.ID).Outstanding)
}

func TestConcurrentCaptureDeliveries(t *testing.T) {
	f := newFixture(t)
	res := f.createPayment(FeeAmount{FeeHeadID: f.tuition.ID, Amount: dec("10000")})

	const deliveries = 8
	outcomes := make([]string, deliveries)
	errs := make([]error, deliveries)
	var wg sync.WaitGroup
	for i := 0; i < deliveries; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// half are redeliveries of one event, half carry their own event id
			id := "evt_same"
			if i%2 == 1 {
				id = fmt.Sprintf("evt_%d", i)
			}
			out, err := f.svc.HandleWebhook(f.ctx, "fakepay", webhookBody(t, captured(id, res.GatewayOrderID, "pay_1", "10000")))
			errs[i] = err
			if out != nil {
				outcomes[i] = out.Outcome
			}
		}(i)
	}
	wg.Wait()

	collected := 0
	for i := range outcomes {
		require.NoError(t, errs[i])
		if outcomes[i] == OutcomeCollected {
			collected++
		} else {
			assert.Equal(t, OutcomeDuplicate, outcomes[i])
		}
	}
	assert.Equal(t, 1, collected)
	assert.EqualValues(t, 1, f.count(&models.FeeCollection{}))
	assert.Zero(t, f.count(&models.ReconciliationException{}))
	assert.Equal(t, []uint{res.PaymentRequestID}, f.notifier.completed)
}
