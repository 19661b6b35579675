package finance

import (
	"context"
	"fmt"
	"strings"

	"schoolfees_go/models"
	"schoolfees_go/utils"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ScanReconciliation opens a MISSING_COLLECTION exception for every successful transaction
// that has neither a collection nor an exception. It returns the number opened.
func (s *Service) ScanReconciliation(ctx context.Context) (int, error) {
	db := s.dbc(ctx)
	var txns []models.PaymentGatewayTransaction
	err := db.Where("status = ?", models.PaymentStatusSuccess).
		Where("NOT EXISTS (?)", db.Model(&models.FeeCollection{}).Select("1").
			Where("fee_collections.gateway_transaction_id = payment_gateway_transactions.id")).
		Where("NOT EXISTS (?)", db.Model(&models.ReconciliationException{}).Select("1").
			Where("reconciliation_exceptions.gateway_transaction_id = payment_gateway_transactions.id")).
		Find(&txns).Error
	if err != nil {
		return 0, internal(err, "scan unreconciled transactions")
	}

	opened := 0
	for _, txn := range txns {
		var req models.PaymentRequest
		if err := db.Select("id", "branch_id").First(&req, txn.PaymentRequestID).Error; err != nil {
			utils.Logger(ctx).WithError(err).WithField("transaction_id", txn.ID).Error("payment request missing for transaction")
			continue
		}
		detail := fmt.Sprintf("transaction %d succeeded at %s but has no fee collection", txn.ID, txn.Gateway)
		ex, err := openException(db, txn, req.BranchID, models.ExceptionMissingCollection, txn.GatewayPaymentID, txn.Amount, detail)
		if err != nil {
			return opened, internal(err, "open reconciliation exception")
		}
		opened++
		s.notifier.ExceptionOpened(ctx, *ex)
	}
	if opened > 0 {
		utils.Logger(ctx).WithField("count", opened).Warn("reconciliation scan opened exceptions")
	}
	return opened, nil
}

// ExceptionFilter narrows ListExceptions
type ExceptionFilter struct {
	BranchID uint
	Status   string
	Kind     string
}

func (s *Service) ListExceptions(ctx context.Context, f ExceptionFilter) ([]models.ReconciliationException, error) {
	q := s.dbc(ctx).Scopes(inBranch(f.BranchID))
	if f.Status != "" {
		q = q.Where("status = ?", strings.ToUpper(f.Status))
	}
	if f.Kind != "" {
		q = q.Where("kind = ?", strings.ToUpper(f.Kind))
	}
	var out []models.ReconciliationException
	if err := q.Order("id DESC").Find(&out).Error; err != nil {
		return nil, internal(err, "list reconciliation exceptions")
	}
	return out, nil
}

// ResolveException closes an exception. Missing and late collections are written from the
// request snapshot (idempotently) and any still open transaction or request is settled as
// SUCCESS; amount mismatches are closed as reviewed.
func (s *Service) ResolveException(ctx context.Context, id uint, actor Actor, note string) (*models.ReconciliationException, error) {
	now := s.clock()
	var ex models.ReconciliationException
	var col models.FeeCollection
	created := false

	err := s.dbc(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&ex, id).Error; err != nil {
			return notFoundOr(err, "Reconciliation exception", "load exception")
		}
		if !actor.canAccess(ex.BranchID) {
			return notFoundf("Reconciliation exception not found")
		}
		if ex.Status == models.ExceptionStatusResolved {
			return conflictf("Reconciliation exception is already resolved")
		}

		updates := map[string]interface{}{
			"status":          models.ExceptionStatusResolved,
			"resolved_by":     actor.UserID,
			"resolved_at":     now,
			"resolution_note": truncate(note, 500),
		}

		if ex.Kind == models.ExceptionMissingCollection || ex.Kind == models.ExceptionLateSuccess {
			var txn models.PaymentGatewayTransaction
			if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&txn, ex.GatewayTransactionID).Error; err != nil {
				return err
			}
			var req models.PaymentRequest
			if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Preload("Items").First(&req, txn.PaymentRequestID).Error; err != nil {
				return err
			}
			if ex.GatewayPaymentID != "" {
				txn.GatewayPaymentID = ex.GatewayPaymentID
			}
			paidAt := now
			if txn.PaidAt != nil {
				paidAt = *txn.PaidAt
			}
			// a capture whose write rolled back left the pair open
			if err := settlePair(tx, &txn, &req, paidAt); err != nil {
				return err
			}
			c, err := s.createGatewayCollection(tx, &req, &txn, paidAt, &col)
			if err != nil {
				return err
			}
			created = c
			updates["fee_collection_id"] = col.ID
		}
		if err := tx.Model(&ex).Updates(updates).Error; err != nil {
			return err
		}
		return tx.First(&ex, ex.ID).Error
	})
	if err != nil {
		return nil, internal(err, "resolve reconciliation exception")
	}

	utils.Logger(ctx).WithFields(logrus.Fields{
		"exception_id":       ex.ID,
		"kind":               ex.Kind,
		"resolved_by":        actor.UserID,
		"collection_created": created,
	}).Info("reconciliation exception resolved")
	s.notifier.ExceptionResolved(ctx, ex)
	return &ex, nil
}
