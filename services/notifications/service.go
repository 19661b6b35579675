package notifications

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"schoolfees_go/models"
	"schoolfees_go/services/finance"
	"schoolfees_go/utils"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Queue item stored in Redis; the DB write stays the source of truth
type queuedNotification struct {
	UserIDs   []uint    `json:"user_ids"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Type      string    `json:"type"`
	Channels  []string  `json:"channels,omitempty"`
	Data      any       `json:"data,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

const redisListKey = "notifications:queue"

// Message types pushed over the websocket
const (
	MessageNotification  = "notification"
	MessagePaymentStatus = "payment_status"
)

var financeRoles = []string{"owner", "admin", "accountant"}

// WSHub interface for WebSocket broadcasting
type WSHub interface {
	BroadcastToUser(userID uint, message interface{})
}

// LinePusher sends a plain text message to a LINE user or group
type LinePusher interface {
	PushText(ctx context.Context, to, text string) error
}

// Service persists in-app notifications, pushes payment status over websockets and
// alerts the finance LINE group. It implements finance.Notifier.
type Service struct {
	db          *gorm.DB
	redis       *redis.Client
	useRedis    bool
	wsHub       WSHub
	line        LinePusher
	lineGroupID string
}

var _ finance.Notifier = (*Service)(nil)

// NewService queues through Redis when useRedis is set and a client is available,
// otherwise it writes notifications inline
func NewService(db *gorm.DB, redisClient *redis.Client, useRedis bool) *Service {
	return &Service{
		db:       db,
		redis:    redisClient,
		useRedis: useRedis && redisClient != nil,
	}
}

// SetWebSocketHub sets the WebSocket hub for real-time notifications
func (s *Service) SetWebSocketHub(hub WSHub) {
	s.wsHub = hub
}

// SetLine enables finance alerts to a LINE group
func (s *Service) SetLine(pusher LinePusher, groupID string) {
	s.line = pusher
	s.lineGroupID = groupID
}

// normalizeChannels keeps only allowed values and ensures default channel
func normalizeChannels(in []string) []string {
	allowed := map[string]struct{}{"normal": {}, "popup": {}, "line": {}}
	out := make([]string, 0, len(in))
	seen := map[string]struct{}{}
	for _, ch := range in {
		if _, ok := allowed[ch]; !ok {
			continue
		}
		if _, dup := seen[ch]; dup {
			continue
		}
		seen[ch] = struct{}{}
		out = append(out, ch)
	}
	if len(out) == 0 {
		out = []string{"normal"}
	}
	return out
}

// EnqueueOrCreate stores notifications using Redis queue if enabled, else direct insert.
func (s *Service) EnqueueOrCreate(ctx context.Context, userIDs []uint, n queuedNotification) error {
	if len(userIDs) == 0 {
		return errors.New("no user ids")
	}
	n.UserIDs = userIDs
	n.Channels = normalizeChannels(n.Channels)
	n.CreatedAt = time.Now().UTC()

	if s.useRedis {
		b, err := json.Marshal(n)
		if err != nil {
			return err
		}
		if err = s.redis.RPush(ctx, redisListKey, b).Err(); err == nil {
			return nil
		}
		utils.Logger(ctx).WithError(err).Warn("[notif] Redis queue failed, falling back to direct insert")
	}
	return s.createDirect(ctx, n)
}

// createDirect writes directly to DB (used by worker or fallback).
func (s *Service) createDirect(ctx context.Context, n queuedNotification) error {
	if len(n.UserIDs) == 0 {
		return nil
	}
	channelsJSON, err := json.Marshal(normalizeChannels(n.Channels))
	if err != nil {
		channelsJSON = []byte(`["normal"]`)
	}
	var dataJSON []byte
	if n.Data != nil {
		if b, err := json.Marshal(n.Data); err == nil {
			dataJSON = b
		}
	}

	notifs := make([]models.Notification, 0, len(n.UserIDs))
	for _, uid := range n.UserIDs {
		notifs = append(notifs, models.Notification{
			UserID:   uid,
			Title:    n.Title,
			Message:  n.Message,
			Type:     n.Type,
			Channels: channelsJSON,
			Data:     dataJSON,
		})
	}
	if err := s.db.WithContext(ctx).Create(&notifs).Error; err != nil {
		return err
	}

	if s.wsHub != nil {
		for _, notif := range notifs {
			s.wsHub.BroadcastToUser(notif.UserID, map[string]interface{}{
				"type": MessageNotification,
				"data": utils.ToNotificationDTO(notif),
			})
		}
	}
	return nil
}

// StartWorker polls the Redis queue and flushes to DB until ctx is done
func (s *Service) StartWorker(ctx context.Context) {
	if !s.useRedis {
		logrus.Info("[notif] Redis notifications disabled; worker not started")
		return
	}
	go func() {
		logrus.Info("[notif] Redis notification worker started")
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				logrus.Info("[notif] Worker stopping")
				return
			case <-ticker.C:
				s.flushBatch(ctx, 200)
			}
		}
	}()
}

// flushBatch drains up to five batches per tick
func (s *Service) flushBatch(ctx context.Context, batchSize int) {
	if s.redis == nil {
		return
	}
	for i := 0; i < 5; i++ {
		vals, err := s.redis.LRange(ctx, redisListKey, 0, int64(batchSize-1)).Result()
		if err != nil || len(vals) == 0 {
			return
		}
		// trim right away; a crash here loses at most one batch of in-app notices
		if err = s.redis.LTrim(ctx, redisListKey, int64(len(vals)), -1).Err(); err != nil {
			logrus.WithError(err).Warn("[notif] LTrim failed")
		}
		for _, raw := range vals {
			var q queuedNotification
			if err := json.Unmarshal([]byte(raw), &q); err != nil {
				continue
			}
			if err := s.createDirect(ctx, q); err != nil {
				logrus.WithError(err).Error("[notif] DB insert failed")
			}
		}
		if len(vals) < batchSize {
			return
		}
	}
}

// payment events go to the parent login and the staff member who opened the request
func (s *Service) paymentRecipients(ctx context.Context, req models.PaymentRequest) []uint {
	var ids []uint
	var student models.Student
	if err := s.db.WithContext(ctx).Select("id", "user_id").First(&student, req.StudentID).Error; err == nil && student.UserID != nil {
		ids = append(ids, *student.UserID)
	}
	if req.CreatedBy != 0 && (len(ids) == 0 || ids[0] != req.CreatedBy) {
		ids = append(ids, req.CreatedBy)
	}
	return ids
}

func (s *Service) financeStaff(ctx context.Context, branchID uint) []uint {
	var ids []uint
	err := s.db.WithContext(ctx).Model(&models.User{}).
		Where("role IN ? AND status = ?", financeRoles, "active").
		Where("branch_id = ? OR role = ?", branchID, "owner").
		Pluck("id", &ids).Error
	if err != nil {
		utils.Logger(ctx).WithError(err).Error("[notif] load finance staff")
	}
	return ids
}

func (s *Service) pushStatus(recipients []uint, data map[string]interface{}) {
	if s.wsHub == nil {
		return
	}
	for _, uid := range recipients {
		s.wsHub.BroadcastToUser(uid, map[string]interface{}{"type": MessagePaymentStatus, "data": data})
	}
}

func (s *Service) notify(ctx context.Context, recipients []uint, n queuedNotification) {
	if len(recipients) == 0 {
		return
	}
	if err := s.EnqueueOrCreate(ctx, recipients, n); err != nil {
		utils.Logger(ctx).WithError(err).Error("[notif] failed to store notification")
	}
}

func (s *Service) alertLine(ctx context.Context, text string) {
	if s.line == nil || s.lineGroupID == "" {
		return
	}
	if err := s.line.PushText(ctx, s.lineGroupID, text); err != nil {
		utils.Logger(ctx).WithError(err).Warn("[notif] LINE finance alert failed")
	}
}

// PaymentCompleted pushes the receipt to the payer and the requesting staff member
func (s *Service) PaymentCompleted(ctx context.Context, req models.PaymentRequest, collection models.FeeCollection) {
	ctx = context.WithoutCancel(ctx)
	recipients := s.paymentRecipients(ctx, req)
	data := map[string]interface{}{
		"payment_request_id": req.ID,
		"status":             models.PaymentStatusSuccess,
		"receipt_no":         collection.ReceiptNo,
		"amount":             collection.PaidAmount.StringFixed(2),
	}
	s.pushStatus(recipients, data)
	s.notify(ctx, recipients, queuedNotification{
		Title:    "Payment received",
		Message:  fmt.Sprintf("%s %s received. Receipt %s.", req.Currency, collection.PaidAmount.StringFixed(2), collection.ReceiptNo),
		Type:     "success",
		Channels: []string{"normal", "popup"},
		Data:     data,
	})
}

// PaymentFailed tells the payer the attempt did not go through
func (s *Service) PaymentFailed(ctx context.Context, req models.PaymentRequest, reason string) {
	ctx = context.WithoutCancel(ctx)
	recipients := s.paymentRecipients(ctx, req)
	data := map[string]interface{}{
		"payment_request_id": req.ID,
		"status":             models.PaymentStatusFailed,
		"reason":             reason,
	}
	s.pushStatus(recipients, data)
	s.notify(ctx, recipients, queuedNotification{
		Title:   "Payment failed",
		Message: fmt.Sprintf("Payment of %s %s could not be completed: %s", req.Currency, req.Amount.StringFixed(2), reason),
		Type:    "error",
		Data:    data,
	})
}

// ExceptionOpened alerts finance staff in-app and on LINE
func (s *Service) ExceptionOpened(ctx context.Context, ex models.ReconciliationException) {
	ctx = context.WithoutCancel(ctx)
	msg := fmt.Sprintf("Reconciliation exception #%d (%s) on transaction %d: %s", ex.ID, ex.Kind, ex.GatewayTransactionID, ex.Detail)
	s.notify(ctx, s.financeStaff(ctx, ex.BranchID), queuedNotification{
		Title:    "Payment needs reconciliation",
		Message:  msg,
		Type:     "warning",
		Channels: []string{"normal", "line"},
		Data:     map[string]interface{}{"exception_id": ex.ID, "kind": ex.Kind},
	})
	s.alertLine(ctx, "⚠️ "+msg)
}

// ExceptionResolved closes the loop for finance staff
func (s *Service) ExceptionResolved(ctx context.Context, ex models.ReconciliationException) {
	ctx = context.WithoutCancel(ctx)
	msg := fmt.Sprintf("Reconciliation exception #%d (%s) resolved", ex.ID, ex.Kind)
	if ex.FeeCollectionID != nil {
		msg += fmt.Sprintf("; collection %d recorded", *ex.FeeCollectionID)
	}
	s.notify(ctx, s.financeStaff(ctx, ex.BranchID), queuedNotification{
		Title:   "Reconciliation resolved",
		Message: msg,
		Type:    "info",
		Data:    map[string]interface{}{"exception_id": ex.ID, "kind": ex.Kind},
	})
	s.alertLine(ctx, "✅ "+msg)
}
