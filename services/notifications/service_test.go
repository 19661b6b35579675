package notifications

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"schoolfees_go/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type sentMessage struct {
	userID uint
	kind   string
}

type fakeHub struct {
	mu   sync.Mutex
	sent []sentMessage
}

func (h *fakeHub) BroadcastToUser(userID uint, message interface{}) {
	h.mu.Lock()
	defer h.mu.Unlock()
	m, _ := message.(map[string]interface{})
	kind, _ := m["type"].(string)
	h.sent = append(h.sent, sentMessage{userID: userID, kind: kind})
}

func (h *fakeHub) kinds(userID uint) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []string
	for _, m := range h.sent {
		if m.userID == userID {
			out = append(out, m.kind)
		}
	}
	return out
}

type fakeLine struct {
	to    []string
	texts []string
	err   error
}

func (l *fakeLine) PushText(_ context.Context, to, text string) error {
	l.to = append(l.to, to)
	l.texts = append(l.texts, text)
	return l.err
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(models.All()...))
	return db
}

func addUser(t *testing.T, db *gorm.DB, name, role string, branchID uint) models.User {
	t.Helper()
	u := models.User{Username: name, Role: role, BranchID: branchID, Status: "active"}
	require.NoError(t, db.Create(&u).Error)
	return u
}

func notificationsFor(t *testing.T, db *gorm.DB, userID uint) []models.Notification {
	t.Helper()
	var out []models.Notification
	require.NoError(t, db.Where("user_id = ?", userID).Order("id").Find(&out).Error)
	return out
}

func TestPaymentCompletedNotifiesPayerAndRequester(t *testing.T) {
	db := newTestDB(t)
	parent := addUser(t, db, "parent", "parent", 1)
	clerk := addUser(t, db, "clerk", "accountant", 1)
	student := models.Student{BranchID: 1, SessionID: 1, SectionID: 1, FirstName: "Asha", UserID: &parent.ID, Active: true}
	require.NoError(t, db.Create(&student).Error)

	hub := &fakeHub{}
	svc := NewService(db, nil, true)
	svc.SetWebSocketHub(hub)

	req := models.PaymentRequest{StudentID: student.ID, CreatedBy: clerk.ID, Currency: "INR", Amount: decimal.RequireFromString("12000")}
	req.ID = 41
	col := models.FeeCollection{ReceiptNo: "MAIN-202506-00001", PaidAmount: decimal.RequireFromString("12000")}
	svc.PaymentCompleted(context.Background(), req, col)

	for _, uid := range []uint{parent.ID, clerk.ID} {
		list := notificationsFor(t, db, uid)
		require.Len(t, list, 1)
		assert.Equal(t, "Payment received", list[0].Title)
		assert.Contains(t, list[0].Message, "MAIN-202506-00001")
		assert.False(t, list[0].Read)

		var channels []string
		require.NoError(t, json.Unmarshal(list[0].Channels, &channels))
		assert.Equal(t, []string{"normal", "popup"}, channels)

		var data map[string]interface{}
		require.NoError(t, json.Unmarshal(list[0].Data, &data))
		assert.Equal(t, "12000.00", data["amount"])

		assert.Equal(t, []string{MessagePaymentStatus, MessageNotification}, hub.kinds(uid))
	}
}

func TestPaymentFailedWithoutParentLogin(t *testing.T) {
	db := newTestDB(t)
	clerk := addUser(t, db, "clerk", "accountant", 1)
	student := models.Student{BranchID: 1, SessionID: 1, SectionID: 1, FirstName: "Ravi", Active: true}
	require.NoError(t, db.Create(&student).Error)

	svc := NewService(db, nil, false)
	req := models.PaymentRequest{StudentID: student.ID, CreatedBy: clerk.ID, Currency: "INR", Amount: decimal.RequireFromString("500")}
	svc.PaymentFailed(context.Background(), req, "card declined")

	var total int64
	require.NoError(t, db.Model(&models.Notification{}).Count(&total).Error)
	assert.Equal(t, int64(1), total)
	list := notificationsFor(t, db, clerk.ID)
	require.Len(t, list, 1)
	assert.Equal(t, "error", list[0].Type)
	assert.Contains(t, list[0].Message, "card declined")
}

func TestExceptionOpenedAlertsFinanceStaff(t *testing.T) {
	db := newTestDB(t)
	accountant := addUser(t, db, "acc-main", "accountant", 1)
	owner := addUser(t, db, "owner", "owner", 2)
	teacher := addUser(t, db, "teacher", "teacher", 1)
	otherBranch := addUser(t, db, "acc-north", "accountant", 2)
	inactive := addUser(t, db, "old-admin", "admin", 1)
	require.NoError(t, db.Model(&inactive).Update("status", "inactive").Error)

	line := &fakeLine{}
	svc := NewService(db, nil, false)
	svc.SetLine(line, "C-finance")

	ex := models.ReconciliationException{BranchID: 1, Kind: models.ExceptionMissingCollection, GatewayTransactionID: 9, Detail: "no collection"}
	ex.ID = 3
	svc.ExceptionOpened(context.Background(), ex)

	assert.Len(t, notificationsFor(t, db, accountant.ID), 1)
	assert.Len(t, notificationsFor(t, db, owner.ID), 1)
	assert.Empty(t, notificationsFor(t, db, teacher.ID))
	assert.Empty(t, notificationsFor(t, db, otherBranch.ID))
	assert.Empty(t, notificationsFor(t, db, inactive.ID))

	require.Len(t, line.texts, 1)
	assert.Equal(t, []string{"C-finance"}, line.to)
	assert.Contains(t, line.texts[0], "#3 (MISSING_COLLECTION)")
}

func TestLineFailureDoesNotDropInAppNotice(t *testing.T) {
	db := newTestDB(t)
	accountant := addUser(t, db, "acc", "accountant", 1)

	svc := NewService(db, nil, false)
	svc.SetLine(&fakeLine{err: errors.New("line down")}, "C-finance")

	collectionID := uint(77)
	ex := models.ReconciliationException{BranchID: 1, Kind: models.ExceptionLateSuccess, FeeCollectionID: &collectionID}
	svc.ExceptionResolved(context.Background(), ex)

	list := notificationsFor(t, db, accountant.ID)
	require.Len(t, list, 1)
	assert.Contains(t, list[0].Message, "collection 77 recorded")
}

func TestNormalizeChannels(t *testing.T) {
	tests := []struct {
		name string
		in   []string
		want []string
	}{
		{"empty defaults to normal", nil, []string{"normal"}},
		{"unknown dropped", []string{"sms", "popup"}, []string{"popup"}},
		{"duplicates dropped", []string{"line", "line", "normal"}, []string{"line", "normal"}},
		{"only unknown", []string{"email"}, []string{"normal"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, normalizeChannels(tt.in))
		})
	}
}

func TestEnqueueOrCreateRequiresRecipients(t *testing.T) {
	svc := NewService(newTestDB(t), nil, false)
	assert.Error(t, svc.EnqueueOrCreate(context.Background(), nil, queuedNotification{Title: "x"}))
}
