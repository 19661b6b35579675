package routes

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"schoolfees_go/config"
	"schoolfees_go/database"
	"schoolfees_go/middleware"
	"schoolfees_go/models"
	"schoolfees_go/services/finance"
	"schoolfees_go/services/gateway"
	"schoolfees_go/services/websocket"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type apiFixture struct {
	t       *testing.T
	app     *fiber.App
	branch  models.Branch
	other   models.Branch
	session models.AcademicSession
}

func newAPIFixture(t *testing.T) *apiFixture {
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

	prevDB, prevCfg := database.DB, config.AppConfig
	database.DB = db
	config.AppConfig = &config.Config{JWTSecret: "test-secret-0123456789", JWTExpiresIn: time.Hour}
	t.Cleanup(func() { database.DB, config.AppConfig = prevDB, prevCfg })

	f := &apiFixture{t: t}
	f.branch = models.Branch{Name: "Main Campus", Code: "MAIN", Active: true}
	require.NoError(t, db.Create(&f.branch).Error)
	f.other = models.Branch{Name: "North Campus", Code: "NORTH", Active: true}
	require.NoError(t, db.Create(&f.other).Error)
	f.session = models.AcademicSession{BranchID: f.branch.ID, Name: "2025-26", IsCurrent: true,
		StartDate: time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC), EndDate: time.Date(2026, 3, 31, 0, 0, 0, 0, time.UTC)}
	require.NoError(t, db.Create(&f.session).Error)

	svc := finance.NewService(db, gateway.NewRegistry("razorpay",
		gateway.NewRazorpay(gateway.RazorpayConfig{WebhookSecret: "whsec_test"})))

	f.app = fiber.New()
	f.app.Use(middleware.LoggerMiddleware())
	SetupRoutes(f.app, Dependencies{Finance: svc, Hub: websocket.NewHub()})
	return f
}

func (f *apiFixture) token(role string, branchID uint) string {
	f.t.Helper()
	user := models.User{Username: fmt.Sprintf("%s-%d", role, branchID), Role: role, BranchID: branchID, Status: "active"}
	require.NoError(f.t, database.DB.Create(&user).Error)
	tok, err := middleware.GenerateToken(&user, f.session.ID)
	require.NoError(f.t, err)
	return tok
}

func (f *apiFixture) do(method, path, token string, body interface{}) (int, map[string]interface{}) {
	f.t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(f.t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := f.app.Test(req, -1)
	require.NoError(f.t, err)
	defer resp.Body.Close()

	var out map[string]interface{}
	raw, err := io.ReadAll(resp.Body)
	require.NoError(f.t, err)
	if len(raw) > 0 {
		require.NoError(f.t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp.StatusCode, out
}

func TestProtectedRoutesRequireFinanceStaff(t *testing.T) {
	f := newAPIFixture(t)

	status, _ := f.do(http.MethodGet, "/api/fees/heads", "", nil)
	assert.Equal(t, fiber.StatusUnauthorized, status)

	status, _ = f.do(http.MethodGet, "/api/fees/heads", "not-a-jwt", nil)
	assert.Equal(t, fiber.StatusUnauthorized, status)

	status, _ = f.do(http.MethodGet, "/api/fees/heads", f.token("teacher", f.branch.ID), nil)
	assert.Equal(t, fiber.StatusForbidden, status)

	status, _ = f.do(http.MethodGet, "/api/fees/heads", f.token("accountant", f.branch.ID), nil)
	assert.Equal(t, fiber.StatusOK, status)
}

func TestCreateFeeHeadPinsStaffToTheirBranch(t *testing.T) {
	f := newAPIFixture(t)
	tok := f.token("accountant", f.branch.ID)

	status, body := f.do(http.MethodPost, "/api/fees/heads", tok, map[string]interface{}{
		"branch_id": f.other.ID,
		"name":      "  Tuition ",
	})
	require.Equal(t, fiber.StatusCreated, status, body)
	head := body["fee_head"].(map[string]interface{})
	assert.Equal(t, float64(f.branch.ID), head["branch_id"])
	assert.Equal(t, float64(f.session.ID), head["session_id"])
	assert.Equal(t, "Tuition", head["name"])

	status, body = f.do(http.MethodPost, "/api/fees/heads", tok, map[string]interface{}{"name": "Tuition"})
	assert.Equal(t, fiber.StatusConflict, status)
	assert.Equal(t, "CONFLICT", body["code"])

	status, body = f.do(http.MethodGet, "/api/fees/heads", tok, nil)
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, float64(1), body["total"])
}

func TestValidationErrorsListFields(t *testing.T) {
	f := newAPIFixture(t)

	status, body := f.do(http.MethodPost, "/api/fees/heads", f.token("admin", f.branch.ID), map[string]interface{}{"name": "   "})
	require.Equal(t, fiber.StatusBadRequest, status)
	assert.Equal(t, "BAD_REQUEST", body["code"])
	fields, ok := body["fields"].(map[string]interface{})
	require.True(t, ok, body)
	assert.Contains(t, fields, "name")
}

func TestOwnerMustChooseBranchForCatalog(t *testing.T) {
	f := newAPIFixture(t)
	tok := f.token("owner", f.branch.ID)

	status, body := f.do(http.MethodGet, "/api/fees/heads", tok, nil)
	assert.Equal(t, fiber.StatusBadRequest, status)
	assert.Equal(t, "branch_id is required", body["error"])

	status, _ = f.do(http.MethodGet, fmt.Sprintf("/api/fees/heads?branch_id=%d", f.other.ID), tok, nil)
	assert.Equal(t, fiber.StatusOK, status)
}

func TestUnknownResourcesReturnNotFound(t *testing.T) {
	f := newAPIFixture(t)

	status, body := f.do(http.MethodGet, "/api/public/pay/does-not-exist", "", nil)
	assert.Equal(t, fiber.StatusNotFound, status)
	assert.Equal(t, "NOT_FOUND", body["code"])

	status, _ = f.do(http.MethodGet, "/api/payments/requests/999", f.token("admin", f.branch.ID), nil)
	assert.Equal(t, fiber.StatusNotFound, status)

	status, _ = f.do(http.MethodPost, "/webhooks/payments/paypal", "", map[string]string{"event": "x"})
	assert.Equal(t, fiber.StatusNotFound, status)
}

func TestNotificationInbox(t *testing.T) {
	f := newAPIFixture(t)
	tok := f.token("accountant", f.branch.ID)

	var user models.User
	require.NoError(t, database.DB.Where("username = ?", fmt.Sprintf("accountant-%d", f.branch.ID)).First(&user).Error)
	for i := 0; i < 3; i++ {
		n := models.Notification{UserID: user.ID, Title: fmt.Sprintf("Payment %d", i), Type: "success"}
		require.NoError(t, database.DB.Create(&n).Error)
	}

	status, body := f.do(http.MethodGet, "/api/notifications/unread-count", tok, nil)
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, float64(3), body["unread_count"])

	status, body = f.do(http.MethodPatch, "/api/notifications/mark-all-read", tok, nil)
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, float64(3), body["updated"])

	status, body = f.do(http.MethodGet, "/api/notifications/unread-count", tok, nil)
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, float64(0), body["unread_count"])
}
