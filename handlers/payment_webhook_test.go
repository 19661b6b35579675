package handlers

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"schoolfees_go/models"
	"schoolfees_go/services/finance"
	"schoolfees_go/services/gateway"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const testWebhookSecret = "whsec_test"

func newWebhookApp(t *testing.T) *fiber.App {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(models.All()...))

	registry := gateway.NewRegistry("razorpay",
		gateway.NewRazorpay(gateway.RazorpayConfig{KeyID: "rzp_test", KeySecret: "secret", WebhookSecret: testWebhookSecret}),
		gateway.NewCashfree(gateway.CashfreeConfig{}),
	)
	h := NewPaymentWebhookHandler(finance.NewService(db, registry))

	app := fiber.New()
	app.Post("/webhooks/payments/:gateway", h.Handle)
	return app
}

func sign(body string) string {
	mac := hmac.New(sha256.New, []byte(testWebhookSecret))
	mac.Write([]byte(body))
	return hex.EncodeToString(mac.Sum(nil))
}

func postWebhook(t *testing.T, app *fiber.App, gw, body string, headers map[string]string) (int, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/payments/"+gw, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	out := map[string]interface{}{}
	require.NoError(t, json.Unmarshal(raw, &out))
	return resp.StatusCode, out
}

func TestPaymentWebhookStatusCodes(t *testing.T) {
	app := newWebhookApp(t)
	refund := `{"event":"refund.created","payload":{}}`

	tests := []struct {
		name    string
		gateway string
		body    string
		headers map[string]string
		status  int
		code    string
	}{
		{"unknown gateway", "paypal", refund, map[string]string{"X-Razorpay-Signature": sign(refund)}, fiber.StatusNotFound, "NOT_FOUND"},
		{"missing signature", "razorpay", refund, nil, fiber.StatusBadRequest, "BAD_REQUEST"},
		{"forged signature", "razorpay", refund, map[string]string{"X-Razorpay-Signature": "deadbeef"}, fiber.StatusUnauthorized, "UNAUTHORIZED"},
		{"gateway without credentials", "cashfree", refund, map[string]string{"X-Webhook-Signature": "abc", "X-Webhook-Timestamp": "1"}, fiber.StatusPreconditionFailed, "PRECONDITION_FAILED"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := postWebhook(t, app, tt.gateway, tt.body, tt.headers)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.code, body["code"])
		})
	}
}

func TestPaymentWebhookNotFoundMessages(t *testing.T) {
	app := newWebhookApp(t)
	body := `{"event":"payment.captured","payload":{"payment":{"entity":{"id":"pay_1","order_id":"order_404","amount":100,"currency":"INR","status":"captured"}}}}`

	status, out := postWebhook(t, app, "razorpay", body, map[string]string{"X-Razorpay-Signature": sign(body)})
	assert.Equal(t, fiber.StatusNotFound, status)
	assert.Equal(t, "NOT_FOUND", out["code"])
	assert.Equal(t, `Unknown payment order "order_404"`, out["error"])

	status, out = postWebhook(t, app, "paypal", body, map[string]string{"X-Razorpay-Signature": sign(body)})
	assert.Equal(t, fiber.StatusNotFound, status)
	assert.Equal(t, "Unknown payment gateway", out["error"])
}

func TestPaymentWebhookIgnoresUnsupportedEvents(t *testing.T) {
	app := newWebhookApp(t)
	body := `{"event":"refund.created","payload":{}}`

	status, out := postWebhook(t, app, "razorpay", body, map[string]string{"X-Razorpay-Signature": sign(body)})
	assert.Equal(t, fiber.StatusOK, status)
	result, ok := out["result"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, finance.OutcomeIgnored, result["outcome"])
}

func TestPaymentWebhookMalformedPayload(t *testing.T) {
	app := newWebhookApp(t)
	body := `{"event":"payment.captured","payload":{}}`

	status, out := postWebhook(t, app, "razorpay", body, map[string]string{"X-Razorpay-Signature": sign(body)})
	assert.Equal(t, fiber.StatusBadRequest, status)
	assert.Equal(t, "BAD_REQUEST", out["code"])
}
