package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	cashfreeDefaultBaseURL = "https://api.cashfree.com"
	cashfreeAPIVersion     = "2023-08-01"
)

// CashfreeConfig holds client credentials. Webhooks are signed with the client secret.
type CashfreeConfig struct {
	ClientID     string
	ClientSecret string
	BaseURL      string
	Timeout      time.Duration
}

// Cashfree is the second provider; signatures are base64 HMAC-SHA256.
type Cashfree struct {
	cfg CashfreeConfig
}

func NewCashfree(cfg CashfreeConfig) *Cashfree {
	if cfg.BaseURL == "" {
		cfg.BaseURL = cashfreeDefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Cashfree{cfg: cfg}
}

func (c *Cashfree) Name() string { return "cashfree" }

func (c *Cashfree) IsConfigured() bool {
	return c.cfg.ClientID != "" && c.cfg.ClientSecret != ""
}

type cashfreeOrderResponse struct {
	CfOrderID        string  `json:"cf_order_id"`
	OrderID          string  `json:"order_id"`
	OrderAmount      float64 `json:"order_amount"`
	OrderCurrency    string  `json:"order_currency"`
	PaymentSessionID string  `json:"payment_session_id"`
	Message          string  `json:"message"`
}

func (c *Cashfree) CreateOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	if !c.IsConfigured() {
		return nil, ErrNotConfigured
	}
	amount, _ := req.Amount.Round(2).Float64()
	payload := map[string]interface{}{
		"order_id":       req.Receipt,
		"order_amount":   amount,
		"order_currency": req.Currency,
		"order_tags":     req.Notes,
		"customer_details": map[string]string{
			"customer_id":    req.Customer.ID,
			"customer_name":  req.Customer.Name,
			"customer_email": req.Customer.Email,
			"customer_phone": req.Customer.Phone,
		},
	}
	headers := map[string]string{
		"x-client-id":     c.cfg.ClientID,
		"x-client-secret": c.cfg.ClientSecret,
		"x-api-version":   cashfreeAPIVersion,
	}
	code, body, err := postJSON(ctx, c.cfg.BaseURL+"/pg/orders", headers, "", "", payload, c.cfg.Timeout)
	if err != nil {
		return nil, &OrderError{Gateway: c.Name(), Message: err.Error()}
	}

	var resp cashfreeOrderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &OrderError{Gateway: c.Name(), Status: code, Message: "unreadable order response"}
	}
	if code >= 300 || resp.OrderID == "" {
		msg := resp.Message
		if msg == "" {
			msg = "order creation failed"
		}
		return nil, &OrderError{Gateway: c.Name(), Status: code, Message: msg}
	}

	return &Order{
		ID:       resp.OrderID,
		Amount:   decimal.NewFromFloat(resp.OrderAmount),
		Currency: resp.OrderCurrency,
		CheckoutPayload: map[string]interface{}{
			"order_id":           resp.OrderID,
			"payment_session_id": resp.PaymentSessionID,
		},
		Raw: body,
	}, nil
}

// VerifySignature checks base64(HMAC(order_id + payment_id)).
func (c *Cashfree) VerifySignature(orderID, paymentID, signature string) bool {
	if c.cfg.ClientSecret == "" || signature == "" {
		return false
	}
	return equalSignatures(hmacBase64(c.cfg.ClientSecret, orderID+paymentID), signature)
}

type cashfreeWebhook struct {
	Type string `json:"type"`
	Data struct {
		Order struct {
			OrderID       string  `json:"order_id"`
			OrderAmount   float64 `json:"order_amount"`
			OrderCurrency string  `json:"order_currency"`
		} `json:"order"`
		Payment *struct {
			CfPaymentID    json.Number `json:"cf_payment_id"`
			PaymentStatus  string      `json:"payment_status"`
			PaymentAmount  float64     `json:"payment_amount"`
			PaymentMessage string      `json:"payment_message"`
		} `json:"payment"`
	} `json:"data"`
}

// ParseWebhook verifies base64(HMAC(timestamp + body)) and maps known event types.
func (c *Cashfree) ParseWebhook(req WebhookRequest) (Event, error) {
	if c.cfg.ClientSecret == "" {
		return nil, ErrNotConfigured
	}
	if req.Timestamp == "" || !equalSignatures(hmacBase64(c.cfg.ClientSecret, req.Timestamp+string(req.Body)), req.Signature) {
		return nil, ErrInvalidSignature
	}

	var wh cashfreeWebhook
	dec := json.NewDecoder(strings.NewReader(string(req.Body)))
	dec.UseNumber()
	if err := dec.Decode(&wh); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if wh.Data.Order.OrderID == "" {
		return nil, fmt.Errorf("%w: order missing", ErrMalformedPayload)
	}

	paymentID := ""
	if wh.Data.Payment != nil {
		paymentID = wh.Data.Payment.CfPaymentID.String()
	}

	switch wh.Type {
	case "PAYMENT_SUCCESS_WEBHOOK":
		if wh.Data.Payment == nil || paymentID == "" {
			return nil, fmt.Errorf("%w: payment missing", ErrMalformedPayload)
		}
		return PaymentCaptured{
			EventID:   eventID(req.EventID, paymentID, KindPaymentCaptured),
			OrderID:   wh.Data.Order.OrderID,
			PaymentID: paymentID,
			Amount:    decimal.NewFromFloat(wh.Data.Payment.PaymentAmount),
			Currency:  wh.Data.Order.OrderCurrency,
		}, nil
	case "PAYMENT_FAILED_WEBHOOK", "PAYMENT_USER_DROPPED_WEBHOOK":
		reason := "payment failed"
		if wh.Data.Payment != nil && wh.Data.Payment.PaymentMessage != "" {
			reason = wh.Data.Payment.PaymentMessage
		}
		return PaymentFailed{
			EventID:   eventID(req.EventID, paymentID+":"+wh.Type, KindPaymentFailed),
			OrderID:   wh.Data.Order.OrderID,
			PaymentID: paymentID,
			Reason:    reason,
		}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedEvent, wh.Type)
	}
}

func hmacBase64(secret, message string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(message))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
