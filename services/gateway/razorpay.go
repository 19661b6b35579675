package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const razorpayDefaultBaseURL = "https://api.razorpay.com"

// RazorpayConfig holds API and webhook credentials.
type RazorpayConfig struct {
	KeyID         string
	KeySecret     string
	WebhookSecret string
	BaseURL       string
	Timeout       time.Duration
}

// Razorpay talks to the Orders API and verifies HMAC-SHA256 hex signatures.
type Razorpay struct {
	cfg RazorpayConfig
}

func NewRazorpay(cfg RazorpayConfig) *Razorpay {
	if cfg.BaseURL == "" {
		cfg.BaseURL = razorpayDefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Razorpay{cfg: cfg}
}

func (r *Razorpay) Name() string { return "razorpay" }

func (r *Razorpay) IsConfigured() bool {
	return r.cfg.KeyID != "" && r.cfg.KeySecret != ""
}

type razorpayOrderResponse struct {
	ID       string `json:"id"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Status   string `json:"status"`
	Error    *struct {
		Code        string `json:"code"`
		Description string `json:"description"`
	} `json:"error,omitempty"`
}

// CreateOrder opens an order; amounts travel in the smallest currency unit.
func (r *Razorpay) CreateOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	if !r.IsConfigured() {
		return nil, ErrNotConfigured
	}
	payload := map[string]interface{}{
		"amount":   req.Amount.Shift(2).Round(0).IntPart(),
		"currency": req.Currency,
		"receipt":  req.Receipt,
		"notes":    req.Notes,
	}
	code, body, err := postJSON(ctx, r.cfg.BaseURL+"/v1/orders", nil, r.cfg.KeyID, r.cfg.KeySecret, payload, r.cfg.Timeout)
	if err != nil {
		return nil, &OrderError{Gateway: r.Name(), Message: err.Error()}
	}

	var resp razorpayOrderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &OrderError{Gateway: r.Name(), Status: code, Message: "unreadable order response"}
	}
	if code >= 300 || resp.ID == "" {
		msg := "order creation failed"
		if resp.Error != nil && resp.Error.Description != "" {
			msg = resp.Error.Description
		}
		return nil, &OrderError{Gateway: r.Name(), Status: code, Message: msg}
	}

	return &Order{
		ID:       resp.ID,
		Amount:   decimal.New(resp.Amount, -2),
		Currency: resp.Currency,
		CheckoutPayload: map[string]interface{}{
			"key":      r.cfg.KeyID,
			"order_id": resp.ID,
			"amount":   resp.Amount,
			"currency": resp.Currency,
			"prefill": map[string]string{
				"name":    req.Customer.Name,
				"email":   req.Customer.Email,
				"contact": req.Customer.Phone,
			},
		},
		Raw: body,
	}, nil
}

// VerifySignature checks the checkout callback signature over "order_id|payment_id".
func (r *Razorpay) VerifySignature(orderID, paymentID, signature string) bool {
	if r.cfg.KeySecret == "" || signature == "" {
		return false
	}
	return equalSignatures(hmacHex(r.cfg.KeySecret, orderID+"|"+paymentID), signature)
}

type razorpayWebhook struct {
	Event   string `json:"event"`
	Payload struct {
		Payment *struct {
			Entity struct {
				ID               string `json:"id"`
				OrderID          string `json:"order_id"`
				Amount           int64  `json:"amount"`
				Currency         string `json:"currency"`
				Status           string `json:"status"`
				ErrorDescription string `json:"error_description"`
			} `json:"entity"`
		} `json:"payment"`
		Order *struct {
			Entity struct {
				ID     string `json:"id"`
				Status string `json:"status"`
			} `json:"entity"`
		} `json:"order"`
	} `json:"payload"`
}

// ParseWebhook verifies the body signature and maps known events.
func (r *Razorpay) ParseWebhook(req WebhookRequest) (Event, error) {
	if r.cfg.WebhookSecret == "" {
		return nil, ErrNotConfigured
	}
	if !equalSignatures(hmacHex(r.cfg.WebhookSecret, string(req.Body)), req.Signature) {
		return nil, ErrInvalidSignature
	}

	var wh razorpayWebhook
	if err := json.Unmarshal(req.Body, &wh); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	switch wh.Event {
	case "payment.captured", "order.paid":
		p := wh.Payload.Payment
		if p == nil || p.Entity.OrderID == "" || p.Entity.ID == "" {
			return nil, fmt.Errorf("%w: payment entity missing", ErrMalformedPayload)
		}
		return PaymentCaptured{
			EventID:   eventID(req.EventID, p.Entity.ID, KindPaymentCaptured),
			OrderID:   p.Entity.OrderID,
			PaymentID: p.Entity.ID,
			Amount:    decimal.New(p.Entity.Amount, -2),
			Currency:  p.Entity.Currency,
		}, nil
	case "payment.failed":
		p := wh.Payload.Payment
		if p == nil || p.Entity.OrderID == "" {
			return nil, fmt.Errorf("%w: payment entity missing", ErrMalformedPayload)
		}
		return PaymentFailed{
			EventID:   eventID(req.EventID, p.Entity.ID, KindPaymentFailed),
			OrderID:   p.Entity.OrderID,
			PaymentID: p.Entity.ID,
			Reason:    p.Entity.ErrorDescription,
		}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedEvent, wh.Event)
	}
}

func hmacHex(secret, message string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil))
}

func eventID(header, paymentID, kind string) string {
	if header != "" {
		return header
	}
	return kind + ":" + paymentID
}
