package gateway

import (
	"context"
	"crypto/hmac"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"
)

var (
	ErrUnknownGateway   = errors.New("unknown payment gateway")
	ErrNotConfigured    = errors.New("payment gateway is not configured")
	ErrInvalidSignature = errors.New("invalid gateway signature")
	ErrUnsupportedEvent = errors.New("unsupported gateway event")
	ErrMalformedPayload = errors.New("malformed gateway payload")
)

const defaultHTTPTimeout = 15 * time.Second

// Gateway is the contract every payment provider integration satisfies.
// Implementations are interchangeable; the finance service never branches on provider.
type Gateway interface {
	Name() string
	IsConfigured() bool
	CreateOrder(ctx context.Context, req OrderRequest) (*Order, error)
	VerifySignature(orderID, paymentID, signature string) bool
	ParseWebhook(req WebhookRequest) (Event, error)
}

// Customer is the buyer contact information sent to the provider.
type Customer struct {
	ID    string
	Name  string
	Email string
	Phone string
}

// OrderRequest describes an order to open at the provider.
type OrderRequest struct {
	Amount   decimal.Decimal
	Currency string
	Receipt  string
	Customer Customer
	Notes    map[string]string
}

// Order is the provider's answer to CreateOrder.
// CheckoutPayload is handed to the client to open the provider checkout.
type Order struct {
	ID              string
	Amount          decimal.Decimal
	Currency        string
	CheckoutPayload map[string]interface{}
	Raw             []byte
}

// OrderError carries the provider's rejection message.
type OrderError struct {
	Gateway string
	Status  int
	Message string
}

func (e *OrderError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s: order rejected (%d): %s", e.Gateway, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Gateway, e.Message)
}

// WebhookRequest is the raw delivery as received over HTTP.
type WebhookRequest struct {
	Body      []byte
	Signature string
	Timestamp string
	EventID   string
}

// Event is one of PaymentCaptured, PaymentFailed or OrderExpired.
type Event interface {
	ID() string
	OrderRef() string
	Kind() string
}

const (
	KindPaymentCaptured = "payment.captured"
	KindPaymentFailed   = "payment.failed"
	KindOrderExpired    = "order.expired"
)

type PaymentCaptured struct {
	EventID   string
	OrderID   string
	PaymentID string
	Amount    decimal.Decimal
	Currency  string
}

func (e PaymentCaptured) ID() string       { return e.EventID }
func (e PaymentCaptured) OrderRef() string { return e.OrderID }
func (e PaymentCaptured) Kind() string     { return KindPaymentCaptured }

type PaymentFailed struct {
	EventID   string
	OrderID   string
	PaymentID string
	Reason    string
}

func (e PaymentFailed) ID() string       { return e.EventID }
func (e PaymentFailed) OrderRef() string { return e.OrderID }
func (e PaymentFailed) Kind() string     { return KindPaymentFailed }

type OrderExpired struct {
	EventID string
	OrderID string
}

func (e OrderExpired) ID() string       { return e.EventID }
func (e OrderExpired) OrderRef() string { return e.OrderID }
func (e OrderExpired) Kind() string     { return KindOrderExpired }

// Registry selects a gateway implementation by name.
type Registry struct {
	gateways    map[string]Gateway
	defaultName string
}

// NewRegistry builds a registry; defaultName is used when callers pass an empty name.
func NewRegistry(defaultName string, gateways ...Gateway) *Registry {
	r := &Registry{gateways: make(map[string]Gateway, len(gateways)), defaultName: strings.ToLower(defaultName)}
	for _, g := range gateways {
		r.gateways[strings.ToLower(g.Name())] = g
	}
	if r.defaultName == "" && len(gateways) > 0 {
		r.defaultName = strings.ToLower(gateways[0].Name())
	}
	return r
}

// Get returns the gateway registered under name, or the default when name is empty.
func (r *Registry) Get(name string) (Gateway, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		key = r.defaultName
	}
	g, ok := r.gateways[key]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownGateway, name)
	}
	return g, nil
}

// Default returns the name of the default gateway.
func (r *Registry) Default() string { return r.defaultName }

// Names lists registered gateways in stable order.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.gateways))
	for k := range r.gateways {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// postJSON performs a JSON POST with the fiber HTTP client and returns status and body.
func postJSON(ctx context.Context, url string, headers map[string]string, basicUser, basicPass string, payload interface{}, timeout time.Duration) (int, []byte, error) {
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	if err := ctx.Err(); err != nil {
		return 0, nil, err
	}

	agent := fiber.Post(url)
	agent.Timeout(timeout)
	for k, v := range headers {
		agent.Set(k, v)
	}
	if basicUser != "" {
		agent.BasicAuth(basicUser, basicPass)
	}
	agent.JSON(payload)

	code, body, errs := agent.Bytes()
	if len(errs) > 0 {
		return code, body, errs[0]
	}
	return code, body, nil
}

func equalSignatures(expected, got string) bool {
	return hmac.Equal([]byte(expected), []byte(strings.TrimSpace(got)))
}
