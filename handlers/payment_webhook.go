package handlers

import (
	"strings"

	"schoolfees_go/services/finance"
	"schoolfees_go/services/gateway"
	"schoolfees_go/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// header names each provider signs its deliveries with
type webhookHeaders struct {
	Signature string
	Timestamp string
	EventID   string
}

var gatewayHeaders = map[string]webhookHeaders{
	"razorpay": {Signature: "X-Razorpay-Signature", EventID: "X-Razorpay-Event-Id"},
	"cashfree": {Signature: "X-Webhook-Signature", Timestamp: "X-Webhook-Timestamp", EventID: "X-Idempotency-Key"},
}

// PaymentWebhookHandler receives gateway callbacks. It is mounted outside JWT auth;
// every delivery is authenticated by its signature instead.
type PaymentWebhookHandler struct {
	Finance *finance.Service
}

func NewPaymentWebhookHandler(svc *finance.Service) *PaymentWebhookHandler {
	return &PaymentWebhookHandler{Finance: svc}
}

// Handle processes one delivery. Duplicates and unsupported events answer 200 so
// the provider stops retrying; storage failures answer 500 so it retries.
func (h *PaymentWebhookHandler) Handle(c *fiber.Ctx) error {
	name := strings.ToLower(c.Params("gateway"))
	hdr, ok := gatewayHeaders[name]
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Unknown payment gateway",
			"code":  finance.KindNotFound.Code(),
		})
	}

	signature := c.Get(hdr.Signature)
	if signature == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Missing signature header",
			"code":  finance.KindValidation.Code(),
		})
	}

	req := gateway.WebhookRequest{
		// fasthttp reuses the body buffer after the handler returns
		Body:      append([]byte(nil), c.Body()...),
		Signature: signature,
	}
	if hdr.Timestamp != "" {
		req.Timestamp = c.Get(hdr.Timestamp)
	}
	if hdr.EventID != "" {
		req.EventID = c.Get(hdr.EventID)
	}

	ctx := utils.WithFields(c.UserContext(), logrus.Fields{"gateway": name})
	res, err := h.Finance.HandleWebhook(ctx, name, req)
	if err != nil {
		return webhookError(c, err)
	}
	return c.JSON(fiber.Map{
		"status": "ok",
		"result": res,
	})
}

func webhookError(c *fiber.Ctx, err error) error {
	kind := finance.KindOf(err)
	status := fiber.StatusInternalServerError
	message := "Internal server error"
	switch kind {
	case finance.KindExternal:
		status, message = fiber.StatusUnauthorized, "Invalid signature"
	case finance.KindValidation:
		status, message = fiber.StatusBadRequest, "Malformed payload"
	case finance.KindNotFound:
		// unknown gateway and unknown order carry their own message
		status, message = fiber.StatusNotFound, "Not found"
		var fe *finance.Error
		if errors.As(err, &fe) && fe.Public() {
			message = fe.Message
		}
	case finance.KindPrecondition:
		status, message = fiber.StatusPreconditionFailed, "Payment gateway is not configured"
	default:
		utils.Logger(c.UserContext()).WithError(err).Error("webhook processing failed")
	}
	code := kind.Code()
	if kind == finance.KindExternal {
		code = "UNAUTHORIZED"
	}
	return c.Status(status).JSON(fiber.Map{
		"error": message,
		"code":  code,
	})
}
