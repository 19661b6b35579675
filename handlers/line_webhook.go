package handlers

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"schoolfees_go/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/line/line-bot-sdk-go/linebot"
	"github.com/sirupsen/logrus"
)

// LineWebhookHandler lets the finance bot announce the id of groups it joins, which is
// what LINE_FINANCE_GROUP_ID must be set to for reconciliation alerts
type LineWebhookHandler struct {
	Secret         string
	Bot            *linebot.Client
	FinanceGroupID string
}

func NewLineWebhookHandler(secret string, bot *linebot.Client, financeGroupID string) *LineWebhookHandler {
	return &LineWebhookHandler{Secret: secret, Bot: bot, FinanceGroupID: financeGroupID}
}

// Handle verifies X-Line-Signature and processes join and leave events
func (h *LineWebhookHandler) Handle(c *fiber.Ctx) error {
	if h.Bot == nil {
		return c.SendStatus(fiber.StatusOK)
	}

	signature := c.Get("X-Line-Signature")
	if signature == "" {
		return c.SendStatus(fiber.StatusBadRequest)
	}
	if !validateSignature(h.Secret, c.Body(), signature) {
		utils.Logger(c.UserContext()).Warn("LINE webhook signature mismatch")
		return c.SendStatus(fiber.StatusUnauthorized)
	}

	var webhook struct {
		Events []*linebot.Event `json:"events"`
	}
	if err := json.Unmarshal(c.Body(), &webhook); err != nil {
		utils.Logger(c.UserContext()).WithError(err).Warn("Failed to parse LINE events")
		return c.SendStatus(fiber.StatusBadRequest)
	}

	for _, event := range webhook.Events {
		if event.Source == nil || event.Source.GroupID == "" {
			continue
		}
		h.handleGroupEvent(c.UserContext(), event)
	}
	return c.SendStatus(fiber.StatusOK)
}

func (h *LineWebhookHandler) handleGroupEvent(ctx context.Context, event *linebot.Event) {
	groupID := event.Source.GroupID
	log := utils.Logger(ctx).WithFields(logrus.Fields{"line_group_id": groupID, "event": event.Type})

	switch event.Type {
	case linebot.EventTypeJoin:
		text := fmt.Sprintf("Finance alerts bot joined. Group id: %s", groupID)
		if groupID == h.FinanceGroupID {
			text = "Finance alerts bot joined. This group receives reconciliation alerts."
		}
		log.Info("LINE bot joined group")
		if event.ReplyToken == "" {
			return
		}
		if _, err := h.Bot.ReplyMessage(event.ReplyToken, linebot.NewTextMessage(text)).WithContext(ctx).Do(); err != nil {
			log.WithError(err).Warn("LINE reply failed")
		}
	case linebot.EventTypeLeave:
		if groupID == h.FinanceGroupID {
			log.Error("LINE bot removed from the finance group; reconciliation alerts will not be delivered")
			return
		}
		log.Info("LINE bot left group")
	}
}

func validateSignature(secret string, body []byte, signature string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(signature), []byte(expected))
}
