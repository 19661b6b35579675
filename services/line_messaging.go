package services

import (
	"context"
	"fmt"

	"github.com/line/line-bot-sdk-go/linebot"
	"github.com/sirupsen/logrus"
)

// LineMessagingService pushes finance alerts through the LINE Messaging API
type LineMessagingService struct {
	Bot *linebot.Client
}

// NewLineMessagingService returns a disabled service when credentials are missing
func NewLineMessagingService(channelSecret, channelToken string, opts ...linebot.ClientOption) *LineMessagingService {
	if channelSecret == "" || channelToken == "" {
		logrus.Warn("LINE Messaging API disabled: missing LINE_CHANNEL_SECRET or LINE_CHANNEL_ACCESS_TOKEN")
		return &LineMessagingService{}
	}

	bot, err := linebot.New(channelSecret, channelToken, opts...)
	if err != nil {
		logrus.WithError(err).Error("Cannot create LINE bot client")
		return &LineMessagingService{}
	}
	return &LineMessagingService{Bot: bot}
}

// Enabled reports whether a bot client was created
func (s *LineMessagingService) Enabled() bool {
	return s != nil && s.Bot != nil
}

// PushText sends a text message to a user or group id
func (s *LineMessagingService) PushText(ctx context.Context, to, text string) error {
	if !s.Enabled() {
		return fmt.Errorf("LINE Bot client is not initialized")
	}
	if _, err := s.Bot.PushMessage(to, linebot.NewTextMessage(text)).WithContext(ctx).Do(); err != nil {
		return fmt.Errorf("LINE Messaging API failed: %v", err)
	}
	return nil
}
