package controllers

import (
	"schoolfees_go/config"
	"schoolfees_go/database"
	"schoolfees_go/middleware"
	"schoolfees_go/models"
	"schoolfees_go/services/websocket"

	"github.com/gofiber/fiber/v2"
	fiberws "github.com/gofiber/websocket/v2"
	"github.com/sirupsen/logrus"
)

type WebSocketController struct {
	hub *websocket.Hub
}

func NewWebSocketController(hub *websocket.Hub) *WebSocketController {
	return &WebSocketController{hub: hub}
}

// Upgrade authenticates the token query parameter before the protocol switch,
// so a bad token gets a plain 401 instead of a dropped socket
func (wsc *WebSocketController) Upgrade(c *fiber.Ctx) error {
	if !fiberws.IsWebSocketUpgrade(c) {
		return c.Status(fiber.StatusUpgradeRequired).JSON(fiber.Map{
			"error": "Use the WebSocket endpoint: ws://<host>/ws?token=YOUR_JWT",
		})
	}
	claims, err := middleware.ParseToken(c.Query("token"), config.AppConfig.JWTSecret)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid token"})
	}
	var user models.User
	if err := database.DB.Select("id").Where("id = ? AND status = ?", claims.UserID, "active").First(&user).Error; err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "User not found or inactive"})
	}
	c.Locals("ws_user_id", user.ID)
	return c.Next()
}

// Handler attaches the connection to the hub for payment status pushes
func (wsc *WebSocketController) Handler() fiber.Handler {
	return fiberws.New(func(c *fiberws.Conn) {
		userID, ok := c.Locals("ws_user_id").(uint)
		if !ok {
			_ = c.Close()
			return
		}
		logrus.WithField("user_id", userID).Debug("websocket connection established")
		wsc.hub.ServeFiberWS(c, userID)
	})
}

// GetWebSocketStats reports open connections
func (wsc *WebSocketController) GetWebSocketStats(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"connected_clients": wsc.hub.ClientCount(),
		"status":            "active",
	})
}
