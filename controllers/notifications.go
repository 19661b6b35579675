package controllers

import (
	"time"

	"schoolfees_go/database"
	"schoolfees_go/middleware"
	"schoolfees_go/models"
	"schoolfees_go/utils"

	"github.com/gofiber/fiber/v2"
)

// NotificationController serves the in-app inbox that payment and reconciliation
// events are written to
type NotificationController struct{}

// GetNotifications returns notifications for the current user
func (nc *NotificationController) GetNotifications(c *fiber.Ctx) error {
	user, err := middleware.GetCurrentUser(c)
	if err != nil {
		return respondError(c, err)
	}

	page := c.QueryInt("page", 1)
	limit := c.QueryInt("limit", 10)
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 100 {
		limit = 10
	}

	query := database.DB.WithContext(c.UserContext()).Model(&models.Notification{}).Where("user_id = ?", user.ID)
	switch c.Query("read") {
	case "true":
		query = query.Where(map[string]interface{}{"read": true})
	case "false":
		query = query.Where(map[string]interface{}{"read": false})
	}
	if t := c.Query("type"); t != "" {
		query = query.Where("type = ?", t)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to fetch notifications"})
	}
	var notifications []models.Notification
	if err := query.Order("created_at DESC").Offset((page - 1) * limit).Limit(limit).Find(&notifications).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to fetch notifications"})
	}

	out := make([]utils.NotificationDTO, 0, len(notifications))
	for _, n := range notifications {
		out = append(out, utils.ToNotificationDTO(n))
	}
	return c.JSON(fiber.Map{
		"notifications": out,
		"pagination": fiber.Map{
			"page":  page,
			"limit": limit,
			"total": total,
		},
	})
}

func (nc *NotificationController) GetUnreadCount(c *fiber.Ctx) error {
	user, err := middleware.GetCurrentUser(c)
	if err != nil {
		return respondError(c, err)
	}
	var count int64
	err = database.DB.WithContext(c.UserContext()).Model(&models.Notification{}).
		Where("user_id = ?", user.ID).Where(map[string]interface{}{"read": false}).Count(&count).Error
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to count notifications"})
	}
	return c.JSON(fiber.Map{"unread_count": count})
}

// MarkAsRead marks one of the user's notifications as read
func (nc *NotificationController) MarkAsRead(c *fiber.Ctx) error {
	user, err := middleware.GetCurrentUser(c)
	if err != nil {
		return respondError(c, err)
	}
	id, err := paramID(c, "id")
	if err != nil {
		return respondError(c, err)
	}
	res := database.DB.WithContext(c.UserContext()).Model(&models.Notification{}).
		Where("id = ? AND user_id = ?", id, user.ID).
		Updates(map[string]interface{}{"read": true, "read_at": time.Now().UTC()})
	if res.Error != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to update notification"})
	}
	if res.RowsAffected == 0 {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Notification not found", "code": "NOT_FOUND"})
	}
	return c.JSON(fiber.Map{"message": "Notification marked as read"})
}

func (nc *NotificationController) MarkAllAsRead(c *fiber.Ctx) error {
	user, err := middleware.GetCurrentUser(c)
	if err != nil {
		return respondError(c, err)
	}
	res := database.DB.WithContext(c.UserContext()).Model(&models.Notification{}).
		Where("user_id = ?", user.ID).Where(map[string]interface{}{"read": false}).
		Updates(map[string]interface{}{"read": true, "read_at": time.Now().UTC()})
	if res.Error != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to update notifications"})
	}
	return c.JSON(fiber.Map{
		"message": "All notifications marked as read",
		"updated": res.RowsAffected,
	})
}
