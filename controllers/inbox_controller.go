package controller

import (
	"context"
	"log"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"socialinbox/middleware"
	"socialinbox/models"
	"socialinbox/permissions"
	"socialinbox/utils"
)

var platformNames = map[permissions.Platform]string{
	permissions.PlatformFacebook:  "Facebook",
	permissions.PlatformInstagram: "Instagram",
	permissions.PlatformWhatsApp:  "WhatsApp",
	permissions.PlatformGmail:     "Gmail",
}

// ReplyDispatcher sends an outgoing reply through a platform's API and
// returns the platform-assigned message id. Platforms without a dispatcher
// get their replies recorded locally only.
type ReplyDispatcher interface {
	SendReply(ctx context.Context, conversationID, recipientID, subject, text string) (string, error)
}

type InboxController struct {
	db          *gorm.DB
	hub         *InboxHub
	logger      *log.Logger
	dispatchers map[permissions.Platform]ReplyDispatcher
}

func NewInboxController(db *gorm.DB, hub *InboxHub, logger *log.Logger) *InboxController {
	return &InboxController{
		db:          db,
		hub:         hub,
		logger:      logger,
		dispatchers: make(map[permissions.Platform]ReplyDispatcher),
	}
}

// RegisterDispatcher wires a platform's outbound send path. Called during
// route setup, before the server accepts traffic.
func (ic *InboxController) RegisterDispatcher(platform permissions.Platform, d ReplyDispatcher) {
	ic.dispatchers[platform] = d
}

type platformResponse struct {
	ID          permissions.Platform `json:"id"`
	Name        string               `json:"name"`
	UnreadCount int64                `json:"unread_count"`
}

// GetPlatforms lists every platform with its unread incoming count.
func (ic *InboxController) GetPlatforms(c *fiber.Ctx) error {
	result := make([]platformResponse, 0, len(permissions.AllPlatforms()))
	for _, platform := range permissions.AllPlatforms() {
		var unread int64
		if err := ic.db.Model(&models.SocialMessage{}).
			Where("platform = ? AND direction = ? AND is_read = ?", platform, models.DirectionIncoming, false).
			Count(&unread).Error; err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "Failed to count unread messages",
			})
		}
		result = append(result, platformResponse{
			ID:          platform,
			Name:        platformNames[platform],
			UnreadCount: unread,
		})
	}
	return c.JSON(fiber.Map{"platforms": result})
}

type conversationResponse struct {
	ConversationID string               `json:"conversation_id"`
	Sender         models.Participant   `json:"sender"`
	LastMessage    string               `json:"last_message"`
	LastMessageAt  interface{}          `json:"last_message_at"`
	UnreadCount    int64                `json:"unread_count"`
	Platform       permissions.Platform `json:"platform"`
}

// GetConversations returns one entry per external sender on a platform,
// newest activity first.
func (ic *InboxController) GetConversations(c *fiber.Ctx) error {
	platform := permissions.Platform(c.Query("platform"))
	if !platform.Valid() {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Unknown or missing platform",
		})
	}
	limit := queryInt(c, "limit", 50)
	offset := queryInt(c, "offset", 0)

	// Group incoming traffic by external sender; the latest row id per sender
	// orders conversations by recency without a second timestamp pass.
	var groups []struct {
		SenderID string
		LastID   uint
	}
	if err := ic.db.Model(&models.SocialMessage{}).
		Select("sender_id, MAX(id) AS last_id").
		Where("platform = ? AND direction = ?", platform, models.DirectionIncoming).
		Group("sender_id").
		Order("last_id DESC").
		Limit(limit).Offset(offset).
		Scan(&groups).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to fetch conversations",
		})
	}

	var total int64
	if err := ic.db.Model(&models.SocialMessage{}).
		Where("platform = ? AND direction = ?", platform, models.DirectionIncoming).
		Distinct("sender_id").
		Count(&total).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to count conversations",
		})
	}

	conversations := make([]conversationResponse, 0, len(groups))
	for _, group := range groups {
		var last models.SocialMessage
		if err := ic.db.First(&last, group.LastID).Error; err != nil {
			ic.logger.Printf("Failed to load message %d: %v", group.LastID, err)
			continue
		}

		var unread int64
		ic.db.Model(&models.SocialMessage{}).
			Where("sender_id = ? AND platform = ? AND direction = ? AND is_read = ?",
				group.SenderID, platform, models.DirectionIncoming, false).
			Count(&unread)

		conversationID := last.ConversationID
		if conversationID == "" {
			conversationID = group.SenderID
		}

		lastMessage := last.MessageText
		if lastMessage == "" {
			lastMessage = "[attachment]"
		}

		conversations = append(conversations, conversationResponse{
			ConversationID: conversationID,
			Sender:         last.Sender,
			LastMessage:    lastMessage,
			LastMessageAt:  last.CreatedAt,
			UnreadCount:    unread,
			Platform:       platform,
		})
	}

	return c.JSON(fiber.Map{
		"conversations": conversations,
		"total":         total,
	})
}

// GetMessages returns a conversation's history in chronological order.
func (ic *InboxController) GetMessages(c *fiber.Ctx) error {
	conversationID := c.Params("conversationId")
	limit := queryInt(c, "limit", 50)
	offset := queryInt(c, "offset", 0)

	var messages []models.SocialMessage
	query := ic.db.
		Where("conversation_id = ? OR sender_id = ?", conversationID, conversationID)

	if err := query.Order("id DESC").Limit(limit).Offset(offset).Find(&messages).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to fetch messages",
		})
	}

	var total int64
	ic.db.Model(&models.SocialMessage{}).
		Where("conversation_id = ? OR sender_id = ?", conversationID, conversationID).
		Count(&total)

	// Reverse into chronological order for display.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	return c.JSON(fiber.Map{
		"messages": messages,
		"total":    total,
	})
}

type sendMessageRequest struct {
	MessageText string `json:"message_text" validate:"required"`
}

// SendMessage records a reply and dispatches it through the platform API
// when one is wired. Access is enforced by the RequirePlatformAccess
// middleware in front of this handler.
func (ic *InboxController) SendMessage(c *fiber.Ctx) error {
	user, ok := middleware.UserContextFromLocals(c)
	if !ok {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "Authorization required",
		})
	}

	platform := permissions.Platform(c.Query("platform"))
	if !platform.Valid() {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Unknown or missing platform",
		})
	}
	conversationID := c.Params("conversationId")

	var req sendMessageRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if err := utils.ValidateStruct(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	// The reply goes to whoever wrote to us last in this conversation.
	recipientID := conversationID
	var subject string
	var lastIncoming models.SocialMessage
	err := ic.db.
		Where("(conversation_id = ? OR sender_id = ?) AND direction = ?",
			conversationID, conversationID, models.DirectionIncoming).
		Order("id DESC").First(&lastIncoming).Error
	if err == nil {
		recipientID = lastIncoming.Sender.ID
		subject = replySubject(lastIncoming.MessageText)
	}

	platformMessageID := ""
	sentViaAPI := false
	if dispatcher, ok := ic.dispatchers[platform]; ok {
		platformMessageID, err = dispatcher.SendReply(c.UserContext(), conversationID, recipientID, subject, req.MessageText)
		if err != nil {
			utils.LogError("reply_dispatch_failed", err, map[string]interface{}{
				"platform":        platform,
				"conversation_id": conversationID,
			})
			return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
				"success": false,
				"error":   "Failed to send message via " + string(platform),
			})
		}
		sentViaAPI = true
	} else {
		ic.logger.Printf("%s send API not wired, recording reply locally", platform)
	}

	if platformMessageID == "" {
		platformMessageID = uuid.NewString()
	}

	message := models.SocialMessage{
		Platform:       platform,
		Sender:         models.Participant{ID: conversationID},
		Recipient:      models.Participant{ID: recipientID},
		MessageText:    req.MessageText,
		MessageID:      platformMessageID,
		Direction:      models.DirectionOutgoing,
		ConversationID: conversationID,
		IsRead:         true,
		RawPayload:     models.JSONMap{"sent_via_api": sentViaAPI},
		SentByID:       user.UserID,
	}
	if err := ic.db.Create(&message).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to save message",
		})
	}

	ic.hub.BroadcastNewMessage(message)

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"success":             true,
		"message":             message,
		"platform_message_id": platformMessageID,
	})
}

// SaveIncoming persists a message received from a platform and notifies
// websocket clients. Used by the webhook intake and the Gmail fetchers.
func (ic *InboxController) SaveIncoming(message *models.SocialMessage) error {
	message.Direction = models.DirectionIncoming
	message.IsRead = false
	if message.ConversationID == "" {
		message.ConversationID = message.Sender.ID
	}

	if err := ic.db.Create(message).Error; err != nil {
		return err
	}

	ic.hub.BroadcastNewMessage(*message)
	return nil
}

// HasMessage reports whether a platform message id is already stored, so
// fetchers can skip duplicates.
func (ic *InboxController) HasMessage(platform permissions.Platform, messageID string) (bool, error) {
	var count int64
	err := ic.db.Model(&models.SocialMessage{}).
		Where("platform = ? AND message_id = ?", platform, messageID).
		Count(&count).Error
	return count > 0, err
}

// MarkConversationRead marks every unread incoming message in a conversation
// as read.
func (ic *InboxController) MarkConversationRead(c *fiber.Ctx) error {
	conversationID := c.Params("conversationId")

	if err := ic.db.Model(&models.SocialMessage{}).
		Where("conversation_id = ? AND direction = ? AND is_read = ?",
			conversationID, models.DirectionIncoming, false).
		Update("is_read", true).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to mark conversation as read",
		})
	}

	ic.hub.BroadcastConversationUpdate(conversationID, 0)
	return c.JSON(fiber.Map{"success": true})
}

// MarkMessageRead marks a single message as read.
func (ic *InboxController) MarkMessageRead(c *fiber.Ctx) error {
	messageID, err := strconv.ParseUint(c.Params("messageId"), 10, 64)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid message id",
		})
	}

	var message models.SocialMessage
	if err := ic.db.First(&message, messageID).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Message not found",
		})
	}

	if err := ic.db.Model(&message).Update("is_read", true).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to mark message as read",
		})
	}

	message.IsRead = true
	ic.hub.BroadcastMessageUpdate(message)
	return c.JSON(fiber.Map{"success": true})
}

// GetUnreadCount returns the unread incoming total, optionally scoped to one
// platform via the platform query parameter.
func (ic *InboxController) GetUnreadCount(c *fiber.Ctx) error {
	query := ic.db.Model(&models.SocialMessage{}).
		Where("direction = ? AND is_read = ?", models.DirectionIncoming, false)

	if raw := c.Query("platform"); raw != "" {
		platform := permissions.Platform(raw)
		if !platform.Valid() {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Unknown platform",
			})
		}
		query = query.Where("platform = ?", platform)
	}

	var unread int64
	if err := query.Count(&unread).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to count unread messages",
		})
	}

	return c.JSON(fiber.Map{"unread_count": unread})
}

// replySubject derives an email reply subject from a stored Gmail message
// body, which the fetcher prefixes with "Subject: ...".
func replySubject(messageText string) string {
	firstLine, _, _ := strings.Cut(messageText, "\n")
	if subject, ok := strings.CutPrefix(firstLine, "Subject: "); ok && subject != "" {
		if strings.HasPrefix(strings.ToLower(subject), "re:") {
			return subject
		}
		return "Re: " + subject
	}
	return "Re: your message"
}

func queryInt(c *fiber.Ctx, key string, fallback int) int {
	raw := c.Query(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return fallback
	}
	return value
}
