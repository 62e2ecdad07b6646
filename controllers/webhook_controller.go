package controller

import (
	"encoding/json"
	"log"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"

	"socialinbox/config"
	"socialinbox/models"
	"socialinbox/permissions"
	"socialinbox/utils"
)

// WebhookController receives Meta platform callbacks (Messenger, Instagram
// and the WhatsApp Cloud API share one webhook shape, distinguished by the
// top-level object field).
type WebhookController struct {
	inbox  *InboxController
	logger *log.Logger
}

func NewWebhookController(inbox *InboxController, logger *log.Logger) *WebhookController {
	return &WebhookController{inbox: inbox, logger: logger}
}

type metaWebhookPayload struct {
	Object string `json:"object"`
	Entry  []struct {
		ID        string          `json:"id"`
		Time      int64           `json:"time"`
		Messaging []metaMessaging `json:"messaging"`
		Changes   []struct {
			Field string            `json:"field"`
			Value whatsappChangeSet `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

type metaMessaging struct {
	Sender struct {
		ID string `json:"id"`
	} `json:"sender"`
	Recipient struct {
		ID string `json:"id"`
	} `json:"recipient"`
	Timestamp int64 `json:"timestamp"`
	Message   struct {
		MID         string `json:"mid"`
		Text        string `json:"text"`
		Attachments []struct {
			Type    string `json:"type"`
			Payload struct {
				URL string `json:"url"`
			} `json:"payload"`
		} `json:"attachments"`
	} `json:"message"`
}

type whatsappChangeSet struct {
	MessagingProduct string `json:"messaging_product"`
	Metadata         struct {
		DisplayPhoneNumber string `json:"display_phone_number"`
		PhoneNumberID      string `json:"phone_number_id"`
	} `json:"metadata"`
	Contacts []struct {
		WaID    string `json:"wa_id"`
		Profile struct {
			Name string `json:"name"`
		} `json:"profile"`
	} `json:"contacts"`
	Messages []struct {
		ID        string `json:"id"`
		From      string `json:"from"`
		Timestamp string `json:"timestamp"`
		Type      string `json:"type"`
		Text      struct {
			Body string `json:"body"`
		} `json:"text"`
	} `json:"messages"`
}

// VerifyWebhook answers Meta's subscription handshake: echo hub.challenge
// when the verify token matches.
func (wc *WebhookController) VerifyWebhook(c *fiber.Ctx) error {
	mode := c.Query("hub.mode")
	token := c.Query("hub.verify_token")
	challenge := c.Query("hub.challenge")

	if mode == "subscribe" && token != "" && token == config.AppConfig.FacebookVerifyToken {
		wc.logger.Println("Webhook verified")
		return c.SendString(challenge)
	}

	utils.LogEvent("webhook_verification_failed", map[string]interface{}{
		"mode": mode,
		"ip":   c.IP(),
	})
	return c.SendStatus(fiber.StatusForbidden)
}

// HandleWebhook ingests a Meta event batch. Meta retries on non-200, so
// malformed entries are logged and skipped rather than failing the batch;
// the response is always EVENT_RECEIVED once the payload parses.
func (wc *WebhookController) HandleWebhook(c *fiber.Ctx) error {
	var payload metaWebhookPayload
	if err := c.BodyParser(&payload); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid payload",
		})
	}

	switch payload.Object {
	case "page":
		wc.handleMessagingEvents(payload, permissions.PlatformFacebook)
	case "instagram":
		wc.handleMessagingEvents(payload, permissions.PlatformInstagram)
	case "whatsapp_business_account":
		wc.handleWhatsAppEvents(payload)
	default:
		wc.logger.Printf("Ignoring webhook object type %q", payload.Object)
	}

	return c.SendString("EVENT_RECEIVED")
}

// handleMessagingEvents stores Messenger / Instagram DM events. Echoes of
// our own sends (sender == page) arrive on the same webhook and are skipped
// by the message-id dedupe.
func (wc *WebhookController) handleMessagingEvents(payload metaWebhookPayload, platform permissions.Platform) {
	for _, entry := range payload.Entry {
		for _, event := range entry.Messaging {
			if event.Message.MID == "" {
				continue
			}

			exists, err := wc.inbox.HasMessage(platform, event.Message.MID)
			if err != nil {
				utils.LogError("webhook_dedupe_failed", err, map[string]interface{}{
					"platform":   platform,
					"message_id": event.Message.MID,
				})
				continue
			}
			if exists {
				continue
			}

			attachments := make(models.JSONArray, 0, len(event.Message.Attachments))
			for _, a := range event.Message.Attachments {
				attachments = append(attachments, map[string]interface{}{
					"type": a.Type,
					"url":  a.Payload.URL,
				})
			}

			message := models.SocialMessage{
				Platform:    platform,
				Sender:      models.Participant{ID: event.Sender.ID},
				Recipient:   models.Participant{ID: event.Recipient.ID},
				MessageText: event.Message.Text,
				MessageID:   event.Message.MID,
				Timestamp:   event.Timestamp,
				Attachments: attachments,
				RawPayload:  toRawPayload(event),
			}
			if err := wc.inbox.SaveIncoming(&message); err != nil {
				utils.LogError("webhook_save_failed", err, map[string]interface{}{
					"platform":   platform,
					"message_id": event.Message.MID,
				})
				continue
			}
			wc.logger.Printf("Stored %s message %s from %s", platform, event.Message.MID, event.Sender.ID)
		}
	}
}

// handleWhatsAppEvents stores WhatsApp Cloud API message changes. Contact
// display names arrive in a parallel contacts array keyed by wa_id.
func (wc *WebhookController) handleWhatsAppEvents(payload metaWebhookPayload) {
	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			if change.Field != "messages" {
				continue
			}

			names := make(map[string]string, len(change.Value.Contacts))
			for _, contact := range change.Value.Contacts {
				names[contact.WaID] = contact.Profile.Name
			}

			for _, msg := range change.Value.Messages {
				if msg.ID == "" {
					continue
				}

				exists, err := wc.inbox.HasMessage(permissions.PlatformWhatsApp, msg.ID)
				if err != nil {
					utils.LogError("webhook_dedupe_failed", err, map[string]interface{}{
						"platform":   permissions.PlatformWhatsApp,
						"message_id": msg.ID,
					})
					continue
				}
				if exists {
					continue
				}

				timestamp, _ := strconv.ParseInt(msg.Timestamp, 10, 64)
				if timestamp == 0 {
					timestamp = time.Now().Unix()
				}

				text := msg.Text.Body
				if text == "" && msg.Type != "text" {
					text = "[" + msg.Type + "]"
				}

				message := models.SocialMessage{
					Platform:    permissions.PlatformWhatsApp,
					Sender:      models.Participant{ID: msg.From, Name: names[msg.From]},
					Recipient:   models.Participant{ID: change.Value.Metadata.PhoneNumberID},
					MessageText: text,
					MessageID:   msg.ID,
					Timestamp:   timestamp,
					RawPayload:  toRawPayload(msg),
				}
				if err := wc.inbox.SaveIncoming(&message); err != nil {
					utils.LogError("webhook_save_failed", err, map[string]interface{}{
						"platform":   permissions.PlatformWhatsApp,
						"message_id": msg.ID,
					})
					continue
				}
				wc.logger.Printf("Stored whatsapp message %s from %s", msg.ID, msg.From)
			}
		}
	}
}

// toRawPayload keeps the original event for debugging and replay.
func toRawPayload(event interface{}) models.JSONMap {
	raw, err := json.Marshal(event)
	if err != nil {
		return nil
	}
	var out models.JSONMap
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}
