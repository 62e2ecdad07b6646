package controller

import (
	"bytes"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"socialinbox/config"
	"socialinbox/models"
	"socialinbox/permissions"
)

func newWebhookTestApp(t *testing.T) (*fiber.App, *gorm.DB) {
	t.Helper()

	config.AppConfig.FacebookVerifyToken = "verify-token"

	db := openTestDB(t)
	inbox := NewInboxController(db, NewInboxHub(testLogger()), testLogger())
	wc := NewWebhookController(inbox, testLogger())

	app := fiber.New()
	app.Get("/facebook/webhook", wc.VerifyWebhook)
	app.Post("/facebook/webhook", wc.HandleWebhook)
	return app, db
}

func TestVerifyWebhookEchoesChallenge(t *testing.T) {
	app, _ := newWebhookTestApp(t)

	resp, err := app.Test(httptest.NewRequest("GET",
		"/facebook/webhook?hub.mode=subscribe&hub.verify_token=verify-token&hub.challenge=12345", nil))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "12345", string(body))
}

func TestVerifyWebhookRejectsBadToken(t *testing.T) {
	app, _ := newWebhookTestApp(t)

	resp, err := app.Test(httptest.NewRequest("GET",
		"/facebook/webhook?hub.mode=subscribe&hub.verify_token=wrong&hub.challenge=12345", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusForbidden, resp.StatusCode)
}

const messengerPayload = `{
	"object": "page",
	"entry": [{
		"id": "page-1",
		"time": 1700000000,
		"messaging": [{
			"sender": {"id": "psid-1"},
			"recipient": {"id": "page-1"},
			"timestamp": 1700000000,
			"message": {
				"mid": "mid.1",
				"text": "hello from messenger",
				"attachments": [{"type": "image", "payload": {"url": "https://cdn.example.com/a.jpg"}}]
			}
		}]
	}]
}`

func TestHandleWebhookStoresMessengerMessage(t *testing.T) {
	app, db := newWebhookTestApp(t)

	req := httptest.NewRequest("POST", "/facebook/webhook", bytes.NewBufferString(messengerPayload))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "EVENT_RECEIVED", string(body))

	var stored models.SocialMessage
	require.NoError(t, db.Where("message_id = ?", "mid.1").First(&stored).Error)
	assert.Equal(t, permissions.PlatformFacebook, stored.Platform)
	assert.Equal(t, "psid-1", stored.Sender.ID)
	assert.Equal(t, "hello from messenger", stored.MessageText)
	assert.Equal(t, models.DirectionIncoming, stored.Direction)
	assert.Equal(t, "psid-1", stored.ConversationID)
	require.Len(t, stored.Attachments, 1)
}

func TestHandleWebhookDeduplicatesRedeliveries(t *testing.T) {
	app, db := newWebhookTestApp(t)

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest("POST", "/facebook/webhook", bytes.NewBufferString(messengerPayload))
		req.Header.Set("Content-Type", "application/json")
		resp, err := app.Test(req)
		require.NoError(t, err)
		require.Equal(t, fiber.StatusOK, resp.StatusCode)
	}

	var count int64
	db.Model(&models.SocialMessage{}).Where("message_id = ?", "mid.1").Count(&count)
	assert.EqualValues(t, 1, count)
}

func TestHandleWebhookStoresInstagramMessage(t *testing.T) {
	app, db := newWebhookTestApp(t)

	payload := `{
		"object": "instagram",
		"entry": [{
			"id": "ig-1",
			"messaging": [{
				"sender": {"id": "igsid-1"},
				"recipient": {"id": "ig-1"},
				"timestamp": 1700000001,
				"message": {"mid": "ig-mid-1", "text": "insta dm"}
			}]
		}]
	}`
	req := httptest.NewRequest("POST", "/facebook/webhook", bytes.NewBufferString(payload))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	var stored models.SocialMessage
	require.NoError(t, db.Where("message_id = ?", "ig-mid-1").First(&stored).Error)
	assert.Equal(t, permissions.PlatformInstagram, stored.Platform)
}

func TestHandleWebhookStoresWhatsAppMessage(t *testing.T) {
	app, db := newWebhookTestApp(t)

	payload := `{
		"object": "whatsapp_business_account",
		"entry": [{
			"id": "waba-1",
			"changes": [{
				"field": "messages",
				"value": {
					"messaging_product": "whatsapp",
					"metadata": {"display_phone_number": "15550001111", "phone_number_id": "phone-1"},
					"contacts": [{"wa_id": "15557772222", "profile": {"name": "Dana"}}],
					"messages": [{
						"id": "wamid.1",
						"from": "15557772222",
						"timestamp": "1700000002",
						"type": "text",
						"text": {"body": "wa hello"}
					}]
				}
			}]
		}]
	}`
	req := httptest.NewRequest("POST", "/facebook/webhook", bytes.NewBufferString(payload))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	var stored models.SocialMessage
	require.NoError(t, db.Where("message_id = ?", "wamid.1").First(&stored).Error)
	assert.Equal(t, permissions.PlatformWhatsApp, stored.Platform)
	assert.Equal(t, "15557772222", stored.Sender.ID)
	assert.Equal(t, "Dana", stored.Sender.Name)
	assert.Equal(t, "wa hello", stored.MessageText)
	assert.EqualValues(t, 1700000002, stored.Timestamp)
	assert.Equal(t, "phone-1", stored.Recipient.ID)
}

func TestHandleWebhookIgnoresUnknownObject(t *testing.T) {
	app, db := newWebhookTestApp(t)

	req := httptest.NewRequest("POST", "/facebook/webhook", bytes.NewBufferString(`{"object":"something_else","entry":[]}`))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	var count int64
	db.Model(&models.SocialMessage{}).Count(&count)
	assert.EqualValues(t, 0, count)
}
