package controller

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
	"gorm.io/gorm"

	"socialinbox/config"
	"socialinbox/models"
	"socialinbox/permissions"
	"socialinbox/utils"
)

func newGmailTestController(t *testing.T) (*GmailController, *InboxController, *gorm.DB) {
	t.Helper()

	config.AppConfig.EncryptionKey = "0123456789abcdef0123456789abcdef"

	db := openTestDB(t)
	inbox := NewInboxController(db, NewInboxHub(testLogger()), testLogger())
	gc := NewGmailController(db, inbox, utils.NewMailer(config.AppConfig.SMTP), testLogger())
	return gc, inbox, db
}

func connectTestIntegration(t *testing.T, gc *GmailController) {
	t.Helper()

	token := &oauth2.Token{
		AccessToken:  "access-token",
		RefreshToken: "refresh-token",
		Expiry:       time.Now().Add(time.Hour),
	}
	require.NoError(t, gc.saveIntegration(token, "inbox@example.com"))
}

func TestSaveIntegrationEncryptsTokensAtRest(t *testing.T) {
	gc, _, db := newGmailTestController(t)
	connectTestIntegration(t, gc)

	var stored models.SocialIntegration
	require.NoError(t, db.Where("platform = ?", permissions.PlatformGmail).First(&stored).Error)

	assert.NotEqual(t, "access-token", stored.AccessToken)
	assert.NotEqual(t, "refresh-token", stored.RefreshToken)
	assert.Equal(t, "inbox@example.com", stored.Email)
	assert.True(t, stored.IsActive)

	token, err := gc.loadToken(&stored)
	require.NoError(t, err)
	assert.Equal(t, "access-token", token.AccessToken)
	assert.Equal(t, "refresh-token", token.RefreshToken)
}

func TestSaveIntegrationReconnectKeepsOldRefreshToken(t *testing.T) {
	gc, _, db := newGmailTestController(t)
	connectTestIntegration(t, gc)

	// Google omits the refresh token on re-consent; keep the stored one.
	require.NoError(t, gc.saveIntegration(&oauth2.Token{
		AccessToken: "access-token-2",
		Expiry:      time.Now().Add(time.Hour),
	}, "inbox@example.com"))

	var stored models.SocialIntegration
	require.NoError(t, db.Where("platform = ?", permissions.PlatformGmail).First(&stored).Error)
	token, err := gc.loadToken(&stored)
	require.NoError(t, err)
	assert.Equal(t, "access-token-2", token.AccessToken)
	assert.Equal(t, "refresh-token", token.RefreshToken)

	var count int64
	db.Model(&models.SocialIntegration{}).Count(&count)
	assert.EqualValues(t, 1, count)
}

func newFakeGmailAPI(t *testing.T, gc *GmailController) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/users/me/messages", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"messages": []map[string]string{{"id": "m1"}},
		})
	})
	mux.HandleFunc("/users/me/messages/m1", func(w http.ResponseWriter, r *http.Request) {
		body := base64.RawURLEncoding.EncodeToString([]byte("please update my address"))
		json.NewEncoder(w).Encode(map[string]interface{}{
			"id":           "m1",
			"threadId":     "th1",
			"internalDate": "1700000003000",
			"payload": map[string]interface{}{
				"mimeType": "multipart/alternative",
				"headers": []map[string]string{
					{"name": "From", "value": "Carol Doe <carol@example.com>"},
					{"name": "Subject", "value": "Address change"},
				},
				"parts": []map[string]interface{}{
					{"mimeType": "text/plain", "body": map[string]string{"data": body}},
				},
			},
		})
	})
	mux.HandleFunc("/users/me/messages/m1/modify", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"id": "m1"})
	})
	mux.HandleFunc("/users/me/messages/send", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Raw string `json:"raw"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		raw, err := base64.URLEncoding.DecodeString(req.Raw)
		require.NoError(t, err)
		assert.Contains(t, string(raw), "To: carol@example.com")
		assert.Contains(t, string(raw), "Subject: Re: Address change")
		json.NewEncoder(w).Encode(map[string]string{"id": "sent-1"})
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	gc.apiBaseURL = server.URL
	return server
}

func TestFetchFromAPIStoresAndDeduplicates(t *testing.T) {
	gc, inbox, db := newGmailTestController(t)
	connectTestIntegration(t, gc)
	newFakeGmailAPI(t, gc)

	fetched, err := gc.Fetch(context.Background(), 25)
	require.NoError(t, err)
	assert.Equal(t, 1, fetched)

	var stored models.SocialMessage
	require.NoError(t, db.Where("message_id = ?", "m1").First(&stored).Error)
	assert.Equal(t, permissions.PlatformGmail, stored.Platform)
	assert.Equal(t, "carol@example.com", stored.Sender.ID)
	assert.Equal(t, "Carol Doe", stored.Sender.Name)
	assert.Equal(t, "inbox@example.com", stored.Recipient.ID)
	assert.Equal(t, "Subject: Address change\n\nplease update my address", stored.MessageText)
	assert.EqualValues(t, 1700000003, stored.Timestamp)
	assert.Equal(t, models.DirectionIncoming, stored.Direction)
	assert.Equal(t, "carol@example.com", stored.ConversationID)

	// A second poll sees the same list but stores nothing new.
	fetched, err = gc.Fetch(context.Background(), 25)
	require.NoError(t, err)
	assert.Equal(t, 0, fetched)

	exists, err := inbox.HasMessage(permissions.PlatformGmail, "m1")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestSendReplyViaAPI(t *testing.T) {
	gc, _, _ := newGmailTestController(t)
	connectTestIntegration(t, gc)
	newFakeGmailAPI(t, gc)

	id, err := gc.SendReply(context.Background(), "carol@example.com", "carol@example.com", "Re: Address change", "Done, thanks!")
	require.NoError(t, err)
	assert.Equal(t, "sent-1", id)
}

func TestSendReplyRejectsInvalidRecipient(t *testing.T) {
	gc, _, _ := newGmailTestController(t)

	_, err := gc.SendReply(context.Background(), "conv", "not-an-email", "Re: hi", "text")
	require.Error(t, err)
}

func TestSendReplyWithoutIntegrationNeedsSMTP(t *testing.T) {
	gc, _, _ := newGmailTestController(t)

	// No integration and no SMTP host configured.
	_, err := gc.SendReply(context.Background(), "conv", "carol@example.com", "Re: hi", "text")
	require.Error(t, err)
}

func TestFetchWithoutIntegrationOrIMAPFails(t *testing.T) {
	gc, _, _ := newGmailTestController(t)
	config.AppConfig.GmailIMAP.Username = ""

	_, err := gc.Fetch(context.Background(), 25)
	require.Error(t, err)
}

func TestExtractBodyPrefersPlainText(t *testing.T) {
	plain := base64.RawURLEncoding.EncodeToString([]byte("plain body"))
	html := base64.RawURLEncoding.EncodeToString([]byte("<p>html <b>body</b></p>"))

	part := gmailMessagePart{
		MimeType: "multipart/alternative",
		Parts: []gmailMessagePart{
			{MimeType: "text/html"},
			{MimeType: "text/plain"},
		},
	}
	part.Parts[0].Body.Data = html
	part.Parts[1].Body.Data = plain
	assert.Equal(t, "plain body", extractBody(part))

	htmlOnly := gmailMessagePart{MimeType: "text/html"}
	htmlOnly.Body.Data = html
	assert.Equal(t, "html body", extractBody(htmlOnly))

	assert.Equal(t, "", extractBody(gmailMessagePart{MimeType: "multipart/mixed"}))
}

func TestStripHTML(t *testing.T) {
	assert.Equal(t, "Hello & welcome", stripHTML("<div>Hello&nbsp;&amp;   <b>welcome</b></div>"))
	assert.Equal(t, "a < b", stripHTML("a &lt; b"))
}

func TestFormatEmailText(t *testing.T) {
	assert.Equal(t, "Subject: Hi\n\nbody", formatEmailText("Hi", "body"))
	assert.Equal(t, "body", formatEmailText("", "body"))
}

func TestGmailHeaderLookupIsCaseInsensitive(t *testing.T) {
	part := gmailMessagePart{
		Headers: []struct {
			Name  string `json:"name"`
			Value string `json:"value"`
		}{
			{Name: "from", Value: "a@example.com"},
		},
	}
	assert.Equal(t, "a@example.com", part.header("From"))
	assert.Equal(t, "", part.header("Subject"))
}
