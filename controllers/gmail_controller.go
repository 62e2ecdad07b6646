package controller

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/mail"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	imapclient "github.com/emersion/go-imap/client"
	gomessage "github.com/emersion/go-message/mail"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"gorm.io/gorm"

	"socialinbox/config"
	"socialinbox/models"
	"socialinbox/permissions"
	"socialinbox/utils"
)

const gmailAPIBase = "https://gmail.googleapis.com/gmail/v1"

var htmlTagPattern = regexp.MustCompile(`<[^>]*>`)

// GmailController connects a Gmail account over OAuth, pulls unread inbox
// mail into the shared inbox, and sends replies. When no OAuth integration
// is connected it falls back to app-password IMAP for fetching and plain
// SMTP for sending.
type GmailController struct {
	db     *gorm.DB
	inbox  *InboxController
	mailer *utils.Mailer
	logger *log.Logger
	oauth  *oauth2.Config

	// apiBaseURL is overridable in tests.
	apiBaseURL string
}

func NewGmailController(db *gorm.DB, inbox *InboxController, mailer *utils.Mailer, logger *log.Logger) *GmailController {
	return &GmailController{
		db:     db,
		inbox:  inbox,
		mailer: mailer,
		logger: logger,
		oauth: &oauth2.Config{
			ClientID:     config.AppConfig.Gmail.ClientID,
			ClientSecret: config.AppConfig.Gmail.ClientSecret,
			RedirectURL:  config.AppConfig.Gmail.RedirectURI,
			Scopes: []string{
				"https://www.googleapis.com/auth/gmail.readonly",
				"https://www.googleapis.com/auth/gmail.send",
			},
			Endpoint: google.Endpoint,
		},
		apiBaseURL: gmailAPIBase,
	}
}

func (gc *GmailController) oauthConfigured() bool {
	return gc.oauth.ClientID != "" && gc.oauth.ClientSecret != ""
}

// GetAuthURL starts the OAuth consent flow with CSRF protection via a
// short-lived state cookie.
func (gc *GmailController) GetAuthURL(c *fiber.Ctx) error {
	if !gc.oauthConfigured() {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": "Gmail OAuth is not configured",
		})
	}

	state := uuid.NewString()

	cookie := new(fiber.Cookie)
	cookie.Name = "oauth_state"
	cookie.Value = state
	cookie.Expires = time.Now().Add(10 * time.Minute)
	cookie.HTTPOnly = true
	cookie.Secure = config.AppConfig.Environment == "production"
	cookie.SameSite = "Lax"
	c.Cookie(cookie)

	url := gc.oauth.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.SetAuthURLParam("prompt", "consent"))
	return c.Redirect(url, fiber.StatusTemporaryRedirect)
}

// OAuthCallback exchanges the authorization code and stores the encrypted
// tokens as the Gmail integration. Reconnecting overwrites the old tokens.
func (gc *GmailController) OAuthCallback(c *fiber.Ctx) error {
	state := c.Query("state")
	cookieState := c.Cookies("oauth_state")
	if state == "" || cookieState == "" || state != cookieState {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid state parameter",
		})
	}
	c.ClearCookie("oauth_state")

	code := c.Query("code")
	if code == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Authorization code not provided",
		})
	}

	token, err := gc.oauth.Exchange(c.UserContext(), code)
	if err != nil {
		utils.LogError("gmail_oauth_exchange_failed", err, nil)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to exchange authorization code",
		})
	}

	email, err := gc.fetchProfileEmail(c.UserContext(), token)
	if err != nil {
		utils.LogError("gmail_profile_fetch_failed", err, nil)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to fetch Gmail profile",
		})
	}

	if err := gc.saveIntegration(token, email); err != nil {
		utils.LogError("gmail_integration_save_failed", err, nil)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to save Gmail integration",
		})
	}

	gc.logger.Printf("Gmail integration connected for %s", email)
	return c.JSON(fiber.Map{
		"success": true,
		"email":   email,
	})
}

func (gc *GmailController) fetchProfileEmail(ctx context.Context, token *oauth2.Token) (string, error) {
	client := gc.oauth.Client(ctx, token)
	resp, err := client.Get(gc.apiBaseURL + "/users/me/profile")
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("gmail profile request failed: %s: %s", resp.Status, body)
	}

	var profile struct {
		EmailAddress string `json:"emailAddress"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&profile); err != nil {
		return "", err
	}
	if profile.EmailAddress == "" {
		return "", errors.New("gmail profile has no email address")
	}
	return profile.EmailAddress, nil
}

func (gc *GmailController) saveIntegration(token *oauth2.Token, email string) error {
	accessToken, err := utils.Encrypt(token.AccessToken)
	if err != nil {
		return err
	}
	refreshToken, err := utils.Encrypt(token.RefreshToken)
	if err != nil {
		return err
	}

	var integration models.SocialIntegration
	err = gc.db.Where("platform = ?", permissions.PlatformGmail).First(&integration).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}

	integration.Platform = permissions.PlatformGmail
	integration.AccessToken = accessToken
	if refreshToken != "" {
		integration.RefreshToken = refreshToken
	}
	integration.TokenExpiry = token.Expiry
	integration.Email = email
	integration.TokenData = models.JSONMap{"token_type": token.TokenType}
	integration.IsActive = true

	return gc.db.Save(&integration).Error
}

// loadToken decrypts the stored integration tokens back into an oauth2 token.
func (gc *GmailController) loadToken(integration *models.SocialIntegration) (*oauth2.Token, error) {
	accessToken, err := utils.Decrypt(integration.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("decrypting access token: %w", err)
	}
	refreshToken, err := utils.Decrypt(integration.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("decrypting refresh token: %w", err)
	}
	return &oauth2.Token{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		Expiry:       integration.TokenExpiry,
		TokenType:    "Bearer",
	}, nil
}

// persistRefreshedToken writes back tokens the oauth2 transport refreshed
// during a request, so the next poll does not have to refresh again.
func (gc *GmailController) persistRefreshedToken(integration *models.SocialIntegration, source oauth2.TokenSource, original *oauth2.Token) {
	current, err := source.Token()
	if err != nil || current.AccessToken == original.AccessToken {
		return
	}
	if err := gc.saveIntegration(current, integration.Email); err != nil {
		utils.LogError("gmail_token_persist_failed", err, map[string]interface{}{
			"email": integration.Email,
		})
	}
}

func (gc *GmailController) activeIntegration() (*models.SocialIntegration, error) {
	var integration models.SocialIntegration
	err := gc.db.
		Where("platform = ? AND is_active = ?", permissions.PlatformGmail, true).
		First(&integration).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &integration, nil
}

// FetchMessages triggers an on-demand mail pull, the same path the
// background worker runs on its interval.
func (gc *GmailController) FetchMessages(c *fiber.Ctx) error {
	fetched, err := gc.Fetch(c.UserContext(), 25)
	if err != nil {
		utils.LogError("gmail_fetch_failed", err, nil)
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
			"error": "Failed to fetch Gmail messages",
		})
	}
	return c.JSON(fiber.Map{
		"success": true,
		"fetched": fetched,
	})
}

// Fetch pulls unread inbox mail into the shared inbox and returns how many
// new messages were stored. OAuth is preferred; IMAP is the fallback when no
// integration is connected.
func (gc *GmailController) Fetch(ctx context.Context, maxResults int) (int, error) {
	integration, err := gc.activeIntegration()
	if err != nil {
		return 0, fmt.Errorf("loading gmail integration: %w", err)
	}
	if integration == nil {
		if config.AppConfig.GmailIMAP.Username == "" {
			return 0, errors.New("no Gmail integration connected and IMAP is not configured")
		}
		return gc.fetchFromIMAP()
	}
	return gc.fetchFromAPI(ctx, integration, maxResults)
}

// gmailMessage is the subset of the Gmail API message resource we read.
type gmailMessage struct {
	ID           string           `json:"id"`
	ThreadID     string           `json:"threadId"`
	InternalDate string           `json:"internalDate"`
	Payload      gmailMessagePart `json:"payload"`
}

type gmailMessagePart struct {
	MimeType string `json:"mimeType"`
	Headers  []struct {
		Name  string `json:"name"`
		Value string `json:"value"`
	} `json:"headers"`
	Body struct {
		Data string `json:"data"`
	} `json:"body"`
	Parts []gmailMessagePart `json:"parts"`
}

func (p gmailMessagePart) header(name string) string {
	for _, h := range p.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

func (gc *GmailController) fetchFromAPI(ctx context.Context, integration *models.SocialIntegration, maxResults int) (int, error) {
	token, err := gc.loadToken(integration)
	if err != nil {
		return 0, err
	}
	source := gc.oauth.TokenSource(ctx, token)
	client := oauth2.NewClient(ctx, source)
	defer gc.persistRefreshedToken(integration, source, token)

	listURL := fmt.Sprintf("%s/users/me/messages?maxResults=%d&q=%s",
		gc.apiBaseURL, maxResults, url.QueryEscape("in:inbox is:unread"))
	resp, err := client.Get(listURL)
	if err != nil {
		return 0, fmt.Errorf("listing gmail messages: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return 0, fmt.Errorf("gmail list request failed: %s: %s", resp.Status, body)
	}

	var list struct {
		Messages []struct {
			ID string `json:"id"`
		} `json:"messages"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return 0, fmt.Errorf("decoding gmail list response: %w", err)
	}

	fetched := 0
	for _, ref := range list.Messages {
		exists, err := gc.inbox.HasMessage(permissions.PlatformGmail, ref.ID)
		if err != nil {
			return fetched, err
		}
		if exists {
			continue
		}

		message, err := gc.getMessage(client, ref.ID)
		if err != nil {
			gc.logger.Printf("Failed to fetch gmail message %s: %v", ref.ID, err)
			continue
		}

		if err := gc.storeAPIMessage(integration, message); err != nil {
			gc.logger.Printf("Failed to store gmail message %s: %v", ref.ID, err)
			continue
		}
		fetched++

		if err := gc.markMessageRead(client, ref.ID); err != nil {
			gc.logger.Printf("Failed to mark gmail message %s read: %v", ref.ID, err)
		}
	}

	if fetched > 0 {
		gc.logger.Printf("Fetched %d new gmail messages", fetched)
	}
	return fetched, nil
}

func (gc *GmailController) getMessage(client *http.Client, id string) (*gmailMessage, error) {
	resp, err := client.Get(fmt.Sprintf("%s/users/me/messages/%s?format=full", gc.apiBaseURL, id))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("gmail get request failed: %s: %s", resp.Status, body)
	}

	var message gmailMessage
	if err := json.NewDecoder(resp.Body).Decode(&message); err != nil {
		return nil, err
	}
	return &message, nil
}

func (gc *GmailController) storeAPIMessage(integration *models.SocialIntegration, message *gmailMessage) error {
	from := message.Payload.header("From")
	subject := message.Payload.header("Subject")
	body := extractBody(message.Payload)

	sender := models.Participant{ID: from}
	if addr, err := mail.ParseAddress(from); err == nil {
		sender.ID = addr.Address
		sender.Name = addr.Name
	}

	timestamp := time.Now().Unix()
	if ms, err := strconv.ParseInt(message.InternalDate, 10, 64); err == nil && ms > 0 {
		timestamp = ms / 1000
	}

	stored := models.SocialMessage{
		Platform:       permissions.PlatformGmail,
		Sender:         sender,
		Recipient:      models.Participant{ID: integration.Email},
		MessageText:    formatEmailText(subject, body),
		MessageID:      message.ID,
		Timestamp:      timestamp,
		ConversationID: sender.ID,
		RawPayload: models.JSONMap{
			"thread_id": message.ThreadID,
			"subject":   subject,
		},
	}
	return gc.inbox.SaveIncoming(&stored)
}

// extractBody walks the MIME tree preferring text/plain, falling back to
// stripped text/html.
func extractBody(part gmailMessagePart) string {
	if text := findPart(part, "text/plain"); text != "" {
		return text
	}
	if html := findPart(part, "text/html"); html != "" {
		return stripHTML(html)
	}
	return ""
}

func findPart(part gmailMessagePart, mimeType string) string {
	if strings.HasPrefix(part.MimeType, mimeType) && part.Body.Data != "" {
		// The API returns url-safe base64, with or without padding.
		decoded, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(part.Body.Data, "="))
		if err != nil {
			return ""
		}
		return string(decoded)
	}
	for _, child := range part.Parts {
		if text := findPart(child, mimeType); text != "" {
			return text
		}
	}
	return ""
}

func stripHTML(html string) string {
	text := htmlTagPattern.ReplaceAllString(html, " ")
	text = strings.ReplaceAll(text, "&nbsp;", " ")
	text = strings.ReplaceAll(text, "&amp;", "&")
	text = strings.ReplaceAll(text, "&lt;", "<")
	text = strings.ReplaceAll(text, "&gt;", ">")
	return strings.TrimSpace(strings.Join(strings.Fields(text), " "))
}

// formatEmailText stores the subject on the first line so conversation
// previews and reply subjects can recover it.
func formatEmailText(subject, body string) string {
	if subject == "" {
		return body
	}
	return "Subject: " + subject + "\n\n" + body
}

func (gc *GmailController) markMessageRead(client *http.Client, id string) error {
	payload, _ := json.Marshal(map[string]interface{}{
		"removeLabelIds": []string{"UNREAD"},
	})
	resp, err := client.Post(
		fmt.Sprintf("%s/users/me/messages/%s/modify", gc.apiBaseURL, id),
		"application/json",
		bytes.NewReader(payload),
	)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("gmail modify request failed: %s: %s", resp.Status, body)
	}
	return nil
}

// fetchFromIMAP pulls unseen mail over app-password IMAP when no OAuth
// integration is connected.
func (gc *GmailController) fetchFromIMAP() (int, error) {
	cfg := config.AppConfig.GmailIMAP
	imapAddr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	imapClient, err := imapclient.DialTLS(imapAddr, &tls.Config{
		ServerName: cfg.Host,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to connect to IMAP server: %w", err)
	}
	defer imapClient.Logout()

	if err := imapClient.Login(cfg.Username, cfg.Password); err != nil {
		return 0, fmt.Errorf("failed to login to IMAP server: %w", err)
	}

	mailbox := cfg.Mailbox
	if mailbox == "" {
		mailbox = "INBOX"
	}
	if _, err := imapClient.Select(mailbox, false); err != nil {
		return 0, fmt.Errorf("failed to select mailbox: %w", err)
	}

	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{"\\Seen"}
	ids, err := imapClient.Search(criteria)
	if err != nil {
		return 0, fmt.Errorf("failed to search messages: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(ids...)

	messages := make(chan *imap.Message, 10)
	done := make(chan error, 1)
	go func() {
		done <- imapClient.Fetch(seqset, []imap.FetchItem{imap.FetchEnvelope, imap.FetchItem("BODY.PEEK[]")}, messages)
	}()

	fetched := 0
	for msg := range messages {
		stored, err := gc.processIMAPMessage(msg)
		if err != nil {
			gc.logger.Printf("Failed to process message %d: %v", msg.SeqNum, err)
			continue
		}
		if stored {
			fetched++
		}
	}

	if err := <-done; err != nil {
		return fetched, fmt.Errorf("error during fetch: %w", err)
	}

	if fetched > 0 {
		gc.logger.Printf("Fetched %d new gmail messages via IMAP", fetched)
	}
	return fetched, nil
}

func (gc *GmailController) processIMAPMessage(msg *imap.Message) (bool, error) {
	if msg.Envelope == nil || msg.Envelope.MessageId == "" {
		return false, errors.New("message has no envelope")
	}

	exists, err := gc.inbox.HasMessage(permissions.PlatformGmail, msg.Envelope.MessageId)
	if err != nil || exists {
		return false, err
	}

	var bodyText, bodyHTML string
	if msg.Body != nil {
		section := imap.BodySectionName{}
		literal, ok := msg.Body[&section]
		if !ok {
			return false, errors.New("message body not found")
		}

		mr, err := gomessage.CreateReader(literal)
		if err != nil {
			return false, fmt.Errorf("failed to create message reader: %w", err)
		}

		for {
			p, err := mr.NextPart()
			if err == io.EOF {
				break
			} else if err != nil {
				return false, fmt.Errorf("failed to read next part: %w", err)
			}

			if h, ok := p.Header.(*gomessage.InlineHeader); ok {
				contentType, _, _ := h.ContentType()
				b, err := io.ReadAll(p.Body)
				if err != nil {
					return false, fmt.Errorf("failed to read body: %w", err)
				}
				if strings.Contains(contentType, "text/html") {
					bodyHTML = string(b)
				} else if strings.Contains(contentType, "text/plain") {
					bodyText = string(b)
				}
			}
		}
	}

	if bodyText == "" && bodyHTML != "" {
		bodyText = stripHTML(bodyHTML)
	}

	sender := models.Participant{}
	if len(msg.Envelope.From) > 0 {
		from := msg.Envelope.From[0]
		sender.ID = from.MailboxName + "@" + from.HostName
		sender.Name = from.PersonalName
	}

	stored := models.SocialMessage{
		Platform:       permissions.PlatformGmail,
		Sender:         sender,
		Recipient:      models.Participant{ID: config.AppConfig.GmailIMAP.Username},
		MessageText:    formatEmailText(msg.Envelope.Subject, bodyText),
		MessageID:      msg.Envelope.MessageId,
		Timestamp:      msg.Envelope.Date.Unix(),
		ConversationID: sender.ID,
		RawPayload: models.JSONMap{
			"subject":  msg.Envelope.Subject,
			"imap_uid": msg.SeqNum,
		},
	}
	if err := gc.inbox.SaveIncoming(&stored); err != nil {
		return false, err
	}
	return true, nil
}

// SendReply sends an email reply. Through the Gmail API when the OAuth
// integration is connected, otherwise over plain SMTP. Implements
// ReplyDispatcher for the inbox controller.
func (gc *GmailController) SendReply(ctx context.Context, conversationID, recipientID, subject, text string) (string, error) {
	if err := utils.ValidateEmailAddress(recipientID); err != nil {
		return "", err
	}
	if subject == "" {
		subject = "Re: your message"
	}

	integration, err := gc.activeIntegration()
	if err != nil {
		return "", fmt.Errorf("loading gmail integration: %w", err)
	}
	if integration == nil {
		if err := gc.mailer.Send(recipientID, subject, text); err != nil {
			return "", err
		}
		return "smtp-" + uuid.NewString(), nil
	}

	token, err := gc.loadToken(integration)
	if err != nil {
		return "", err
	}
	source := gc.oauth.TokenSource(ctx, token)
	client := oauth2.NewClient(ctx, source)
	defer gc.persistRefreshedToken(integration, source, token)

	raw := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\nContent-Type: text/plain; charset=\"UTF-8\"\r\n\r\n%s",
		integration.Email, recipientID, subject, text)
	payload, _ := json.Marshal(map[string]string{
		"raw": base64.URLEncoding.EncodeToString([]byte(raw)),
	})

	resp, err := client.Post(gc.apiBaseURL+"/users/me/messages/send", "application/json", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("sending gmail message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("gmail send request failed: %s: %s", resp.Status, body)
	}

	var sent struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&sent); err != nil {
		return "", err
	}
	return sent.ID, nil
}
