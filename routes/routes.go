package routes

import (
	"log"
	"os"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/websocket/v2"
	"gorm.io/gorm"

	"socialinbox/config"
	controller "socialinbox/controllers"
	"socialinbox/middleware"
	"socialinbox/models"
	"socialinbox/permissions"
	"socialinbox/utils"
)

// SetupRoutes wires controllers and registers every route. Returns the Gmail
// controller so main can hand it to the polling worker.
func SetupRoutes(app *fiber.App, db *gorm.DB) *controller.GmailController {
	resolver := permissions.NewResolver(models.NewPermissionStore(db))

	hub := controller.NewInboxHub(log.New(os.Stdout, "WS: ", log.LstdFlags))
	inboxController := controller.NewInboxController(db, hub, log.New(os.Stdout, "INBOX: ", log.LstdFlags))
	webhookController := controller.NewWebhookController(inboxController, log.New(os.Stdout, "WEBHOOK: ", log.LstdFlags))
	gmailController := controller.NewGmailController(db, inboxController, utils.NewMailer(config.AppConfig.SMTP), log.New(os.Stdout, "GMAIL: ", log.LstdFlags))
	permissionController := controller.NewPermissionController(db, resolver, log.New(os.Stdout, "PERMS: ", log.LstdFlags))

	inboxController.RegisterDispatcher(permissions.PlatformGmail, gmailController)

	// Health check endpoint
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	// Public webhook endpoints (Meta calls these; rate limited, no JWT)
	webhook := app.Group("/facebook/webhook", middleware.WebhookRateLimiter(), logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))
	webhook.Get("/", webhookController.VerifyWebhook)
	webhook.Post("/", webhookController.HandleWebhook)

	// Gmail OAuth endpoints (the browser redirect flow carries no JWT)
	gmail := app.Group("/gmail")
	gmail.Get("/auth", gmailController.GetAuthURL)
	gmail.Get("/callback", gmailController.OAuthCallback)

	// API group with versioning and protection
	api := app.Group("/api/v1", middleware.Protected(), logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))

	// Social inbox routes
	social := api.Group("/social")
	social.Get("/platforms", inboxController.GetPlatforms)
	social.Get("/conversations",
		middleware.RequirePlatformAccess(resolver, permissions.LevelViewOnly),
		inboxController.GetConversations)
	social.Get("/conversations/:conversationId/messages",
		middleware.RequirePlatformAccess(resolver, permissions.LevelViewOnly),
		inboxController.GetMessages)
	social.Post("/conversations/:conversationId/messages",
		middleware.RequirePlatformAccess(resolver, permissions.LevelViewAndAnswer),
		inboxController.SendMessage)
	social.Put("/conversations/:conversationId/read", inboxController.MarkConversationRead)
	social.Put("/messages/:messageId/read", inboxController.MarkMessageRead)
	social.Get("/unread-count", inboxController.GetUnreadCount)
	social.Post("/gmail/fetch",
		middleware.RequirePlatformAccessTo(resolver, permissions.PlatformGmail, permissions.LevelViewOnly),
		gmailController.FetchMessages)

	// Permission routes
	perms := api.Group("/social-permissions")
	perms.Get("/me", permissionController.GetMyPermissions)
	perms.Get("/me/effective", permissionController.GetMyEffectivePermissions)

	admin := perms.Group("", middleware.AdminOnly())
	admin.Get("/", permissionController.ListPermissions)
	admin.Post("/", permissionController.CreatePermission)
	admin.Get("/users/:userId/effective", permissionController.GetEffectivePermissionsForUser)
	admin.Get("/:accessType/:targetId", permissionController.GetPermissionByTarget)
	admin.Put("/:id", permissionController.UpdatePermission)
	admin.Delete("/:id", permissionController.DeletePermission)

	// WebSocket route for live inbox updates
	app.Use("/ws/inbox", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/inbox", websocket.New(func(c *websocket.Conn) {
		hub.Handle(c)
	}))

	// Setup 404 handler
	app.Use(func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error":   "Not Found",
			"message": "The requested resource was not found",
		})
	})

	log.Println("Routes initialized successfully")
	return gmailController
}
