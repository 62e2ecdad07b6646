package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"socialinbox/permissions"
	"socialinbox/utils"
)

const (
	// LocalsUserContext is the key the authenticated permissions.UserContext
	// is stored under for the rest of the request pipeline.
	LocalsUserContext = "userContext"
	// LocalsUserType carries the raw CRM user type for admin checks.
	LocalsUserType = "userType"
)

// adminUserTypes are the CRM roles allowed to manage permission records.
var adminUserTypes = map[string]struct{}{
	"General manager": {},
	"Super Admin":     {},
}

// Protected validates the CRM-issued bearer token and attaches the caller's
// UserContext to the request. Identity is taken as given from the token;
// this service performs no user lookups of its own.
func Protected() fiber.Handler {
	return func(c *fiber.Ctx) error {
		var token string
		authHeader := c.Get("Authorization")
		if authHeader != "" {
			tokenParts := strings.Split(authHeader, " ")
			if len(tokenParts) != 2 || tokenParts[0] != "Bearer" {
				return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
					"error": "Invalid authorization format",
				})
			}
			token = tokenParts[1]
		} else {
			token = c.Cookies("access_token")
			if token == "" {
				return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
					"error": "Authorization required",
				})
			}
		}

		claims, err := utils.ParseAuthToken(token)
		if err != nil {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Invalid or expired token",
			})
		}

		c.Locals(LocalsUserContext, claims.UserContext())
		c.Locals(LocalsUserType, claims.UserType)
		return c.Next()
	}
}

// UserContextFromLocals returns the identity Protected stored on the request.
func UserContextFromLocals(c *fiber.Ctx) (permissions.UserContext, bool) {
	user, ok := c.Locals(LocalsUserContext).(permissions.UserContext)
	return user, ok
}

// AdminOnly restricts an endpoint to CRM administrator user types. Must run
// after Protected.
func AdminOnly() fiber.Handler {
	return func(c *fiber.Ctx) error {
		userType, _ := c.Locals(LocalsUserType).(string)
		if _, ok := adminUserTypes[userType]; !ok {
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
				"error": "Only General manager or Super Admin can perform this action",
			})
		}
		return c.Next()
	}
}
