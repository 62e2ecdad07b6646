package middleware

import (
	"github.com/gofiber/fiber/v2"

	"socialinbox/permissions"
	"socialinbox/utils"
)

// LocalsPlatformPermission holds the ResolvedPermission that let the request
// through, for handlers that want to know the granted level.
const LocalsPlatformPermission = "platformPermission"

// RequirePlatformAccess gates an endpoint on the caller's effective
// permission for the platform named by the "platform" query parameter.
// Absence of a grant, an explicit denial, and an insufficient level are all
// 403s. A resolver failure is a 500: when the store cannot answer we must not
// report "access denied", only that authorization could not be determined.
func RequirePlatformAccess(resolver *permissions.Resolver, required permissions.Level) fiber.Handler {
	return func(c *fiber.Ctx) error {
		platform := permissions.Platform(c.Query("platform"))
		if !platform.Valid() {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Unknown or missing platform",
			})
		}
		return checkPlatformAccess(c, resolver, platform, required)
	}
}

// RequirePlatformAccessTo is RequirePlatformAccess for routes bound to one
// platform, so the caller cannot substitute a different platform's permission
// via the query parameter.
func RequirePlatformAccessTo(resolver *permissions.Resolver, platform permissions.Platform, required permissions.Level) fiber.Handler {
	return func(c *fiber.Ctx) error {
		return checkPlatformAccess(c, resolver, platform, required)
	}
}

func checkPlatformAccess(c *fiber.Ctx, resolver *permissions.Resolver, platform permissions.Platform, required permissions.Level) error {
	user, ok := UserContextFromLocals(c)
	if !ok {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "Authorization required",
		})
	}

	resolved, err := resolver.ResolveOne(c.UserContext(), user, platform)
	if err != nil {
		utils.LogError("permission_resolution_failed", err, map[string]interface{}{
			"user_id":  user.UserID,
			"platform": platform,
		})
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Authorization could not be determined",
		})
	}

	if resolved == nil || resolved.Denied || !resolved.Level.Covers(required) {
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
			"error": "You do not have access to this platform",
		})
	}

	c.Locals(LocalsPlatformPermission, *resolved)
	return c.Next()
}
