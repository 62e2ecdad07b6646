package controller

import (
	"errors"
	"log"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"socialinbox/middleware"
	"socialinbox/models"
	"socialinbox/permissions"
	"socialinbox/utils"
)

// PermissionController manages the permission records the resolver reads,
// and exposes resolved ("effective") permissions to callers.
type PermissionController struct {
	db       *gorm.DB
	resolver *permissions.Resolver
	logger   *log.Logger
}

func NewPermissionController(db *gorm.DB, resolver *permissions.Resolver, logger *log.Logger) *PermissionController {
	return &PermissionController{db: db, resolver: resolver, logger: logger}
}

type grantRequest struct {
	Platform permissions.Platform `json:"platform" validate:"required"`
	Level    permissions.Level    `json:"level" validate:"required"`
	Denied   bool                 `json:"denied"`
}

type createPermissionRequest struct {
	AccessType permissions.Scope `json:"access_type" validate:"required"`
	TargetID   string            `json:"target_id" validate:"required"`
	Grants     []grantRequest    `json:"grants" validate:"required,min=1,dive"`
}

type updatePermissionRequest struct {
	Grants   []grantRequest `json:"grants" validate:"omitempty,min=1,dive"`
	IsActive *bool          `json:"is_active"`
}

// validateGrants rejects unknown enum values and duplicate platforms. The
// resolver tolerates duplicates by taking the first entry, but we refuse to
// persist them in the first place.
func validateGrants(grants []grantRequest) ([]permissions.Grant, error) {
	seen := make(map[permissions.Platform]struct{}, len(grants))
	out := make([]permissions.Grant, 0, len(grants))
	for _, g := range grants {
		if !g.Platform.Valid() {
			return nil, errors.New("unknown platform: " + string(g.Platform))
		}
		if !g.Level.Valid() {
			return nil, errors.New("unknown permission level: " + string(g.Level))
		}
		if _, dup := seen[g.Platform]; dup {
			return nil, errors.New("duplicate grant for platform: " + string(g.Platform))
		}
		seen[g.Platform] = struct{}{}
		out = append(out, permissions.Grant{Platform: g.Platform, Level: g.Level, Denied: g.Denied})
	}
	return out, nil
}

// GetMyPermissions returns the caller's raw individual record only, without
// team or role resolution. Kept for parity with clients that edit their own
// record.
func (pc *PermissionController) GetMyPermissions(c *fiber.Ctx) error {
	user, ok := middleware.UserContextFromLocals(c)
	if !ok {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "Authorization required",
		})
	}

	var record models.SocialInboxPermission
	err := pc.db.
		Where("access_type = ? AND target_id = ? AND is_active = ?",
			permissions.ScopeUser, user.UserID, true).
		First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return c.JSON(fiber.Map{"permission": nil})
	}
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to fetch permissions",
		})
	}
	return c.JSON(fiber.Map{"permission": record})
}

// GetMyEffectivePermissions resolves the caller's access across all
// platforms, merging individual, team and role records.
func (pc *PermissionController) GetMyEffectivePermissions(c *fiber.Ctx) error {
	user, ok := middleware.UserContextFromLocals(c)
	if !ok {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "Authorization required",
		})
	}

	resolved, err := pc.resolver.ResolveAll(c.UserContext(), user)
	if err != nil {
		utils.LogError("permission_resolution_failed", err, map[string]interface{}{
			"user_id": user.UserID,
		})
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Authorization could not be determined",
		})
	}

	return c.JSON(fiber.Map{
		"user_id":     user.UserID,
		"permissions": resolved,
	})
}

// GetEffectivePermissionsForUser resolves another user's access (admin). The
// caller supplies the target's team memberships and role, which live in the
// main CRM, via team_ids and role query parameters.
func (pc *PermissionController) GetEffectivePermissionsForUser(c *fiber.Ctx) error {
	target := permissions.UserContext{
		UserID: c.Params("userId"),
		Role:   c.Query("role"),
	}
	if raw := c.Query("team_ids"); raw != "" {
		for _, id := range strings.Split(raw, ",") {
			if id = strings.TrimSpace(id); id != "" {
				target.TeamIDs = append(target.TeamIDs, id)
			}
		}
	}

	resolved, err := pc.resolver.ResolveAll(c.UserContext(), target)
	if err != nil {
		utils.LogError("permission_resolution_failed", err, map[string]interface{}{
			"user_id": target.UserID,
		})
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Authorization could not be determined",
		})
	}

	return c.JSON(fiber.Map{
		"user_id":     target.UserID,
		"permissions": resolved,
	})
}

// ListPermissions returns non-deleted records, optionally filtered by access
// type and target id.
func (pc *PermissionController) ListPermissions(c *fiber.Ctx) error {
	query := pc.db.Model(&models.SocialInboxPermission{})

	if raw := c.Query("access_type"); raw != "" {
		scope := permissions.Scope(raw)
		if !scope.Valid() {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Unknown access type",
			})
		}
		query = query.Where("access_type = ?", scope)
	}
	if targetID := c.Query("target_id"); targetID != "" {
		query = query.Where("target_id = ?", targetID)
	}

	var records []models.SocialInboxPermission
	if err := query.Order("id").Find(&records).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to fetch permissions",
		})
	}
	return c.JSON(fiber.Map{"permissions": records})
}

// GetPermissionByTarget returns the record for one (access type, target).
func (pc *PermissionController) GetPermissionByTarget(c *fiber.Ctx) error {
	scope := permissions.Scope(c.Params("accessType"))
	if !scope.Valid() {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Unknown access type",
		})
	}
	targetID := c.Params("targetId")

	var record models.SocialInboxPermission
	err := pc.db.
		Where("access_type = ? AND target_id = ?", scope, targetID).
		First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Permissions not found for " + string(scope) + ": " + targetID,
		})
	}
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to fetch permissions",
		})
	}
	return c.JSON(fiber.Map{"permission": record})
}

// CreatePermission creates a record for a user, team, or role target. One
// live record per target; recreating requires deleting the old one first.
func (pc *PermissionController) CreatePermission(c *fiber.Ctx) error {
	user, _ := middleware.UserContextFromLocals(c)

	var req createPermissionRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if err := utils.ValidateStruct(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}
	if !req.AccessType.Valid() {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Unknown access type",
		})
	}
	grants, err := validateGrants(req.Grants)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}

	var existing int64
	pc.db.Model(&models.SocialInboxPermission{}).
		Where("access_type = ? AND target_id = ?", req.AccessType, req.TargetID).
		Count(&existing)
	if existing > 0 {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error": "Permissions already exist for " + string(req.AccessType) + ": " + req.TargetID,
		})
	}

	record := models.SocialInboxPermission{
		AccessType:  req.AccessType,
		TargetID:    req.TargetID,
		Grants:      grants,
		IsActive:    true,
		CreatedByID: user.UserID,
	}
	if err := pc.db.Create(&record).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to create permissions",
		})
	}

	pc.logger.Printf("Created %s permissions for %s", req.AccessType, req.TargetID)
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"permission": record})
}

// UpdatePermission replaces a record's grant list and/or active flag.
func (pc *PermissionController) UpdatePermission(c *fiber.Ctx) error {
	user, _ := middleware.UserContextFromLocals(c)

	id, err := strconv.ParseUint(c.Params("id"), 10, 64)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid permission id",
		})
	}

	var req updatePermissionRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if err := utils.ValidateStruct(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}

	var record models.SocialInboxPermission
	if err := pc.db.First(&record, id).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Permission not found",
		})
	}

	if req.Grants != nil {
		grants, err := validateGrants(req.Grants)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
		}
		record.Grants = grants
	}
	if req.IsActive != nil {
		record.IsActive = *req.IsActive
	}
	record.UpdatedByID = user.UserID

	if err := pc.db.Save(&record).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to update permissions",
		})
	}

	pc.logger.Printf("Updated permissions %d", record.ID)
	return c.JSON(fiber.Map{"permission": record})
}

// DeletePermission soft-deletes a record. The row stays for audit; the
// partial unique index frees the target for a future record.
func (pc *PermissionController) DeletePermission(c *fiber.Ctx) error {
	user, _ := middleware.UserContextFromLocals(c)

	id, err := strconv.ParseUint(c.Params("id"), 10, 64)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid permission id",
		})
	}

	var record models.SocialInboxPermission
	if err := pc.db.First(&record, id).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Permission not found",
		})
	}

	record.UpdatedByID = user.UserID
	if err := pc.db.Save(&record).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to delete permissions",
		})
	}
	if err := pc.db.Delete(&record).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to delete permissions",
		})
	}

	pc.logger.Printf("Deleted %s permissions for %s", record.AccessType, record.TargetID)
	return c.JSON(fiber.Map{"success": true})
}
