package controller

import (
	"bytes"
	"fmt"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"socialinbox/models"
	"socialinbox/permissions"
)

func newPermissionTestApp(t *testing.T, user permissions.UserContext, userType string) (*fiber.App, *gorm.DB) {
	t.Helper()

	db := openTestDB(t)
	resolver := permissions.NewResolver(models.NewPermissionStore(db))
	pc := NewPermissionController(db, resolver, testLogger())

	app := fiber.New()
	app.Use(withUser(user, userType))
	app.Get("/me", pc.GetMyPermissions)
	app.Get("/me/effective", pc.GetMyEffectivePermissions)
	app.Get("/", pc.ListPermissions)
	app.Post("/", pc.CreatePermission)
	app.Get("/users/:userId/effective", pc.GetEffectivePermissionsForUser)
	app.Get("/:accessType/:targetId", pc.GetPermissionByTarget)
	app.Put("/:id", pc.UpdatePermission)
	app.Delete("/:id", pc.DeletePermission)
	return app, db
}

func seedPermission(t *testing.T, db *gorm.DB, scope permissions.Scope, targetID string, grants models.GrantList) models.SocialInboxPermission {
	t.Helper()

	record := models.SocialInboxPermission{
		AccessType: scope,
		TargetID:   targetID,
		Grants:     grants,
		IsActive:   true,
	}
	require.NoError(t, db.Create(&record).Error)
	return record
}

func TestCreatePermission(t *testing.T) {
	admin := permissions.UserContext{UserID: "admin-1"}
	app, db := newPermissionTestApp(t, admin, "Super Admin")

	payload := `{
		"access_type": "user",
		"target_id": "u1",
		"grants": [{"platform": "facebook", "level": "view_and_answer"}]
	}`
	req := httptest.NewRequest("POST", "/", bytes.NewBufferString(payload))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusCreated, resp.StatusCode)

	var stored models.SocialInboxPermission
	require.NoError(t, db.Where("target_id = ?", "u1").First(&stored).Error)
	assert.Equal(t, permissions.ScopeUser, stored.AccessType)
	assert.Equal(t, "admin-1", stored.CreatedByID)
	assert.True(t, stored.IsActive)
	require.Len(t, stored.Grants, 1)
}

func TestCreatePermissionConflictsOnExistingTarget(t *testing.T) {
	admin := permissions.UserContext{UserID: "admin-1"}
	app, db := newPermissionTestApp(t, admin, "Super Admin")
	seedPermission(t, db, permissions.ScopeUser, "u1", models.GrantList{
		{Platform: permissions.PlatformGmail, Level: permissions.LevelViewOnly},
	})

	payload := `{
		"access_type": "user",
		"target_id": "u1",
		"grants": [{"platform": "facebook", "level": "view_only"}]
	}`
	req := httptest.NewRequest("POST", "/", bytes.NewBufferString(payload))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusConflict, resp.StatusCode)
}

func TestCreatePermissionValidation(t *testing.T) {
	admin := permissions.UserContext{UserID: "admin-1"}
	app, _ := newPermissionTestApp(t, admin, "Super Admin")

	cases := []struct {
		name    string
		payload string
	}{
		{"empty grants", `{"access_type":"user","target_id":"u1","grants":[]}`},
		{"unknown scope", `{"access_type":"org","target_id":"o1","grants":[{"platform":"facebook","level":"view_only"}]}`},
		{"unknown platform", `{"access_type":"user","target_id":"u1","grants":[{"platform":"telegram","level":"view_only"}]}`},
		{"unknown level", `{"access_type":"user","target_id":"u1","grants":[{"platform":"facebook","level":"admin"}]}`},
		{"duplicate platform", `{"access_type":"user","target_id":"u1","grants":[
			{"platform":"facebook","level":"view_only"},
			{"platform":"facebook","level":"view_and_answer"}]}`},
	}
	for _, tc := range cases {
		req := httptest.NewRequest("POST", "/", bytes.NewBufferString(tc.payload))
		req.Header.Set("Content-Type", "application/json")
		resp, err := app.Test(req)
		require.NoError(t, err)
		assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode, tc.name)
	}
}

func TestUpdatePermissionReplacesGrants(t *testing.T) {
	admin := permissions.UserContext{UserID: "admin-2"}
	app, db := newPermissionTestApp(t, admin, "General manager")
	record := seedPermission(t, db, permissions.ScopeTeam, "t1", models.GrantList{
		{Platform: permissions.PlatformFacebook, Level: permissions.LevelViewOnly},
	})

	payload := `{"grants": [{"platform": "gmail", "level": "view_and_answer"}], "is_active": false}`
	req := httptest.NewRequest("PUT", fmt.Sprintf("/%d", record.ID), bytes.NewBufferString(payload))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	var stored models.SocialInboxPermission
	require.NoError(t, db.First(&stored, record.ID).Error)
	require.Len(t, stored.Grants, 1)
	assert.Equal(t, permissions.PlatformGmail, stored.Grants[0].Platform)
	assert.False(t, stored.IsActive)
	assert.Equal(t, "admin-2", stored.UpdatedByID)
}

func TestUpdatePermissionNotFound(t *testing.T) {
	admin := permissions.UserContext{UserID: "admin-1"}
	app, _ := newPermissionTestApp(t, admin, "Super Admin")

	req := httptest.NewRequest("PUT", "/999", bytes.NewBufferString(`{"is_active": true}`))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
}

func TestDeletePermissionSoftDeletesAndFreesTarget(t *testing.T) {
	admin := permissions.UserContext{UserID: "admin-1"}
	app, db := newPermissionTestApp(t, admin, "Super Admin")
	record := seedPermission(t, db, permissions.ScopeUser, "u1", models.GrantList{
		{Platform: permissions.PlatformFacebook, Level: permissions.LevelViewOnly},
	})

	resp, err := app.Test(httptest.NewRequest("DELETE", fmt.Sprintf("/%d", record.ID), nil))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	// Gone from default queries, still on disk.
	var count int64
	db.Model(&models.SocialInboxPermission{}).Count(&count)
	assert.EqualValues(t, 0, count)
	db.Unscoped().Model(&models.SocialInboxPermission{}).Count(&count)
	assert.EqualValues(t, 1, count)

	// The target can be granted again.
	payload := `{
		"access_type": "user",
		"target_id": "u1",
		"grants": [{"platform": "gmail", "level": "view_only"}]
	}`
	req := httptest.NewRequest("POST", "/", bytes.NewBufferString(payload))
	req.Header.Set("Content-Type", "application/json")
	resp, err = app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusCreated, resp.StatusCode)
}

func TestListPermissionsFilters(t *testing.T) {
	admin := permissions.UserContext{UserID: "admin-1"}
	app, db := newPermissionTestApp(t, admin, "Super Admin")
	seedPermission(t, db, permissions.ScopeUser, "u1", models.GrantList{
		{Platform: permissions.PlatformFacebook, Level: permissions.LevelViewOnly},
	})
	seedPermission(t, db, permissions.ScopeTeam, "t1", models.GrantList{
		{Platform: permissions.PlatformGmail, Level: permissions.LevelViewOnly},
	})

	resp, err := app.Test(httptest.NewRequest("GET", "/?access_type=team", nil))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	var body struct {
		Permissions []models.SocialInboxPermission `json:"permissions"`
	}
	decodeBody(t, resp.Body, &body)
	require.Len(t, body.Permissions, 1)
	assert.Equal(t, "t1", body.Permissions[0].TargetID)

	resp, err = app.Test(httptest.NewRequest("GET", "/?access_type=bogus", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestGetPermissionByTarget(t *testing.T) {
	admin := permissions.UserContext{UserID: "admin-1"}
	app, db := newPermissionTestApp(t, admin, "Super Admin")
	seedPermission(t, db, permissions.ScopeRole, "Manager", models.GrantList{
		{Platform: permissions.PlatformWhatsApp, Level: permissions.LevelViewOnly},
	})

	resp, err := app.Test(httptest.NewRequest("GET", "/role/Manager", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	resp, err = app.Test(httptest.NewRequest("GET", "/role/Unknown", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
}

func TestGetMyEffectivePermissionsMergesTiers(t *testing.T) {
	user := permissions.UserContext{UserID: "u1", TeamIDs: []string{"t1"}, Role: "Agent"}
	app, db := newPermissionTestApp(t, user, "Agent")

	seedPermission(t, db, permissions.ScopeUser, "u1", models.GrantList{
		{Platform: permissions.PlatformGmail, Level: permissions.LevelViewOnly},
	})
	seedPermission(t, db, permissions.ScopeTeam, "t1", models.GrantList{
		{Platform: permissions.PlatformGmail, Level: permissions.LevelViewAndAnswer},
		{Platform: permissions.PlatformFacebook, Level: permissions.LevelViewAndAnswer},
	})

	resp, err := app.Test(httptest.NewRequest("GET", "/me/effective", nil))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	var body struct {
		UserID      string                           `json:"user_id"`
		Permissions []permissions.ResolvedPermission `json:"permissions"`
	}
	decodeBody(t, resp.Body, &body)

	assert.Equal(t, "u1", body.UserID)
	require.Len(t, body.Permissions, 2)

	// Platform enum order: facebook before gmail.
	assert.Equal(t, permissions.PlatformFacebook, body.Permissions[0].Platform)
	assert.Equal(t, permissions.SourceTeam, body.Permissions[0].Source)

	// The individual record wins over the more generous team grant.
	assert.Equal(t, permissions.PlatformGmail, body.Permissions[1].Platform)
	assert.Equal(t, permissions.LevelViewOnly, body.Permissions[1].Level)
	assert.Equal(t, permissions.SourceIndividual, body.Permissions[1].Source)
}

func TestGetEffectivePermissionsForUserUsesSuppliedContext(t *testing.T) {
	admin := permissions.UserContext{UserID: "admin-1"}
	app, db := newPermissionTestApp(t, admin, "Super Admin")

	seedPermission(t, db, permissions.ScopeTeam, "t9", models.GrantList{
		{Platform: permissions.PlatformInstagram, Level: permissions.LevelViewOnly},
	})
	seedPermission(t, db, permissions.ScopeRole, "Manager", models.GrantList{
		{Platform: permissions.PlatformGmail, Level: permissions.LevelViewAndAnswer},
	})

	resp, err := app.Test(httptest.NewRequest("GET", "/users/u42/effective?team_ids=t9,%20t10&role=Manager", nil))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	var body struct {
		UserID      string                           `json:"user_id"`
		Permissions []permissions.ResolvedPermission `json:"permissions"`
	}
	decodeBody(t, resp.Body, &body)

	assert.Equal(t, "u42", body.UserID)
	require.Len(t, body.Permissions, 2)
	assert.Equal(t, permissions.PlatformInstagram, body.Permissions[0].Platform)
	assert.Equal(t, permissions.SourceTeam, body.Permissions[0].Source)
	assert.Equal(t, permissions.PlatformGmail, body.Permissions[1].Platform)
	assert.Equal(t, permissions.SourceRole, body.Permissions[1].Source)
}

func TestGetMyPermissionsReturnsRawRecord(t *testing.T) {
	user := permissions.UserContext{UserID: "u1"}
	app, db := newPermissionTestApp(t, user, "Agent")

	resp, err := app.Test(httptest.NewRequest("GET", "/me", nil))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	var body struct {
		Permission *models.SocialInboxPermission `json:"permission"`
	}
	decodeBody(t, resp.Body, &body)
	assert.Nil(t, body.Permission)

	seedPermission(t, db, permissions.ScopeUser, "u1", models.GrantList{
		{Platform: permissions.PlatformFacebook, Level: permissions.LevelViewOnly},
	})

	resp, err = app.Test(httptest.NewRequest("GET", "/me", nil))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	decodeBody(t, resp.Body, &body)
	require.NotNil(t, body.Permission)
	assert.Equal(t, "u1", body.Permission.TargetID)
}
