package middleware

import (
	"io"
	"net/http/httptest"
	"testing"

	"go-crm-pipeline/pkg/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestApp(skipAuth bool) *fiber.App {
	app := fiber.New()
	app.Get("/me", AuthMiddleware(skipAuth), func(c *fiber.Ctx) error {
		return c.SendString(utils.UserIDFromContext(c.UserContext()))
	})
	return app
}

func TestAuthMiddleware(t *testing.T) {
	utils.SetSecret("mw-secret")
	token, err := utils.GenerateToken("u-42", nil)
	require.NoError(t, err)

	tests := []struct {
		name       string
		skipAuth   bool
		header     string
		wantStatus int
		wantBody   string
	}{
		{name: "skip auth", skipAuth: true, wantStatus: 200, wantBody: "dev-admin-id"},
		{name: "missing header", wantStatus: 401},
		{name: "bad format", header: "Token abc", wantStatus: 401},
		{name: "invalid token", header: "Bearer nope", wantStatus: 401},
		{name: "valid token", header: "Bearer " + token, wantStatus: 200, wantBody: "u-42"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/me", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			resp, err := newTestApp(tt.skipAuth).Test(req)
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, resp.StatusCode)
			if tt.wantBody != "" {
				body, _ := io.ReadAll(resp.Body)
				assert.Equal(t, tt.wantBody, string(body))
			}
		})
	}
}

func TestAdminMiddleware(t *testing.T) {
	utils.SetSecret("mw-secret")
	admin, err := utils.GenerateToken("u-1", []string{"Admin"})
	require.NoError(t, err)
	agent, err := utils.GenerateToken("u-2", []string{"sales"})
	require.NoError(t, err)
	noRoles, err := utils.GenerateToken("u-3", nil)
	require.NoError(t, err)

	app := fiber.New()
	app.Post("/tick", AuthMiddleware(false), AdminMiddleware(), func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusNoContent)
	})

	tests := []struct {
		name       string
		token      string
		wantStatus int
	}{
		{name: "admin role is case insensitive", token: admin, wantStatus: 204},
		{name: "non admin", token: agent, wantStatus: 403},
		{name: "no roles", token: noRoles, wantStatus: 403},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/tick", nil)
			req.Header.Set("Authorization", "Bearer "+tt.token)
			resp, err := app.Test(req)
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, resp.StatusCode)
		})
	}

	t.Run("without auth middleware", func(t *testing.T) {
		bare := fiber.New()
		bare.Get("/", AdminMiddleware(), func(c *fiber.Ctx) error { return nil })
		resp, err := bare.Test(httptest.NewRequest("GET", "/", nil))
		require.NoError(t, err)
		assert.Equal(t, 401, resp.StatusCode)
	})
}
