package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/require"
)

func TestCanonicalRole(t *testing.T) {
	cases := map[string]string{
		" Teacher ": RoleExaminer,
		"STUDENT":   RoleCandidate,
		"proctor":   RoleProctor,
		"auditor":   "auditor",
		"":          "",
	}
	for input, expected := range cases {
		require.Equal(t, expected, CanonicalRole(input), input)
	}

	require.True(t, IsPrivilegedRole("teacher"))
	require.True(t, IsPrivilegedRole("Proctor"))
	require.False(t, IsPrivilegedRole("student"))
}

func TestRequireRoleFoldsPlatformAliases(t *testing.T) {
	cases := []struct {
		role   interface{}
		status int
	}{
		{role: "teacher", status: fiber.StatusOK},
		{role: "examiner", status: fiber.StatusOK},
		{role: "student", status: fiber.StatusForbidden},
		{role: "proctor", status: fiber.StatusForbidden},
		{role: nil, status: fiber.StatusForbidden},
	}

	for _, tc := range cases {
		app := fiber.New()
		app.Use(func(c *fiber.Ctx) error {
			if tc.role != nil {
				c.Locals("user_role", tc.role)
			}
			return c.Next()
		})
		app.Use(RequireRole(RoleAdmin, RoleExaminer))
		app.Get("/grading", func(c *fiber.Ctx) error {
			return c.SendStatus(fiber.StatusOK)
		})

		resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/grading", nil))
		require.NoError(t, err)
		require.Equal(t, tc.status, resp.StatusCode, "role %v", tc.role)
	}
}
