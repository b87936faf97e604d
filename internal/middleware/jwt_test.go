package middleware

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

const testSecret = "exam-secret"

func signToken(t *testing.T, method jwt.SigningMethod, key interface{}, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(method, claims).SignedString(key)
	require.NoError(t, err)
	return token
}

func newJWTApp() *fiber.App {
	app := fiber.New()
	app.Use(JWTProtected(testSecret))
	app.Get("/whoami", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"user_id": c.Locals("user_id"), "role": c.Locals("user_role")})
	})
	return app
}

func callWhoAmI(t *testing.T, app *fiber.App, authorization string) (int, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	if authorization != "" {
		req.Header.Set(fiber.HeaderAuthorization, authorization)
	}
	resp, err := app.Test(req)
	require.NoError(t, err)

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &body))
	return resp.StatusCode, body
}

func TestJWTProtectedStoresCanonicalIdentity(t *testing.T) {
	app := newJWTApp()
	token := signToken(t, jwt.SigningMethodHS256, []byte(testSecret), jwt.MapClaims{
		"sub":   "42",
		"roles": []interface{}{"", "Teacher"},
		"exp":   time.Now().Add(time.Hour).Unix(),
	})

	status, body := callWhoAmI(t, app, "bearer "+token)
	require.Equal(t, fiber.StatusOK, status)
	require.EqualValues(t, 42, body["user_id"])
	require.Equal(t, RoleExaminer, body["role"])

	numeric := signToken(t, jwt.SigningMethodHS512, []byte(testSecret), jwt.MapClaims{"user_id": 7, "role": "student"})
	status, body = callWhoAmI(t, app, "Bearer "+numeric)
	require.Equal(t, fiber.StatusOK, status)
	require.EqualValues(t, 7, body["user_id"])
	require.Equal(t, RoleCandidate, body["role"])
}

func TestJWTProtectedRejectsBadTokens(t *testing.T) {
	app := newJWTApp()
	expired := signToken(t, jwt.SigningMethodHS256, []byte(testSecret), jwt.MapClaims{
		"sub": "42",
		"exp": time.Now().Add(-time.Hour).Unix(),
	})
	wrongKey := signToken(t, jwt.SigningMethodHS256, []byte("other"), jwt.MapClaims{"sub": "42"})
	noSubject := signToken(t, jwt.SigningMethodHS256, []byte(testSecret), jwt.MapClaims{"role": "admin"})
	unsigned := signToken(t, jwt.SigningMethodNone, jwt.UnsafeAllowNoneSignatureType, jwt.MapClaims{"sub": "42"})

	cases := map[string]struct {
		header  string
		message string
	}{
		"missing":    {header: "", message: "authorization header missing"},
		"scheme":     {header: "Basic abc", message: "invalid authorization header"},
		"expired":    {header: "Bearer " + expired, message: "token expired"},
		"wrong key":  {header: "Bearer " + wrongKey, message: "invalid token"},
		"no subject": {header: "Bearer " + noSubject, message: "token subject missing"},
		"alg none":   {header: "Bearer " + unsigned, message: "invalid token"},
	}

	for name, tc := range cases {
		status, body := callWhoAmI(t, app, tc.header)
		require.Equal(t, fiber.StatusUnauthorized, status, name)
		require.Equal(t, tc.message, body["message"], name)
	}
}

func TestJWTProtectedAllowsSmallClockSkew(t *testing.T) {
	app := newJWTApp()
	token := signToken(t, jwt.SigningMethodHS256, []byte(testSecret), jwt.MapClaims{
		"sub": "9",
		"exp": time.Now().Add(-10 * time.Second).Unix(),
	})

	status, _ := callWhoAmI(t, app, "Bearer "+token)
	require.Equal(t, fiber.StatusOK, status)
}
