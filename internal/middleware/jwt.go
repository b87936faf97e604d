package middleware

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"

	"github.com/noah-isme/gema-exam-engine/internal/utils"
)

const tokenLeeway = 30 * time.Second

var (
	errMissingToken   = errors.New("authorization header missing")
	errMalformedToken = errors.New("invalid authorization header")
	errMissingSubject = errors.New("token subject missing")
)

// Identity is the caller carried by a bearer token.
type Identity struct {
	UserID uint
	Role   string
}

// JWTProtected validates HMAC-signed bearer tokens issued by the main platform and stores the
// caller in the user_id and user_role locals. Roles are stored in canonical form.
func JWTProtected(secret string) fiber.Handler {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg(), jwt.SigningMethodHS384.Alg(), jwt.SigningMethodHS512.Alg()}),
		jwt.WithLeeway(tokenLeeway),
	)
	key := []byte(secret)

	return func(c *fiber.Ctx) error {
		identity, err := parseBearer(parser, key, c.Get(fiber.HeaderAuthorization))
		if err != nil {
			return utils.SendError(c, fiber.StatusUnauthorized, tokenErrorMessage(err))
		}

		c.Locals("user_id", identity.UserID)
		if identity.Role != "" {
			c.Locals("user_role", identity.Role)
		}
		return c.Next()
	}
}

func parseBearer(parser *jwt.Parser, key []byte, header string) (Identity, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return Identity{}, errMissingToken
	}
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "bearer") || strings.TrimSpace(token) == "" {
		return Identity{}, errMalformedToken
	}

	claims := jwt.MapClaims{}
	if _, err := parser.ParseWithClaims(strings.TrimSpace(token), claims, func(*jwt.Token) (interface{}, error) {
		return key, nil
	}); err != nil {
		return Identity{}, err
	}

	userID, ok := subjectFromClaims(claims)
	if !ok {
		return Identity{}, errMissingSubject
	}
	return Identity{UserID: userID, Role: roleFromClaims(claims)}, nil
}

func tokenErrorMessage(err error) string {
	switch {
	case errors.Is(err, errMissingToken), errors.Is(err, errMalformedToken), errors.Is(err, errMissingSubject):
		return err.Error()
	case errors.Is(err, jwt.ErrTokenExpired):
		return "token expired"
	default:
		return "invalid token"
	}
}

// subjectFromClaims accepts sub, user_id or id as a positive number or numeric string.
func subjectFromClaims(claims jwt.MapClaims) (uint, bool) {
	for _, key := range []string{"sub", "user_id", "id"} {
		value, ok := claims[key]
		if !ok {
			continue
		}
		if id, err := parseSubject(value); err == nil && id > 0 {
			return id, true
		}
	}
	return 0, false
}

func parseSubject(value interface{}) (uint, error) {
	switch v := value.(type) {
	case float64:
		if v < 0 || v != float64(uint64(v)) {
			return 0, fmt.Errorf("invalid subject %v", v)
		}
		return uint(v), nil
	case string:
		parsed, err := strconv.ParseUint(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return 0, err
		}
		return uint(parsed), nil
	default:
		return 0, fmt.Errorf("unsupported subject type %T", value)
	}
}

// roleFromClaims reads "role", falling back to the first non-empty entry of "roles".
func roleFromClaims(claims jwt.MapClaims) string {
	if role, ok := claims["role"].(string); ok && strings.TrimSpace(role) != "" {
		return CanonicalRole(role)
	}
	switch roles := claims["roles"].(type) {
	case string:
		return CanonicalRole(roles)
	case []interface{}:
		for _, item := range roles {
			if role, ok := item.(string); ok && strings.TrimSpace(role) != "" {
				return CanonicalRole(role)
			}
		}
	}
	return ""
}
