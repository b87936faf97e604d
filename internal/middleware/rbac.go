package middleware

import (
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/gema-exam-engine/internal/utils"
)

// Canonical exam roles. Tokens issued by the main platform still carry its older names,
// which CanonicalRole folds into these.
const (
	RoleAdmin     = "admin"
	RoleExaminer  = "examiner"
	RoleProctor   = "proctor"
	RoleCandidate = "candidate"
)

var roleAliases = map[string]string{
	"teacher": RoleExaminer,
	"student": RoleCandidate,
}

// CanonicalRole lowercases a role and maps platform aliases onto exam roles.
func CanonicalRole(role string) string {
	normalized := strings.ToLower(strings.TrimSpace(role))
	if alias, ok := roleAliases[normalized]; ok {
		return alias
	}
	return normalized
}

// IsPrivilegedRole reports whether the role may act on sessions it does not own.
func IsPrivilegedRole(role string) bool {
	switch CanonicalRole(role) {
	case RoleAdmin, RoleExaminer, RoleProctor:
		return true
	default:
		return false
	}
}

// RequireRole rejects callers whose canonical role is not among roles.
func RequireRole(roles ...string) fiber.Handler {
	allowed := make(map[string]struct{}, len(roles))
	for _, role := range roles {
		if canonical := CanonicalRole(role); canonical != "" {
			allowed[canonical] = struct{}{}
		}
	}

	return func(c *fiber.Ctx) error {
		if _, ok := allowed[roleFromLocals(c)]; !ok {
			return utils.SendError(c, fiber.StatusForbidden, "insufficient permissions")
		}
		return c.Next()
	}
}

func roleFromLocals(c *fiber.Ctx) string {
	switch v := c.Locals("user_role").(type) {
	case nil:
		return ""
	case string:
		return CanonicalRole(v)
	case fmt.Stringer:
		return CanonicalRole(v.String())
	default:
		return CanonicalRole(fmt.Sprintf("%v", v))
	}
}
