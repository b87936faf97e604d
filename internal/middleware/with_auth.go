package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/gema-exam-engine/internal/utils"
)

// Access levels understood by WithAuth.
const (
	AuthRoleAny       = "any"
	AuthRoleAdmin     = "admin"
	AuthRoleProctor   = "proctor"
	AuthRoleCandidate = "candidate"
)

// AuthOptions configures WithAuth. Any role other than AuthRoleAny implies RequireUser.
type AuthOptions struct {
	Role        string
	RequireUser bool
}

// WithAuth guards a single handler. AuthRoleProctor admits every privileged role and
// AuthRoleAdmin admits admins and examiners.
func WithAuth(handler fiber.Handler, opts AuthOptions) fiber.Handler {
	level := strings.ToLower(strings.TrimSpace(opts.Role))
	if level == "" {
		level = AuthRoleAny
	}
	requireUser := opts.RequireUser || level != AuthRoleAny

	return func(c *fiber.Ctx) error {
		if requireUser && c.Locals("user_id") == nil {
			return utils.SendError(c, fiber.StatusUnauthorized, "authentication required")
		}
		if level == AuthRoleAny {
			return handler(c)
		}

		role := roleFromLocals(c)
		var permitted bool
		switch level {
		case AuthRoleCandidate:
			permitted = role == RoleCandidate
		case AuthRoleProctor:
			permitted = IsPrivilegedRole(role)
		case AuthRoleAdmin:
			permitted = role == RoleAdmin || role == RoleExaminer
		default:
			permitted = role == CanonicalRole(level)
		}
		if !permitted {
			return utils.SendError(c, fiber.StatusForbidden, "insufficient permissions")
		}

		return handler(c)
	}
}
