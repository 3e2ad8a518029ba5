package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/noah-isme/bktutor-api/internal/models"
	appErrors "github.com/noah-isme/bktutor-api/pkg/errors"
	"github.com/noah-isme/bktutor-api/pkg/response"
)

// SelfAccess admits a caller whose user id equals the :id route param.
const SelfAccess = "SELF"

type accessRule struct {
	roles map[models.UserRole]bool
	self  bool
}

func (r accessRule) permits(c *gin.Context, claims *models.JWTClaims) bool {
	if r.roles[claims.Role] {
		return true
	}
	return r.self && claims.UserID != "" && c.Param("id") == claims.UserID
}

// RBAC admits callers holding one of the listed roles, or SelfAccess.
// It must run after JWT.
func RBAC(allowed ...string) gin.HandlerFunc {
	rule := accessRule{roles: make(map[models.UserRole]bool, len(allowed))}
	for _, a := range allowed {
		if a == SelfAccess {
			rule.self = true
			continue
		}
		rule.roles[models.UserRole(a)] = true
	}

	return func(c *gin.Context) {
		claims := CurrentUser(c)
		switch {
		case claims == nil:
			response.Abort(c, appErrors.ErrUnauthorized)
		case !rule.permits(c, claims):
			response.Abort(c, appErrors.Clone(appErrors.ErrForbidden, "role "+string(claims.Role)+" may not access this resource"))
		default:
			c.Next()
		}
	}
}

// RequireRoles is RBAC over typed roles.
func RequireRoles(roles ...models.UserRole) gin.HandlerFunc {
	allowed := make([]string, len(roles))
	for i, r := range roles {
		allowed[i] = string(r)
	}
	return RBAC(allowed...)
}

// RequireStaff admits coordinators, chairs and administrators.
func RequireStaff() gin.HandlerFunc {
	return RequireRoles(models.RoleCoordinator, models.RoleChair, models.RoleAdministrator)
}
