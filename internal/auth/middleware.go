package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/condohq/seatbill/internal/logging"
	"github.com/condohq/seatbill/internal/validation"
)

// ContextKeyIdentity is the gin context key holding the resolved Identity.
const ContextKeyIdentity = "authIdentity"

// Middleware resolves the gateway identity headers and stores the Identity
// in the request context. Requests without a complete identity are rejected;
// administrators must carry a tenant scope. When internalSecret is non-empty
// the X-Internal-Secret header must match it.
func Middleware(internalSecret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if internalSecret != "" && !secretsEqual(c.GetHeader(HeaderInternalSecret), internalSecret) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Request did not come through the platform gateway.",
			})
			return
		}

		userID := c.GetHeader(HeaderUserID)
		if userID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Identity headers required. The platform gateway sets " + HeaderUserID + " and " + HeaderUserRole + ".",
			})
			return
		}

		role, ok := ParseRole(c.GetHeader(HeaderUserRole))
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Unknown role. Want administrator or super_admin.",
			})
			return
		}

		tenantID := c.GetHeader(HeaderTenantID)
		if tenantID != "" && !validation.IsValidTenantID(tenantID) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_tenant_id",
				"message": "Tenant id must be url-safe and at most 40 characters.",
			})
			return
		}
		if role == RoleAdministrator && tenantID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Administrator identity requires " + HeaderTenantID + ".",
			})
			return
		}

		id := Identity{UserID: userID, Role: role, TenantID: tenantID}
		c.Set(ContextKeyIdentity, id)
		if tenantID != "" {
			c.Request = c.Request.WithContext(logging.WithTenantID(c.Request.Context(), tenantID))
		}

		c.Next()
	}
}

// RequireSuperAdmin rejects callers without platform-wide access.
func RequireSuperAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := FromContext(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Identity required.",
			})
			return
		}
		if !id.SuperAdmin() {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Super admin access required.",
			})
			return
		}
		c.Next()
	}
}

// RequireAdministrator rejects callers that are not condominium
// administrators. Super admins are rejected too: the operations behind this
// guard have a dedicated super-admin path.
func RequireAdministrator() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := FromContext(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Identity required.",
			})
			return
		}
		if id.Role != RoleAdministrator {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Condominium administrator access required.",
			})
			return
		}
		c.Next()
	}
}

// FromContext returns the Identity resolved by Middleware.
func FromContext(c *gin.Context) (Identity, bool) {
	v, exists := c.Get(ContextKeyIdentity)
	if !exists {
		return Identity{}, false
	}
	id, ok := v.(Identity)
	return id, ok
}

// TenantScope returns the tenant the caller acts on: administrators are
// pinned to their own tenant, super admins may address any via the header.
// The bool is false when no tenant scope is present.
func TenantScope(c *gin.Context) (string, bool) {
	id, ok := FromContext(c)
	if !ok || id.TenantID == "" {
		return "", false
	}
	return id.TenantID, true
}
