// Package validation holds the request guards every engine route shares:
// a body size cap, tenant id shape checks, and input scrubbing for
// operator-supplied text.
package validation

import (
	"net/http"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
)

const (
	// MaxRequestSize caps every request body at 1MB.
	MaxRequestSize = 1 << 20

	// MaxNameLength caps condominium display names.
	MaxNameLength = 200
)

// Generated ids are shaped ten_<24 hex>; migrated records may carry legacy
// opaque keys, so anything url-safe up to 40 chars is accepted.
var tenantIDRegex = regexp.MustCompile(`^[A-Za-z0-9_-]{1,40}$`)

// IsValidTenantID reports whether id is an acceptable tenant identifier.
func IsValidTenantID(id string) bool {
	return tenantIDRegex.MatchString(id)
}

// SanitizeString trims whitespace, strips NUL bytes, and caps the value at
// maxRunes characters without splitting a multibyte rune.
func SanitizeString(s string, maxRunes int) string {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, "\x00", "")
	if utf8.RuneCountInString(s) > maxRunes {
		s = string([]rune(s)[:maxRunes])
	}
	return s
}

// RequestSizeMiddleware rejects request bodies larger than maxSize.
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// TenantParamMiddleware rejects malformed :id URL parameters before any
// handler runs. Routes without an :id param pass through untouched.
func TenantParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if id := c.Param("id"); id != "" && !IsValidTenantID(id) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_tenant_id",
				"message": "tenant id must be url-safe and at most 40 characters",
			})
			return
		}
		c.Next()
	}
}
