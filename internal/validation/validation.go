// Package validation provides input validation middleware for the Sentinel API.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (64KB). Risk signals and
// lifecycle hooks are small; anything bigger is not a legitimate caller.
const MaxRequestSize = 64 << 10

// MaxStringLength is the maximum length for string fields
const MaxStringLength = 1024

var (
	// bookingIDRegex validates booking identifiers (UUIDs or prefixed ids)
	bookingIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)
	// identityKeyRegex validates identity keys (user ids or device fingerprints)
	identityKeyRegex = regexp.MustCompile(`^[a-zA-Z0-9:._-]{1,255}$`)
)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidBookingID checks if a string is a well-formed booking identifier
func IsValidBookingID(id string) bool {
	return bookingIDRegex.MatchString(id)
}

// IsValidIdentityKey checks if a string is a well-formed identity key
func IsValidIdentityKey(key string) bool {
	return identityKeyRegex.MatchString(key)
}

// SanitizeString removes dangerous characters and limits length
func SanitizeString(s string, maxLen int) string {
	// Trim whitespace
	s = strings.TrimSpace(s)

	// Limit length
	if len(s) > maxLen {
		s = s[:maxLen]
	}

	// Remove null bytes
	s = strings.ReplaceAll(s, "\x00", "")

	return s
}

// PathParamMiddleware rejects requests whose booking path parameter is
// malformed before they reach a handler.
func PathParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if id := c.Param("bookingId"); id != "" && !IsValidBookingID(id) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "malformed booking id",
			})
			return
		}
		if id := c.Param("identity"); id != "" && !IsValidIdentityKey(id) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "malformed identity key",
			})
			return
		}
		c.Next()
	}
}
