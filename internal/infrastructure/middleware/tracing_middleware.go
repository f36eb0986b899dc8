package middleware

import (
	"net/http"

	"confab/pkg/tracing"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// TracingMiddleware opens one span per admin API request. Paths in skip get
// none: the signaling upgrade would hold a span open for the whole session,
// and every signaling request is traced on its own.
func TracingMiddleware(skip ...string) gin.HandlerFunc {
	skipped := make(map[string]bool, len(skip))
	for _, p := range skip {
		skipped[p] = true
	}
	return func(c *gin.Context) {
		if skipped[c.Request.URL.Path] {
			c.Next()
			return
		}

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		ctx, span := tracing.TraceHTTPRequest(c.Request.Context(), c.Request.Method, route)
		defer span.End()
		if roomID := c.Param("id"); roomID != "" {
			span.SetAttributes(tracing.RoomIDKey.String(roomID))
		}
		c.Request = c.Request.WithContext(ctx)

		c.Next()

		// identity is only known once AuthMiddleware ran further down the chain
		if identity, ok := IdentityFrom(c); ok {
			span.SetAttributes(
				attribute.String("user.id", string(identity.UserID)),
				attribute.String("user.role", string(identity.Role)),
			)
		}
		status := c.Writer.Status()
		span.SetAttributes(attribute.Int("http.status_code", status))
		if status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(status))
		}
	}
}
