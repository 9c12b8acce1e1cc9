package middleware

import (
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
)

// RequestID returns Echo's request ID middleware with UUID identifiers.
// A caller-supplied X-Request-Id is kept; otherwise the generated one is also
// set on the inbound request so it is forwarded upstream.
func RequestID() echo.MiddlewareFunc {
	return echomw.RequestIDWithConfig(echomw.RequestIDConfig{
		Generator: uuid.NewString,
		RequestIDHandler: func(c echo.Context, id string) {
			req := c.Request()
			if req.Header.Get(echo.HeaderXRequestID) == "" {
				req.Header.Set(echo.HeaderXRequestID, id)
			}
		},
	})
}
