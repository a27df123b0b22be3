package middleware

import (
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Telemetry adds otelhttp server metrics and propagates incoming trace context.
func Telemetry(next http.Handler) http.Handler {
	return otelhttp.NewMiddleware("momali-api")(next)
}
