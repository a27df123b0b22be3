package main

import (
	"log"
	"net/http"

	httphandlers "momali/internal/interfaces/http"
	"momali/internal/shared/config"
	"momali/internal/shared/middleware"
)

// SetupRoutes configures all HTTP routes and returns the final handler with middleware.
func SetupRoutes(deps *Dependencies, cfg *config.Config) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", httphandlers.HandleHealth)
	mux.HandleFunc("GET /api/institutions", deps.InstitutionHandler.HandleList)

	// The bank redirects the user's browser here, so it carries no API token.
	mux.HandleFunc("GET /api/consents/callback", deps.ConsentHandler.HandleCallback)
	mux.HandleFunc("POST /api/consents/callback", deps.ConsentHandler.HandleCallback)

	authed := middleware.Auth(deps.JWT)
	protect := func(h http.HandlerFunc) http.Handler {
		return authed(middleware.NoStore(h))
	}

	mux.Handle("POST /api/consents", protect(deps.ConsentHandler.HandleCreate))
	mux.Handle("GET /api/consents", protect(deps.ConsentHandler.HandleList))
	mux.Handle("GET /api/consents/{id}", protect(deps.ConsentHandler.HandleGet))
	mux.Handle("POST /api/consents/{id}/revoke", protect(deps.ConsentHandler.HandleRevoke))
	mux.Handle("DELETE /api/consents/{id}", protect(deps.ConsentHandler.HandleRevoke))
	mux.Handle("GET /api/consents/{id}/jobs", protect(deps.ConsentHandler.HandleJobs))

	mux.Handle("POST /api/sync/{consentId}", protect(deps.SyncHandler.HandleTrigger))
	mux.Handle("GET /api/sync/jobs/{id}", protect(deps.SyncHandler.HandleGetJob))

	mux.Handle("GET /api/accounts", protect(deps.AccountHandler.HandleList))
	mux.Handle("GET /api/accounts/{id}/balances", protect(deps.AccountHandler.HandleBalances))
	mux.Handle("GET /api/accounts/{id}/transactions", protect(deps.AccountHandler.HandleTransactions))

	mux.Handle("POST /api/devices", protect(deps.DeviceHandler.HandleRegister))

	handler := middleware.Tracing(mux)(mux)
	handler = middleware.CORS(cfg.Server.AllowedHosts)(handler)
	handler = middleware.Logging(handler)
	handler = middleware.RequestID(handler)

	if cfg.TLS.Enabled {
		handler = middleware.HSTS(middleware.RequireHTTPS(handler))
		log.Println("TLS security middleware enabled (HSTS + HTTPS only)")
	}
	if cfg.Telemetry.Enabled {
		handler = middleware.Telemetry(handler)
	}

	return handler
}
