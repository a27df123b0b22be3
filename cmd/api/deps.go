package main

import (
	"context"

	"momali/internal/app"
	httphandlers "momali/internal/interfaces/http"
	"momali/internal/shared/config"
)

// Dependencies holds the services and the HTTP handlers built on them.
type Dependencies struct {
	*app.App

	ConsentHandler     *httphandlers.ConsentHandler
	SyncHandler        *httphandlers.SyncHandler
	AccountHandler     *httphandlers.AccountHandler
	InstitutionHandler *httphandlers.InstitutionHandler
	DeviceHandler      *httphandlers.DeviceHandler
}

// NewDependencies initializes all application dependencies.
func NewDependencies(ctx context.Context, cfg *config.Config) (*Dependencies, error) {
	a, err := app.New(ctx, cfg)
	if err != nil {
		return nil, err
	}

	return &Dependencies{
		App:                a,
		ConsentHandler:     httphandlers.NewConsentHandler(a.Consents, a.Sync, cfg.Consent.CallbackURL, cfg.Consent.AppRedirectURL),
		SyncHandler:        httphandlers.NewSyncHandler(a.Sync, a.Consents),
		AccountHandler:     httphandlers.NewAccountHandler(a.Ingest()),
		InstitutionHandler: httphandlers.NewInstitutionHandler(a.Catalog),
		DeviceHandler:      httphandlers.NewDeviceHandler(a.Notifications),
	}, nil
}
