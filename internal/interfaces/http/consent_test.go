package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"momali/internal/domain/consent"
	"momali/internal/domain/openbanking"
	"momali/internal/domain/syncjob"
)

const testCallbackURL = "https://api.momali.test/api/consents/callback"

func pendingConsent(id string, userID int64) *consent.Consent {
	expires := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return &consent.Consent{
		ID:               id,
		UserID:           userID,
		InstitutionID:    "bank-a",
		Status:           consent.StatusPendingAuthorization,
		Scopes:           openbanking.DefaultScopes(),
		AuthorizationURL: "https://aggregator.test/authorize?state=s",
		ExpiresAt:        &expires,
	}
}

func TestConsentHandler_Create(t *testing.T) {
	var got consent.CreateParams
	mock := &MockConsentService{
		CreateConsentFunc: func(ctx context.Context, params consent.CreateParams) (*consent.Consent, error) {
			got = params
			return pendingConsent("c-1", params.UserID), nil
		},
	}
	h := NewConsentHandler(mock, &MockSyncService{}, testCallbackURL, "")

	req := authedRequest(http.MethodPost, "/api/consents", strings.NewReader(`{"institutionId":"bank-a"}`), 7)
	w := httptest.NewRecorder()
	h.HandleCreate(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d; body %s", w.Code, http.StatusCreated, w.Body.String())
	}
	if got.UserID != 7 || got.InstitutionID != "bank-a" {
		t.Errorf("params = %+v", got)
	}
	if got.RedirectURI != testCallbackURL {
		t.Errorf("RedirectURI = %q, want default callback", got.RedirectURI)
	}
	if len(got.Scopes) != 2 {
		t.Errorf("Scopes = %v, want default scopes", got.Scopes)
	}

	var resp CreateConsentResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.ConsentID != "c-1" || resp.Status != string(consent.StatusPendingAuthorization) || resp.AuthorizationURL == "" {
		t.Errorf("response = %+v", resp)
	}
}

func TestConsentHandler_CreateErrors(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		userID     int64
		serviceErr error
		wantStatus int
		wantCode   string
	}{
		{name: "unknown scope", body: `{"institutionId":"bank-a","scopes":["payments"]}`, userID: 1, wantStatus: http.StatusBadRequest, wantCode: "invalid_request"},
		{name: "malformed body", body: `{`, userID: 1, wantStatus: http.StatusBadRequest, wantCode: "invalid_request"},
		{name: "institution disabled", body: `{"institutionId":"bank-z"}`, userID: 1, serviceErr: fmt.Errorf("lookup: %w", openbanking.ErrInstitutionUnavailable), wantStatus: http.StatusUnprocessableEntity, wantCode: "institution_unavailable"},
		{name: "aggregator down", body: `{"institutionId":"bank-a"}`, userID: 1, serviceErr: openbanking.ErrTemporaryFailure, wantStatus: http.StatusServiceUnavailable, wantCode: "temporary_failure"},
		{name: "unexpected", body: `{"institutionId":"bank-a"}`, userID: 1, serviceErr: errors.New("boom"), wantStatus: http.StatusInternalServerError, wantCode: "internal_error"},
		{name: "no user", body: `{"institutionId":"bank-a"}`, userID: 0, wantStatus: http.StatusUnauthorized, wantCode: "unauthorized"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := &MockConsentService{
				CreateConsentFunc: func(ctx context.Context, params consent.CreateParams) (*consent.Consent, error) {
					if tt.serviceErr != nil {
						return nil, tt.serviceErr
					}
					return pendingConsent("c-1", params.UserID), nil
				},
			}
			h := NewConsentHandler(mock, &MockSyncService{}, testCallbackURL, "")

			req := authedRequest(http.MethodPost, "/api/consents", strings.NewReader(tt.body), tt.userID)
			w := httptest.NewRecorder()
			h.HandleCreate(w, req)

			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			var resp ErrorResponse
			if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if resp.Error != tt.wantCode {
				t.Errorf("error = %q, want %q", resp.Error, tt.wantCode)
			}
		})
	}
}

func TestConsentHandler_CreateTemporarySetsRetryAfter(t *testing.T) {
	mock := &MockConsentService{
		CreateConsentFunc: func(ctx context.Context, params consent.CreateParams) (*consent.Consent, error) {
			return nil, fmt.Errorf("register: %w", openbanking.ErrTemporaryFailure)
		},
	}
	h := NewConsentHandler(mock, &MockSyncService{}, testCallbackURL, "")

	w := httptest.NewRecorder()
	h.HandleCreate(w, authedRequest(http.MethodPost, "/api/consents", strings.NewReader(`{"institutionId":"bank-a"}`), 1))

	if w.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
}

func TestConsentHandler_GetForeignConsent(t *testing.T) {
	mock := &MockConsentService{
		GetForUserFunc: func(ctx context.Context, userID int64, consentID string) (*consent.Consent, error) {
			return nil, consent.ErrConsentNotFound
		},
	}
	h := NewConsentHandler(mock, &MockSyncService{}, testCallbackURL, "")

	req := authedRequest(http.MethodGet, "/api/consents/c-9", nil, 1)
	req.SetPathValue("id", "c-9")
	w := httptest.NewRecorder()
	h.HandleGet(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestConsentHandler_List(t *testing.T) {
	mock := &MockConsentService{
		ListForUserFunc: func(ctx context.Context, userID int64) ([]*consent.Consent, error) {
			return []*consent.Consent{pendingConsent("c-1", userID), pendingConsent("c-2", userID)}, nil
		},
	}
	h := NewConsentHandler(mock, &MockSyncService{}, testCallbackURL, "")

	w := httptest.NewRecorder()
	h.HandleList(w, authedRequest(http.MethodGet, "/api/consents", nil, 3))

	var resp []ConsentResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp) != 2 || resp[1].ConsentID != "c-2" {
		t.Errorf("response = %+v", resp)
	}
	if len(resp[0].Scopes) != 2 || resp[0].Scopes[0] != "balances" {
		t.Errorf("scopes = %v", resp[0].Scopes)
	}
}

func TestConsentHandler_Revoke(t *testing.T) {
	var revoked string
	mock := &MockConsentService{
		GetForUserFunc: func(ctx context.Context, userID int64, consentID string) (*consent.Consent, error) {
			c := pendingConsent(consentID, userID)
			c.Status = consent.StatusActive
			return c, nil
		},
		RevokeFunc: func(ctx context.Context, consentID string) (*consent.Consent, error) {
			revoked = consentID
			c := pendingConsent(consentID, 1)
			c.Status = consent.StatusRevoked
			c.RevokeAckPending = true
			return c, nil
		},
	}
	h := NewConsentHandler(mock, &MockSyncService{}, testCallbackURL, "")

	req := authedRequest(http.MethodPost, "/api/consents/c-1/revoke", nil, 1)
	req.SetPathValue("id", "c-1")
	w := httptest.NewRecorder()
	h.HandleRevoke(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusAccepted)
	}
	if revoked != "c-1" {
		t.Errorf("revoked %q, want c-1", revoked)
	}
	var resp map[string]any
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["status"] != "revoked" || resp["revokeAckPending"] != true {
		t.Errorf("response = %v", resp)
	}
}

func TestConsentHandler_Jobs(t *testing.T) {
	var gotLimit int
	consents := &MockConsentService{
		GetForUserFunc: func(ctx context.Context, userID int64, consentID string) (*consent.Consent, error) {
			return pendingConsent(consentID, userID), nil
		},
	}
	jobs := &MockSyncService{
		ListJobsFunc: func(ctx context.Context, consentID string, limit int) ([]*syncjob.SyncJob, error) {
			gotLimit = limit
			return []*syncjob.SyncJob{{
				ID:              "j-1",
				ConsentID:       consentID,
				Status:          syncjob.StatusSucceeded,
				CompletedStages: syncjob.Stages,
			}}, nil
		},
	}
	h := NewConsentHandler(consents, jobs, testCallbackURL, "")

	req := authedRequest(http.MethodGet, "/api/consents/c-1/jobs?limit=5", nil, 1)
	req.SetPathValue("id", "c-1")
	w := httptest.NewRecorder()
	h.HandleJobs(w, req)

	if gotLimit != 5 {
		t.Errorf("limit = %d, want 5", gotLimit)
	}
	var resp []SyncJobResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp) != 1 || len(resp[0].CompletedStages) != 3 {
		t.Errorf("response = %+v", resp)
	}
}

func TestConsentHandler_Callback(t *testing.T) {
	tests := []struct {
		name        string
		query       string
		applyErr    error
		wantStatus  int
		wantOutcome consent.CallbackOutcome
		wantState   string
	}{
		{name: "approved", query: "state=s1&code=abc", wantStatus: http.StatusOK, wantOutcome: consent.OutcomeApproved, wantState: "authorized"},
		{name: "denied", query: "state=s1&error=access_denied", wantStatus: http.StatusOK, wantOutcome: consent.OutcomeDenied, wantState: "failed"},
		{name: "timed out", query: "state=s1&error=timeout", wantStatus: http.StatusOK, wantOutcome: consent.OutcomeTimeout, wantState: "failed"},
		{name: "missing state", query: "code=abc", wantStatus: http.StatusBadRequest},
		{name: "forged state", query: "state=bad&code=abc", applyErr: consent.ErrInvalidState, wantStatus: http.StatusBadRequest, wantOutcome: consent.OutcomeApproved},
		{name: "late approval", query: "state=s1&code=abc", applyErr: openbanking.ErrInvalidTransition, wantStatus: http.StatusConflict, wantOutcome: consent.OutcomeApproved, wantState: "failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotOutcome consent.CallbackOutcome
			mock := &MockConsentService{
				ApplyCallbackFunc: func(ctx context.Context, state string, res consent.CallbackResult) (*consent.Consent, error) {
					gotOutcome = res.Outcome
					if tt.wantState == "" {
						return nil, tt.applyErr
					}
					c := pendingConsent("c-1", 1)
					c.Status = consent.Status(tt.wantState)
					return c, tt.applyErr
				},
			}
			h := NewConsentHandler(mock, &MockSyncService{}, testCallbackURL, "")

			req := httptest.NewRequest(http.MethodGet, "/api/consents/callback?"+tt.query, nil)
			w := httptest.NewRecorder()
			h.HandleCallback(w, req)

			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d; body %s", w.Code, tt.wantStatus, w.Body.String())
			}
			if gotOutcome != tt.wantOutcome {
				t.Errorf("outcome = %q, want %q", gotOutcome, tt.wantOutcome)
			}
			if tt.wantState == "" {
				return
			}
			var resp CallbackResponse
			if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if resp.Status != tt.wantState {
				t.Errorf("status = %q, want %q", resp.Status, tt.wantState)
			}
		})
	}
}

func TestConsentHandler_CallbackReplay(t *testing.T) {
	mock := &MockConsentService{
		ApplyCallbackFunc: func(ctx context.Context, state string, res consent.CallbackResult) (*consent.Consent, error) {
			c := pendingConsent("c-1", 1)
			c.Status = consent.StatusActive
			return c, consent.ErrStateUsed
		},
	}
	h := NewConsentHandler(mock, &MockSyncService{}, testCallbackURL, "")

	w := httptest.NewRecorder()
	h.HandleCallback(w, httptest.NewRequest(http.MethodGet, "/api/consents/callback?state=s1&code=abc", nil))

	if w.Code != http.StatusConflict {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusConflict)
	}
	var resp CallbackResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "active" || resp.Error != "state_used" {
		t.Errorf("response = %+v", resp)
	}
}

func TestConsentHandler_CallbackRedirectsToApp(t *testing.T) {
	mock := &MockConsentService{
		ApplyCallbackFunc: func(ctx context.Context, state string, res consent.CallbackResult) (*consent.Consent, error) {
			c := pendingConsent("c-1", 1)
			c.Status = consent.StatusAuthorized
			return c, nil
		},
	}
	h := NewConsentHandler(mock, &MockSyncService{}, testCallbackURL, "momali://consents?source=bank")

	w := httptest.NewRecorder()
	h.HandleCallback(w, httptest.NewRequest(http.MethodGet, "/api/consents/callback?state=s1&code=abc", nil))

	if w.Code != http.StatusFound {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusFound)
	}
	loc, err := url.Parse(w.Header().Get("Location"))
	if err != nil {
		t.Fatalf("parse location: %v", err)
	}
	q := loc.Query()
	if q.Get("consentId") != "c-1" || q.Get("status") != "authorized" || q.Get("source") != "bank" {
		t.Errorf("location = %s", loc)
	}
}

func TestCallbackResult(t *testing.T) {
	tests := []struct {
		query       string
		wantOutcome consent.CallbackOutcome
		wantCode    string
	}{
		{query: "code=abc", wantOutcome: consent.OutcomeApproved, wantCode: "abc"},
		{query: "code=abc&error=access_denied", wantOutcome: consent.OutcomeDenied},
		{query: "error=access_denied&error_description=user+cancelled", wantOutcome: consent.OutcomeDenied},
		{query: "error=expired", wantOutcome: consent.OutcomeTimeout},
		{query: "error=login_timeout", wantOutcome: consent.OutcomeTimeout},
		{query: "error=server_error", wantOutcome: consent.OutcomeDenied},
		{query: "", wantOutcome: consent.OutcomeDenied},
	}

	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			form, _ := url.ParseQuery(tt.query)
			got := callbackResult(form)
			if got.Outcome != tt.wantOutcome || got.Code != tt.wantCode {
				t.Errorf("callbackResult(%q) = %+v", tt.query, got)
			}
			if err := got.Validate(); err != nil {
				t.Errorf("result does not validate: %v", err)
			}
		})
	}
}
