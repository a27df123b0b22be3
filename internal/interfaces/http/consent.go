package http

import (
	"context"
	"errors"
	"log"
	"net/http"
	"net/url"
	"time"

	"momali/internal/domain/consent"
	"momali/internal/domain/openbanking"
	"momali/internal/domain/syncjob"
)

// ConsentService is the consent manager as the API uses it.
type ConsentService interface {
	CreateConsent(ctx context.Context, params consent.CreateParams) (*consent.Consent, error)
	ApplyCallback(ctx context.Context, state string, res consent.CallbackResult) (*consent.Consent, error)
	Revoke(ctx context.Context, consentID string) (*consent.Consent, error)
	GetForUser(ctx context.Context, userID int64, consentID string) (*consent.Consent, error)
	ListForUser(ctx context.Context, userID int64) ([]*consent.Consent, error)
}

// JobLister lists a consent's sync jobs.
type JobLister interface {
	ListJobs(ctx context.Context, consentID string, limit int) ([]*syncjob.SyncJob, error)
}

type ConsentHandler struct {
	consents ConsentService
	jobs     JobLister
	// callbackURL is the redirect_uri used when the client names none.
	callbackURL string
	// appRedirectURL, when set, receives the browser after the callback.
	appRedirectURL string
}

func NewConsentHandler(consents ConsentService, jobs JobLister, callbackURL, appRedirectURL string) *ConsentHandler {
	return &ConsentHandler{
		consents:       consents,
		jobs:           jobs,
		callbackURL:    callbackURL,
		appRedirectURL: appRedirectURL,
	}
}

type CreateConsentRequest struct {
	InstitutionID string   `json:"institutionId"`
	Scopes        []string `json:"scopes"`
	RedirectURI   string   `json:"redirectUri"`
}

type CreateConsentResponse struct {
	ConsentID        string     `json:"consentId"`
	AuthorizationURL string     `json:"authorizationUrl"`
	Status           string     `json:"status"`
	ExpiresAt        *time.Time `json:"expiresAt,omitempty"`
}

type ConsentResponse struct {
	ConsentID        string     `json:"consentId"`
	InstitutionID    string     `json:"institutionId"`
	Status           string     `json:"status"`
	Scopes           []string   `json:"scopes"`
	FailureReason    string     `json:"failureReason,omitempty"`
	RevokeAckPending bool       `json:"revokeAckPending"`
	SupersededBy     string     `json:"supersededBy,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
	AuthorizedAt     *time.Time `json:"authorizedAt,omitempty"`
	ExpiresAt        *time.Time `json:"expiresAt,omitempty"`
	RevokedAt        *time.Time `json:"revokedAt,omitempty"`
}

type CallbackResponse struct {
	ConsentID string `json:"consentId"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
	Message   string `json:"message,omitempty"`
}

func toConsentResponse(c *consent.Consent) ConsentResponse {
	return ConsentResponse{
		ConsentID:        c.ID,
		InstitutionID:    c.InstitutionID,
		Status:           string(c.Status),
		Scopes:           openbanking.ScopeStrings(c.Scopes),
		FailureReason:    c.FailureReason,
		RevokeAckPending: c.RevokeAckPending,
		SupersededBy:     c.SupersededBy,
		CreatedAt:        c.CreatedAt,
		AuthorizedAt:     c.AuthorizedAt,
		ExpiresAt:        c.ExpiresAt,
		RevokedAt:        c.RevokedAt,
	}
}

// HandleCreate handles POST /api/consents.
func (h *ConsentHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	var req CreateConsentRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	scopes := openbanking.DefaultScopes()
	if len(req.Scopes) > 0 {
		var err error
		if scopes, err = openbanking.ParseScopes(req.Scopes); err != nil {
			writeError(w, r, err)
			return
		}
	}
	redirect := req.RedirectURI
	if redirect == "" {
		redirect = h.callbackURL
	}

	c, err := h.consents.CreateConsent(r.Context(), consent.CreateParams{
		UserID:        userID,
		InstitutionID: req.InstitutionID,
		Scopes:        scopes,
		RedirectURI:   redirect,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, CreateConsentResponse{
		ConsentID:        c.ID,
		AuthorizationURL: c.AuthorizationURL,
		Status:           string(c.Status),
		ExpiresAt:        c.ExpiresAt,
	})
}

// HandleList handles GET /api/consents.
func (h *ConsentHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	consents, err := h.consents.ListForUser(r.Context(), userID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	resp := make([]ConsentResponse, 0, len(consents))
	for _, c := range consents {
		resp = append(resp, toConsentResponse(c))
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleGet handles GET /api/consents/{id}.
func (h *ConsentHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	c, err := h.consents.GetForUser(r.Context(), userID, r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toConsentResponse(c))
}

// HandleRevoke handles POST /api/consents/{id}/revoke. The local revocation
// is complete on 202; revokeAckPending says whether the aggregator has
// confirmed it yet.
func (h *ConsentHandler) HandleRevoke(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	c, err := h.consents.GetForUser(r.Context(), userID, r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if c, err = h.consents.Revoke(r.Context(), c.ID); err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"consentId":        c.ID,
		"status":           c.Status,
		"revokeAckPending": c.RevokeAckPending,
	})
}

// HandleJobs handles GET /api/consents/{id}/jobs.
func (h *ConsentHandler) HandleJobs(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	c, err := h.consents.GetForUser(r.Context(), userID, r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}

	jobs, err := h.jobs.ListJobs(r.Context(), c.ID, queryInt(r, "limit", 20))
	if err != nil {
		writeError(w, r, err)
		return
	}

	resp := make([]SyncJobResponse, 0, len(jobs))
	for _, j := range jobs {
		resp = append(resp, toSyncJobResponse(j))
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleCallback handles the bank's redirect back to us. It is public: the
// signed single-use state is what ties the request to a consent.
func (h *ConsentHandler) HandleCallback(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeProblem(w, http.StatusBadRequest, "invalid_request", "Invalid callback parameters")
		return
	}
	state := r.Form.Get("state")
	if state == "" {
		writeProblem(w, http.StatusBadRequest, "invalid_state", "Missing state")
		return
	}

	res := callbackResult(r.Form)
	c, err := h.consents.ApplyCallback(r.Context(), state, res)
	if err != nil {
		if c == nil {
			writeError(w, r, err)
			return
		}
		if errors.Is(err, consent.ErrStateUsed) {
			// Replayed callback: report where the consent ended up.
			h.callbackResult(w, r, http.StatusConflict, CallbackResponse{
				ConsentID: c.ID,
				Status:    string(c.Status),
				Error:     "state_used",
				Message:   "This authorization was already processed",
			})
			return
		}
		log.Printf("Consent %s: callback %s not applied: %v", c.ID, res.Outcome, err)
		h.callbackResult(w, r, statusFor(err), CallbackResponse{
			ConsentID: c.ID,
			Status:    string(c.Status),
			Error:     errorCode(err),
			Message:   "Authorization could not be completed",
		})
		return
	}

	h.callbackResult(w, r, http.StatusOK, CallbackResponse{ConsentID: c.ID, Status: string(c.Status)})
}

// callbackResult sends the browser to the app when configured, otherwise
// answers with JSON.
func (h *ConsentHandler) callbackResult(w http.ResponseWriter, r *http.Request, status int, resp CallbackResponse) {
	if h.appRedirectURL == "" {
		writeJSON(w, status, resp)
		return
	}

	u, err := url.Parse(h.appRedirectURL)
	if err != nil {
		log.Printf("Invalid app redirect url: %v", err)
		writeJSON(w, status, resp)
		return
	}
	q := u.Query()
	q.Set("consentId", resp.ConsentID)
	q.Set("status", resp.Status)
	if resp.Error != "" {
		q.Set("error", resp.Error)
	}
	u.RawQuery = q.Encode()
	http.Redirect(w, r, u.String(), http.StatusFound)
}

// callbackResult reads the authorisation outcome from the redirect
// parameters. A code means approval; otherwise the error says why not.
func callbackResult(form url.Values) consent.CallbackResult {
	if code := form.Get("code"); code != "" && form.Get("error") == "" {
		return consent.CallbackResult{Outcome: consent.OutcomeApproved, Code: code}
	}

	errCode := form.Get("error")
	detail := errCode
	if desc := form.Get("error_description"); desc != "" {
		detail = errCode + ": " + desc
	}
	switch errCode {
	case "timeout", "expired", "login_timeout":
		return consent.CallbackResult{Outcome: consent.OutcomeTimeout, Error: detail}
	case "":
		return consent.CallbackResult{Outcome: consent.OutcomeDenied, Error: "no authorization code"}
	default:
		return consent.CallbackResult{Outcome: consent.OutcomeDenied, Error: detail}
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, openbanking.ErrInvalidTransition),
		errors.Is(err, openbanking.ErrReauthorizationRequired):
		return http.StatusConflict
	case openbanking.IsTemporary(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, openbanking.ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, openbanking.ErrReauthorizationRequired):
		return "reauthorization_required"
	case openbanking.IsTemporary(err):
		return "temporary_failure"
	default:
		return "authorization_failed"
	}
}
