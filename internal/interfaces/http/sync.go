package http

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"momali/internal/domain/consent"
	"momali/internal/domain/syncjob"
)

// SyncService is the orchestrator as the API uses it.
type SyncService interface {
	TriggerSync(ctx context.Context, consentID string, trigger syncjob.Trigger) (*syncjob.SyncJob, error)
	GetJob(ctx context.Context, id string) (*syncjob.SyncJob, error)
}

// ConsentOwner looks up a consent on behalf of its owner.
type ConsentOwner interface {
	GetForUser(ctx context.Context, userID int64, consentID string) (*consent.Consent, error)
}

type SyncHandler struct {
	syncs    SyncService
	consents ConsentOwner
}

func NewSyncHandler(syncs SyncService, consents ConsentOwner) *SyncHandler {
	return &SyncHandler{syncs: syncs, consents: consents}
}

type SyncJobResponse struct {
	JobID           string     `json:"jobId"`
	ConsentID       string     `json:"consentId"`
	Trigger         string     `json:"trigger"`
	Status          string     `json:"status"`
	Stage           string     `json:"stage"`
	Attempt         int        `json:"attempt"`
	CompletedStages []string   `json:"completedStages"`
	Accounts        int        `json:"accounts"`
	Balances        int        `json:"balances"`
	Transactions    int        `json:"transactions"`
	NewTransactions int        `json:"newTransactions"`
	LastError       string     `json:"lastError,omitempty"`
	ConsentStatus   string     `json:"consentStatus,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	StartedAt       *time.Time `json:"startedAt,omitempty"`
	FinishedAt      *time.Time `json:"finishedAt,omitempty"`
}

func toSyncJobResponse(j *syncjob.SyncJob) SyncJobResponse {
	stages := make([]string, len(j.CompletedStages))
	for i, s := range j.CompletedStages {
		stages[i] = string(s)
	}
	return SyncJobResponse{
		JobID:           j.ID,
		ConsentID:       j.ConsentID,
		Trigger:         string(j.Trigger),
		Status:          string(j.Status),
		Stage:           string(j.Stage),
		Attempt:         j.Attempt,
		CompletedStages: stages,
		Accounts:        j.Counts.Accounts,
		Balances:        j.Counts.Balances,
		Transactions:    j.Counts.Transactions,
		NewTransactions: j.Counts.NewTransactions,
		LastError:       j.LastError,
		ConsentStatus:   string(j.ConsentStatus),
		CreatedAt:       j.CreatedAt,
		StartedAt:       j.StartedAt,
		FinishedAt:      j.FinishedAt,
	}
}

// HandleTrigger handles POST /api/sync/{consentId}. A job already in flight
// for the consent is returned as is, so retries from the app are harmless.
func (h *SyncHandler) HandleTrigger(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	c, err := h.consents.GetForUser(r.Context(), userID, r.PathValue("consentId"))
	if err != nil {
		writeError(w, r, err)
		return
	}

	job, err := h.syncs.TriggerSync(r.Context(), c.ID, syncjob.TriggerManual)
	if err != nil {
		writeError(w, r, err)
		return
	}

	w.Header().Set("Location", "/api/sync/jobs/"+job.ID)
	writeJSON(w, http.StatusAccepted, toSyncJobResponse(job))
}

// HandleGetJob handles GET /api/sync/jobs/{id}.
func (h *SyncHandler) HandleGetJob(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	job, err := h.syncs.GetJob(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if job.UserID != userID {
		writeError(w, r, syncjob.ErrJobNotFound)
		return
	}
	writeJSON(w, http.StatusOK, toSyncJobResponse(job))
}

// queryInt parses a positive integer query parameter, falling back to def.
func queryInt(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
