package http

import (
	"net/http"

	"momali/internal/domain/consent"
)

// InstitutionLister lists the connectable institutions.
type InstitutionLister interface {
	List() []consent.Institution
}

type InstitutionHandler struct {
	catalog InstitutionLister
}

func NewInstitutionHandler(catalog InstitutionLister) *InstitutionHandler {
	return &InstitutionHandler{catalog: catalog}
}

type InstitutionResponse struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Beta bool   `json:"beta"`
}

// HandleList handles GET /api/institutions. Disabled institutions are left out.
func (h *InstitutionHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	resp := []InstitutionResponse{}
	for _, inst := range h.catalog.List() {
		if !inst.Enabled {
			continue
		}
		resp = append(resp, InstitutionResponse{ID: inst.ID, Name: inst.Name, Beta: inst.Beta})
	}
	writeJSON(w, http.StatusOK, resp)
}
