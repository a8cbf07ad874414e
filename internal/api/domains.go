package api

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tovfikur/fleetd/internal/model"
)

// @Summary List domain mappings
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Router /domains/list [get]
func (s *Server) handleDomainList(w http.ResponseWriter, r *http.Request) {
	domains, err := s.store.ListDomainMappings()
	if err != nil {
		writeError(w, r, err)
		return
	}
	if domains == nil {
		domains = []*model.DomainMapping{}
	}
	writeList(w, r, "domains", domains)
}

type domainRequest struct {
	CustomDomain    string `json:"custom_domain"`
	TargetSubdomain string `json:"target_subdomain"`
	SSLEnabled      bool   `json:"ssl_enabled"`
}

// @Summary Add domain mapping
// @Accept json
// @Produce json
// @Param domain body domainRequest true "Mapping description"
// @Success 201 {object} map[string]interface{}
// @Failure 400 {object} map[string]interface{} "Invalid or duplicate domain"
// @Router /domains/add [post]
func (s *Server) handleDomainAdd(w http.ResponseWriter, r *http.Request) {
	var in domainRequest
	if err := decodeBody(r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	in.CustomDomain = strings.ToLower(strings.TrimSpace(in.CustomDomain))
	in.TargetSubdomain = strings.ToLower(strings.TrimSpace(in.TargetSubdomain))
	if in.CustomDomain == "" || !strings.Contains(in.CustomDomain, ".") {
		writeError(w, r, fmt.Errorf("%w: invalid custom_domain %q", model.ErrValidation, in.CustomDomain))
		return
	}
	if in.TargetSubdomain == "" {
		writeError(w, r, fmt.Errorf("%w: target_subdomain is required", model.ErrValidation))
		return
	}

	now := time.Now().UTC()
	d := &model.DomainMapping{
		ID:              uuid.NewString(),
		CustomDomain:    in.CustomDomain,
		TargetSubdomain: in.TargetSubdomain,
		SSLEnabled:      in.SSLEnabled,
		Status:          "active",
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.store.InsertDomainMapping(d); err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, r, http.StatusCreated, d)
}

// @Summary Delete domain mapping
// @Produce json
// @Param id path string true "Mapping id"
// @Success 200 {object} map[string]interface{}
// @Failure 404 {object} map[string]interface{}
// @Router /domains/{id} [delete]
func (s *Server) handleDomainDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteDomainMapping(r.PathValue("id")); err != nil {
		writeError(w, r, err)
		return
	}
	writeMessage(w, r, http.StatusOK, "domain mapping removed")
}
