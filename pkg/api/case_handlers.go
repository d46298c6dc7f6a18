package api

import (
	"bytes"
	"net/http"

	"github.com/schoolworks/aegis/pkg/httputil"
	"github.com/schoolworks/aegis/pkg/investigations"
	"github.com/schoolworks/aegis/pkg/middleware"
	"github.com/schoolworks/aegis/pkg/permissions"
	"github.com/schoolworks/aegis/pkg/tokens"
)

// CaseHandlers serves the investigation case endpoints
type CaseHandlers struct {
	manager *investigations.Manager
}

// NewCaseHandlers creates the case handler group
func NewCaseHandlers(manager *investigations.Manager) *CaseHandlers {
	return &CaseHandlers{manager: manager}
}

func caseActor(identity *tokens.Identity) investigations.Actor {
	return investigations.Actor{
		ID:         identity.AccountID,
		Privileged: permissions.IsPrivileged(permissions.Role(identity.Role)),
	}
}

// Create handles POST /api/v1/cases
func (h *CaseHandlers) Create(w http.ResponseWriter, r *http.Request) {
	var req investigations.CreateRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	c, err := h.manager.CreateCase(r.Context(), caseActor(middleware.IdentityFrom(r.Context())), req)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteCreated(w, c)
}

// List handles GET /api/v1/cases
func (h *CaseHandlers) List(w http.ResponseWriter, r *http.Request) {
	offset, err := httputil.QueryInt(r, "offset", 0)
	if err != nil {
		httputil.WriteValidationError(w, err.Error())
		return
	}
	limit, err := httputil.QueryInt(r, "limit", 50)
	if err != nil {
		httputil.WriteValidationError(w, err.Error())
		return
	}

	result, err := h.manager.ListCases(r.Context(), investigations.ListFilters{
		Status:    investigations.CaseStatus(httputil.QueryString(r, "status", "")),
		Priority:  investigations.Priority(httputil.QueryString(r, "priority", "")),
		CaseType:  httputil.QueryString(r, "case_type", ""),
		Assignee:  httputil.QueryString(r, "assignee", ""),
		TenantID:  httputil.QueryString(r, "tenant_id", ""),
		AccountID: httputil.QueryString(r, "account_id", ""),
		Offset:    offset,
		Limit:     limit,
	})
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteSuccess(w, result)
}

// Get handles GET /api/v1/cases/{id}
func (h *CaseHandlers) Get(w http.ResponseWriter, r *http.Request) {
	caseID, ok := httputil.PathStringOrError(w, r, "id")
	if !ok {
		return
	}

	c, err := h.manager.GetCase(r.Context(), caseID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteSuccess(w, c)
}

// UpdateStatus handles PUT /api/v1/cases/{id}/status
func (h *CaseHandlers) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	caseID, ok := httputil.PathStringOrError(w, r, "id")
	if !ok {
		return
	}

	var upd investigations.StatusUpdate
	if !httputil.ParseJSONOrError(w, r, &upd) {
		return
	}

	c, err := h.manager.UpdateStatus(r.Context(), caseActor(middleware.IdentityFrom(r.Context())), caseID, upd)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteSuccess(w, c)
}

type noteRequest struct {
	Kind investigations.NoteKind `json:"kind,omitempty"`
	Body string                  `json:"body"`
}

// AddNote handles POST /api/v1/cases/{id}/notes
func (h *CaseHandlers) AddNote(w http.ResponseWriter, r *http.Request) {
	caseID, ok := httputil.PathStringOrError(w, r, "id")
	if !ok {
		return
	}

	var req noteRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	note, err := h.manager.AddNote(r.Context(), caseActor(middleware.IdentityFrom(r.Context())), caseID, req.Kind, req.Body)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteCreated(w, note)
}

type evidenceRequest struct {
	Kind        investigations.EvidenceKind `json:"kind"`
	RecordID    string                      `json:"record_id"`
	Description string                      `json:"description,omitempty"`
	Metadata    map[string]string           `json:"metadata,omitempty"`
}

// AddEvidence handles POST /api/v1/cases/{id}/evidence
func (h *CaseHandlers) AddEvidence(w http.ResponseWriter, r *http.Request) {
	caseID, ok := httputil.PathStringOrError(w, r, "id")
	if !ok {
		return
	}

	var req evidenceRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	ev, err := h.manager.AddEvidence(r.Context(), caseActor(middleware.IdentityFrom(r.Context())), caseID, investigations.Evidence{
		Kind:        req.Kind,
		RecordID:    req.RecordID,
		Description: req.Description,
		Metadata:    req.Metadata,
	})
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteCreated(w, ev)
}

// Export handles GET /api/v1/cases/{id}/export
func (h *CaseHandlers) Export(w http.ResponseWriter, r *http.Request) {
	caseID, ok := httputil.PathStringOrError(w, r, "id")
	if !ok {
		return
	}
	format := httputil.QueryString(r, "format", "json")

	// Resolve everything before touching the response so errors still
	// map to their status codes.
	actor := caseActor(middleware.IdentityFrom(r.Context()))
	var buf bytes.Buffer
	contentType, err := h.manager.ExportAuditTrail(r.Context(), actor, caseID, format, &buf)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	w.Write(buf.Bytes())
}
