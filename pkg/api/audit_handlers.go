package api

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/schoolworks/aegis/pkg/audit"
	"github.com/schoolworks/aegis/pkg/httputil"
	"github.com/schoolworks/aegis/pkg/middleware"
)

// AuditHandlers serves audit log search and export
type AuditHandlers struct {
	audit *audit.Log
}

// NewAuditHandlers creates the audit handler group
func NewAuditHandlers(auditLog *audit.Log) *AuditHandlers {
	return &AuditHandlers{audit: auditLog}
}

func searchFilters(r *http.Request) (audit.SearchFilters, error) {
	f := audit.SearchFilters{
		TenantID:       httputil.QueryString(r, "tenant_id", ""),
		ActorID:        httputil.QueryString(r, "actor_id", ""),
		ActionContains: httputil.QueryString(r, "action", ""),
		ResourceType:   httputil.QueryString(r, "resource_type", ""),
		ResourceID:     httputil.QueryString(r, "resource_id", ""),
		Severity:       audit.Severity(httputil.QueryString(r, "severity", "")),
	}
	if tags := httputil.QueryString(r, "tags", ""); tags != "" {
		f.Tags = strings.Split(tags, ",")
	}

	var err error
	if f.From, err = httputil.QueryTime(r, "from"); err != nil {
		return f, err
	}
	if f.To, err = httputil.QueryTime(r, "to"); err != nil {
		return f, err
	}
	if f.Offset, err = httputil.QueryInt(r, "offset", 0); err != nil {
		return f, err
	}
	if f.Limit, err = httputil.QueryInt(r, "limit", 50); err != nil {
		return f, err
	}
	return f, nil
}

// Search handles GET /api/v1/audit
func (h *AuditHandlers) Search(w http.ResponseWriter, r *http.Request) {
	f, err := searchFilters(r)
	if err != nil {
		httputil.WriteValidationError(w, err.Error())
		return
	}
	if f.Severity != "" && !audit.ValidSeverity(f.Severity) {
		httputil.WriteValidationError(w, "unknown severity")
		return
	}

	result, err := h.audit.Search(r.Context(), f)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteSuccess(w, result)
}

// Export handles GET /api/v1/audit/export
func (h *AuditHandlers) Export(w http.ResponseWriter, r *http.Request) {
	format, err := audit.ParseFormat(httputil.QueryString(r, "format", "json"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	f, err := searchFilters(r)
	if err != nil {
		httputil.WriteValidationError(w, err.Error())
		return
	}

	identity := middleware.IdentityFrom(r.Context())
	h.audit.AppendBestEffort(r.Context(), &audit.Entry{
		ActorID:  &identity.AccountID,
		Action:   audit.ActionAuditExported,
		Details:  "audit log exported as " + string(format),
		Severity: audit.SeverityInfo,
	})

	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "audit."+string(format)))
	if err := h.audit.Export(r.Context(), f, format, w); err != nil {
		// Headers are already written; all we can do is log via the
		// export error path upstream.
		return
	}
}
