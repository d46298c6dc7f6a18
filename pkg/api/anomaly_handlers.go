package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/schoolworks/aegis/pkg/anomaly"
	"github.com/schoolworks/aegis/pkg/audit"
	"github.com/schoolworks/aegis/pkg/httputil"
	"github.com/schoolworks/aegis/pkg/middleware"
)

// AnomalyHandlers serves on-demand anomaly scans
type AnomalyHandlers struct {
	detector *anomaly.Detector
	audit    *audit.Log
}

// NewAnomalyHandlers creates the anomaly handler group
func NewAnomalyHandlers(detector *anomaly.Detector, auditLog *audit.Log) *AnomalyHandlers {
	return &AnomalyHandlers{detector: detector, audit: auditLog}
}

type scanRequest struct {
	WindowMinutes int    `json:"window_minutes,omitempty"`
	TenantID      string `json:"tenant_id,omitempty"`
}

// Scan handles POST /api/v1/anomaly/scan
func (h *AnomalyHandlers) Scan(w http.ResponseWriter, r *http.Request) {
	// An empty body means "scan everything with the default window"
	var req scanRequest
	if err := httputil.ParseJSON(w, r, &req); err != nil && !errors.Is(err, io.EOF) {
		httputil.WriteValidationError(w, err.Error())
		return
	}
	if req.WindowMinutes < 0 {
		httputil.WriteValidationError(w, "window_minutes must not be negative")
		return
	}

	result, err := h.detector.Scan(r.Context(), anomaly.ScanRequest{
		Window:   time.Duration(req.WindowMinutes) * time.Minute,
		TenantID: req.TenantID,
	})
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	identity := middleware.IdentityFrom(r.Context())
	h.audit.AppendBestEffort(r.Context(), &audit.Entry{
		ActorID:  &identity.AccountID,
		Action:   audit.ActionAnomalyScan,
		Details:  fmt.Sprintf("anomaly scan produced %d findings", len(result.Findings)),
		Severity: audit.SeverityInfo,
	})

	httputil.WriteSuccess(w, result)
}
