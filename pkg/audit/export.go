package audit

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/schoolworks/aegis/pkg/apperr"
)

// Format names an export serialization
type Format string

// Supported export formats
const (
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
)

// ParseFormat validates a requested export format
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(s)) {
	case FormatJSON:
		return FormatJSON, nil
	case FormatCSV:
		return FormatCSV, nil
	default:
		return "", apperr.Newf(apperr.CodeUnsupportedFormat, http.StatusBadRequest,
			"unsupported export format %q, expected json or csv", s)
	}
}

// ContentType returns the MIME type for the format
func (f Format) ContentType() string {
	if f == FormatCSV {
		return "text/csv"
	}
	return "application/json"
}

// Export serializes the full filtered set (not paginated) to the writer.
// Entries are streamed, not buffered.
func (l *Log) Export(ctx context.Context, f SearchFilters, format Format, w io.Writer) error {
	f.Offset = 0
	f.Limit = 0

	switch format {
	case FormatCSV:
		return l.exportCSV(ctx, f, w)
	case FormatJSON:
		return l.exportJSON(ctx, f, w)
	default:
		return apperr.Newf(apperr.CodeUnsupportedFormat, http.StatusBadRequest,
			"unsupported export format %q", string(format))
	}
}

var csvHeader = []string{
	"id", "created_at", "tenant_id", "actor_id", "action",
	"resource_type", "resource_id", "severity", "tags", "details",
}

func (l *Log) exportCSV(ctx context.Context, f SearchFilters, w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return fmt.Errorf("failed to write CSV header: %w", err)
	}

	err := l.store.Stream(ctx, f, func(e Entry) error {
		return cw.Write(csvRecord(e))
	})
	if err != nil {
		return err
	}

	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("failed to flush CSV export: %w", err)
	}
	return nil
}

func csvRecord(e Entry) []string {
	return []string{
		strconv.FormatInt(e.ID, 10),
		e.CreatedAt.UTC().Format(time.RFC3339),
		deref(e.TenantID),
		deref(e.ActorID),
		e.Action,
		e.ResourceType,
		e.ResourceID,
		string(e.Severity),
		strings.Join(e.Tags, ";"),
		e.Details,
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func (l *Log) exportJSON(ctx context.Context, f SearchFilters, w io.Writer) error {
	if _, err := io.WriteString(w, "["); err != nil {
		return fmt.Errorf("failed to write JSON export: %w", err)
	}

	enc := json.NewEncoder(w)
	first := true
	err := l.store.Stream(ctx, f, func(e Entry) error {
		if !first {
			if _, err := io.WriteString(w, ","); err != nil {
				return fmt.Errorf("failed to write JSON export: %w", err)
			}
		}
		first = false
		return enc.Encode(e)
	})
	if err != nil {
		return err
	}

	if _, err := io.WriteString(w, "]"); err != nil {
		return fmt.Errorf("failed to write JSON export: %w", err)
	}
	return nil
}
