package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/schoolworks/aegis/pkg/observability"
	"github.com/schoolworks/aegis/pkg/storage/postgres"
)

// retention batch size keeps archive objects and delete statements bounded
const retentionBatchSize = 1000

// Retention archives expired audit entries to object storage and only then
// purges them. With no archive client configured, expired entries are
// purged directly.
type Retention struct {
	store   *Store
	archive *postgres.ArchiveClient
	days    int
	logger  *observability.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

// NewRetention creates the retention job. archive and metrics may be nil.
func NewRetention(store *Store, archive *postgres.ArchiveClient, days int, logger *observability.Logger, metrics *observability.Metrics) *Retention {
	return &Retention{
		store:   store,
		archive: archive,
		days:    days,
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
	}
}

// Run processes expired entries in batches until none remain. It returns
// the number of entries purged.
func (r *Retention) Run(ctx context.Context) (int64, error) {
	cutoff := r.now().AddDate(0, 0, -r.days)
	var purged int64

	for {
		batch, err := r.store.ListBefore(ctx, cutoff, retentionBatchSize)
		if err != nil {
			return purged, err
		}
		if len(batch) == 0 {
			return purged, nil
		}

		if r.archive != nil {
			if err := r.archiveBatch(ctx, batch); err != nil {
				// Never purge what could not be archived
				return purged, err
			}
			if r.metrics != nil {
				r.metrics.AuditEntriesArchived.Add(float64(len(batch)))
			}
		}

		ids := make([]int64, len(batch))
		for i, e := range batch {
			ids[i] = e.ID
		}
		n, err := r.store.DeleteByIDs(ctx, ids)
		if err != nil {
			return purged, err
		}
		purged += n

		r.logger.WithFields(map[string]interface{}{
			"batch":  len(batch),
			"purged": purged,
		}).Info("audit retention batch processed")

		if len(batch) < retentionBatchSize {
			return purged, nil
		}
	}
}

// archiveBatch uploads one batch as an NDJSON object keyed by time range
func (r *Retention) archiveBatch(ctx context.Context, batch []Entry) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, e := range batch {
		if err := enc.Encode(e); err != nil {
			return fmt.Errorf("failed to encode archive entry: %w", err)
		}
	}

	first := batch[0]
	last := batch[len(batch)-1]
	key := fmt.Sprintf("audit/%s/%d-%d.ndjson",
		first.CreatedAt.UTC().Format("2006/01/02"), first.ID, last.ID)

	return r.archive.Put(ctx, key, buf.Bytes(), "application/x-ndjson")
}
