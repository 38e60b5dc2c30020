package load

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/PepeluiMoreno/bdns-etl/internal/extract"
)

// BatchResult reports what happened to one batch of raw records.
type BatchResult struct {
	// Inserted counts rows actually written
	Inserted int64

	// SkippedDuplicate counts rows already present under the same
	// (id, grant date, regime) key
	SkippedDuplicate int64

	// Failed counts records the transformer rejected
	Failed int64
}

// Loader writes canonical records with insert-ignore dedup semantics.
// Existing rows are never updated or deleted.
type Loader struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewLoader creates a Loader over the given pool.
func NewLoader(pool *pgxpool.Pool, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{pool: pool, logger: logger}
}

// LoadBatch transforms raws under the regime tag and bulk-inserts them.
// Malformed records are counted as failed and dropped from the batch.
// The batch is staged with COPY and merged in one statement, so the
// insert-ignore conflict handling stays a single round trip.
func (l *Loader) LoadBatch(ctx context.Context, raws []extract.RawRecord, regimen string) (BatchResult, error) {
	var result BatchResult

	records := make([]*Record, 0, len(raws))
	for _, raw := range raws {
		rec, err := Transform(raw, regimen)
		if err != nil {
			result.Failed++
			l.logger.Warn("record transform failed", "regime", regimen, "error", err)
			continue
		}
		records = append(records, rec)
	}
	if len(records) == 0 {
		return result, nil
	}

	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return result, fmt.Errorf("beginning load batch: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		CREATE TEMP TABLE concesion_staging
		(LIKE concesion INCLUDING DEFAULTS)
		ON COMMIT DROP`)
	if err != nil {
		return result, fmt.Errorf("creating staging table: %w", err)
	}

	_, err = tx.CopyFrom(ctx,
		pgx.Identifier{"concesion_staging"},
		[]string{"id_concesion", "fecha_concesion", "regimen", "beneficiario", "convocatoria", "importe", "instrumento"},
		pgx.CopyFromSlice(len(records), func(i int) ([]any, error) {
			r := records[i]
			return []any{
				r.IDConcesion, r.FechaConcesion, r.Regimen,
				nullable(r.Beneficiario), nullable(r.Convocatoria),
				r.Importe, nullable(r.Instrumento),
			}, nil
		}),
	)
	if err != nil {
		return result, fmt.Errorf("staging batch: %w", err)
	}

	// DISTINCT ON collapses same-key rows within the batch itself;
	// ON CONFLICT then skips keys already stored.
	ct, err := tx.Exec(ctx, `
		INSERT INTO concesion
			(id_concesion, fecha_concesion, regimen, beneficiario, convocatoria, importe, instrumento)
		SELECT DISTINCT ON (id_concesion, fecha_concesion, regimen)
			id_concesion, fecha_concesion, regimen, beneficiario, convocatoria, importe, instrumento
		FROM concesion_staging
		ON CONFLICT ON CONSTRAINT uq_concesion_id_fecha_regimen DO NOTHING`)
	if err != nil {
		return result, fmt.Errorf("merging batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return result, fmt.Errorf("committing batch: %w", err)
	}

	result.Inserted = ct.RowsAffected()
	result.SkippedDuplicate = int64(len(records)) - result.Inserted
	return result, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
