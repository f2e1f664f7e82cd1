package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hive-corporation/watchtower-enrich/internal/core/domain"
)

const schema = `
	CREATE TABLE IF NOT EXISTS indicators (
		value                     TEXT PRIMARY KEY,
		type                      TEXT NOT NULL,
		category                  TEXT NOT NULL,
		source                    TEXT NOT NULL,
		sources                   JSONB NOT NULL DEFAULT '{}'::jsonb,
		tags                      TEXT[],
		first_seen                TIMESTAMPTZ NOT NULL,
		last_updated              TIMESTAMPTZ NOT NULL,
		enrichment_timestamp      TIMESTAMPTZ,
		malware_family            TEXT NOT NULL DEFAULT '',
		threat_actor              TEXT NOT NULL DEFAULT '',
		threat_type               TEXT NOT NULL DEFAULT '',
		description               TEXT NOT NULL DEFAULT '',
		context                   TEXT NOT NULL DEFAULT '',
		related_url               TEXT NOT NULL DEFAULT '',
		reputation_detection_rate DOUBLE PRECISION,
		reputation_score          INTEGER,
		detections                TEXT NOT NULL DEFAULT '',
		abuse_confidence          INTEGER,
		url_status                TEXT,
		severity                  TEXT NOT NULL,
		severity_score            INTEGER NOT NULL,
		severity_reasons          TEXT[] NOT NULL DEFAULT '{}',
		enrichment_status         TEXT NOT NULL DEFAULT '',
		correlation_id            UUID NOT NULL
	);
	CREATE INDEX IF NOT EXISTS indicators_severity_idx ON indicators (severity);
	CREATE INDEX IF NOT EXISTS indicators_enrichment_ts_idx ON indicators (enrichment_timestamp);
`

// upsertQuery never touches first_seen and correlation_id of an existing row:
// both identify the first sighting and are set once.
const upsertQuery = `
	INSERT INTO indicators (
		value, type, category, source, sources, tags,
		first_seen, last_updated, enrichment_timestamp,
		malware_family, threat_actor, threat_type, description, context, related_url,
		reputation_detection_rate, reputation_score, detections, abuse_confidence, url_status,
		severity, severity_score, severity_reasons, enrichment_status, correlation_id
	)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15,
		$16, $17, $18, $19, $20, $21, $22, $23, $24, $25::uuid)
	ON CONFLICT (value) DO UPDATE SET
		type = EXCLUDED.type,
		category = EXCLUDED.category,
		source = EXCLUDED.source,
		sources = EXCLUDED.sources,
		tags = EXCLUDED.tags,
		last_updated = EXCLUDED.last_updated,
		enrichment_timestamp = EXCLUDED.enrichment_timestamp,
		malware_family = EXCLUDED.malware_family,
		threat_actor = EXCLUDED.threat_actor,
		threat_type = EXCLUDED.threat_type,
		description = EXCLUDED.description,
		context = EXCLUDED.context,
		related_url = EXCLUDED.related_url,
		reputation_detection_rate = EXCLUDED.reputation_detection_rate,
		reputation_score = EXCLUDED.reputation_score,
		detections = EXCLUDED.detections,
		abuse_confidence = EXCLUDED.abuse_confidence,
		url_status = EXCLUDED.url_status,
		severity = EXCLUDED.severity,
		severity_score = EXCLUDED.severity_score,
		severity_reasons = EXCLUDED.severity_reasons,
		enrichment_status = EXCLUDED.enrichment_status
`

const selectColumns = `
	SELECT value, type, category, source, sources, tags,
		first_seen, last_updated, enrichment_timestamp,
		malware_family, threat_actor, threat_type, description, context, related_url,
		reputation_detection_rate, reputation_score, detections, abuse_confidence, url_status,
		severity, severity_score, severity_reasons, enrichment_status, correlation_id::text
	FROM indicators
`

// PostgresRepository is the indicator sink backed by a pgx pool. A record is
// a single row keyed by value; provider attributes live in a jsonb column.
type PostgresRepository struct {
	db *pgxpool.Pool
}

func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// EnsureSchema creates the indicators table when it does not exist.
func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.db.Ping(ctx)
}

func (r *PostgresRepository) Exists(ctx context.Context, value string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM indicators WHERE value = $1)`, value).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check indicator: %w", err)
	}
	return exists, nil
}

func (r *PostgresRepository) FindByValue(ctx context.Context, value string) (*domain.IndicatorRecord, error) {
	rec, err := scanRecord(r.db.QueryRow(ctx, selectColumns+` WHERE value = $1`, value))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load indicator: %w", err)
	}
	return rec, nil
}

func (r *PostgresRepository) Upsert(ctx context.Context, rec *domain.IndicatorRecord) error {
	if _, err := r.db.Exec(ctx, upsertQuery, upsertArgs(rec)...); err != nil {
		return fmt.Errorf("failed to upsert %q: %w", rec.Value, err)
	}
	return nil
}

// UpsertMany writes all records in one round trip. The batch runs in a
// transaction so a rejected row leaves none of the batch applied.
func (r *PostgresRepository) UpsertMany(ctx context.Context, recs []*domain.IndicatorRecord) error {
	if len(recs) == 0 {
		return nil
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin batch: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	batch := &pgx.Batch{}
	for _, rec := range recs {
		batch.Queue(upsertQuery, upsertArgs(rec)...)
	}

	br := tx.SendBatch(ctx, batch)
	for range recs {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return fmt.Errorf("failed to execute batch: %w", err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("failed to close batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit batch: %w", err)
	}
	return nil
}

func upsertArgs(rec *domain.IndicatorRecord) []any {
	var urlStatus *string
	if rec.URLStatus != nil {
		s := string(*rec.URLStatus)
		urlStatus = &s
	}
	var enrichedAt any
	if !rec.EnrichmentTimestamp.IsZero() {
		enrichedAt = rec.EnrichmentTimestamp
	}
	reasons := rec.SeverityReasons
	if reasons == nil {
		reasons = []string{}
	}
	sources := rec.Sources
	if sources == nil {
		sources = map[string]map[string]any{}
	}

	return []any{
		rec.Value,
		string(rec.Type),
		string(rec.Category),
		string(rec.Source),
		sources,
		rec.Tags,
		rec.FirstSeen,
		rec.LastUpdated,
		enrichedAt,
		rec.MalwareFamily,
		rec.ThreatActor,
		rec.ThreatType,
		rec.Description,
		rec.Context,
		rec.RelatedURL,
		rec.ReputationDetectionRate,
		rec.ReputationScore,
		rec.DetectionsText,
		rec.AbuseConfidence,
		urlStatus,
		string(rec.Severity),
		rec.SeverityScore,
		reasons,
		string(rec.EnrichmentStatus),
		rec.CorrelationID.String(),
	}
}

func scanRecord(row pgx.Row) (*domain.IndicatorRecord, error) {
	var (
		rec                                 domain.IndicatorRecord
		typ, category, source, severity, st string
		urlStatus, correlationID            *string
		enrichmentTimestamp                 *time.Time
	)

	err := row.Scan(
		&rec.Value,
		&typ,
		&category,
		&source,
		&rec.Sources,
		&rec.Tags,
		&rec.FirstSeen,
		&rec.LastUpdated,
		&enrichmentTimestamp,
		&rec.MalwareFamily,
		&rec.ThreatActor,
		&rec.ThreatType,
		&rec.Description,
		&rec.Context,
		&rec.RelatedURL,
		&rec.ReputationDetectionRate,
		&rec.ReputationScore,
		&rec.DetectionsText,
		&rec.AbuseConfidence,
		&urlStatus,
		&severity,
		&rec.SeverityScore,
		&rec.SeverityReasons,
		&st,
		&correlationID,
	)
	if err != nil {
		return nil, err
	}

	rec.Type = domain.IOCType(typ)
	rec.Category = domain.Category(category)
	rec.Source = domain.Source(source)
	rec.Severity = domain.Severity(severity)
	rec.EnrichmentStatus = domain.EnrichmentStatus(st)
	if enrichmentTimestamp != nil {
		rec.EnrichmentTimestamp = *enrichmentTimestamp
	}
	if urlStatus != nil {
		s := domain.URLStatus(*urlStatus)
		rec.URLStatus = &s
	}
	if correlationID != nil {
		id, err := uuid.Parse(*correlationID)
		if err != nil {
			return nil, fmt.Errorf("invalid correlation id %q: %w", *correlationID, err)
		}
		rec.CorrelationID = id
	}
	return &rec, nil
}
