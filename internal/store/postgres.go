package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitchey/experiments/internal/api"
	"github.com/pitchey/experiments/internal/experiment"
)

// PostgresStore implements Store on pgx. Uniqueness and atomicity come
// from the schema, not in-process locks, so any number of engine
// instances can share one database.
//
// Schema:
//
//	CREATE TABLE experiments (
//	  id UUID PRIMARY KEY,
//	  name TEXT NOT NULL,
//	  status TEXT NOT NULL DEFAULT 'draft',
//	  primary_metric TEXT NOT NULL,
//	  secondary_metrics JSONB NOT NULL DEFAULT '[]',
//	  traffic_allocation DOUBLE PRECISION NOT NULL DEFAULT 1.0,
//	  targeting_rules JSONB NOT NULL DEFAULT '[]',
//	  minimum_sample_size INT NOT NULL DEFAULT 0,
//	  statistical_power DOUBLE PRECISION NOT NULL DEFAULT 0.8,
//	  significance_level DOUBLE PRECISION NOT NULL DEFAULT 0.05,
//	  auto_winner_detection BOOLEAN NOT NULL DEFAULT FALSE,
//	  winner_variant_id UUID,
//	  created_by TEXT NOT NULL DEFAULT '',
//	  created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
//	  started_at TIMESTAMPTZ,
//	  paused_at TIMESTAMPTZ,
//	  completed_at TIMESTAMPTZ,
//	  archived_at TIMESTAMPTZ,
//	  pause_reason TEXT NOT NULL DEFAULT '',
//	  completion_reason TEXT NOT NULL DEFAULT ''
//	);
//
//	CREATE TABLE experiment_variants (
//	  id UUID PRIMARY KEY,
//	  experiment_id UUID NOT NULL REFERENCES experiments(id),
//	  variant_key TEXT NOT NULL,
//	  name TEXT NOT NULL DEFAULT '',
//	  config JSONB NOT NULL DEFAULT '{}',
//	  traffic_allocation DOUBLE PRECISION NOT NULL,
//	  is_control BOOLEAN NOT NULL DEFAULT FALSE,
//	  UNIQUE (experiment_id, variant_key)
//	);
//
//	CREATE TABLE experiment_assignments (
//	  id UUID PRIMARY KEY,
//	  experiment_id UUID NOT NULL REFERENCES experiments(id),
//	  variant_id UUID NOT NULL,
//	  identity_key TEXT NOT NULL,
//	  user_id TEXT NOT NULL DEFAULT '',
//	  session_id TEXT NOT NULL DEFAULT '',
//	  assigned_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
//	  first_exposure_at TIMESTAMPTZ,
//	  properties JSONB NOT NULL DEFAULT '{}',
//	  UNIQUE (experiment_id, identity_key)
//	);
//
//	CREATE TABLE experiment_events (
//	  id UUID PRIMARY KEY,
//	  experiment_id UUID NOT NULL,
//	  variant_id UUID NOT NULL,  -- no FK: variants may be pruned after archival
//	  event_type TEXT NOT NULL,
//	  value DOUBLE PRECISION,
//	  identity_key TEXT NOT NULL,
//	  user_id TEXT NOT NULL DEFAULT '',
//	  session_id TEXT NOT NULL DEFAULT '',
//	  properties JSONB NOT NULL DEFAULT '{}',
//	  created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
//	);
//	CREATE INDEX idx_experiment_events_exp ON experiment_events(experiment_id, variant_id);
//
//	CREATE TABLE experiment_snapshots (
//	  experiment_id UUID NOT NULL,
//	  variant_id UUID NOT NULL,
//	  metric TEXT NOT NULL,
//	  snapshot_type TEXT NOT NULL DEFAULT 'periodic',
//	  sample_size BIGINT NOT NULL DEFAULT 0,
//	  conversions BIGINT NOT NULL DEFAULT 0,
//	  total_value DOUBLE PRECISION NOT NULL DEFAULT 0,
//	  conversion_rate DOUBLE PRECISION NOT NULL DEFAULT 0,
//	  interval_low DOUBLE PRECISION NOT NULL DEFAULT 0,
//	  interval_high DOUBLE PRECISION NOT NULL DEFAULT 0,
//	  p_value DOUBLE PRECISION NOT NULL DEFAULT 1,
//	  significant BOOLEAN NOT NULL DEFAULT FALSE,
//	  improvement_over_control DOUBLE PRECISION NOT NULL DEFAULT 0,
//	  calculated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
//	  PRIMARY KEY (experiment_id, variant_id, metric, snapshot_type)
//	);
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects a pgx pool and verifies it with a ping.
func NewPostgresStore(ctx context.Context, connStr string) (*PostgresStore, error) {
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(pingCtx, connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping failed: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

const experimentColumns = `id, name, status, primary_metric, secondary_metrics,
	traffic_allocation, targeting_rules, minimum_sample_size, statistical_power,
	significance_level, auto_winner_detection, winner_variant_id, created_by,
	created_at, started_at, paused_at, completed_at, archived_at, pause_reason,
	completion_reason`

func scanExperiment(row pgx.Row) (*experiment.Experiment, error) {
	var (
		exp           experiment.Experiment
		secondaryJSON []byte
		rulesJSON     []byte
	)
	err := row.Scan(&exp.ID, &exp.Name, &exp.Status, &exp.PrimaryMetric, &secondaryJSON,
		&exp.TrafficAllocation, &rulesJSON, &exp.MinimumSampleSize, &exp.StatisticalPower,
		&exp.SignificanceLevel, &exp.AutoWinnerDetection, &exp.WinnerVariantID, &exp.CreatedBy,
		&exp.CreatedAt, &exp.StartedAt, &exp.PausedAt, &exp.CompletedAt, &exp.ArchivedAt,
		&exp.PauseReason, &exp.CompletionReason)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, api.ErrNotFound
		}
		return nil, fmt.Errorf("scan experiment: %w", err)
	}
	if err := json.Unmarshal(secondaryJSON, &exp.SecondaryMetrics); err != nil {
		return nil, fmt.Errorf("unmarshal secondary metrics: %w", err)
	}
	if err := json.Unmarshal(rulesJSON, &exp.TargetingRules); err != nil {
		return nil, fmt.Errorf("unmarshal targeting rules: %w", err)
	}
	return &exp, nil
}

func (p *PostgresStore) CreateExperimentWithVariants(ctx context.Context, exp *experiment.Experiment, variants []experiment.Variant) error {
	secondaryJSON, err := json.Marshal(orEmptySlice(exp.SecondaryMetrics))
	if err != nil {
		return fmt.Errorf("marshal secondary metrics: %w", err)
	}
	rulesJSON, err := json.Marshal(orEmptyRules(exp.TargetingRules))
	if err != nil {
		return fmt.Errorf("marshal targeting rules: %w", err)
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO experiments (id, name, status, primary_metric, secondary_metrics,
			traffic_allocation, targeting_rules, minimum_sample_size, statistical_power,
			significance_level, auto_winner_detection, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		exp.ID, exp.Name, exp.Status, exp.PrimaryMetric, secondaryJSON,
		exp.TrafficAllocation, rulesJSON, exp.MinimumSampleSize, exp.StatisticalPower,
		exp.SignificanceLevel, exp.AutoWinnerDetection, exp.CreatedBy, exp.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert experiment: %w", err)
	}

	for _, v := range variants {
		configJSON, err := json.Marshal(orEmptyMap(v.Config))
		if err != nil {
			return fmt.Errorf("marshal variant config: %w", err)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO experiment_variants (id, experiment_id, variant_key, name, config,
				traffic_allocation, is_control)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			v.ID, v.ExperimentID, v.Key, v.Name, configJSON, v.TrafficAllocation, v.IsControl)
		if err != nil {
			return fmt.Errorf("insert variant %s: %w", v.Key, err)
		}
	}

	return tx.Commit(ctx)
}

func (p *PostgresStore) GetExperiment(ctx context.Context, id string) (*experiment.Experiment, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+experimentColumns+` FROM experiments WHERE id = $1`, id)
	return scanExperiment(row)
}

func (p *PostgresStore) ListExperiments(ctx context.Context, filter api.ListFilter, limit, offset int) ([]*experiment.Experiment, int, error) {
	where := `WHERE ($1 = '' OR status = $1) AND ($2 = '' OR created_by = $2)`

	var total int
	err := p.pool.QueryRow(ctx, `SELECT COUNT(*) FROM experiments `+where,
		filter.Status, filter.CreatedBy).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("count experiments: %w", err)
	}

	if limit <= 0 {
		limit = 50
	}
	rows, err := p.pool.Query(ctx, `SELECT `+experimentColumns+` FROM experiments `+where+`
		ORDER BY created_at DESC LIMIT $3 OFFSET $4`,
		filter.Status, filter.CreatedBy, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("query experiments: %w", err)
	}
	defer rows.Close()

	var out []*experiment.Experiment
	for rows.Next() {
		exp, err := scanExperiment(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, exp)
	}
	return out, total, rows.Err()
}

func (p *PostgresStore) GetVariants(ctx context.Context, experimentID string) ([]experiment.Variant, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, experiment_id, variant_key, name, config, traffic_allocation, is_control
		FROM experiment_variants WHERE experiment_id = $1 ORDER BY variant_key`, experimentID)
	if err != nil {
		return nil, fmt.Errorf("query variants: %w", err)
	}
	defer rows.Close()

	var out []experiment.Variant
	for rows.Next() {
		var (
			v          experiment.Variant
			configJSON []byte
		)
		if err := rows.Scan(&v.ID, &v.ExperimentID, &v.Key, &v.Name, &configJSON,
			&v.TrafficAllocation, &v.IsControl); err != nil {
			return nil, fmt.Errorf("scan variant: %w", err)
		}
		if err := json.Unmarshal(configJSON, &v.Config); err != nil {
			return nil, fmt.Errorf("unmarshal variant config: %w", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		// Distinguish "experiment missing" from "no variants yet".
		var exists bool
		if err := p.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM experiments WHERE id = $1)`, experimentID).Scan(&exists); err != nil {
			return nil, fmt.Errorf("check experiment exists: %w", err)
		}
		if !exists {
			return nil, api.ErrNotFound
		}
	}
	return out, nil
}

const assignmentColumns = `id, experiment_id, variant_id, identity_key, user_id, session_id,
	assigned_at, first_exposure_at, properties`

func scanAssignment(row pgx.Row) (*experiment.Assignment, error) {
	var (
		a         experiment.Assignment
		identKey  string
		propsJSON []byte
	)
	err := row.Scan(&a.ID, &a.ExperimentID, &a.VariantID, &identKey, &a.UserID, &a.SessionID,
		&a.AssignedAt, &a.FirstExposureAt, &propsJSON)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan assignment: %w", err)
	}
	if err := json.Unmarshal(propsJSON, &a.Properties); err != nil {
		return nil, fmt.Errorf("unmarshal assignment properties: %w", err)
	}
	return &a, nil
}

func (p *PostgresStore) GetAssignment(ctx context.Context, experimentID, identityKey string) (*experiment.Assignment, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+assignmentColumns+`
		FROM experiment_assignments WHERE experiment_id = $1 AND identity_key = $2`,
		experimentID, identityKey)
	return scanAssignment(row)
}

func (p *PostgresStore) InsertOrGetAssignment(ctx context.Context, a *experiment.Assignment) (*experiment.Assignment, error) {
	propsJSON, err := json.Marshal(orEmptyStringMap(a.Properties))
	if err != nil {
		return nil, fmt.Errorf("marshal assignment properties: %w", err)
	}

	identityKey := a.Identity().Key()

	// ON CONFLICT DO NOTHING + re-read: atomic first-write-wins across
	// engine instances. Losing the insert race is not an error; the
	// winner's row is returned.
	_, err = p.pool.Exec(ctx, `
		INSERT INTO experiment_assignments (id, experiment_id, variant_id, identity_key,
			user_id, session_id, assigned_at, properties)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (experiment_id, identity_key) DO NOTHING`,
		a.ID, a.ExperimentID, a.VariantID, identityKey,
		a.UserID, a.SessionID, a.AssignedAt, propsJSON)
	if err != nil {
		return nil, fmt.Errorf("insert assignment: %w", err)
	}

	existing, err := p.GetAssignment(ctx, a.ExperimentID, identityKey)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, fmt.Errorf("assignment vanished after insert for experiment %s", a.ExperimentID)
	}
	return existing, nil
}

func (p *PostgresStore) SetFirstExposure(ctx context.Context, experimentID, identityKey string, at time.Time) error {
	_, err := p.pool.Exec(ctx, `
		UPDATE experiment_assignments SET first_exposure_at = $3
		WHERE experiment_id = $1 AND identity_key = $2 AND first_exposure_at IS NULL`,
		experimentID, identityKey, at)
	if err != nil {
		return fmt.Errorf("set first exposure: %w", err)
	}
	return nil
}

func (p *PostgresStore) AppendEvent(ctx context.Context, ev *experiment.Event) error {
	propsJSON, err := json.Marshal(orEmptyStringMap(ev.Properties))
	if err != nil {
		return fmt.Errorf("marshal event properties: %w", err)
	}

	_, err = p.pool.Exec(ctx, `
		INSERT INTO experiment_events (id, experiment_id, variant_id, event_type, value,
			identity_key, user_id, session_id, properties, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		ev.ID, ev.ExperimentID, ev.VariantID, ev.Type, ev.Value,
		ev.Identity().Key(), ev.UserID, ev.SessionID, propsJSON, ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

func (p *PostgresStore) EventStatsByVariant(ctx context.Context, experimentID string) (map[string]EventStats, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT variant_id,
			COUNT(DISTINCT identity_key),
			COUNT(*) FILTER (WHERE event_type = 'conversion'),
			COALESCE(SUM(value), 0)
		FROM experiment_events
		WHERE experiment_id = $1
		GROUP BY variant_id`, experimentID)
	if err != nil {
		return nil, fmt.Errorf("query event stats: %w", err)
	}
	defer rows.Close()

	out := make(map[string]EventStats)
	for rows.Next() {
		var (
			variantID string
			s         EventStats
		)
		if err := rows.Scan(&variantID, &s.SampleSize, &s.Conversions, &s.TotalValue); err != nil {
			return nil, fmt.Errorf("scan event stats: %w", err)
		}
		out[variantID] = s
	}
	return out, rows.Err()
}

func (p *PostgresStore) DeleteEventsBefore(ctx context.Context, experimentID string, before time.Time) (int64, error) {
	tag, err := p.pool.Exec(ctx, `
		DELETE FROM experiment_events WHERE experiment_id = $1 AND created_at < $2`,
		experimentID, before)
	if err != nil {
		return 0, fmt.Errorf("delete events: %w", err)
	}
	return tag.RowsAffected(), nil
}

// conditionalUpdate runs an UPDATE guarded by the current status and
// reports whether a row changed. A missing experiment is ErrNotFound; a
// wrong-state experiment is (false, nil) so callers can no-op silently.
func (p *PostgresStore) conditionalUpdate(ctx context.Context, id, query string, args ...interface{}) (bool, error) {
	tag, err := p.pool.Exec(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("update experiment status: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}

	var exists bool
	if err := p.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM experiments WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("check experiment exists: %w", err)
	}
	if !exists {
		return false, api.ErrNotFound
	}
	return false, nil
}

func (p *PostgresStore) StartExperiment(ctx context.Context, id string, at time.Time) (bool, error) {
	return p.conditionalUpdate(ctx, id, `
		UPDATE experiments SET status = 'active', started_at = $2
		WHERE id = $1 AND status = 'draft'`, id, at)
}

func (p *PostgresStore) PauseExperiment(ctx context.Context, id string, at time.Time, reason string) (bool, error) {
	return p.conditionalUpdate(ctx, id, `
		UPDATE experiments SET status = 'paused', paused_at = $2, pause_reason = $3
		WHERE id = $1 AND status = 'active'`, id, at, reason)
}

func (p *PostgresStore) ResumeExperiment(ctx context.Context, id string, at time.Time) (bool, error) {
	return p.conditionalUpdate(ctx, id, `
		UPDATE experiments SET status = 'active', paused_at = NULL, pause_reason = ''
		WHERE id = $1 AND status = 'paused'`, id, at)
}

func (p *PostgresStore) CompleteExperiment(ctx context.Context, id string, at time.Time, winnerVariantID *string, snapshots []experiment.Snapshot) (bool, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE experiments SET status = 'completed', completed_at = $2, winner_variant_id = $3
		WHERE id = $1 AND status IN ('active', 'paused')`, id, at, winnerVariantID)
	if err != nil {
		return false, fmt.Errorf("complete experiment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM experiments WHERE id = $1)`, id).Scan(&exists); err != nil {
			return false, fmt.Errorf("check experiment exists: %w", err)
		}
		if !exists {
			return false, api.ErrNotFound
		}
		return false, nil
	}

	for _, s := range snapshots {
		if err := upsertSnapshot(ctx, tx, s); err != nil {
			return false, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit completion: %w", err)
	}
	return true, nil
}

func (p *PostgresStore) ArchiveExperiment(ctx context.Context, id string, at time.Time) (bool, error) {
	return p.conditionalUpdate(ctx, id, `
		UPDATE experiments SET status = 'archived', archived_at = $2
		WHERE id = $1 AND status = 'completed'`, id, at)
}

func upsertSnapshot(ctx context.Context, tx pgx.Tx, s experiment.Snapshot) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO experiment_snapshots (experiment_id, variant_id, metric, snapshot_type,
			sample_size, conversions, total_value, conversion_rate, interval_low,
			interval_high, p_value, significant, improvement_over_control, calculated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (experiment_id, variant_id, metric, snapshot_type) DO UPDATE SET
			sample_size = EXCLUDED.sample_size,
			conversions = EXCLUDED.conversions,
			total_value = EXCLUDED.total_value,
			conversion_rate = EXCLUDED.conversion_rate,
			interval_low = EXCLUDED.interval_low,
			interval_high = EXCLUDED.interval_high,
			p_value = EXCLUDED.p_value,
			significant = EXCLUDED.significant,
			improvement_over_control = EXCLUDED.improvement_over_control,
			calculated_at = EXCLUDED.calculated_at`,
		s.ExperimentID, s.VariantID, s.Metric, s.Type,
		s.SampleSize, s.Conversions, s.TotalValue, s.ConversionRate, s.IntervalLow,
		s.IntervalHigh, s.PValue, s.Significant, s.ImprovementOverControl, s.CalculatedAt)
	if err != nil {
		return fmt.Errorf("upsert snapshot %s/%s: %w", s.VariantID, s.Metric, err)
	}
	return nil
}

func (p *PostgresStore) UpsertSnapshots(ctx context.Context, snapshots []experiment.Snapshot) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, s := range snapshots {
		if err := upsertSnapshot(ctx, tx, s); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (p *PostgresStore) GetSnapshots(ctx context.Context, experimentID, snapshotType string) ([]experiment.Snapshot, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT experiment_id, variant_id, metric, snapshot_type, sample_size, conversions,
			total_value, conversion_rate, interval_low, interval_high, p_value,
			significant, improvement_over_control, calculated_at
		FROM experiment_snapshots
		WHERE experiment_id = $1 AND ($2 = '' OR snapshot_type = $2)
		ORDER BY variant_id, metric`, experimentID, snapshotType)
	if err != nil {
		return nil, fmt.Errorf("query snapshots: %w", err)
	}
	defer rows.Close()

	var out []experiment.Snapshot
	for rows.Next() {
		var s experiment.Snapshot
		if err := rows.Scan(&s.ExperimentID, &s.VariantID, &s.Metric, &s.Type,
			&s.SampleSize, &s.Conversions, &s.TotalValue, &s.ConversionRate,
			&s.IntervalLow, &s.IntervalHigh, &s.PValue, &s.Significant,
			&s.ImprovementOverControl, &s.CalculatedAt); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Close() error {
	p.pool.Close()
	return nil
}

func orEmptySlice(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func orEmptyRules(r experiment.RuleSet) experiment.RuleSet {
	if r == nil {
		return experiment.RuleSet{}
	}
	return r
}

func orEmptyMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	return m
}

func orEmptyStringMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
