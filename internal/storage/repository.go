package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	upsertPriceSampleSQL = `INSERT INTO price_samples (
        bucket_ts,
        reference_price,
        market_price,
        deviation_pct,
        notional_collateral,
        oracle_price,
        oracle_twap,
        submitted,
        cow_quality,
        cow_quote,
        round_id,
        status,
        error
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13
    )
    ON CONFLICT (bucket_ts) DO UPDATE
    SET
        reference_price     = EXCLUDED.reference_price,
        market_price        = EXCLUDED.market_price,
        deviation_pct       = EXCLUDED.deviation_pct,
        notional_collateral = EXCLUDED.notional_collateral,
        oracle_price        = EXCLUDED.oracle_price,
        oracle_twap         = EXCLUDED.oracle_twap,
        submitted           = EXCLUDED.submitted,
        cow_quality         = EXCLUDED.cow_quality,
        cow_quote           = EXCLUDED.cow_quote,
        round_id            = EXCLUDED.round_id,
        status              = EXCLUDED.status,
        error               = EXCLUDED.error;`

	selectSampleColumns = `SELECT
        bucket_ts,
        reference_price::text,
        market_price::text,
        deviation_pct::text,
        notional_collateral::text,
        oracle_price::text,
        oracle_twap::text,
        submitted,
        cow_quality,
        cow_quote,
        round_id,
        status,
        error,
        created_at
    FROM price_samples`

	listSamplesBetweenSQL = selectSampleColumns + `
    WHERE bucket_ts >= $1
      AND bucket_ts < $2
    ORDER BY bucket_ts;`

	listRecentSamplesSQL = selectSampleColumns + `
    ORDER BY bucket_ts DESC
    LIMIT $1;`

	markSampleErroredSQL = `UPDATE price_samples
    SET status = 'errored', error = $2
    WHERE bucket_ts = $1;`

	countSamplesSQL = `SELECT COUNT(*) FROM price_samples;`

	insertLiquidationSQL = `INSERT INTO liquidations (
        bucket_ts,
        owner,
        liquidator,
        debt,
        collateral,
        penalty,
        to_pool,
        absorbed,
        liquidated_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9
    )
    ON CONFLICT (owner, liquidated_at) DO NOTHING;`

	listRecentLiquidationsSQL = `SELECT
        id,
        bucket_ts,
        owner,
        liquidator,
        debt::text,
        collateral::text,
        penalty::text,
        to_pool::text,
        absorbed,
        liquidated_at,
        created_at
    FROM liquidations
    ORDER BY liquidated_at DESC, id DESC
    LIMIT $1;`

	insertAlertSQL = `INSERT INTO alerts (
        sample_ts,
        kind,
        deviation_pct,
        threshold_pct,
        direction,
        channels
    ) VALUES (
        $1,$2,$3,$4,$5,$6
    )
    ON CONFLICT (sample_ts, kind) DO UPDATE
    SET deviation_pct = EXCLUDED.deviation_pct,
        threshold_pct = EXCLUDED.threshold_pct,
        direction     = EXCLUDED.direction,
        channels      = EXCLUDED.channels
    RETURNING id, sample_ts, kind, deviation_pct::text, threshold_pct::text, direction, channels, created_at;`

	listRecentAlertsSQL = `SELECT
        id,
        sample_ts,
        kind,
        deviation_pct::text,
        threshold_pct::text,
        direction,
        channels,
        created_at
    FROM alerts
    ORDER BY created_at DESC
    LIMIT $1;`

	deleteAlertsBeforeSQL = `DELETE FROM alerts WHERE created_at < $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// PriceSampleStore defines operations for keeper sample persistence.
type PriceSampleStore interface {
	UpsertPriceSample(ctx context.Context, sample PriceSample) error
	ListSamplesBetween(ctx context.Context, from, to time.Time) ([]PriceSample, error)
	ListRecentSamples(ctx context.Context, limit int) ([]PriceSample, error)
	MarkSampleErrored(ctx context.Context, bucket time.Time, errMsg string) error
	CountSamples(ctx context.Context) (int64, error)
}

// LiquidationStore defines the liquidation audit trail.
type LiquidationStore interface {
	InsertLiquidation(ctx context.Context, rec LiquidationRecord) error
	ListRecentLiquidations(ctx context.Context, limit int) ([]LiquidationRecord, error)
}

// AlertStore defines operations for alert auditing.
type AlertStore interface {
	InsertAlert(ctx context.Context, alert AlertRecord) (AlertRecord, error)
	ListRecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error)
	DeleteAlertsBefore(ctx context.Context, olderThan time.Time) error
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to samples, liquidations and alerts.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// UpsertPriceSample persists or updates a keeper sample.
func (s *Store) UpsertPriceSample(ctx context.Context, sample PriceSample) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	var round interface{}
	if sample.RoundID != nil {
		round = *sample.RoundID
	}

	var errMsg interface{}
	if sample.Error != nil {
		errMsg = *sample.Error
	}

	var quote interface{}
	if len(sample.CowQuote) > 0 {
		quote = []byte(sample.CowQuote)
	}

	_, execErr := pool.Exec(ctx, upsertPriceSampleSQL,
		sample.Bucket,
		sample.ReferencePrice.String(),
		sample.MarketPrice.String(),
		sample.DeviationPct.String(),
		sample.NotionalCollateral.String(),
		sample.OraclePrice.String(),
		sample.OracleTwap.String(),
		sample.Submitted,
		sample.CowQuality,
		quote,
		round,
		sample.Status,
		errMsg,
	)
	if execErr != nil {
		return fmt.Errorf("upsert price sample: %w", execErr)
	}
	return nil
}

// ListSamplesBetween lists samples within a time window.
func (s *Store) ListSamplesBetween(ctx context.Context, from, to time.Time) ([]PriceSample, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listSamplesBetweenSQL, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list samples between: %w", queryErr)
	}
	defer rows.Close()

	return collectSamples(rows, 0)
}

// ListRecentSamples lists the most recent samples ordered by descending bucket.
func (s *Store) ListRecentSamples(ctx context.Context, limit int) ([]PriceSample, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentSamplesSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent samples: %w", queryErr)
	}
	defer rows.Close()

	return collectSamples(rows, limit)
}

func collectSamples(rows pgx.Rows, capacity int) ([]PriceSample, error) {
	samples := make([]PriceSample, 0, capacity)
	for rows.Next() {
		sample, scanErr := scanPriceSample(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		samples = append(samples, sample)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return samples, nil
}

// MarkSampleErrored marks a sample as errored.
func (s *Store) MarkSampleErrored(ctx context.Context, bucket time.Time, errMsg string) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	cmdTag, execErr := pool.Exec(ctx, markSampleErroredSQL, bucket, errMsg)
	if execErr != nil {
		return fmt.Errorf("mark sample errored: %w", execErr)
	}
	if cmdTag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// CountSamples counts stored samples.
func (s *Store) CountSamples(ctx context.Context) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countSamplesSQL).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count samples: %w", scanErr)
	}
	return count, nil
}

// InsertLiquidation records a liquidation. Replays of the same liquidation
// are ignored.
func (s *Store) InsertLiquidation(ctx context.Context, rec LiquidationRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	_, execErr := pool.Exec(ctx, insertLiquidationSQL,
		rec.Bucket,
		rec.Owner,
		rec.Liquidator,
		rec.Debt.String(),
		rec.Collateral.String(),
		rec.Penalty.String(),
		rec.ToPool.String(),
		rec.Absorbed,
		rec.LiquidatedAt,
	)
	if execErr != nil {
		return fmt.Errorf("insert liquidation: %w", execErr)
	}
	return nil
}

// ListRecentLiquidations lists the most recent liquidations.
func (s *Store) ListRecentLiquidations(ctx context.Context, limit int) ([]LiquidationRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentLiquidationsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent liquidations: %w", queryErr)
	}
	defer rows.Close()

	out := make([]LiquidationRecord, 0, limit)
	for rows.Next() {
		var (
			rec                               LiquidationRecord
			debt, collateral, penalty, toPool string
		)
		if err := rows.Scan(
			&rec.ID,
			&rec.Bucket,
			&rec.Owner,
			&rec.Liquidator,
			&debt,
			&collateral,
			&penalty,
			&toPool,
			&rec.Absorbed,
			&rec.LiquidatedAt,
			&rec.CreatedAt,
		); err != nil {
			return nil, err
		}
		if err := parseDecimals(
			decimalField{"debt", debt, &rec.Debt},
			decimalField{"collateral", collateral, &rec.Collateral},
			decimalField{"penalty", penalty, &rec.Penalty},
			decimalField{"to_pool", toPool, &rec.ToPool},
		); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

// InsertAlert persists an alert emission.
func (s *Store) InsertAlert(ctx context.Context, alert AlertRecord) (AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return AlertRecord{}, err
	}

	kind := alert.Kind
	if kind == "" {
		kind = AlertKindDeviation
	}

	row := pool.QueryRow(ctx, insertAlertSQL,
		alert.SampleTS,
		kind,
		alert.DeviationPct.String(),
		alert.ThresholdPct.String(),
		alert.Direction,
		alert.Channels,
	)
	return scanAlert(row)
}

// ListRecentAlerts lists most recent alerts.
func (s *Store) ListRecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentAlertsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent alerts: %w", queryErr)
	}
	defer rows.Close()

	alerts := make([]AlertRecord, 0, limit)
	for rows.Next() {
		rec, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return alerts, nil
}

// DeleteAlertsBefore deletes historical alerts.
func (s *Store) DeleteAlertsBefore(ctx context.Context, olderThan time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, deleteAlertsBeforeSQL, olderThan); execErr != nil {
		return fmt.Errorf("delete alerts before: %w", execErr)
	}
	return nil
}

func scanAlert(row pgx.Row) (AlertRecord, error) {
	var (
		rec                        AlertRecord
		deviationStr, thresholdStr string
	)
	if err := row.Scan(
		&rec.ID,
		&rec.SampleTS,
		&rec.Kind,
		&deviationStr,
		&thresholdStr,
		&rec.Direction,
		&rec.Channels,
		&rec.CreatedAt,
	); err != nil {
		return AlertRecord{}, fmt.Errorf("scan alert: %w", err)
	}
	if err := parseDecimals(
		decimalField{"deviation_pct", deviationStr, &rec.DeviationPct},
		decimalField{"threshold_pct", thresholdStr, &rec.ThresholdPct},
	); err != nil {
		return AlertRecord{}, err
	}
	return rec, nil
}

func scanPriceSample(rows pgx.Rows) (PriceSample, error) {
	var (
		sample                                 PriceSample
		reference, market, deviation, notional string
		oraclePrice, oracleTwap                string
		cowQuote                               []byte
		round                                  sql.NullInt64
		errMsg                                 sql.NullString
	)

	if err := rows.Scan(
		&sample.Bucket,
		&reference,
		&market,
		&deviation,
		&notional,
		&oraclePrice,
		&oracleTwap,
		&sample.Submitted,
		&sample.CowQuality,
		&cowQuote,
		&round,
		&sample.Status,
		&errMsg,
		&sample.CreatedAt,
	); err != nil {
		return PriceSample{}, err
	}

	if err := parseDecimals(
		decimalField{"reference price", reference, &sample.ReferencePrice},
		decimalField{"market price", market, &sample.MarketPrice},
		decimalField{"deviation pct", deviation, &sample.DeviationPct},
		decimalField{"notional", notional, &sample.NotionalCollateral},
		decimalField{"oracle price", oraclePrice, &sample.OraclePrice},
		decimalField{"oracle twap", oracleTwap, &sample.OracleTwap},
	); err != nil {
		return PriceSample{}, err
	}

	if len(cowQuote) > 0 {
		sample.CowQuote = json.RawMessage(cowQuote)
	}
	if round.Valid {
		value := round.Int64
		sample.RoundID = &value
	}
	if errMsg.Valid {
		msg := errMsg.String
		sample.Error = &msg
	}

	return sample, nil
}

type decimalField struct {
	name string
	raw  string
	dst  *decimal.Decimal
}

func parseDecimals(fields ...decimalField) error {
	for _, f := range fields {
		d, err := decimal.NewFromString(f.raw)
		if err != nil {
			return fmt.Errorf("parse %s: %w", f.name, err)
		}
		*f.dst = d
	}
	return nil
}
