package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/hamed0406/lanwatch/internal/domain"
	"github.com/hamed0406/lanwatch/internal/repo"
)

var _ repo.Store = (*Store)(nil)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS samples (
  target_id  TEXT             NOT NULL,
  ts         TIMESTAMPTZ      NOT NULL,
  up         BOOLEAN          NOT NULL,
  latency_ms DOUBLE PRECISION NULL,
  resolved   TEXT             NOT NULL DEFAULT '',
  generation BIGINT           NOT NULL,
  PRIMARY KEY (target_id, ts)
);
`

type Store struct {
	pool *pgxpool.Pool
	log  *zap.Logger
}

func New(ctx context.Context, dsn string, log *zap.Logger) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	ctxPing, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(ctxPing); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return &Store{pool: pool, log: log}, nil
}

// EnsureSchema creates the samples table if it does not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func (s *Store) CommitRound(ctx context.Context, r domain.Round, pruneBefore time.Time) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	b := &pgx.Batch{}
	for _, smp := range r.Samples {
		b.Queue(`INSERT INTO samples (target_id, ts, up, latency_ms, resolved, generation)
		         VALUES ($1, $2, $3, $4, $5, $6)`,
			string(smp.TargetID), smp.Timestamp.UTC(), smp.Up, smp.LatencyMS, smp.Resolved, int64(r.Generation))
	}
	if !pruneBefore.IsZero() {
		b.Queue(`DELETE FROM samples WHERE ts < $1`, pruneBefore.UTC())
	}

	br := tx.SendBatch(ctx, b)
	for i := 0; i < b.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" {
				return fmt.Errorf("%w: %v", repo.ErrDuplicateSample, err)
			}
			return fmt.Errorf("round %d: %w", r.Generation, err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("round %d: %w", r.Generation, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit round %d: %w", r.Generation, err)
	}
	return nil
}

func (s *Store) WindowAggregates(ctx context.Context, id domain.TargetID, now time.Time, windows []time.Duration) ([]repo.Aggregate, error) {
	if len(windows) == 0 {
		return nil, nil
	}
	args := []any{string(id)}
	cols := make([]string, 0, 5*len(windows))
	oldest := now
	for _, w := range windows {
		cut := now.Add(-w).UTC()
		if cut.Before(oldest) {
			oldest = cut
		}
		args = append(args, cut)
		p := len(args)
		cols = append(cols,
			fmt.Sprintf("COUNT(*) FILTER (WHERE ts > $%d)", p),
			fmt.Sprintf("COUNT(*) FILTER (WHERE ts > $%d AND up)", p),
			fmt.Sprintf("AVG(latency_ms) FILTER (WHERE ts > $%d AND up)", p),
			fmt.Sprintf("MIN(latency_ms) FILTER (WHERE ts > $%d AND up)", p),
			fmt.Sprintf("MAX(latency_ms) FILTER (WHERE ts > $%d AND up)", p),
		)
	}
	args = append(args, oldest.UTC())
	q := fmt.Sprintf("SELECT %s FROM samples WHERE target_id = $1 AND ts > $%d", strings.Join(cols, ", "), len(args))

	totals := make([]int64, len(windows))
	ups := make([]int64, len(windows))
	avgs := make([]*float64, len(windows))
	mins := make([]*float64, len(windows))
	maxs := make([]*float64, len(windows))
	dest := make([]any, 0, 5*len(windows))
	for i := range windows {
		dest = append(dest, &totals[i], &ups[i], &avgs[i], &mins[i], &maxs[i])
	}
	if err := s.pool.QueryRow(ctx, q, args...).Scan(dest...); err != nil {
		return nil, fmt.Errorf("window aggregates %s: %w", id, err)
	}

	out := make([]repo.Aggregate, len(windows))
	for i, w := range windows {
		out[i] = repo.Aggregate{
			Window: w,
			Total:  int(totals[i]),
			Up:     int(ups[i]),
			AvgMS:  avgs[i],
			MinMS:  mins[i],
			MaxMS:  maxs[i],
		}
	}
	return out, nil
}

func (s *Store) TrailingRun(ctx context.Context, id domain.TargetID) (domain.Run, bool, error) {
	const q = `
WITH last AS (
  SELECT up, ts FROM samples WHERE target_id = $1 ORDER BY ts DESC LIMIT 1
), boundary AS (
  SELECT MAX(s.ts) AS ts FROM samples s, last
   WHERE s.target_id = $1 AND s.up <> last.up
)
SELECT last.up, last.ts, COUNT(s.ts), MIN(s.ts)
  FROM last
  JOIN samples s ON s.target_id = $1
  LEFT JOIN boundary b ON TRUE
 WHERE b.ts IS NULL OR s.ts > b.ts
 GROUP BY last.up, last.ts`

	var run domain.Run
	var n int64
	err := s.pool.QueryRow(ctx, q, string(id)).Scan(&run.Up, &run.Last, &n, &run.Start)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Run{}, false, nil
	}
	if err != nil {
		return domain.Run{}, false, fmt.Errorf("trailing run %s: %w", id, err)
	}
	run.Length = int(n)
	run.Start = run.Start.UTC()
	run.Last = run.Last.UTC()
	return run, true, nil
}

func (s *Store) LastGeneration(ctx context.Context) (uint64, error) {
	var gen int64
	if err := s.pool.QueryRow(ctx, `SELECT COALESCE(MAX(generation), 0) FROM samples`).Scan(&gen); err != nil {
		return 0, fmt.Errorf("last generation: %w", err)
	}
	return uint64(gen), nil
}

func (s *Store) Recent(ctx context.Context, id domain.TargetID, limit int) ([]domain.Sample, error) {
	q := `SELECT ts, up, latency_ms, resolved, generation
	        FROM samples
	       WHERE target_id = $1
	       ORDER BY ts DESC`
	args := []any{string(id)}
	if limit > 0 {
		q += " LIMIT $2"
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("recent %s: %w", id, err)
	}
	defer rows.Close()

	var out []domain.Sample
	for rows.Next() {
		var (
			smp domain.Sample
			gen int64
		)
		if err := rows.Scan(&smp.Timestamp, &smp.Up, &smp.LatencyMS, &smp.Resolved, &gen); err != nil {
			return nil, fmt.Errorf("scan sample: %w", err)
		}
		smp.TargetID = id
		smp.Timestamp = smp.Timestamp.UTC()
		smp.Generation = uint64(gen)
		out = append(out, smp)
	}
	return out, rows.Err()
}
