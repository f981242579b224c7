// Package sqlite is the default sample store: a single local database file
// with one write handle owned by the poll loop and a separate read-only
// handle for stats queries.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/hamed0406/lanwatch/internal/domain"
	"github.com/hamed0406/lanwatch/internal/repo"
)

const (
	busyTimeoutMS = 5000

	plainDriver   = "sqlite3"
	walDriverName = "sqlite3_lanwatch_wal"
)

var registerWAL sync.Once

// walDriver registers a driver whose connections start with automatic
// checkpoints off; CommitRound checkpoints explicitly.
func walDriver() string {
	registerWAL.Do(func() {
		sql.Register(walDriverName, &sqlite3.SQLiteDriver{
			ConnectHook: func(c *sqlite3.SQLiteConn) error {
				_, err := c.Exec("PRAGMA wal_autocheckpoint=0", nil)
				return err
			},
		})
	})
	return walDriverName
}

type sampleRow struct {
	TargetID   string   `gorm:"column:target_id;primaryKey;type:text"`
	TS         int64    `gorm:"column:ts;primaryKey;autoIncrement:false"` // unix ms
	Up         bool     `gorm:"column:up;not null"`
	LatencyMS  *float64 `gorm:"column:latency_ms"`
	Resolved   string   `gorm:"column:resolved"`
	Generation uint64   `gorm:"column:generation;not null"`
}

func (sampleRow) TableName() string { return "samples" }

type Options struct {
	Path string
	// WAL enables write-ahead journaling with checkpoints issued after each
	// commit instead of size-triggered ones.
	WAL bool
}

type Store struct {
	w   *gorm.DB
	r   *gorm.DB
	wal bool
	log *zap.Logger
}

func Open(ctx context.Context, opt Options, log *zap.Logger) (*Store, error) {
	if opt.Path == "" {
		return nil, errors.New("sqlite: empty path")
	}
	if dir := filepath.Dir(opt.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	// journal settings live in the DSN and the connect hook so a replaced
	// pool connection comes back with them
	wdsn, wdriver := fmt.Sprintf("file:%s?_busy_timeout=%d", opt.Path, busyTimeoutMS), plainDriver
	if opt.WAL {
		wdsn += "&_journal_mode=WAL&_synchronous=NORMAL"
		wdriver = walDriver()
	}
	w, err := gorm.Open(sqlite.New(sqlite.Config{DriverName: wdriver, DSN: wdsn}), gormConfig(log))
	if err != nil {
		return nil, fmt.Errorf("open writer: %w", err)
	}
	wdb, err := w.DB()
	if err != nil {
		return nil, err
	}
	// one connection: pragmas stick and the writer is never shared
	wdb.SetMaxOpenConns(1)
	wdb.SetMaxIdleConns(1)

	s := &Store{w: w, wal: opt.WAL, log: log}
	if err := s.prepare(ctx); err != nil {
		_ = wdb.Close()
		return nil, err
	}

	r, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=ro&_busy_timeout=%d", opt.Path, busyTimeoutMS)), gormConfig(log))
	if err != nil {
		_ = wdb.Close()
		return nil, fmt.Errorf("open reader: %w", err)
	}
	s.r = r
	return s, nil
}

func (s *Store) prepare(ctx context.Context) error {
	db := s.w.WithContext(ctx)
	if s.wal {
		var mode string
		if err := db.Raw("PRAGMA journal_mode").Scan(&mode).Error; err != nil {
			return fmt.Errorf("enable wal: %w", err)
		}
		if !strings.EqualFold(mode, "wal") {
			return fmt.Errorf("enable wal: journal_mode is %q", mode)
		}
	}
	if err := db.AutoMigrate(&sampleRow{}); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *Store) CommitRound(ctx context.Context, r domain.Round, pruneBefore time.Time) error {
	rows := make([]sampleRow, len(r.Samples))
	for i, smp := range r.Samples {
		rows[i] = sampleRow{
			TargetID:   string(smp.TargetID),
			TS:         smp.Timestamp.UnixMilli(),
			Up:         smp.Up,
			LatencyMS:  smp.LatencyMS,
			Resolved:   smp.Resolved,
			Generation: r.Generation,
		}
	}

	err := s.w.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i := range rows {
			if err := tx.Create(&rows[i]).Error; err != nil {
				if isConstraint(err) {
					return fmt.Errorf("%w: %s at %d: %v", repo.ErrDuplicateSample, rows[i].TargetID, rows[i].TS, err)
				}
				return fmt.Errorf("insert %s: %w", rows[i].TargetID, err)
			}
		}
		if !pruneBefore.IsZero() {
			if err := tx.Where("ts < ?", pruneBefore.UnixMilli()).Delete(&sampleRow{}).Error; err != nil {
				return fmt.Errorf("prune: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	if s.wal {
		if err := s.w.WithContext(ctx).Exec("PRAGMA wal_checkpoint(PASSIVE)").Error; err != nil {
			s.log.Warn("wal_checkpoint_failed", zap.Uint64("generation", r.Generation), zap.Error(err))
		}
	}
	return nil
}

func (s *Store) WindowAggregates(ctx context.Context, id domain.TargetID, now time.Time, windows []time.Duration) ([]repo.Aggregate, error) {
	if len(windows) == 0 {
		return nil, nil
	}
	var (
		cols   []string
		args   []any
		oldest = now.UnixMilli()
	)
	for _, w := range windows {
		cut := now.Add(-w).UnixMilli()
		if cut < oldest {
			oldest = cut
		}
		cols = append(cols,
			"SUM(CASE WHEN ts > ? THEN 1 ELSE 0 END)",
			"SUM(CASE WHEN ts > ? AND up THEN 1 ELSE 0 END)",
			"AVG(CASE WHEN ts > ? AND up THEN latency_ms END)",
			"MIN(CASE WHEN ts > ? AND up THEN latency_ms END)",
			"MAX(CASE WHEN ts > ? AND up THEN latency_ms END)",
		)
		args = append(args, cut, cut, cut, cut, cut)
	}
	args = append(args, string(id), oldest)
	q := "SELECT " + strings.Join(cols, ", ") + " FROM samples WHERE target_id = ? AND ts > ?"

	row := s.r.WithContext(ctx).Raw(q, args...).Row()

	totals := make([]sql.NullInt64, len(windows))
	ups := make([]sql.NullInt64, len(windows))
	avgs := make([]sql.NullFloat64, len(windows))
	mins := make([]sql.NullFloat64, len(windows))
	maxs := make([]sql.NullFloat64, len(windows))
	dest := make([]any, 0, 5*len(windows))
	for i := range windows {
		dest = append(dest, &totals[i], &ups[i], &avgs[i], &mins[i], &maxs[i])
	}
	if err := row.Scan(dest...); err != nil {
		return nil, fmt.Errorf("window aggregates %s: %w", id, err)
	}

	out := make([]repo.Aggregate, len(windows))
	for i, w := range windows {
		out[i] = repo.Aggregate{
			Window: w,
			Total:  int(totals[i].Int64),
			Up:     int(ups[i].Int64),
			AvgMS:  nullable(avgs[i]),
			MinMS:  nullable(mins[i]),
			MaxMS:  nullable(maxs[i]),
		}
	}
	return out, nil
}

// TrailingRun reads the newest sample and its run in one statement, so a
// round committed concurrently cannot split the two.
func (s *Store) TrailingRun(ctx context.Context, id domain.TargetID) (domain.Run, bool, error) {
	const q = `
WITH newest AS (
  SELECT up, ts FROM samples WHERE target_id = ? ORDER BY ts DESC LIMIT 1
), edge AS (
  SELECT COALESCE(MAX(s.ts), -1) AS ts FROM samples s, newest
   WHERE s.target_id = ? AND s.up <> newest.up
)
SELECT newest.up, newest.ts, COUNT(s.ts), MIN(s.ts)
  FROM newest, edge
  JOIN samples s ON s.target_id = ? AND s.ts > edge.ts AND s.ts <= newest.ts
 GROUP BY newest.up, newest.ts`

	var (
		up        bool
		lastTS, n int64
		firstTS   int64
	)
	err := s.r.WithContext(ctx).Raw(q, string(id), string(id), string(id)).Row().Scan(&up, &lastTS, &n, &firstTS)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Run{}, false, nil
	}
	if err != nil {
		return domain.Run{}, false, fmt.Errorf("trailing run %s: %w", id, err)
	}
	return domain.Run{
		Up:     up,
		Length: int(n),
		Start:  time.UnixMilli(firstTS).UTC(),
		Last:   time.UnixMilli(lastTS).UTC(),
	}, true, nil
}

func (s *Store) LastGeneration(ctx context.Context) (uint64, error) {
	var gen int64
	if err := s.r.WithContext(ctx).Raw("SELECT COALESCE(MAX(generation), 0) FROM samples").Row().Scan(&gen); err != nil {
		return 0, fmt.Errorf("last generation: %w", err)
	}
	return uint64(gen), nil
}

func (s *Store) Recent(ctx context.Context, id domain.TargetID, limit int) ([]domain.Sample, error) {
	var rows []sampleRow
	q := s.r.WithContext(ctx).Where("target_id = ?", string(id)).Order("ts DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("recent %s: %w", id, err)
	}
	out := make([]domain.Sample, len(rows))
	for i, r := range rows {
		out[i] = domain.Sample{
			TargetID:   domain.TargetID(r.TargetID),
			Timestamp:  time.UnixMilli(r.TS).UTC(),
			Up:         r.Up,
			LatencyMS:  r.LatencyMS,
			Resolved:   r.Resolved,
			Generation: r.Generation,
		}
	}
	return out, nil
}

// Close closes both handles. A final checkpoint folds the journal back into
// the main file when WAL is enabled.
func (s *Store) Close() error {
	var err error
	if s.r != nil {
		if db, e := s.r.DB(); e == nil {
			err = multierr.Append(err, db.Close())
		}
	}
	if s.wal {
		err = multierr.Append(err, s.w.Exec("PRAGMA wal_checkpoint(TRUNCATE)").Error)
	}
	if db, e := s.w.DB(); e == nil {
		err = multierr.Append(err, db.Close())
	}
	return err
}

func nullable(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func isConstraint(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// gormConfig returns a fresh config per handle; gorm.Open keeps state in it.
func gormConfig(log *zap.Logger) *gorm.Config {
	return &gorm.Config{Logger: gormLogger(log), TranslateError: true}
}

// gormLogger routes gorm's warnings (slow queries, errors) through zap.
func gormLogger(log *zap.Logger) logger.Interface {
	if log == nil {
		return logger.Discard
	}
	return logger.New(zapWriter{log.Sugar()}, logger.Config{
		SlowThreshold:             250 * time.Millisecond,
		LogLevel:                  logger.Warn,
		IgnoreRecordNotFoundError: true,
	})
}

type zapWriter struct{ s *zap.SugaredLogger }

func (w zapWriter) Printf(format string, args ...interface{}) { w.s.Warnf(format, args...) }

var _ repo.Store = (*Store)(nil)
