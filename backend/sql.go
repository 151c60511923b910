package backend

import (
	"context"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	log "github.com/sirupsen/logrus"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
)

const (
	dialectMySQL    = "mysql"
	dialectPostgres = "postgres"

	sqlOperationTimeout = 5 * time.Second
	sqlMaxPool          = 10
)

type kvRow struct {
	Name      string `db:"name"`
	Value     []byte `db:"value"`
	UpdatedAt int64  `db:"updated_at"`
}

// SQL is a Store kept in the kv_store table of a MySQL or Postgres
// database. Other writers are detected by polling updated_at.
type SQL struct {
	db        *sqlx.DB
	dialect   string
	namespace string
	quota     Quota

	hub changeHub

	seenMu   sync.Mutex
	lastSeen int64 // highest updated_at already published

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSQL connects using driverName ("mysql" or "postgres"), runs the schema
// migrations and, when pollInterval is positive, starts polling for
// changes made by other processes.
func NewSQL(driverName, dsn, namespace string, quota Quota, pollInterval time.Duration) (*SQL, error) {
	db, err := sqlx.Open(driverName, dsn)
	if err != nil {
		return nil, err
	}

	db.SetConnMaxLifetime(time.Minute * 3)
	db.SetMaxOpenConns(sqlMaxPool)
	db.SetMaxIdleConns(2)
	db.SetConnMaxIdleTime(time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	if err := runMigrations(db, driverName); err != nil {
		_ = db.Close()
		return nil, err
	}

	return newSQLWithDB(db, driverName, namespace, quota, pollInterval), nil
}

func newSQLWithDB(db *sqlx.DB, dialect, namespace string, quota Quota, pollInterval time.Duration) *SQL {
	ctx, cancel := context.WithCancel(context.Background())
	s := &SQL{
		db:        db,
		dialect:   dialect,
		namespace: namespace,
		quota:     quota,
		lastSeen:  time.Now().UnixMilli(),
		cancel:    cancel,
	}
	if pollInterval > 0 {
		s.wg.Add(1)
		go s.pollLoop(ctx, pollInterval)
	}
	return s
}

func (s *SQL) upsertQuery() string {
	if s.dialect == dialectPostgres {
		return s.db.Rebind(`INSERT INTO kv_store (namespace, name, value, updated_at) VALUES (?, ?, ?, ?)
			ON CONFLICT (namespace, name) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`)
	}
	return s.db.Rebind(`INSERT INTO kv_store (namespace, name, value, updated_at) VALUES (?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE value = VALUES(value), updated_at = VALUES(updated_at)`)
}

func (s *SQL) all(ctx context.Context, q sqlx.QueryerContext) (Items, error) {
	var rows []kvRow
	query := s.db.Rebind("SELECT name, value, updated_at FROM kv_store WHERE namespace = ?")
	if err := sqlx.SelectContext(ctx, q, &rows, query, s.namespace); err != nil {
		return nil, err
	}
	items := make(Items, len(rows))
	for _, row := range rows {
		items[row.Name] = row.Value
	}
	return items, nil
}

func (s *SQL) Get(ctx context.Context, defaults Items) (Items, error) {
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	all, err := s.all(ctx, s.db)
	if err != nil {
		return nil, err
	}
	return selectWithDefaults(all, defaults), nil
}

func (s *SQL) Set(ctx context.Context, items Items) error {
	if len(items) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if s.quota != (Quota{}) {
		current, err := s.all(ctx, tx)
		if err != nil {
			return err
		}
		if err := s.quota.check(current, items); err != nil {
			return err
		}
	}

	now := time.Now().UnixMilli()
	query := s.upsertQuery()
	for _, key := range items.Keys() {
		if _, err := tx.ExecContext(ctx, query, s.namespace, key, string(items[key]), now); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	s.markSeen(now)
	s.hub.publish(Change{Keys: items.Keys(), Namespace: s.namespace})
	return nil
}

func (s *SQL) Remove(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	query, args, err := sqlx.In("DELETE FROM kv_store WHERE namespace = ? AND name IN (?)", s.namespace, keys)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...); err != nil {
		return err
	}

	s.hub.publish(Change{Keys: keys, Namespace: s.namespace})
	return nil
}

func (s *SQL) markSeen(ts int64) {
	s.seenMu.Lock()
	if ts > s.lastSeen {
		s.lastSeen = ts
	}
	s.seenMu.Unlock()
}

// pollLoop publishes keys updated by other writers since the last poll.
func (s *SQL) pollLoop(ctx context.Context, interval time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.poll(ctx)
		}
	}
}

func (s *SQL) poll(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	s.seenMu.Lock()
	since := s.lastSeen
	s.seenMu.Unlock()

	var rows []kvRow
	query := s.db.Rebind("SELECT name, updated_at FROM kv_store WHERE namespace = ? AND updated_at > ?")
	if err := s.db.SelectContext(ctx, &rows, query, s.namespace, since); err != nil {
		log.Debugf("SQL backend: change poll failed: %v", err)
		return
	}
	if len(rows) == 0 {
		return
	}

	keys := make([]string, 0, len(rows))
	newest := since
	for _, row := range rows {
		keys = append(keys, row.Name)
		if row.UpdatedAt > newest {
			newest = row.UpdatedAt
		}
	}
	s.markSeen(newest)
	s.hub.publish(Change{Keys: keys, Namespace: s.namespace})
}

func (s *SQL) Subscribe(fn ChangeHandler) func() {
	return s.hub.subscribe(fn)
}

func (s *SQL) Namespace() string {
	return s.namespace
}

func (s *SQL) Close() error {
	s.cancel()
	s.wg.Wait()
	return s.db.Close()
}
