package commitsync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/commitsync/internal/sqlstore"
)

const sqlLinkTableName = "commitsync_links"

// SQLLinkStore keeps link records in postgres or sqlite. Claim relies on
// the primary key plus ON CONFLICT DO NOTHING, so it is atomic across
// processes sharing the database.
type SQLLinkStore struct {
	dsn       string
	tableName string
	openDB    sqlstore.OpenFunc
	clock     func() time.Time

	initOnce sync.Once
	initErr  error
	db       *sql.DB
	dialect  sqlstore.Dialect
}

func NewSQLLinkStore(dsn string) (*SQLLinkStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &SQLLinkStore{
		dsn:       dsn,
		tableName: sqlLinkTableName,
		openDB:    sql.Open,
		clock:     time.Now,
	}, nil
}

// NewSQLLinkStoreWithDB wraps an already open handle.
func NewSQLLinkStoreWithDB(db *sql.DB, dialect sqlstore.Dialect) *SQLLinkStore {
	s := &SQLLinkStore{
		tableName: sqlLinkTableName,
		clock:     time.Now,
		db:        db,
		dialect:   dialect,
	}
	s.initOnce.Do(func() {
		s.initErr = s.createTable()
	})
	return s
}

func (s *SQLLinkStore) Claim(ctx context.Context, link Link) (Link, bool, error) {
	if !validLink(link) {
		return Link{}, false, ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return Link{}, false, err
	}
	link = stampLink(link, s.clock().UTC())
	payload, err := json.Marshal(link)
	if err != nil {
		return Link{}, false, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlstore.OperationTimeout)
	defer cancel()

	d := s.dialect
	query := fmt.Sprintf(`
		INSERT INTO %s (fingerprint, state, payload, claimed_at, updated_at)
		VALUES (%s, %s, %s, %s, %s)
		ON CONFLICT (fingerprint) DO NOTHING`,
		sqlstore.QuoteIdentifier(s.tableName), d.Bind(1), d.Bind(2), d.Bind(3), d.Bind(4), d.Bind(5))
	res, err := s.db.ExecContext(ctx, query, link.Fingerprint, string(link.State), string(payload), link.ClaimedAt.UnixNano(), link.UpdatedAt.UnixNano())
	if err != nil {
		return Link{}, false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return Link{}, false, err
	}
	if affected == 1 {
		return link, true, nil
	}
	existing, err := s.get(ctx, link.Fingerprint)
	if err != nil {
		return Link{}, false, err
	}
	return existing, false, nil
}

func (s *SQLLinkStore) Save(ctx context.Context, link Link) error {
	if !validLink(link) {
		return ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	link = stampLink(link, s.clock().UTC())
	payload, err := json.Marshal(link)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlstore.OperationTimeout)
	defer cancel()

	d := s.dialect
	query := fmt.Sprintf(`
		INSERT INTO %s (fingerprint, state, payload, claimed_at, updated_at)
		VALUES (%s, %s, %s, %s, %s)
		ON CONFLICT (fingerprint)
		DO UPDATE SET state = EXCLUDED.state, payload = EXCLUDED.payload, updated_at = EXCLUDED.updated_at`,
		sqlstore.QuoteIdentifier(s.tableName), d.Bind(1), d.Bind(2), d.Bind(3), d.Bind(4), d.Bind(5))
	_, err = s.db.ExecContext(ctx, query, link.Fingerprint, string(link.State), string(payload), link.ClaimedAt.UnixNano(), link.UpdatedAt.UnixNano())
	return err
}

// Reclaim compares on state and the stored claim time, both written by
// Claim, so two processes racing for one stale claim cannot both win.
func (s *SQLLinkStore) Reclaim(ctx context.Context, stale Link, link Link) (bool, error) {
	if !validLink(link) || stale.Fingerprint != link.Fingerprint {
		return false, ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return false, err
	}
	link = freshClaim(link, s.clock().UTC())
	payload, err := json.Marshal(link)
	if err != nil {
		return false, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlstore.OperationTimeout)
	defer cancel()

	d := s.dialect
	query := fmt.Sprintf(`
		UPDATE %s SET state = %s, payload = %s, claimed_at = %s, updated_at = %s
		WHERE fingerprint = %s AND state = %s AND claimed_at = %s`,
		sqlstore.QuoteIdentifier(s.tableName), d.Bind(1), d.Bind(2), d.Bind(3), d.Bind(4), d.Bind(5), d.Bind(6), d.Bind(7))
	res, err := s.db.ExecContext(ctx, query,
		string(link.State), string(payload), link.ClaimedAt.UnixNano(), link.UpdatedAt.UnixNano(),
		link.Fingerprint, string(LinkPending), stale.ClaimedAt.UnixNano())
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

func (s *SQLLinkStore) Get(ctx context.Context, fingerprint string) (Link, error) {
	if err := s.ensureReady(); err != nil {
		return Link{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlstore.OperationTimeout)
	defer cancel()
	return s.get(ctx, fingerprint)
}

func (s *SQLLinkStore) get(ctx context.Context, fingerprint string) (Link, error) {
	query := fmt.Sprintf("SELECT payload FROM %s WHERE fingerprint = %s", sqlstore.QuoteIdentifier(s.tableName), s.dialect.Bind(1))
	var payload string
	err := s.db.QueryRowContext(ctx, query, fingerprint).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return Link{}, ErrNotFound
	}
	if err != nil {
		return Link{}, err
	}
	var link Link
	if err := json.Unmarshal([]byte(payload), &link); err != nil {
		return Link{}, err
	}
	return link, nil
}

func (s *SQLLinkStore) Release(ctx context.Context, fingerprint string) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlstore.OperationTimeout)
	defer cancel()
	query := fmt.Sprintf("DELETE FROM %s WHERE fingerprint = %s", sqlstore.QuoteIdentifier(s.tableName), s.dialect.Bind(1))
	_, err := s.db.ExecContext(ctx, query, fingerprint)
	return err
}

func (s *SQLLinkStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLLinkStore) ensureReady() error {
	if s == nil {
		return ErrInvalidInput
	}
	s.initOnce.Do(func() {
		db, dialect, err := sqlstore.Open(s.openDB, s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		s.db = db
		s.dialect = dialect
		if err := s.createTable(); err != nil {
			_ = db.Close()
			s.db = nil
			s.initErr = err
		}
	})
	return s.initErr
}

func (s *SQLLinkStore) createTable() error {
	ctx, cancel := context.WithTimeout(context.Background(), sqlstore.OperationTimeout)
	defer cancel()
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			fingerprint TEXT PRIMARY KEY,
			state TEXT NOT NULL,
			payload TEXT NOT NULL,
			claimed_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`, sqlstore.QuoteIdentifier(s.tableName))
	_, err := s.db.ExecContext(ctx, query)
	return err
}
