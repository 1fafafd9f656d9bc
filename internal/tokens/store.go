package tokens

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/commitsync/internal/sqlstore"
)

const (
	sqlCredentialTableName = "commitsync_credentials"
	defaultCredentialID    = "tasks"
)

var ErrEncryptionKey = errors.New("encryption key must be 32 bytes for AES-256")

// MemoryStore keeps the credential in process. It is the default and what
// tests use.
type MemoryStore struct {
	mu   sync.Mutex
	cred *Credential
}

func NewMemoryStore(initial *Credential) *MemoryStore {
	s := &MemoryStore{}
	if initial != nil {
		c := *initial
		s.cred = &c
	}
	return s
}

func (s *MemoryStore) Load(context.Context) (*Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cred == nil {
		return nil, nil
	}
	c := *s.cred
	return &c, nil
}

func (s *MemoryStore) Save(_ context.Context, cred Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := cred
	s.cred = &c
	return nil
}

// SQLStore persists the credential in postgres or sqlite so every replica
// sees a rotated refresh token. Token columns are sealed with AES-256-GCM
// when a key is configured.
type SQLStore struct {
	dsn       string
	id        string
	tableName string
	encKey    []byte
	openDB    sqlstore.OpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
	dialect  sqlstore.Dialect
}

type SQLStoreOption func(*SQLStore)

// WithEncryptionKey seals token columns. The key must be 32 bytes.
func WithEncryptionKey(key []byte) SQLStoreOption {
	return func(s *SQLStore) {
		s.encKey = append([]byte(nil), key...)
	}
}

// WithCredentialID selects the row; one row per tenant.
func WithCredentialID(id string) SQLStoreOption {
	return func(s *SQLStore) {
		if strings.TrimSpace(id) != "" {
			s.id = strings.TrimSpace(id)
		}
	}
}

func NewSQLStore(dsn string, opts ...SQLStoreOption) (*SQLStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("credential store dsn is required")
	}
	s := &SQLStore{
		dsn:       dsn,
		id:        defaultCredentialID,
		tableName: sqlCredentialTableName,
		openDB:    sql.Open,
	}
	for _, opt := range opts {
		opt(s)
	}
	if len(s.encKey) != 0 && len(s.encKey) != 32 {
		return nil, ErrEncryptionKey
	}
	return s, nil
}

// NewSQLStoreWithDB wraps an already open handle.
func NewSQLStoreWithDB(db *sql.DB, dialect sqlstore.Dialect, opts ...SQLStoreOption) (*SQLStore, error) {
	s := &SQLStore{
		id:        defaultCredentialID,
		tableName: sqlCredentialTableName,
		db:        db,
		dialect:   dialect,
	}
	for _, opt := range opts {
		opt(s)
	}
	if len(s.encKey) != 0 && len(s.encKey) != 32 {
		return nil, ErrEncryptionKey
	}
	s.initOnce.Do(func() {
		s.initErr = s.createTable()
	})
	return s, nil
}

func (s *SQLStore) Load(ctx context.Context) (*Credential, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlstore.OperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT access_token, refresh_token, expires_at FROM %s WHERE id = %s",
		sqlstore.QuoteIdentifier(s.tableName), s.dialect.Bind(1))
	var access, refresh string
	var expiresAt int64
	err := s.db.QueryRowContext(ctx, query, s.id).Scan(&access, &refresh, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if access, err = s.open(access); err != nil {
		return nil, fmt.Errorf("decrypt access token: %w", err)
	}
	if refresh, err = s.open(refresh); err != nil {
		return nil, fmt.Errorf("decrypt refresh token: %w", err)
	}
	return &Credential{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    time.Unix(0, expiresAt).UTC(),
	}, nil
}

func (s *SQLStore) Save(ctx context.Context, cred Credential) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	access, err := s.seal(cred.AccessToken)
	if err != nil {
		return fmt.Errorf("encrypt access token: %w", err)
	}
	refresh, err := s.seal(cred.RefreshToken)
	if err != nil {
		return fmt.Errorf("encrypt refresh token: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, sqlstore.OperationTimeout)
	defer cancel()

	d := s.dialect
	query := fmt.Sprintf(`
		INSERT INTO %s (id, access_token, refresh_token, expires_at, updated_at)
		VALUES (%s, %s, %s, %s, %s)
		ON CONFLICT (id) DO UPDATE SET
			access_token = EXCLUDED.access_token,
			refresh_token = EXCLUDED.refresh_token,
			expires_at = EXCLUDED.expires_at,
			updated_at = EXCLUDED.updated_at`,
		sqlstore.QuoteIdentifier(s.tableName), d.Bind(1), d.Bind(2), d.Bind(3), d.Bind(4), d.Bind(5))
	_, err = s.db.ExecContext(ctx, query, s.id, access, refresh, cred.ExpiresAt.UnixNano(), time.Now().UTC().UnixNano())
	return err
}

func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLStore) ensureReady() error {
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

func (s *SQLStore) createTable() error {
	ctx, cancel := context.WithTimeout(context.Background(), sqlstore.OperationTimeout)
	defer cancel()
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			access_token TEXT NOT NULL,
			refresh_token TEXT NOT NULL,
			expires_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`, sqlstore.QuoteIdentifier(s.tableName))
	_, err := s.db.ExecContext(ctx, query)
	return err
}

func (s *SQLStore) seal(plaintext string) (string, error) {
	if plaintext == "" || len(s.encKey) == 0 {
		return plaintext, nil
	}
	gcm, err := newGCM(s.encKey)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	return base64.StdEncoding.EncodeToString(gcm.Seal(nonce, nonce, []byte(plaintext), nil)), nil
}

func (s *SQLStore) open(ciphertext string) (string, error) {
	if ciphertext == "" || len(s.encKey) == 0 {
		return ciphertext, nil
	}
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", err
	}
	gcm, err := newGCM(s.encKey)
	if err != nil {
		return "", err
	}
	if len(data) < gcm.NonceSize() {
		return "", errors.New("ciphertext too short")
	}
	nonce, sealed := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// BuildStoreFromDSN picks a credential store by scheme. An empty DSN or the
// memory scheme yields a MemoryStore seeded with initial.
func BuildStoreFromDSN(dsn string, initial *Credential, opts ...SQLStoreOption) (Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewMemoryStore(initial), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(parsed.Scheme) {
	case "memory", "mem", "inmem":
		return NewMemoryStore(initial), nil
	case "postgres", "postgresql", "sqlite", "sqlite3":
		store, err := NewSQLStore(dsn, opts...)
		if err != nil {
			return nil, err
		}
		if initial != nil {
			if err := seedStore(store, *initial); err != nil {
				_ = store.Close()
				return nil, err
			}
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported credential store scheme: %s", parsed.Scheme)
	}
}

// seedStore installs the configured credential only when the store holds
// none, so a rotated token from a previous run is not clobbered.
func seedStore(store Store, initial Credential) error {
	ctx := context.Background()
	existing, err := store.Load(ctx)
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}
	return store.Save(ctx, initial)
}
