package store

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/quotaguard/quotamux/internal/errors"
	"github.com/quotaguard/quotamux/internal/logging"
	"github.com/quotaguard/quotamux/internal/models"
	_ "modernc.org/sqlite"
)

// ErrKeyMismatch means the configured passphrase or key file does not match
// the key the database was sealed with.
var ErrKeyMismatch = stderrors.New("encryption key does not match the store")

const (
	keyCheckPlaintext   = "quotamux"
	quarantineRetention = 30 * 24 * time.Hour
)

// SQLiteOptions configure NewSQLiteStore.
type SQLiteOptions struct {
	// Passphrase derives the key with a salt kept in the database.
	Passphrase string
	// KeyFile holds a random key; used when Passphrase is empty.
	KeyFile  string
	Defaults Defaults
	Logger   *logging.Logger
}

// SQLiteStore persists the connector state as one encrypted JSON document in
// SQLite with WAL mode. Secrets inside the document are sealed individually.
type SQLiteStore struct {
	mu     sync.Mutex
	db     *sql.DB
	meta   *metaStore
	sealer *Sealer
	logger *logging.Logger
	state  *models.ConnectorState
	now    func() time.Time
}

// NewSQLiteStore opens or creates the store at dbPath.
func NewSQLiteStore(ctx context.Context, dbPath string, opts SQLiteOptions) (*SQLiteStore, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewLogger()
	}

	dir := filepath.Dir(dbPath)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, &errors.ErrStore{Op: "create directory", Path: dir, Err: err}
		}
	}

	db, err := openDB(dbPath)
	if err != nil && isCorruptDatabase(err) {
		aside, qerr := quarantineFile(dbPath)
		if qerr != nil {
			return nil, err
		}
		logger.Warn("store database unreadable, moved aside", "path", dbPath, "quarantined_to", aside, "error", err.Error())
		db, err = openDB(dbPath)
	}
	if err != nil {
		return nil, err
	}

	s := &SQLiteStore{
		db:     db,
		meta:   &metaStore{db: db},
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}

	if err := s.initSealer(ctx, opts, dbPath); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.load(ctx, opts.Defaults); err != nil {
		db.Close()
		return nil, err
	}
	s.pruneQuarantine(ctx)

	return s, nil
}

func openDB(dbPath string) (*sql.DB, error) {
	// Open database with WAL mode enabled
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, &errors.ErrStore{Op: "open", Path: dbPath, Err: err}
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, &errors.ErrStore{Op: "open", Path: dbPath, Err: err}
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// runMigrations runs database migrations
func runMigrations(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return &errors.ErrStore{Op: "create migrations table", Err: err}
	}

	var currentVersion int
	err = db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&currentVersion)
	if err != nil {
		return &errors.ErrStore{Op: "get current migration version", Err: err}
	}

	migrations := []struct {
		version int
		up      string
	}{
		{
			version: 1,
			up: `
				CREATE TABLE IF NOT EXISTS connector_documents (
					id INTEGER PRIMARY KEY CHECK (id = 1),
					document TEXT NOT NULL,
					updated_at DATETIME NOT NULL
				);

				CREATE TABLE IF NOT EXISTS store_meta (
					key TEXT PRIMARY KEY,
					value TEXT NOT NULL,
					updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
				);
			`,
		},
		{
			version: 2,
			up: `
				CREATE TABLE IF NOT EXISTS quarantined_documents (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					document TEXT NOT NULL,
					reason TEXT NOT NULL,
					quarantined_at DATETIME NOT NULL
				);

				CREATE INDEX IF NOT EXISTS idx_quarantined_at ON quarantined_documents(quarantined_at);
			`,
		},
	}

	tx, err := db.Begin()
	if err != nil {
		return &errors.ErrStore{Op: "begin transaction", Err: err}
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for _, m := range migrations {
		if m.version > currentVersion {
			if _, err := tx.Exec(m.up); err != nil {
				return &errors.ErrStore{Op: "migrate", Migration: m.version, Err: err}
			}
			if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", m.version); err != nil {
				return &errors.ErrStore{Op: "migrate", Migration: m.version, Err: err}
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return &errors.ErrStore{Op: "commit migrations", Err: err}
	}

	return nil
}

func (s *SQLiteStore) initSealer(ctx context.Context, opts SQLiteOptions, dbPath string) error {
	var key []byte
	if opts.Passphrase != "" {
		saltHex, ok, err := s.meta.Get(ctx, metaKDFSalt)
		if err != nil {
			return &errors.ErrStore{Op: "read kdf salt", Err: err}
		}
		salt, decodeErr := hex.DecodeString(saltHex)
		if !ok || decodeErr != nil || len(salt) == 0 {
			salt = NewSalt()
			if err := s.meta.Set(ctx, metaKDFSalt, hex.EncodeToString(salt)); err != nil {
				return &errors.ErrStore{Op: "write kdf salt", Err: err}
			}
		}
		key = DeriveKey(opts.Passphrase, salt)
	} else {
		keyFile := opts.KeyFile
		if keyFile == "" {
			keyFile = dbPath + ".key"
		}
		var err error
		if key, err = LoadOrCreateKeyFile(keyFile); err != nil {
			return &errors.ErrStore{Op: "read key file", Path: keyFile, Err: err}
		}
	}

	sealer, err := NewSealer(key)
	if err != nil {
		return err
	}

	check, ok, err := s.meta.Get(ctx, metaKeyCheck)
	if err != nil {
		return &errors.ErrStore{Op: "read key check", Err: err}
	}
	if ok {
		if plain, err := sealer.Open(check); err != nil || plain != keyCheckPlaintext {
			return ErrKeyMismatch
		}
	} else {
		sealed, err := sealer.Seal(keyCheckPlaintext)
		if err != nil {
			return err
		}
		if err := s.meta.Set(ctx, metaKeyCheck, sealed); err != nil {
			return &errors.ErrStore{Op: "write key check", Err: err}
		}
	}

	s.sealer = sealer
	return nil
}

// load reads the document, quarantining it if it cannot be decoded.
func (s *SQLiteStore) load(ctx context.Context, defaults Defaults) error {
	var document string
	err := s.db.QueryRowContext(ctx, "SELECT document FROM connector_documents WHERE id = 1").Scan(&document)
	if err == sql.ErrNoRows {
		s.logger.Info("initializing connector state")
		return s.persistFresh(ctx, defaults)
	}
	if err != nil {
		return &errors.ErrStore{Op: "read connector document", Err: err}
	}

	state, legacy, decodeErr := s.decode(document)
	if decodeErr != nil {
		if err := s.quarantine(ctx, document, decodeErr.Error()); err != nil {
			return err
		}
		s.logger.Warn("connector document corrupt, quarantined and replaced with a fresh state", "error", decodeErr.Error())
		return s.persistFresh(ctx, defaults)
	}

	s.state = state
	if legacy {
		if err := s.persist(ctx, state); err != nil {
			return err
		}
		s.logger.Info("re-encrypted plaintext secrets in connector document")
	}
	return nil
}

func (s *SQLiteStore) decode(document string) (*models.ConnectorState, bool, error) {
	var state models.ConnectorState
	if err := json.Unmarshal([]byte(document), &state); err != nil {
		return nil, false, fmt.Errorf("decode document: %w", err)
	}
	if state.ConnectorKey == "" {
		return nil, false, fmt.Errorf("document has no connector key")
	}
	legacy, err := s.sealer.openState(&state)
	if err != nil {
		return nil, false, err
	}
	if state.Version == 0 {
		state.Version = models.StateVersion
	}
	if state.Accounts == nil {
		state.Accounts = models.AccountSlice{}
	}
	prefs, err := models.NormalizePreferences(state.Preferences)
	if err != nil {
		prefs = models.DefaultRoutingPreferences()
	}
	state.Preferences = prefs
	return &state, legacy, nil
}

func (s *SQLiteStore) persistFresh(ctx context.Context, defaults Defaults) error {
	state := defaults.newState(s.now())
	if err := s.persist(ctx, state); err != nil {
		return err
	}
	s.state = state
	return nil
}

func (s *SQLiteStore) persist(ctx context.Context, state *models.ConnectorState) error {
	sealed, err := s.sealer.sealState(state)
	if err != nil {
		return err
	}
	data, err := json.Marshal(sealed)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO connector_documents (id, document, updated_at)
		VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET document = excluded.document, updated_at = excluded.updated_at
	`
	if _, err := s.db.ExecContext(ctx, query, string(data), s.now()); err != nil {
		return &errors.ErrStore{Op: "write connector document", Err: err}
	}
	return nil
}

func (s *SQLiteStore) quarantine(ctx context.Context, document, reason string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO quarantined_documents (document, reason, quarantined_at) VALUES (?, ?, ?)",
		document, logging.Redact(reason), s.now())
	if err != nil {
		return &errors.ErrStore{Op: "quarantine connector document", Err: err}
	}
	return nil
}

func (s *SQLiteStore) pruneQuarantine(ctx context.Context) {
	cutoff := s.now().Add(-quarantineRetention)
	if _, err := s.db.ExecContext(ctx, "DELETE FROM quarantined_documents WHERE quarantined_at < ?", cutoff); err != nil {
		s.logger.Error("quarantine cleanup failed", "error", err.Error())
	}
}

// QuarantinedCount returns how many documents have been set aside.
func (s *SQLiteStore) QuarantinedCount(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM quarantined_documents").Scan(&n); err != nil {
		return 0, &errors.ErrStore{Op: "count quarantined documents", Err: err}
	}
	return n, nil
}

// Read returns a snapshot of the current state.
func (s *SQLiteStore) Read(ctx context.Context) (*models.ConnectorState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Clone(), nil
}

// Update applies mutate and persists the result before releasing the lock.
func (s *SQLiteStore) Update(ctx context.Context, mutate Mutator) (*models.ConnectorState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	next, err := apply(s.state, mutate, s.now())
	if err != nil {
		return nil, err
	}
	if err := s.persist(ctx, next); err != nil {
		return nil, err
	}
	s.state = next
	return next.Clone(), nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func isCorruptDatabase(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "not a database") || strings.Contains(msg, "malformed")
}

// quarantineFile renames the database and its WAL files aside.
func quarantineFile(dbPath string) (string, error) {
	aside := fmt.Sprintf("%s.corrupt-%d", dbPath, time.Now().Unix())
	if err := os.Rename(dbPath, aside); err != nil {
		return "", err
	}
	for _, suffix := range []string{"-wal", "-shm"} {
		_ = os.Remove(dbPath + suffix)
	}
	return aside, nil
}
