// Package usage records relayed prompts for accounting: per-key and
// per-user prompt counts plus token estimates, persisted asynchronously to
// SQLite so the response path never waits on disk.
package usage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	log "github.com/IHaBiS02/oai-reverse-proxy/internal/logging"
	_ "modernc.org/sqlite"
)

// Record is one relayed prompt.
type Record struct {
	Provider         string
	Model            string
	KeyHash          string
	UserToken        string
	Route            string
	Streamed         bool
	RequestedAt      time.Time
	PromptTokens     int64
	CompletionTokens int64
	TotalTokens      int64
}

// Store handles SQLite persistence for prompt records with async batched
// writes.
type Store struct {
	db            *sql.DB
	recordChan    chan Record
	flushTicker   *time.Ticker
	wg            sync.WaitGroup
	stopOnce      sync.Once
	stopChan      chan struct{}
	batchSize     int
	retentionDays int
	cleanupTicker *time.Ticker
	dbPath        string
}

const (
	defaultBatchSize         = 100
	defaultFlushInterval     = 5 * time.Second
	defaultRetentionDays     = 30
	defaultChannelBufferSize = 1000
)

// NewStore opens (or creates) the prompt database and starts the background
// writer and cleanup workers.
func NewStore(dbPath string, batchSize, flushIntervalSecs, retentionDays int) (*Store, error) {
	if dbPath == "" {
		return nil, fmt.Errorf("database path cannot be empty")
	}

	if strings.HasPrefix(dbPath, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		dbPath = filepath.Join(home, dbPath[1:])
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_cache_size=-64000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite works best with a single writer connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	if flushIntervalSecs <= 0 {
		flushIntervalSecs = int(defaultFlushInterval.Seconds())
	}
	if retentionDays <= 0 {
		retentionDays = defaultRetentionDays
	}

	s := &Store{
		db:            db,
		recordChan:    make(chan Record, defaultChannelBufferSize),
		flushTicker:   time.NewTicker(time.Duration(flushIntervalSecs) * time.Second),
		stopChan:      make(chan struct{}),
		batchSize:     batchSize,
		retentionDays: retentionDays,
		cleanupTicker: time.NewTicker(24 * time.Hour),
		dbPath:        dbPath,
	}

	s.wg.Add(2)
	go s.writeLoop()
	go s.cleanupLoop()

	return s, nil
}

func initSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS prompt_records (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		provider TEXT NOT NULL,
		model TEXT NOT NULL,
		key_hash TEXT NOT NULL DEFAULT '',
		user_token TEXT NOT NULL DEFAULT '',
		route TEXT NOT NULL DEFAULT '',
		streamed BOOLEAN NOT NULL DEFAULT 0,
		requested_at TIMESTAMP NOT NULL,
		prompt_tokens INTEGER NOT NULL DEFAULT 0,
		completion_tokens INTEGER NOT NULL DEFAULT 0,
		total_tokens INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_prompt_requested_at ON prompt_records(requested_at);
	CREATE INDEX IF NOT EXISTS idx_prompt_key_hash ON prompt_records(key_hash);
	CREATE INDEX IF NOT EXISTS idx_prompt_user_token ON prompt_records(user_token);
	`

	if _, err := db.Exec(schema); err != nil {
		return err
	}
	return migrateSchema(db)
}

// migrateSchema adds columns introduced after the initial schema. Duplicate
// column errors mean the column already exists and are ignored.
func migrateSchema(db *sql.DB) error {
	migrations := []string{
		"streamed BOOLEAN NOT NULL DEFAULT 0",
		"total_tokens INTEGER NOT NULL DEFAULT 0",
	}

	for _, colDef := range migrations {
		_, err := db.Exec("ALTER TABLE prompt_records ADD COLUMN " + colDef)
		if err != nil {
			if strings.Contains(err.Error(), "duplicate column name") {
				continue
			}
			return fmt.Errorf("migration failed for [%s]: %w", colDef, err)
		}
		log.Infof("Added column %s to prompt_records table", strings.Fields(colDef)[0])
	}
	return nil
}

// Enqueue adds a prompt record to the persistence queue. Non-blocking; the
// record is dropped with a warning when the queue is full.
func (s *Store) Enqueue(record Record) {
	if s == nil {
		return
	}
	select {
	case s.recordChan <- record:
	default:
		log.Warnf("Prompt persistence queue full, dropping record for %s/%s", record.Provider, record.Model)
	}
}

func (s *Store) writeLoop() {
	defer s.wg.Done()

	batch := make([]Record, 0, s.batchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := s.writeBatch(batch); err != nil {
			log.Errorf("Failed to write prompt batch: %v", err)
		}
		batch = batch[:0]
	}

	for {
		select {
		case record := <-s.recordChan:
			batch = append(batch, record)
			if len(batch) >= s.batchSize {
				flush()
			}
		case <-s.flushTicker.C:
			flush()
		case <-s.stopChan:
			// Drain remaining records before shutting down.
			for {
				select {
				case record := <-s.recordChan:
					batch = append(batch, record)
					if len(batch) >= s.batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

func (s *Store) writeBatch(records []Record) error {
	if len(records) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO prompt_records (
			provider, model, key_hash, user_token, route, streamed,
			requested_at, prompt_tokens, completion_tokens, total_tokens
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, record := range records {
		_, err := stmt.ExecContext(ctx,
			record.Provider,
			record.Model,
			record.KeyHash,
			record.UserToken,
			record.Route,
			record.Streamed,
			record.RequestedAt,
			record.PromptTokens,
			record.CompletionTokens,
			record.TotalTokens,
		)
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to insert record: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *Store) cleanupLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.cleanupTicker.C:
			if err := s.cleanup(); err != nil {
				log.Errorf("Failed to cleanup old prompt records: %v", err)
			}
		case <-s.stopChan:
			return
		}
	}
}

func (s *Store) cleanup() error {
	cutoffTime := time.Now().AddDate(0, 0, -s.retentionDays)

	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Minute)
	defer cancel()

	result, err := s.db.ExecContext(ctx, `
		DELETE FROM prompt_records WHERE requested_at < ?
	`, cutoffTime)
	if err != nil {
		return err
	}

	if rows, _ := result.RowsAffected(); rows > 0 {
		log.Infof("Cleaned up %d prompt records older than %d days", rows, s.retentionDays)
	}
	return nil
}

// UserCounts aggregates per-user prompt counts from the retained records.
// It feeds the in-memory counters at startup so counts survive restarts.
func (s *Store) UserCounts(ctx context.Context) (map[string]int64, error) {
	cutoffTime := time.Now().AddDate(0, 0, -s.retentionDays)
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_token, COUNT(*) FROM prompt_records
		WHERE requested_at >= ? AND user_token != ''
		GROUP BY user_token
	`, cutoffTime)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate user counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var token string
		var n int64
		if err := rows.Scan(&token, &n); err != nil {
			return nil, fmt.Errorf("failed to scan user count: %w", err)
		}
		counts[token] = n
	}
	return counts, rows.Err()
}

// Stop flushes pending writes and closes the database.
func (s *Store) Stop() error {
	if s == nil {
		return nil
	}

	var err error
	s.stopOnce.Do(func() {
		close(s.stopChan)
		s.flushTicker.Stop()
		s.cleanupTicker.Stop()
		s.wg.Wait()
		if s.db != nil {
			err = s.db.Close()
		}
	})
	return err
}

// DBPath returns the filesystem path to the SQLite database.
func (s *Store) DBPath() string {
	if s == nil {
		return ""
	}
	return s.dbPath
}
