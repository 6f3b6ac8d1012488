package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/MarcoPoloResearchLab/companion-sync/internal/schema"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const connectionPragmas = "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"

var (
	// ErrStoreClosed is returned by operations attempted after Close.
	ErrStoreClosed = errors.New("database: store is closed")
	errMissingPath = errors.New("database path is required")
)

// Store is the local relational store. It is opened once, handed to every
// component that needs it, and closed when the host shuts down.
type Store struct {
	db     *gorm.DB
	sqlDB  *sql.DB
	logger *zap.Logger

	mu           sync.Mutex
	closed       bool
	relaxedDepth int
}

// Open establishes the SQLite connection, enables foreign keys and migrates the schema.
func Open(path string, logger *zap.Logger) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errMissingPath
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := gorm.Open(sqlite.Open(withPragmas(path)), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// The foreign key pragma is per connection; a single connection keeps it
	// consistent for every statement of a synchronization pass.
	sqlDB.SetMaxOpenConns(1)

	if err := db.Exec("PRAGMA foreign_keys = ON").Error; err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	if err := db.AutoMigrate(append(schema.Models(), &migrationRecord{})...); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	if err := applyMigrations(db, logger); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	logger.Info("database initialized", zap.String("path", path))

	return &Store{db: db, sqlDB: sqlDB, logger: logger}, nil
}

func withPragmas(path string) string {
	if strings.Contains(path, "?") {
		return path + "&" + connectionPragmas
	}
	return path + "?" + connectionPragmas
}

// DB returns the gorm handle bound to ctx.
func (s *Store) DB(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx)
}

// Close releases the connection. Calling it twice is harmless.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.sqlDB.Close()
}

// Closed reports whether Close was called.
func (s *Store) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// WithRelaxedForeignKeys runs fn with foreign key enforcement switched off and
// switches it back on however fn returns, including by panic. Nested calls only
// toggle enforcement at the outermost level.
func (s *Store) WithRelaxedForeignKeys(ctx context.Context, fn func(db *gorm.DB) error) (err error) {
	if s.Closed() {
		return ErrStoreClosed
	}

	s.mu.Lock()
	outermost := s.relaxedDepth == 0
	s.relaxedDepth++
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.relaxedDepth--
		s.mu.Unlock()
	}()

	if outermost {
		if execErr := s.db.WithContext(ctx).Exec("PRAGMA foreign_keys = OFF").Error; execErr != nil {
			return fmt.Errorf("relax foreign keys: %w", execErr)
		}
		defer func() {
			// Restore with a fresh context so a cancelled pass still re-enables enforcement.
			if restoreErr := s.db.Exec("PRAGMA foreign_keys = ON").Error; restoreErr != nil {
				s.logger.Error("failed to restore foreign keys", zap.Error(restoreErr))
				err = errors.Join(err, fmt.Errorf("restore foreign keys: %w", restoreErr))
			}
		}()
	}

	return fn(s.db.WithContext(ctx))
}

// ForeignKeysEnabled reports the current enforcement state.
func (s *Store) ForeignKeysEnabled(ctx context.Context) (bool, error) {
	var enabled int
	row := s.db.WithContext(ctx).Raw("PRAGMA foreign_keys").Row()
	if err := row.Scan(&enabled); err != nil {
		return false, err
	}
	return enabled == 1, nil
}
