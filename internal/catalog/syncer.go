// Package catalog keeps the server owned reference tables in step with the
// record service.
package catalog

import (
	"context"
	"errors"

	"github.com/MarcoPoloResearchLab/companion-sync/internal/identity"
	"github.com/MarcoPoloResearchLab/companion-sync/internal/remote"
	"github.com/MarcoPoloResearchLab/companion-sync/internal/schema"
	"github.com/MarcoPoloResearchLab/companion-sync/internal/syncerr"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opPull          = "catalog.pull"
	opPushAdditions = "catalog.push_additions"
	opAdd           = "catalog.add"
)

var (
	errMissingStore  = errors.New("local store is required")
	errMissingRemote = errors.New("record service is required")
)

// Store is the subset of the local store the catalog needs.
type Store interface {
	DB(ctx context.Context) *gorm.DB
	WithRelaxedForeignKeys(ctx context.Context, fn func(db *gorm.DB) error) error
}

// TableFailure records a reference table left untouched by a pull.
type TableFailure struct {
	Table string
	Kind  syncerr.Kind
	Err   error
}

// PullResult summarizes one Pull.
type PullResult struct {
	// Replaced maps each rebuilt table to its new row count.
	Replaced map[string]int
	Failures []TableFailure
}

// Config wires the dependencies of a Syncer.
type Config struct {
	Store  Store
	Remote remote.Service
	Logger *zap.Logger
}

// Syncer pushes user submitted catalog entries and pulls the reference tables.
type Syncer struct {
	store  Store
	remote remote.Service
	pusher *identity.Pusher
	logger *zap.Logger
}

// NewSyncer validates the configuration.
func NewSyncer(cfg Config) (*Syncer, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Remote == nil {
		return nil, errMissingRemote
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	pusher, err := identity.NewPusher(identity.PusherConfig{Store: cfg.Store, Remote: cfg.Remote, Logger: logger})
	if err != nil {
		return nil, err
	}
	return &Syncer{store: cfg.Store, remote: cfg.Remote, pusher: pusher, logger: logger}, nil
}

// PushAdditions creates user submitted professions and hobbies remotely, then
// their skill links. It must run before Pull: a pull deletes every local row,
// including additions that were never pushed. Entries created by an earlier
// pass whose re-key did not complete are re-keyed first.
func (s *Syncer) PushAdditions(ctx context.Context) []identity.Result {
	results := make([]identity.Result, 0, 2*len(additionTables))
	for _, addition := range additionTables {
		if stranded := s.rekeyStranded(ctx, addition); stranded.Selected > 0 || stranded.Failed() {
			results = append(results, stranded)
		}
	}
	for _, addition := range additionTables {
		results = append(results, s.pusher.PushUnsynced(ctx, s.entrySpec(addition)))
	}
	for _, addition := range additionTables {
		results = append(results, s.pusher.PushUnsynced(ctx, s.linkSpec(addition)))
	}
	return results
}

func (s *Syncer) entrySpec(addition additionTable) identity.Spec {
	return identity.Spec{
		Table:          addition.entries.name,
		RemoteIDColumn: schema.ColumnDistantID,
		Fields:         addition.entries.fieldNames(),
		OnCreated: func(ctx context.Context, _ *gorm.DB, row identity.Row, remoteID int64) error {
			return s.rekeyEntry(ctx, addition, row["id"], remoteID)
		},
	}
}

func (s *Syncer) linkSpec(addition additionTable) identity.Spec {
	return identity.Spec{
		Table:          addition.links.name,
		RemoteIDColumn: schema.ColumnDistantID,
		Fields:         addition.links.fieldNames(),
		Prepare: func(_ context.Context, db *gorm.DB, row identity.Row, payload remote.Record) error {
			entryID, err := identity.RemoteIDOf(db, addition.entries.name, "id", schema.ColumnDistantID, row[addition.linkColumn])
			if err != nil {
				return err
			}
			skillID, err := identity.RemoteIDOf(db, schema.TableSkills, "id", schema.ColumnDistantID, row["skill_id"])
			if err != nil {
				return err
			}
			payload[addition.linkColumn] = entryID
			payload["skill_id"] = skillID
			return nil
		},
		OnCreated: func(ctx context.Context, db *gorm.DB, row identity.Row, remoteID int64) error {
			return db.Table(addition.links.name).
				Where(clause.Eq{Column: clause.Column{Name: "id"}, Value: row["id"]}).
				Update("id", remoteID).Error
		},
	}
}

// Pull rebuilds every reference table from the record service in dependency
// order with local id := remote id. Foreign key enforcement is relaxed for the
// whole pull and restored afterwards. A table whose fetch or rebuild fails keeps
// its previous rows and the pull moves on.
func (s *Syncer) Pull(ctx context.Context) PullResult {
	result := PullResult{Replaced: make(map[string]int, len(pullOrder))}

	err := s.store.WithRelaxedForeignKeys(ctx, func(db *gorm.DB) error {
		for _, descriptor := range pullOrder {
			count, err := s.pullTable(ctx, db, descriptor)
			if err != nil {
				kind := syncerr.KindOf(err)
				s.logError(opPull, "table_skipped", err, zap.String("table", descriptor.name), zap.String("kind", string(kind)))
				result.Failures = append(result.Failures, TableFailure{Table: descriptor.name, Kind: kind, Err: err})
				continue
			}
			result.Replaced[descriptor.name] = count
		}
		return nil
	})
	if err != nil {
		classified := syncerr.Storage(opPull, "relax_foreign_keys_failed", err)
		s.logError(opPull, "relax_foreign_keys_failed", classified)
		result.Failures = append(result.Failures, TableFailure{Kind: syncerr.KindStorage, Err: classified})
	}
	return result
}

func (s *Syncer) pullTable(ctx context.Context, db *gorm.DB, descriptor table) (int, error) {
	records, err := s.remote.List(ctx, descriptor.name)
	if err != nil {
		return 0, err
	}
	rows, err := descriptor.localRows(records)
	if err != nil {
		return 0, syncerr.New(syncerr.KindMalformed, opPull, "missing_id", err)
	}

	err = db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec("DELETE FROM ?", clause.Table{Name: descriptor.name}).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		return tx.Table(descriptor.name).Create(&rows).Error
	})
	if err != nil {
		return 0, syncerr.Storage(opPull, "replace_failed", err)
	}

	s.logger.Debug("catalog table replaced",
		zap.String("table", descriptor.name),
		zap.Int("rows", len(rows)))
	return len(rows), nil
}

func (s *Syncer) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Warn("catalog sync failure", attrs...)
}
