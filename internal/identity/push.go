// Package identity maintains the mapping between local row ids and the ids the
// record service assigns, and pushes rows that have not been created remotely yet.
package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/companion-sync/internal/remote"
	"github.com/MarcoPoloResearchLab/companion-sync/internal/syncerr"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opPushUnsynced = "identity.push_unsynced"
	opResolve      = "identity.resolve"

	defaultLocalIDColumn = "id"
)

var (
	errMissingStore   = errors.New("local store is required")
	errMissingRemote  = errors.New("record service is required")
	errMissingTable   = errors.New("table is required")
	errMissingColumn  = errors.New("remote id column is required")
	errUnsyncedTarget = errors.New("referenced row has no remote id yet")
)

// ErrMissingRow marks a reference to a row that no longer exists locally, as
// opposed to one that exists but still waits for its remote id.
var ErrMissingRow = errors.New("referenced row does not exist locally")

// Store exposes the local database handle.
type Store interface {
	DB(ctx context.Context) *gorm.DB
}

// Row is a local row read generically.
type Row map[string]any

// Spec describes one table to push.
type Spec struct {
	// Table is the local table; RemoteTable defaults to it.
	Table       string
	RemoteTable string
	// LocalIDColumn defaults to "id".
	LocalIDColumn  string
	RemoteIDColumn string
	// Fields are copied from the row into the creation payload.
	Fields []string
	// Scope narrows the selected rows, e.g. to the children of one parent.
	Scope func(db *gorm.DB) *gorm.DB
	// Prepare may rewrite payload values (foreign key resolution) or refuse the row.
	Prepare func(ctx context.Context, db *gorm.DB, row Row, payload remote.Record) error
	// OnCreated runs after the remote id has been written back.
	OnCreated func(ctx context.Context, db *gorm.DB, row Row, remoteID int64) error
}

// Failure records a row left unsynced.
type Failure struct {
	LocalID any
	Kind    syncerr.Kind
	Err     error
}

// Result summarizes one PushUnsynced call.
type Result struct {
	Table    string
	Selected int
	Created  int
	Failures []Failure
}

// Failed reports whether at least one row was left unsynced.
func (r Result) Failed() bool {
	return len(r.Failures) > 0
}

// PusherConfig wires the dependencies of a Pusher.
type PusherConfig struct {
	Store  Store
	Remote remote.Service
	Logger *zap.Logger
}

// Pusher creates unsynced rows remotely and records the assigned ids.
type Pusher struct {
	store  Store
	remote remote.Service
	logger *zap.Logger
}

// NewPusher validates the configuration.
func NewPusher(cfg PusherConfig) (*Pusher, error) {
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
	return &Pusher{store: cfg.Store, remote: cfg.Remote, logger: logger}, nil
}

// PushUnsynced creates every row of spec.Table whose remote id is still 0 or NULL.
// Rows are handled independently: a failure leaves that row at 0 for the next call
// and never prevents attempts on the others. Rows that already carry a remote id
// are never selected, so repeated calls are safe.
func (p *Pusher) PushUnsynced(ctx context.Context, spec Spec) Result {
	result := Result{Table: spec.Table}
	if err := spec.validate(); err != nil {
		p.logError(spec.Table, "invalid_spec", err)
		result.Failures = append(result.Failures, Failure{Kind: syncerr.KindInvariant, Err: err})
		return result
	}
	localColumn := spec.localIDColumn()
	remoteTable := spec.remoteTable()

	db := p.store.DB(ctx)
	query := db.Table(spec.Table).Where(Unsynced(spec.RemoteIDColumn))
	if spec.Scope != nil {
		query = spec.Scope(query)
	}
	var rows []map[string]any
	if err := query.Order(clause.OrderByColumn{Column: clause.Column{Name: localColumn}}).Find(&rows).Error; err != nil {
		classified := syncerr.Storage(opPushUnsynced, "select_failed", err)
		p.logError(spec.Table, "select_failed", classified)
		result.Failures = append(result.Failures, Failure{Kind: syncerr.KindStorage, Err: classified})
		return result
	}
	result.Selected = len(rows)

	for _, raw := range rows {
		row := Row(raw)
		localID := row[localColumn]

		payload := make(remote.Record, len(spec.Fields))
		for _, field := range spec.Fields {
			payload[field] = row[field]
		}
		if spec.Prepare != nil {
			if err := spec.Prepare(ctx, db, row, payload); err != nil {
				result.Failures = append(result.Failures, p.rowFailure(spec.Table, localID, "prepare_failed", err))
				continue
			}
		}

		remoteID, err := p.remote.Create(ctx, remoteTable, payload)
		if err != nil {
			result.Failures = append(result.Failures, p.rowFailure(spec.Table, localID, "create_failed", err))
			continue
		}

		err = db.Table(spec.Table).
			Where(clause.Eq{Column: clause.Column{Name: localColumn}, Value: localID}).
			Update(spec.RemoteIDColumn, remoteID).Error
		if err != nil {
			classified := syncerr.Storage(opPushUnsynced, "write_back_failed", err)
			result.Failures = append(result.Failures, p.rowFailure(spec.Table, localID, "write_back_failed", classified))
			continue
		}
		result.Created++

		if spec.OnCreated != nil {
			if err := spec.OnCreated(ctx, db, row, remoteID); err != nil {
				p.logError(spec.Table, "on_created_failed", err,
					zap.Any("local_id", localID),
					zap.Int64("remote_id", remoteID))
			}
		}

		p.logger.Debug("row created remotely",
			zap.String("table", spec.Table),
			zap.Any("local_id", localID),
			zap.Int64("remote_id", remoteID))
	}

	return result
}

// Unsynced matches rows whose remote id column holds the 0 sentinel or NULL.
func Unsynced(remoteIDColumn string) clause.Expression {
	column := clause.Column{Name: remoteIDColumn}
	return clause.Or(
		clause.Eq{Column: column, Value: 0},
		clause.Eq{Column: column, Value: nil},
	)
}

// RemoteIDOf returns the remote id of the row of table whose localColumn equals
// localID. A row that exists but is not synced yet yields an invariant error; a
// row that does not exist yields one wrapping ErrMissingRow.
func RemoteIDOf(db *gorm.DB, table, localColumn, remoteColumn string, localID any) (int64, error) {
	var remoteIDs []int64
	err := db.Table(table).
		Where(clause.Eq{Column: clause.Column{Name: localColumn}, Value: localID}).
		Limit(1).
		Pluck(remoteColumn, &remoteIDs).Error
	if err != nil {
		return 0, syncerr.Storage(opResolve, "lookup_failed", err)
	}
	if len(remoteIDs) == 0 {
		return 0, syncerr.Invariant(opResolve, "missing_row", fmt.Errorf("%w: %s %s=%v", ErrMissingRow, table, localColumn, localID))
	}
	if remoteIDs[0] == 0 {
		return 0, syncerr.Invariant(opResolve, "unsynced_reference", fmt.Errorf("%w: %s %v", errUnsyncedTarget, table, localID))
	}
	return remoteIDs[0], nil
}

func (s Spec) validate() error {
	if s.Table == "" {
		return errMissingTable
	}
	if s.RemoteIDColumn == "" {
		return errMissingColumn
	}
	return nil
}

func (s Spec) localIDColumn() string {
	if s.LocalIDColumn == "" {
		return defaultLocalIDColumn
	}
	return s.LocalIDColumn
}

func (s Spec) remoteTable() string {
	if s.RemoteTable == "" {
		return s.Table
	}
	return s.RemoteTable
}

func (p *Pusher) rowFailure(table string, localID any, reason string, err error) Failure {
	kind := syncerr.KindOf(err)
	p.logError(table, reason, err, zap.Any("local_id", localID), zap.String("kind", string(kind)))
	return Failure{LocalID: localID, Kind: kind, Err: err}
}

func (p *Pusher) logError(table, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", opPushUnsynced),
		zap.String("reason", reason),
		zap.String("table", table),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	p.logger.Warn("row left unsynced", attrs...)
}
