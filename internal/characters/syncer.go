// Package characters synchronizes the user owned character aggregates: a
// character row and its deck, skill and capability rows.
package characters

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/companion-sync/internal/freshness"
	"github.com/MarcoPoloResearchLab/companion-sync/internal/identity"
	"github.com/MarcoPoloResearchLab/companion-sync/internal/remote"
	"github.com/MarcoPoloResearchLab/companion-sync/internal/schema"
	"github.com/MarcoPoloResearchLab/companion-sync/internal/syncerr"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opSyncerNew = "characters.syncer.new"
	opPushOwned = "characters.push_owned"
	opImport    = "characters.import_owned"

	columnLastSyncAt = "last_sync_at"
)

var characterFields = []string{
	"user_id",
	"name",
	"level",
	"profession_id",
	"hobby_id",
	"strange_path_id",
	"health",
	"max_health",
	"notes",
	"updated_at",
}

// catalogReference is a column resolved through the catalog's distant_id
// before it leaves the device.
type catalogReference struct {
	column string
	table  string
}

var characterReferences = []catalogReference{
	{column: "profession_id", table: schema.TableProfessions},
	{column: "hobby_id", table: schema.TableHobbies},
	{column: "strange_path_id", table: schema.TableStrangePaths},
}

// dependent describes a child table of the character aggregate.
type dependent struct {
	table      string
	fields     []string
	references []catalogReference
}

var (
	decksDependent = dependent{
		table:  schema.TableCharacterDecks,
		fields: []string{"character_id", "suit", "cards"},
	}
	skillsDependent = dependent{
		table:      schema.TableCharacterSkills,
		fields:     []string{"character_id", "skill_id", "level"},
		references: []catalogReference{{column: "skill_id", table: schema.TableSkills}},
	}
	capabilitiesDependent = dependent{
		table:      schema.TableCharacterCapabilities,
		fields:     []string{"character_id", "capability_id", "level"},
		references: []catalogReference{{column: "capability_id", table: schema.TableCapabilities}},
	}
	dependents = []dependent{decksDependent, skillsDependent, capabilitiesDependent}
)

// SyncerConfig wires the dependencies of a Syncer.
type SyncerConfig struct {
	Store  Store
	Remote remote.Service
	Clock  func() time.Time
	Logger *zap.Logger
}

// Syncer pushes local characters to the record service and imports remote ones.
type Syncer struct {
	store  Store
	remote remote.Service
	pusher *identity.Pusher
	clock  func() time.Time
	logger *zap.Logger
}

// NewSyncer validates the configuration.
func NewSyncer(cfg SyncerConfig) (*Syncer, error) {
	if cfg.Store == nil {
		return nil, syncerr.Invariant(opSyncerNew, "missing_store", errMissingStore)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	pusher, err := identity.NewPusher(identity.PusherConfig{Store: cfg.Store, Remote: cfg.Remote, Logger: logger})
	if err != nil {
		return nil, syncerr.Invariant(opSyncerNew, "invalid_pusher", err)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Syncer{store: cfg.Store, remote: cfg.Remote, pusher: pusher, clock: clock, logger: logger}, nil
}

// PushResult summarizes one PushOwned call.
type PushResult struct {
	Characters identity.Result
	Dependents []identity.Result
	// Updated counts synced characters re-sent because of local edits.
	Updated  int
	Failures []identity.Failure
}

// FailureCount totals the rows left unsynced by the call.
func (r PushResult) FailureCount() int {
	count := len(r.Characters.Failures) + len(r.Failures)
	for _, result := range r.Dependents {
		count += len(result.Failures)
	}
	return count
}

// PushOwned exports local character state:
//   - characters never created remotely are created and acquire a remote id;
//   - synced characters edited since their last sync are updated in place;
//   - dependent rows still unsynced are created, but only under a character that
//     already has a remote id, with that id substituted for the local reference.
//
// Every row is handled on its own; a failure leaves it for the next pass.
func (s *Syncer) PushOwned(ctx context.Context) PushResult {
	stamp := freshness.FromTime(s.clock())
	var result PushResult

	result.Characters = s.pusher.PushUnsynced(ctx, identity.Spec{
		Table:          schema.TableCharacters,
		RemoteIDColumn: schema.ColumnRemoteID,
		Fields:         characterFields,
		Prepare: func(_ context.Context, db *gorm.DB, row identity.Row, payload remote.Record) error {
			if err := s.resolveReferences(db, characterReferences, row, payload); err != nil {
				return err
			}
			payload[columnLastSyncAt] = stamp.String()
			return nil
		},
		OnCreated: func(_ context.Context, db *gorm.DB, row identity.Row, _ int64) error {
			return markSynced(db, row["id"], stamp)
		},
	})

	updated, failures := s.pushEdited(ctx, stamp)
	result.Updated = updated
	result.Failures = failures

	for _, dep := range dependents {
		result.Dependents = append(result.Dependents, s.pusher.PushUnsynced(ctx, s.dependentSpec(dep)))
	}

	s.logger.Info("owned push finished",
		zap.Int("characters_created", result.Characters.Created),
		zap.Int("characters_updated", result.Updated),
		zap.Int("failures", result.FailureCount()))
	return result
}

func (s *Syncer) dependentSpec(dep dependent) identity.Spec {
	return identity.Spec{
		Table:          dep.table,
		RemoteIDColumn: schema.ColumnRemoteID,
		Fields:         dep.fields,
		Scope: func(db *gorm.DB) *gorm.DB {
			synced := db.Session(&gorm.Session{NewDB: true}).
				Table(schema.TableCharacters).
				Select("id").
				Where("remote_id <> 0")
			return db.Where("character_id IN (?)", synced)
		},
		Prepare: func(_ context.Context, db *gorm.DB, row identity.Row, payload remote.Record) error {
			return s.dependentPayload(db, dep, row, payload)
		},
	}
}

// dependentPayload substitutes the parent's remote id and resolves catalog
// references. A parent without a remote id is refused rather than pushed.
func (s *Syncer) dependentPayload(db *gorm.DB, dep dependent, row identity.Row, payload remote.Record) error {
	parentID, err := identity.RemoteIDOf(db, schema.TableCharacters, "id", schema.ColumnRemoteID, row["character_id"])
	if err != nil {
		return err
	}
	payload["character_id"] = parentID
	return s.resolveReferences(db, dep.references, row, payload)
}

// resolveReferences swaps local catalog ids for remote ones. A reference to an
// entry still waiting for its remote id refuses the row until a later pass. A
// reference to an entry that is gone (deleted by a pull, or an addition the
// server never accepted) can never resolve, so it is sent as 0.
func (s *Syncer) resolveReferences(db *gorm.DB, references []catalogReference, row identity.Row, payload remote.Record) error {
	for _, reference := range references {
		localID := remote.Record(row).Int64(reference.column)
		if localID == 0 {
			payload[reference.column] = int64(0)
			continue
		}
		remoteID, err := identity.RemoteIDOf(db, reference.table, "id", schema.ColumnDistantID, localID)
		if errors.Is(err, identity.ErrMissingRow) {
			s.logger.Warn("catalog reference no longer exists, sending it unset",
				zap.String("catalog_table", reference.table),
				zap.String("column", reference.column),
				zap.Int64("catalog_id", localID),
				zap.Any("row_id", row["id"]))
			payload[reference.column] = int64(0)
			continue
		}
		if err != nil {
			return err
		}
		payload[reference.column] = remoteID
	}
	return nil
}

// pushEdited re-sends synced characters whose updated_at is newer than their
// last_sync_at, together with their synced dependent rows.
func (s *Syncer) pushEdited(ctx context.Context, stamp freshness.Marker) (int, []identity.Failure) {
	db := s.store.DB(ctx)
	var rows []map[string]any
	err := db.Table(schema.TableCharacters).
		Where(clause.Neq{Column: clause.Column{Name: schema.ColumnRemoteID}, Value: 0}).
		Order("id").
		Find(&rows).Error
	if err != nil {
		classified := syncerr.Storage(opPushOwned, "select_edited_failed", err)
		s.logError(opPushOwned, "select_edited_failed", classified)
		return 0, []identity.Failure{{Kind: syncerr.KindStorage, Err: classified}}
	}

	updated := 0
	var failures []identity.Failure
	for _, raw := range rows {
		row := identity.Row(raw)
		record := remote.Record(raw)
		if record.Int64("updated_at") <= int64(freshness.Parse(record[columnLastSyncAt])) {
			continue
		}
		if err := s.updateCharacter(ctx, db, row, stamp); err != nil {
			kind := syncerr.KindOf(err)
			s.logError(opPushOwned, "update_failed", err, zap.Any("character_id", row["id"]), zap.String("kind", string(kind)))
			failures = append(failures, identity.Failure{LocalID: row["id"], Kind: kind, Err: err})
			continue
		}
		updated++
	}
	return updated, failures
}

func (s *Syncer) updateCharacter(ctx context.Context, db *gorm.DB, row identity.Row, stamp freshness.Marker) error {
	payload := make(remote.Record, len(characterFields)+1)
	for _, field := range characterFields {
		payload[field] = row[field]
	}
	if err := s.resolveReferences(db, characterReferences, row, payload); err != nil {
		return err
	}
	payload[columnLastSyncAt] = stamp.String()

	remoteID := remote.Record(row).Int64(schema.ColumnRemoteID)
	if _, err := s.remote.Update(ctx, schema.TableCharacters, remoteID, payload); err != nil {
		return err
	}

	for _, dep := range dependents {
		if err := s.updateDependents(ctx, db, dep, row["id"]); err != nil {
			return err
		}
	}
	return markSynced(db, row["id"], stamp)
}

func (s *Syncer) updateDependents(ctx context.Context, db *gorm.DB, dep dependent, characterID any) error {
	var rows []map[string]any
	err := db.Table(dep.table).
		Where("character_id = ?", characterID).
		Where(clause.Neq{Column: clause.Column{Name: schema.ColumnRemoteID}, Value: 0}).
		Find(&rows).Error
	if err != nil {
		return syncerr.Storage(opPushOwned, "select_dependents_failed", err)
	}
	for _, raw := range rows {
		payload := make(remote.Record, len(dep.fields))
		for _, field := range dep.fields {
			payload[field] = raw[field]
		}
		if err := s.dependentPayload(db, dep, identity.Row(raw), payload); err != nil {
			return err
		}
		if _, err := s.remote.Update(ctx, dep.table, remote.Record(raw).Int64(schema.ColumnRemoteID), payload); err != nil {
			return err
		}
	}
	return nil
}

func markSynced(db *gorm.DB, characterID any, stamp freshness.Marker) error {
	err := db.Table(schema.TableCharacters).
		Where("id = ?", characterID).
		Update(columnLastSyncAt, stamp.String()).Error
	if err != nil {
		return syncerr.Storage(opPushOwned, "mark_synced_failed", err)
	}
	return nil
}

// HasUnsyncedDependents reports whether a synced character still owns rows that
// were never created remotely.
func (s *Syncer) HasUnsyncedDependents(ctx context.Context) (bool, error) {
	return hasUnsyncedDependents(s.store.DB(ctx))
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
	s.logger.Warn("owned sync failure", attrs...)
}
