package catalog

import (
	"context"
	"errors"
	"strings"

	"github.com/MarcoPoloResearchLab/companion-sync/internal/identity"
	"github.com/MarcoPoloResearchLab/companion-sync/internal/schema"
	"github.com/MarcoPoloResearchLab/companion-sync/internal/syncerr"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var errMissingName = errors.New("name is required")

// additionTable pairs a user extensible catalog table with its skill links and
// the character column that references it.
type additionTable struct {
	entries         table
	links           table
	linkColumn      string
	characterColumn string
}

var (
	professionAdditions = additionTable{
		entries:         professionsTable,
		links:           professionSkillsTable,
		linkColumn:      "profession_id",
		characterColumn: "profession_id",
	}
	hobbyAdditions = additionTable{
		entries:         hobbiesTable,
		links:           hobbySkillsTable,
		linkColumn:      "hobby_id",
		characterColumn: "hobby_id",
	}
	additionTables = []additionTable{professionAdditions, hobbyAdditions}
)

// Addition is a user submitted profession or hobby.
type Addition struct {
	Name        string
	Description string
	// SkillIDs are local ids of skills already present in the catalog.
	SkillIDs []int64
}

// AddProfession records a user submitted profession and its skills. The returned
// id is negative until the profession has been pushed.
func (s *Syncer) AddProfession(ctx context.Context, addition Addition) (int64, error) {
	return s.add(ctx, professionAdditions, addition)
}

// AddHobby records a user submitted hobby and its skills.
func (s *Syncer) AddHobby(ctx context.Context, addition Addition) (int64, error) {
	return s.add(ctx, hobbyAdditions, addition)
}

func (s *Syncer) add(ctx context.Context, target additionTable, addition Addition) (int64, error) {
	name := strings.TrimSpace(addition.Name)
	if name == "" {
		return 0, syncerr.Invariant(opAdd, "missing_name", errMissingName)
	}

	var entryID int64
	err := s.store.DB(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		entryID, err = nextLocalID(tx, target.entries.name)
		if err != nil {
			return err
		}
		entry := map[string]any{
			"id":                   entryID,
			schema.ColumnDistantID: 0,
			"name":                 name,
			"description":          addition.Description,
			"user_submitted":       true,
		}
		if err := tx.Table(target.entries.name).Create(entry).Error; err != nil {
			return err
		}

		for _, skillID := range addition.SkillIDs {
			linkID, err := nextLocalID(tx, target.links.name)
			if err != nil {
				return err
			}
			link := map[string]any{
				"id":                   linkID,
				schema.ColumnDistantID: 0,
				target.linkColumn:      entryID,
				"skill_id":             skillID,
			}
			if err := tx.Table(target.links.name).Create(link).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		classified := syncerr.Storage(opAdd, "insert_failed", err)
		s.logError(opAdd, "insert_failed", classified, zap.String("table", target.entries.name))
		return 0, classified
	}
	return entryID, nil
}

// nextLocalID allocates an id below every existing one and below zero, so it can
// never collide with an id assigned by the server.
func nextLocalID(tx *gorm.DB, tableName string) (int64, error) {
	var lowest int64
	err := tx.Table(tableName).Select("COALESCE(MIN(id), 0)").Scan(&lowest).Error
	if err != nil {
		return 0, err
	}
	if lowest > 0 {
		lowest = 0
	}
	return lowest - 1, nil
}

// rekeyEntry moves a freshly pushed entry from its negative local id to its
// remote id and rewrites every local reference to it, so later pushes and the
// next pull agree with the server even if the pull of this table fails.
func (s *Syncer) rekeyEntry(ctx context.Context, target additionTable, localID any, remoteID int64) error {
	err := s.store.WithRelaxedForeignKeys(ctx, func(db *gorm.DB) error {
		return db.Transaction(func(tx *gorm.DB) error {
			if err := tx.Table(target.entries.name).
				Where(clause.Eq{Column: clause.Column{Name: "id"}, Value: localID}).
				Update("id", remoteID).Error; err != nil {
				return err
			}
			if err := tx.Table(target.links.name).
				Where(clause.Eq{Column: clause.Column{Name: target.linkColumn}, Value: localID}).
				Update(target.linkColumn, remoteID).Error; err != nil {
				return err
			}
			return tx.Table(schema.TableCharacters).
				Where(clause.Eq{Column: clause.Column{Name: target.characterColumn}, Value: localID}).
				Update(target.characterColumn, remoteID).Error
		})
	})
	if err != nil {
		return syncerr.Storage(opPushAdditions, "rekey_failed", err)
	}
	return nil
}

type strandedEntry struct {
	ID        int64 `gorm:"column:id"`
	DistantID int64 `gorm:"column:distant_id"`
}

// rekeyStranded finishes re-keys interrupted after the remote id was written
// back: those entries still carry a negative id next to their distant_id, and
// a pull would otherwise drop them while local rows still point at them.
func (s *Syncer) rekeyStranded(ctx context.Context, target additionTable) identity.Result {
	result := identity.Result{Table: target.entries.name}
	var entries []strandedEntry
	err := s.store.DB(ctx).Table(target.entries.name).
		Select("id", schema.ColumnDistantID).
		Where(clause.Lt{Column: clause.Column{Name: "id"}, Value: 0}).
		Where(clause.Neq{Column: clause.Column{Name: schema.ColumnDistantID}, Value: 0}).
		Order("id").
		Find(&entries).Error
	if err != nil {
		classified := syncerr.Storage(opPushAdditions, "select_stranded_failed", err)
		s.logError(opPushAdditions, "select_stranded_failed", classified, zap.String("table", target.entries.name))
		result.Failures = append(result.Failures, identity.Failure{Kind: syncerr.KindStorage, Err: classified})
		return result
	}
	result.Selected = len(entries)

	for _, entry := range entries {
		if err := s.rekeyEntry(ctx, target, entry.ID, entry.DistantID); err != nil {
			s.logError(opPushAdditions, "rekey_failed", err,
				zap.String("table", target.entries.name),
				zap.Int64("local_id", entry.ID),
				zap.Int64("remote_id", entry.DistantID))
			result.Failures = append(result.Failures, identity.Failure{LocalID: entry.ID, Kind: syncerr.KindOf(err), Err: err})
		}
	}
	return result
}
