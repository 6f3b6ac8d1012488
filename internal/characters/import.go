package characters

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"

	"github.com/MarcoPoloResearchLab/companion-sync/internal/freshness"
	"github.com/MarcoPoloResearchLab/companion-sync/internal/identity"
	"github.com/MarcoPoloResearchLab/companion-sync/internal/remote"
	"github.com/MarcoPoloResearchLab/companion-sync/internal/schema"
	"github.com/MarcoPoloResearchLab/companion-sync/internal/syncerr"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var errMissingUserID = errors.New("user identifier is required")

// ImportResult summarizes one ImportOwned call.
type ImportResult struct {
	Imported int
	Removed  int
	Failures []identity.Failure
}

// ImportOwned replaces the local state of userID's characters with the remote
// snapshot. Each remote character overwrites the local one sharing its remote
// id, or is inserted under a local id derived from the remote id, and its three
// dependent collections are deleted and reinserted. Local characters that were
// synced before but no longer exist remotely are removed; never synced ones are
// kept. A character whose fetch or replace fails keeps its local state.
func (s *Syncer) ImportOwned(ctx context.Context, userID string) (ImportResult, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return ImportResult{}, syncerr.Invariant(opImport, "missing_user_id", errMissingUserID)
	}

	records, err := s.remote.List(ctx, schema.TableCharacters, remote.Eq("user_id", userID))
	if err != nil {
		s.logError(opImport, "list_characters_failed", err, zap.String("user_id", userID))
		return ImportResult{}, err
	}

	var result ImportResult
	remoteIDs := make([]int64, 0, len(records))
	for _, record := range records {
		remoteID := record.ID()
		if remoteID <= 0 {
			malformed := syncerr.New(syncerr.KindMalformed, opImport, "missing_id", errors.New("character record has no id"))
			s.logError(opImport, "missing_id", malformed)
			result.Failures = append(result.Failures, identity.Failure{Kind: syncerr.KindMalformed, Err: malformed})
			continue
		}
		remoteIDs = append(remoteIDs, remoteID)

		if err := s.importCharacter(ctx, userID, record); err != nil {
			kind := syncerr.KindOf(err)
			s.logError(opImport, "character_skipped", err, zap.Int64("remote_id", remoteID), zap.String("kind", string(kind)))
			result.Failures = append(result.Failures, identity.Failure{LocalID: remoteID, Kind: kind, Err: err})
			continue
		}
		result.Imported++
	}

	removed, err := s.removeVanished(ctx, userID, remoteIDs)
	if err != nil {
		s.logError(opImport, "remove_vanished_failed", err, zap.String("user_id", userID))
		result.Failures = append(result.Failures, identity.Failure{Kind: syncerr.KindStorage, Err: err})
	}
	result.Removed = removed

	s.logger.Info("owned import finished",
		zap.String("user_id", userID),
		zap.Int("imported", result.Imported),
		zap.Int("removed", result.Removed),
		zap.Int("failures", len(result.Failures)))
	return result, nil
}

func (s *Syncer) importCharacter(ctx context.Context, userID string, record remote.Record) error {
	remoteID := record.ID()

	children := make(map[string][]remote.Record, len(dependents))
	for _, dep := range dependents {
		rows, err := s.remote.List(ctx, dep.table, remote.Eq("character_id", remoteID))
		if err != nil {
			return err
		}
		children[dep.table] = rows
	}

	return s.store.DB(ctx).Transaction(func(tx *gorm.DB) error {
		localID, err := localCharacterID(tx, remoteID)
		if err != nil {
			return err
		}

		marker := freshness.Parse(record[columnLastSyncAt])
		character := schema.Character{
			ID:            localID,
			RemoteID:      remoteID,
			UserID:        userID,
			Name:          record.String("name"),
			Level:         record.Int64("level"),
			ProfessionID:  record.Int64("profession_id"),
			HobbyID:       record.Int64("hobby_id"),
			StrangePathID: record.Int64("strange_path_id"),
			Health:        record.Int64("health"),
			MaxHealth:     record.Int64("max_health"),
			Notes:         record.String("notes"),
			// Imported state is clean: updated_at never exceeds the sync marker.
			UpdatedAtMillis: marker.Int64(),
			LastSyncAt:      markerText(marker),
		}
		if err := tx.Omit(clause.Associations).Save(&character).Error; err != nil {
			return syncerr.Storage(opImport, "save_character_failed", err)
		}

		for _, dep := range dependents {
			if err := tx.Exec("DELETE FROM ? WHERE character_id = ?", clause.Table{Name: dep.table}, localID).Error; err != nil {
				return syncerr.Storage(opImport, "delete_dependents_failed", err)
			}
			rows := make([]map[string]any, 0, len(children[dep.table]))
			for _, child := range children[dep.table] {
				row, err := dependentRow(dep, localID, child)
				if err != nil {
					return err
				}
				rows = append(rows, row)
			}
			if len(rows) == 0 {
				continue
			}
			if err := tx.Table(dep.table).Create(&rows).Error; err != nil {
				return syncerr.Storage(opImport, "insert_dependents_failed", err)
			}
		}
		return nil
	})
}

func localCharacterID(tx *gorm.DB, remoteID int64) (string, error) {
	var ids []string
	err := tx.Model(&schema.Character{}).Where("remote_id = ?", remoteID).Limit(1).Pluck("id", &ids).Error
	if err != nil {
		return "", syncerr.Storage(opImport, "lookup_character_failed", err)
	}
	if len(ids) > 0 {
		return ids[0], nil
	}
	return strconv.FormatInt(remoteID, 10), nil
}

func dependentRow(dep dependent, characterID string, record remote.Record) (map[string]any, error) {
	remoteID := record.ID()
	if remoteID <= 0 {
		return nil, syncerr.New(syncerr.KindMalformed, opImport, "missing_dependent_id",
			errors.New(dep.table+" record has no id"))
	}
	row := map[string]any{
		"id":                  strconv.FormatInt(remoteID, 10),
		schema.ColumnRemoteID: remoteID,
		"character_id":        characterID,
	}
	for _, field := range dep.fields {
		switch field {
		case "character_id":
		case "suit":
			row[field] = record.String(field)
		case "cards":
			row[field] = cardsText(record[field])
		default:
			row[field] = record.Int64(field)
		}
	}
	return row, nil
}

// cardsText accepts the card list either as JSON text or as a decoded array.
func cardsText(value any) string {
	switch typed := value.(type) {
	case nil:
		return "[]"
	case string:
		if strings.TrimSpace(typed) == "" {
			return "[]"
		}
		return typed
	default:
		encoded, err := json.Marshal(typed)
		if err != nil {
			return "[]"
		}
		return string(encoded)
	}
}

func markerText(marker freshness.Marker) string {
	if marker <= 0 {
		return ""
	}
	return marker.String()
}

// removeVanished deletes the user's synced characters whose remote id is not in
// keep. Their dependent rows go with them through the cascading foreign keys.
func (s *Syncer) removeVanished(ctx context.Context, userID string, keep []int64) (int, error) {
	query := s.store.DB(ctx).
		Where("user_id = ?", userID).
		Where("remote_id <> 0")
	if len(keep) > 0 {
		query = query.Where("remote_id NOT IN ?", keep)
	}
	result := query.Delete(&schema.Character{})
	if result.Error != nil {
		return 0, syncerr.Storage(opImport, "delete_vanished_failed", result.Error)
	}
	return int(result.RowsAffected), nil
}
