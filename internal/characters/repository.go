package characters

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/companion-sync/internal/schema"
	"github.com/MarcoPoloResearchLab/companion-sync/internal/syncerr"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opRepositoryNew   = "characters.repository.new"
	opCreateCharacter = "characters.create"
	opUpdateCharacter = "characters.update"
	opAddDeckRow      = "characters.add_deck_row"
	opLearnSkill      = "characters.learn_skill"
	opLearnCapability = "characters.learn_capability"
	opUnsyncedCheck   = "characters.has_unsynced_dependents"
)

var (
	errMissingStore      = errors.New("local store is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingName       = errors.New("character name is required")
	errMissingCharacter  = errors.New("character identifier is required")
	errCharacterNotFound = errors.New("character not found")
)

// Store exposes the local database handle.
type Store interface {
	DB(ctx context.Context) *gorm.DB
}

// RepositoryConfig wires the dependencies of a Repository.
type RepositoryConfig struct {
	Store      Store
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Repository performs the local writes behind the character screens. Every
// write bumps the owning character's updated_at so the next pass can tell it
// apart from its last synced state.
type Repository struct {
	store      Store
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

// NewRepository validates the configuration.
func NewRepository(cfg RepositoryConfig) (*Repository, error) {
	if cfg.Store == nil {
		return nil, syncerr.Invariant(opRepositoryNew, "missing_store", errMissingStore)
	}
	if cfg.IDProvider == nil {
		return nil, syncerr.Invariant(opRepositoryNew, "missing_id_provider", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Repository{store: cfg.Store, clock: clock, idProvider: cfg.IDProvider, logger: logger}, nil
}

// NewCharacter holds the fields chosen in the creation wizard.
type NewCharacter struct {
	UserID        string
	Name          string
	Level         int64
	ProfessionID  int64
	HobbyID       int64
	StrangePathID int64
	Health        int64
	MaxHealth     int64
	Notes         string
}

// CharacterChanges lists the scalar fields to overwrite; nil fields are kept.
type CharacterChanges struct {
	Name          *string
	Level         *int64
	ProfessionID  *int64
	HobbyID       *int64
	StrangePathID *int64
	Health        *int64
	MaxHealth     *int64
	Notes         *string
}

func (c CharacterChanges) columns() map[string]any {
	columns := make(map[string]any)
	if c.Name != nil {
		columns["name"] = strings.TrimSpace(*c.Name)
	}
	if c.Level != nil {
		columns["level"] = *c.Level
	}
	if c.ProfessionID != nil {
		columns["profession_id"] = *c.ProfessionID
	}
	if c.HobbyID != nil {
		columns["hobby_id"] = *c.HobbyID
	}
	if c.StrangePathID != nil {
		columns["strange_path_id"] = *c.StrangePathID
	}
	if c.Health != nil {
		columns["health"] = *c.Health
	}
	if c.MaxHealth != nil {
		columns["max_health"] = *c.MaxHealth
	}
	if c.Notes != nil {
		columns["notes"] = *c.Notes
	}
	return columns
}

// CreateCharacter stores a new, unsynced character and returns its local id.
func (r *Repository) CreateCharacter(ctx context.Context, input NewCharacter) (string, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return "", syncerr.Invariant(opCreateCharacter, "missing_name", errMissingName)
	}
	id, err := r.idProvider.NewID()
	if err != nil {
		r.logError(opCreateCharacter, "id_generation_failed", err)
		return "", syncerr.Storage(opCreateCharacter, "id_generation_failed", err)
	}
	level := input.Level
	if level <= 0 {
		level = 1
	}

	character := schema.Character{
		ID:              id,
		UserID:          input.UserID,
		Name:            name,
		Level:           level,
		ProfessionID:    input.ProfessionID,
		HobbyID:         input.HobbyID,
		StrangePathID:   input.StrangePathID,
		Health:          input.Health,
		MaxHealth:       input.MaxHealth,
		Notes:           input.Notes,
		UpdatedAtMillis: r.nowMillis(),
	}
	if err := r.store.DB(ctx).Create(&character).Error; err != nil {
		r.logError(opCreateCharacter, "insert_failed", err, zap.String("character_id", id))
		return "", syncerr.Storage(opCreateCharacter, "insert_failed", err)
	}
	return id, nil
}

// UpdateCharacter overwrites the provided scalar fields.
func (r *Repository) UpdateCharacter(ctx context.Context, characterID string, changes CharacterChanges) error {
	if characterID == "" {
		return syncerr.Invariant(opUpdateCharacter, "missing_character", errMissingCharacter)
	}
	columns := changes.columns()
	if name, ok := columns["name"]; ok && name == "" {
		return syncerr.Invariant(opUpdateCharacter, "missing_name", errMissingName)
	}
	columns["updated_at"] = r.nowMillis()

	result := r.store.DB(ctx).Model(&schema.Character{}).Where("id = ?", characterID).Updates(columns)
	if result.Error != nil {
		r.logError(opUpdateCharacter, "update_failed", result.Error, zap.String("character_id", characterID))
		return syncerr.Storage(opUpdateCharacter, "update_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return syncerr.Invariant(opUpdateCharacter, "not_found", errCharacterNotFound)
	}
	return nil
}

// AddDeckRow stores the cards of one suit for a character.
func (r *Repository) AddDeckRow(ctx context.Context, characterID, suit string, cards []string) (string, error) {
	if cards == nil {
		cards = []string{}
	}
	encoded, err := json.Marshal(cards)
	if err != nil {
		return "", syncerr.Invariant(opAddDeckRow, "encode_cards_failed", err)
	}
	return r.insertDependent(ctx, opAddDeckRow, characterID, func(id string) any {
		return &schema.DeckRow{ID: id, CharacterID: characterID, Suit: suit, CardsJSON: string(encoded)}
	})
}

// LearnSkill records the level a character reached in a skill. A skill learned
// again keeps its row and only changes level.
func (r *Repository) LearnSkill(ctx context.Context, characterID string, skillID, level int64) (string, error) {
	var existing schema.LearnedSkill
	err := r.store.DB(ctx).Where("character_id = ? AND skill_id = ?", characterID, skillID).Take(&existing).Error
	switch {
	case err == nil:
		return existing.ID, r.updateDependent(ctx, opLearnSkill, characterID, &existing, level)
	case !errors.Is(err, gorm.ErrRecordNotFound):
		r.logError(opLearnSkill, "select_failed", err, zap.String("character_id", characterID))
		return "", syncerr.Storage(opLearnSkill, "select_failed", err)
	}
	return r.insertDependent(ctx, opLearnSkill, characterID, func(id string) any {
		return &schema.LearnedSkill{ID: id, CharacterID: characterID, SkillID: skillID, Level: level}
	})
}

// LearnCapability records the rank a character reached in a capability.
func (r *Repository) LearnCapability(ctx context.Context, characterID string, capabilityID, level int64) (string, error) {
	var existing schema.LearnedCapability
	err := r.store.DB(ctx).Where("character_id = ? AND capability_id = ?", characterID, capabilityID).Take(&existing).Error
	switch {
	case err == nil:
		return existing.ID, r.updateDependent(ctx, opLearnCapability, characterID, &existing, level)
	case !errors.Is(err, gorm.ErrRecordNotFound):
		r.logError(opLearnCapability, "select_failed", err, zap.String("character_id", characterID))
		return "", syncerr.Storage(opLearnCapability, "select_failed", err)
	}
	return r.insertDependent(ctx, opLearnCapability, characterID, func(id string) any {
		return &schema.LearnedCapability{ID: id, CharacterID: characterID, CapabilityID: capabilityID, Level: level}
	})
}

// HasUnsyncedDependents reports whether a synced character still owns rows that
// were never created remotely.
func (r *Repository) HasUnsyncedDependents(ctx context.Context) (bool, error) {
	return hasUnsyncedDependents(r.store.DB(ctx))
}

func hasUnsyncedDependents(db *gorm.DB) (bool, error) {
	syncedCharacters := db.Model(&schema.Character{}).Select("id").Where("remote_id <> 0")
	for _, dep := range dependents {
		var count int64
		err := db.Table(dep.table).
			Where("(remote_id = 0 OR remote_id IS NULL) AND character_id IN (?)", syncedCharacters).
			Count(&count).Error
		if err != nil {
			return false, syncerr.Storage(opUnsyncedCheck, "count_failed", err)
		}
		if count > 0 {
			return true, nil
		}
	}
	return false, nil
}

func (r *Repository) insertDependent(ctx context.Context, operation, characterID string, build func(id string) any) (string, error) {
	if characterID == "" {
		return "", syncerr.Invariant(operation, "missing_character", errMissingCharacter)
	}
	id, err := r.idProvider.NewID()
	if err != nil {
		r.logError(operation, "id_generation_failed", err)
		return "", syncerr.Storage(operation, "id_generation_failed", err)
	}
	err = r.store.DB(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(build(id)).Error; err != nil {
			return err
		}
		return r.touch(tx, characterID)
	})
	if err != nil {
		r.logError(operation, "insert_failed", err, zap.String("character_id", characterID))
		return "", syncerr.Storage(operation, "insert_failed", err)
	}
	return id, nil
}

func (r *Repository) updateDependent(ctx context.Context, operation, characterID string, model any, level int64) error {
	err := r.store.DB(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(model).Update("level", level).Error; err != nil {
			return err
		}
		return r.touch(tx, characterID)
	})
	if err != nil {
		r.logError(operation, "update_failed", err, zap.String("character_id", characterID))
		return syncerr.Storage(operation, "update_failed", err)
	}
	return nil
}

func (r *Repository) touch(tx *gorm.DB, characterID string) error {
	return tx.Model(&schema.Character{}).Where("id = ?", characterID).Update("updated_at", r.nowMillis()).Error
}

func (r *Repository) nowMillis() int64 {
	return r.clock().UTC().UnixMilli()
}

func (r *Repository) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	r.logger.Error("character repository error", attrs...)
}
