package schema

// Character is the root of the user owned aggregate.
type Character struct {
	ID            string `gorm:"column:id;primaryKey;size:64"`
	RemoteID      int64  `gorm:"column:remote_id;not null;default:0;index"`
	UserID        string `gorm:"column:user_id;size:190;not null;default:'';index"`
	Name          string `gorm:"column:name;size:190;not null"`
	Level         int64  `gorm:"column:level;not null;default:1"`
	ProfessionID  int64  `gorm:"column:profession_id;not null;default:0"`
	HobbyID       int64  `gorm:"column:hobby_id;not null;default:0"`
	StrangePathID int64  `gorm:"column:strange_path_id;not null;default:0"`
	Health        int64  `gorm:"column:health;not null;default:0"`
	MaxHealth     int64  `gorm:"column:max_health;not null;default:0"`
	Notes         string `gorm:"column:notes;type:text;not null;default:''"`
	// UpdatedAtMillis is bumped by every local edit of the aggregate.
	UpdatedAtMillis int64 `gorm:"column:updated_at;not null;default:0"`
	// LastSyncAt may hold epoch millis, ISO-8601 or SQL datetime text.
	LastSyncAt string `gorm:"column:last_sync_at;size:64;not null;default:''"`

	Decks        []DeckRow           `gorm:"foreignKey:CharacterID;references:ID;constraint:OnDelete:CASCADE"`
	Skills       []LearnedSkill      `gorm:"foreignKey:CharacterID;references:ID;constraint:OnDelete:CASCADE"`
	Capabilities []LearnedCapability `gorm:"foreignKey:CharacterID;references:ID;constraint:OnDelete:CASCADE"`
}

// TableName provides the explicit table binding for GORM.
func (Character) TableName() string {
	return TableCharacters
}

// DeckRow is the card list of one suit held by a character.
type DeckRow struct {
	ID          string `gorm:"column:id;primaryKey;size:64"`
	RemoteID    int64  `gorm:"column:remote_id;not null;default:0;index"`
	CharacterID string `gorm:"column:character_id;size:64;not null;index"`
	Suit        string `gorm:"column:suit;size:32;not null"`
	// CardsJSON is a JSON array of card values.
	CardsJSON string `gorm:"column:cards;type:text;not null;default:'[]'"`
}

// TableName provides the explicit table binding for GORM.
func (DeckRow) TableName() string {
	return TableCharacterDecks
}

// LearnedSkill is a skill level reached by a character.
type LearnedSkill struct {
	ID          string `gorm:"column:id;primaryKey;size:64"`
	RemoteID    int64  `gorm:"column:remote_id;not null;default:0;index"`
	CharacterID string `gorm:"column:character_id;size:64;not null;index"`
	SkillID     int64  `gorm:"column:skill_id;not null"`
	Level       int64  `gorm:"column:level;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (LearnedSkill) TableName() string {
	return TableCharacterSkills
}

// LearnedCapability is a capability rank reached by a character.
type LearnedCapability struct {
	ID           string `gorm:"column:id;primaryKey;size:64"`
	RemoteID     int64  `gorm:"column:remote_id;not null;default:0;index"`
	CharacterID  string `gorm:"column:character_id;size:64;not null;index"`
	CapabilityID int64  `gorm:"column:capability_id;not null"`
	Level        int64  `gorm:"column:level;not null;default:1"`
}

// TableName provides the explicit table binding for GORM.
func (LearnedCapability) TableName() string {
	return TableCharacterCapabilities
}

// Models lists every local table model in creation order.
func Models() []any {
	return []any{
		&Skill{},
		&Profession{},
		&Hobby{},
		&StrangePath{},
		&Capability{},
		&CapabilityRank{},
		&ProfessionSkill{},
		&HobbySkill{},
		&VoieCapability{},
		&Character{},
		&DeckRow{},
		&LearnedSkill{},
		&LearnedCapability{},
	}
}
