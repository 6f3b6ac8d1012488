// Package schema declares the tables of the local store.
//
// Catalog rows are keyed by the server id once pulled (id == distant_id). Locally
// submitted catalog additions carry negative ids until the server assigns one.
// Owned rows are keyed by a client generated UUID and carry the server id in remote_id.
// In both cases a zero remote id means the row has not been created on the server yet.
package schema

const (
	TableSkills           = "skills"
	TableProfessions      = "professions"
	TableHobbies          = "hobbies"
	TableStrangePaths     = "strange_paths"
	TableCapabilities     = "capabilities"
	TableCapabilityRanks  = "capability_ranks"
	TableProfessionSkills = "profession_skills"
	TableHobbySkills      = "hobby_skills"
	TableVoieCapabilities = "voie_capabilities"

	TableCharacters            = "characters"
	TableCharacterDecks        = "character_decks"
	TableCharacterSkills       = "character_skills"
	TableCharacterCapabilities = "character_capabilities"

	// ColumnDistantID holds the server id of catalog rows.
	ColumnDistantID = "distant_id"
	// ColumnRemoteID holds the server id of owned rows.
	ColumnRemoteID = "remote_id"
)

// Skill is a learnable skill.
type Skill struct {
	ID             int64  `gorm:"column:id;primaryKey;autoIncrement:false"`
	DistantID      int64  `gorm:"column:distant_id;not null;default:0;index"`
	Name           string `gorm:"column:name;size:190;not null"`
	Description    string `gorm:"column:description;type:text;not null;default:''"`
	Characteristic string `gorm:"column:characteristic;size:32;not null;default:''"`
}

// TableName provides the explicit table binding for GORM.
func (Skill) TableName() string {
	return TableSkills
}

// Profession is a character profession; players may submit their own.
type Profession struct {
	ID            int64  `gorm:"column:id;primaryKey;autoIncrement:false"`
	DistantID     int64  `gorm:"column:distant_id;not null;default:0;index"`
	Name          string `gorm:"column:name;size:190;not null"`
	Description   string `gorm:"column:description;type:text;not null;default:''"`
	UserSubmitted bool   `gorm:"column:user_submitted;not null;default:false"`
}

// TableName provides the explicit table binding for GORM.
func (Profession) TableName() string {
	return TableProfessions
}

// Hobby is a character hobby; players may submit their own.
type Hobby struct {
	ID            int64  `gorm:"column:id;primaryKey;autoIncrement:false"`
	DistantID     int64  `gorm:"column:distant_id;not null;default:0;index"`
	Name          string `gorm:"column:name;size:190;not null"`
	Description   string `gorm:"column:description;type:text;not null;default:''"`
	UserSubmitted bool   `gorm:"column:user_submitted;not null;default:false"`
}

// TableName provides the explicit table binding for GORM.
func (Hobby) TableName() string {
	return TableHobbies
}

// StrangePath is a "voie": a themed path granting capabilities.
type StrangePath struct {
	ID          int64  `gorm:"column:id;primaryKey;autoIncrement:false"`
	DistantID   int64  `gorm:"column:distant_id;not null;default:0;index"`
	Name        string `gorm:"column:name;size:190;not null"`
	Description string `gorm:"column:description;type:text;not null;default:''"`
}

// TableName provides the explicit table binding for GORM.
func (StrangePath) TableName() string {
	return TableStrangePaths
}

// Capability is a power a character may learn.
type Capability struct {
	ID          int64  `gorm:"column:id;primaryKey;autoIncrement:false"`
	DistantID   int64  `gorm:"column:distant_id;not null;default:0;index"`
	Name        string `gorm:"column:name;size:190;not null"`
	Description string `gorm:"column:description;type:text;not null;default:''"`
	Limited     bool   `gorm:"column:limited;not null;default:false"`
}

// TableName provides the explicit table binding for GORM.
func (Capability) TableName() string {
	return TableCapabilities
}

// CapabilityRank is the effect of a capability at a given rank.
type CapabilityRank struct {
	ID           int64       `gorm:"column:id;primaryKey;autoIncrement:false"`
	DistantID    int64       `gorm:"column:distant_id;not null;default:0;index"`
	CapabilityID int64       `gorm:"column:capability_id;not null;index"`
	Rank         int64       `gorm:"column:rank;not null;default:1"`
	Effect       string      `gorm:"column:effect;type:text;not null;default:''"`
	Capability   *Capability `gorm:"foreignKey:CapabilityID;references:ID"`
}

// TableName provides the explicit table binding for GORM.
func (CapabilityRank) TableName() string {
	return TableCapabilityRanks
}

// ProfessionSkill links a profession to one of its skills.
type ProfessionSkill struct {
	ID           int64       `gorm:"column:id;primaryKey;autoIncrement:false"`
	DistantID    int64       `gorm:"column:distant_id;not null;default:0;index"`
	ProfessionID int64       `gorm:"column:profession_id;not null;index"`
	SkillID      int64       `gorm:"column:skill_id;not null;index"`
	Profession   *Profession `gorm:"foreignKey:ProfessionID;references:ID"`
	Skill        *Skill      `gorm:"foreignKey:SkillID;references:ID"`
}

// TableName provides the explicit table binding for GORM.
func (ProfessionSkill) TableName() string {
	return TableProfessionSkills
}

// HobbySkill links a hobby to one of its skills.
type HobbySkill struct {
	ID        int64  `gorm:"column:id;primaryKey;autoIncrement:false"`
	DistantID int64  `gorm:"column:distant_id;not null;default:0;index"`
	HobbyID   int64  `gorm:"column:hobby_id;not null;index"`
	SkillID   int64  `gorm:"column:skill_id;not null;index"`
	Hobby     *Hobby `gorm:"foreignKey:HobbyID;references:ID"`
	Skill     *Skill `gorm:"foreignKey:SkillID;references:ID"`
}

// TableName provides the explicit table binding for GORM.
func (HobbySkill) TableName() string {
	return TableHobbySkills
}

// VoieCapability places a capability at a rank of a strange path.
type VoieCapability struct {
	ID            int64        `gorm:"column:id;primaryKey;autoIncrement:false"`
	DistantID     int64        `gorm:"column:distant_id;not null;default:0;index"`
	StrangePathID int64        `gorm:"column:strange_path_id;not null;index"`
	CapabilityID  int64        `gorm:"column:capability_id;not null;index"`
	Rank          int64        `gorm:"column:rank;not null;default:1"`
	StrangePath   *StrangePath `gorm:"foreignKey:StrangePathID;references:ID"`
	Capability    *Capability  `gorm:"foreignKey:CapabilityID;references:ID"`
}

// TableName provides the explicit table binding for GORM.
func (VoieCapability) TableName() string {
	return TableVoieCapabilities
}
