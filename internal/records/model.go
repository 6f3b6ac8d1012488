package records

// Row stores one record of a collection as a JSON object.
type Row struct {
	ID               int64  `gorm:"column:id;primaryKey;autoIncrement"`
	Collection       string `gorm:"column:collection;size:64;not null;index:idx_records_collection"`
	PayloadJSON      string `gorm:"column:payload_json;type:text;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Row) TableName() string {
	return "records"
}
