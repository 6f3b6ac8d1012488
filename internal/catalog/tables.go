package catalog

import (
	"fmt"

	"github.com/MarcoPoloResearchLab/companion-sync/internal/remote"
	"github.com/MarcoPoloResearchLab/companion-sync/internal/schema"
)

type columnKind int

const (
	integerColumn columnKind = iota
	textColumn
	boolColumn
)

type column struct {
	name string
	kind columnKind
}

// table describes how a reference table is rebuilt from remote records.
type table struct {
	name    string
	columns []column
}

var (
	skillsTable = table{name: schema.TableSkills, columns: []column{
		{"name", textColumn},
		{"description", textColumn},
		{"characteristic", textColumn},
	}}
	professionsTable = table{name: schema.TableProfessions, columns: []column{
		{"name", textColumn},
		{"description", textColumn},
		{"user_submitted", boolColumn},
	}}
	hobbiesTable = table{name: schema.TableHobbies, columns: []column{
		{"name", textColumn},
		{"description", textColumn},
		{"user_submitted", boolColumn},
	}}
	strangePathsTable = table{name: schema.TableStrangePaths, columns: []column{
		{"name", textColumn},
		{"description", textColumn},
	}}
	capabilitiesTable = table{name: schema.TableCapabilities, columns: []column{
		{"name", textColumn},
		{"description", textColumn},
		{"limited", boolColumn},
	}}
	professionSkillsTable = table{name: schema.TableProfessionSkills, columns: []column{
		{"profession_id", integerColumn},
		{"skill_id", integerColumn},
	}}
	hobbySkillsTable = table{name: schema.TableHobbySkills, columns: []column{
		{"hobby_id", integerColumn},
		{"skill_id", integerColumn},
	}}
	voieCapabilitiesTable = table{name: schema.TableVoieCapabilities, columns: []column{
		{"strange_path_id", integerColumn},
		{"capability_id", integerColumn},
		{"rank", integerColumn},
	}}
	capabilityRanksTable = table{name: schema.TableCapabilityRanks, columns: []column{
		{"capability_id", integerColumn},
		{"rank", integerColumn},
		{"effect", textColumn},
	}}
)

// pullOrder lists independent tables first, then the tables referencing them.
var pullOrder = []table{
	skillsTable,
	professionsTable,
	hobbiesTable,
	strangePathsTable,
	capabilitiesTable,
	professionSkillsTable,
	hobbySkillsTable,
	voieCapabilitiesTable,
	capabilityRanksTable,
}

// Tables returns the reference tables in pull order.
func Tables() []string {
	names := make([]string, 0, len(pullOrder))
	for _, descriptor := range pullOrder {
		names = append(names, descriptor.name)
	}
	return names
}

// localRows converts remote records into insertable rows keyed by the remote id.
func (t table) localRows(records []remote.Record) ([]map[string]any, error) {
	rows := make([]map[string]any, 0, len(records))
	for index, record := range records {
		id := record.ID()
		if id <= 0 {
			return nil, fmt.Errorf("%s record %d has no usable id", t.name, index)
		}
		row := map[string]any{
			"id":                   id,
			schema.ColumnDistantID: id,
		}
		for _, col := range t.columns {
			switch col.kind {
			case integerColumn:
				row[col.name] = record.Int64(col.name)
			case boolColumn:
				row[col.name] = record.Bool(col.name)
			default:
				row[col.name] = record.String(col.name)
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func (t table) fieldNames() []string {
	names := make([]string, 0, len(t.columns))
	for _, col := range t.columns {
		names = append(names, col.name)
	}
	return names
}
