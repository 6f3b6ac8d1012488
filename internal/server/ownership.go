package server

import (
	"context"
	"fmt"

	"github.com/MarcoPoloResearchLab/companion-sync/internal/records"
	"github.com/MarcoPoloResearchLab/companion-sync/internal/schema"
	"github.com/spf13/cast"
)

const (
	ownerField  = "user_id"
	parentField = "character_id"
)

var childCollections = map[string]bool{
	schema.TableCharacterDecks:        true,
	schema.TableCharacterSkills:       true,
	schema.TableCharacterCapabilities: true,
}

// ownership scopes user data to the token subject. A character carries its
// owner in user_id; deck, skill and capability rows belong to whoever owns the
// character named by their character_id. Another user's rows answer as not
// found. Catalog collections are shared.
type ownership struct {
	records RecordStore
}

func (o ownership) listFilters(collection, subject string, filters []records.Filter) []records.Filter {
	if collection != schema.TableCharacters {
		return filters
	}
	return append(filters, records.Filter{Column: ownerField, Value: subject})
}

func (o ownership) visible(ctx context.Context, collection, subject string, found []records.Record) ([]records.Record, error) {
	if !childCollections[collection] {
		return found, nil
	}
	owned, err := o.records.List(ctx, schema.TableCharacters, []records.Filter{{Column: ownerField, Value: subject}})
	if err != nil {
		return nil, err
	}
	ownedIDs := make(map[int64]struct{}, len(owned))
	for _, character := range owned {
		ownedIDs[cast.ToInt64(character["id"])] = struct{}{}
	}
	visible := make([]records.Record, 0, len(found))
	for _, record := range found {
		if _, ok := ownedIDs[cast.ToInt64(record[parentField])]; ok {
			visible = append(visible, record)
		}
	}
	return visible, nil
}

// check rejects a stored record the subject does not own.
func (o ownership) check(ctx context.Context, collection, subject string, record records.Record) error {
	switch {
	case collection == schema.TableCharacters:
		if cast.ToString(record[ownerField]) != subject {
			return fmt.Errorf("%w: %s %v", records.ErrNotFound, collection, record["id"])
		}
	case childCollections[collection]:
		return o.ownsCharacter(ctx, subject, record[parentField])
	}
	return nil
}

// claim binds an incoming payload to the subject before it is stored.
func (o ownership) claim(ctx context.Context, collection, subject string, payload records.Record, creating bool) error {
	switch {
	case collection == schema.TableCharacters:
		payload[ownerField] = subject
	case childCollections[collection]:
		parentID, ok := payload[parentField]
		if !ok {
			if creating {
				return fmt.Errorf("%w: %s is required", records.ErrInvalidPayload, parentField)
			}
			return nil
		}
		return o.ownsCharacter(ctx, subject, parentID)
	}
	return nil
}

func (o ownership) ownsCharacter(ctx context.Context, subject string, characterID any) error {
	id, err := cast.ToInt64E(characterID)
	if err != nil || id <= 0 {
		return fmt.Errorf("%w: %s %v", records.ErrNotFound, schema.TableCharacters, characterID)
	}
	character, err := o.records.Get(ctx, schema.TableCharacters, id)
	if err != nil {
		return err
	}
	if cast.ToString(character[ownerField]) != subject {
		return fmt.Errorf("%w: %s %d", records.ErrNotFound, schema.TableCharacters, id)
	}
	return nil
}
