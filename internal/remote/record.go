package remote

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cast"
)

// Record is a single row exchanged with the record service.
type Record map[string]any

// ID returns the server assigned identifier or zero.
func (r Record) ID() int64 {
	return r.Int64("id")
}

// Int64 coerces the field to an integer, zero when missing or not numeric.
func (r Record) Int64(key string) int64 {
	value, ok := r[key]
	if !ok || value == nil {
		return 0
	}
	if typed, ok := value.(json.Number); ok {
		if number, err := typed.Int64(); err == nil {
			return number
		}
		value = typed.String()
	}
	number, err := cast.ToInt64E(value)
	if err != nil {
		return 0
	}
	return number
}

// String coerces the field to a string, empty when missing.
func (r Record) String(key string) string {
	value, ok := r[key]
	if !ok || value == nil {
		return ""
	}
	return cast.ToString(value)
}

// Bool coerces the field to a boolean.
func (r Record) Bool(key string) bool {
	value, ok := r[key]
	if !ok || value == nil {
		return false
	}
	if typed, ok := value.(json.Number); ok {
		return r.Int64(key) != 0 || typed.String() == "true"
	}
	return cast.ToBool(value)
}

// Filter is a `col,op,value` condition understood by the record service.
type Filter struct {
	Column   string
	Operator string
	Value    string
}

// Eq builds an equality filter.
func Eq(column string, value any) Filter {
	return Filter{Column: column, Operator: "eq", Value: cast.ToString(value)}
}

func (f Filter) String() string {
	return fmt.Sprintf("%s,%s,%s", f.Column, f.Operator, f.Value)
}

// Service is the record API consumed by the synchronization engine.
type Service interface {
	List(ctx context.Context, table string, filters ...Filter) ([]Record, error)
	Get(ctx context.Context, table string, id int64) (Record, error)
	Create(ctx context.Context, table string, payload Record) (int64, error)
	Update(ctx context.Context, table string, id int64, payload Record) (Record, error)
	Delete(ctx context.Context, table string, id int64) error
}
