package records

import (
	"fmt"
	"regexp"
	"strings"
)

const filterOpEq = "eq"

var identifierPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// Filter restricts a listing to records whose column equals Value.
type Filter struct {
	Column string
	Value  string
}

// ParseFilter reads the "column,eq,value" query form. The value may itself
// contain commas.
func ParseFilter(raw string) (Filter, error) {
	parts := strings.SplitN(raw, ",", 3)
	if len(parts) != 3 {
		return Filter{}, fmt.Errorf("%w: %q", ErrInvalidFilter, raw)
	}
	column := strings.TrimSpace(parts[0])
	if !identifierPattern.MatchString(column) {
		return Filter{}, fmt.Errorf("%w: column %q", ErrInvalidFilter, column)
	}
	if strings.TrimSpace(parts[1]) != filterOpEq {
		return Filter{}, fmt.Errorf("%w: operator %q", ErrInvalidFilter, parts[1])
	}
	return Filter{Column: column, Value: parts[2]}, nil
}

func validCollection(name string) bool {
	return identifierPattern.MatchString(name)
}
