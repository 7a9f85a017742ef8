package backend

import (
	"fmt"
	"regexp"
)

// Schema names the single variables table of the SQL backends.
type Schema struct {
	Table       string
	KeyColumn   string
	ValueColumn string
}

// DefaultSchema is variables(key, value).
func DefaultSchema() Schema {
	return Schema{
		Table:       "variables",
		KeyColumn:   "key",
		ValueColumn: "value",
	}
}

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,63}$`)

// Validate makes sure all names are plain identifiers, since they are
// interpolated into SQL text.
func (s Schema) Validate() error {
	for _, name := range []string{s.Table, s.KeyColumn, s.ValueColumn} {
		if !identifierPattern.MatchString(name) {
			return fmt.Errorf("invalid sql identifier %q", name)
		}
	}
	if s.KeyColumn == s.ValueColumn {
		return fmt.Errorf("key and value column must differ (both %q)", s.KeyColumn)
	}
	return nil
}

// WithDefaults fills empty names from DefaultSchema.
func (s Schema) WithDefaults() Schema {
	d := DefaultSchema()
	if s.Table == "" {
		s.Table = d.Table
	}
	if s.KeyColumn == "" {
		s.KeyColumn = d.KeyColumn
	}
	if s.ValueColumn == "" {
		s.ValueColumn = d.ValueColumn
	}
	return s
}
