package backend

import (
	"errors"
	"fmt"
	"testing"
)

func TestParseType(t *testing.T) {
	cases := map[string]Type{
		"":        TypeSQLite,
		"sqlite":  TypeSQLite,
		"MySQL":   TypeMySQL,
		"mariadb": TypeMariaDB,
		"yml":     TypeYAML,
		" yaml ":  TypeYAML,
	}
	for in, want := range cases {
		got, err := ParseType(in)
		if err != nil {
			t.Errorf("ParseType(%q) returned error: %v", in, err)
			continue
		}
		if got != want {
			t.Errorf("ParseType(%q) = %s, want %s", in, got, want)
		}
	}

	if _, err := ParseType("postgres"); err == nil {
		t.Errorf("Expected an error for an unknown storage type")
	}
}

func TestErrorMatching(t *testing.T) {
	err := fmt.Errorf("flush: %w", Closed("sqlite"))
	if !errors.Is(err, ErrClosed) {
		t.Errorf("Expected wrapped closed error to match ErrClosed")
	}
	if !IsClosed(err) {
		t.Errorf("Expected IsClosed to be true")
	}
	if errors.Is(err, ErrConnection) {
		t.Errorf("Closed error must not match ErrConnection")
	}

	cause := errors.New("dial tcp: refused")
	connErr := NewError(RetCConnection, "connect", cause)
	if !IsConnection(connErr) {
		t.Errorf("Expected IsConnection to be true")
	}
	if !errors.Is(connErr, cause) {
		t.Errorf("Expected the cause to be reachable through Unwrap")
	}
	if IsClosed(nil) || IsConnection(nil) {
		t.Errorf("nil must not match any error class")
	}
}

func TestSchemaValidate(t *testing.T) {
	if err := DefaultSchema().Validate(); err != nil {
		t.Errorf("Default schema should be valid: %v", err)
	}

	bad := []Schema{
		{Table: "vars; DROP TABLE x", KeyColumn: "k", ValueColumn: "v"},
		{Table: "vars", KeyColumn: "k", ValueColumn: "k"},
		{Table: "", KeyColumn: "k", ValueColumn: "v"},
	}
	for _, s := range bad {
		if err := s.Validate(); err == nil {
			t.Errorf("Expected schema %+v to be invalid", s)
		}
	}

	s := Schema{Table: "player_vars"}.WithDefaults()
	if s.Table != "player_vars" || s.KeyColumn != "key" || s.ValueColumn != "value" {
		t.Errorf("Unexpected schema after WithDefaults: %+v", s)
	}
}

func TestFeatureList(t *testing.T) {
	f := FeatureBatch | FeaturePrefixIndex
	list := FeatureList(f)
	if len(list) != 2 || list[0] != FeatureBatch || list[1] != FeaturePrefixIndex {
		t.Errorf("Unexpected feature list: %v", list)
	}
	if FeatureRawConn.String() != "RawConn" {
		t.Errorf("Unexpected feature name %s", FeatureRawConn)
	}
}
