package config

import (
	"errors"
	"strings"
	"testing"

	"github.com/ValentinKolb/dVar/lib/backend"
)

func TestDefaultIsValid(t *testing.T) {
	c := Default()
	if err := c.Validate(); err != nil {
		t.Fatalf("Default config should be valid: %v", err)
	}
	if c.Queue.FlushInterval.Milliseconds() != 200 {
		t.Errorf("Expected 200ms flush interval, got %s", c.Queue.FlushInterval)
	}
	if c.YAML.SaveDelay.Milliseconds() != 2000 {
		t.Errorf("Expected 2000ms save delay, got %s", c.YAML.SaveDelay)
	}
}

func TestValidate(t *testing.T) {
	c := Default()
	c.StorageType = backend.TypeMariaDB
	c.MySQL.Port = 0
	if err := c.Validate(); !errors.Is(err, ErrPortInvalid) {
		t.Errorf("Expected ErrPortInvalid, got %v", err)
	}

	c = Default()
	c.StorageType = backend.TypeYAML
	c.DataDir = " "
	if err := c.Validate(); !errors.Is(err, ErrDataDirEmpty) {
		t.Errorf("Expected ErrDataDirEmpty, got %v", err)
	}

	c = Default()
	c.StorageType = "redis"
	if err := c.Validate(); !errors.Is(err, ErrUnknownStorageType) {
		t.Errorf("Expected ErrUnknownStorageType, got %v", err)
	}

	c = Default()
	c.Schema.Table = "bad name"
	if err := c.Validate(); err == nil {
		t.Errorf("Expected an invalid table name to be rejected")
	}
}

func TestStringHidesPassword(t *testing.T) {
	c := Default()
	c.StorageType = backend.TypeMySQL
	c.MySQL.Password = "hunter2"
	out := c.String()
	if strings.Contains(out, "hunter2") {
		t.Errorf("Config string must not contain the password")
	}
	if !strings.Contains(out, "NETWORKED STORE") {
		t.Errorf("Expected networked section in:\n%s", out)
	}
}
