// Package defaults applies per-owner default variables.
//
// The defaults file is a YAML document of the form
//
//	variables:
//	  gold: "100"
//	  rank: novice
//
// Apply sets <owner>_<name> for every entry the owner does not have yet.
package defaults

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ValentinKolb/dVar/lib/common"
	"github.com/ValentinKolb/dVar/lib/service"
	"github.com/lni/dragonboat/v4/logger"
	"gopkg.in/yaml.v3"
)

var log = logger.GetLogger("defaults")

// FileName is the defaults file inside the data directory.
const FileName = "default_variables.yml"

type document struct {
	Variables map[string]*string `yaml:"variables"`
}

// Defaults is an immutable set of default variables.
type Defaults struct {
	names  []string
	values map[string]string
}

// Load reads the defaults from path. A missing file is created empty.
func Load(path string) (*Defaults, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
		if err := common.WriteFileAtomic(path, []byte("variables: {}\n")); err != nil {
			return nil, fmt.Errorf("create %s: %w", path, err)
		}
		return New(nil), nil
	}
	if err != nil {
		return nil, err
	}

	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	values := make(map[string]string, len(doc.Variables))
	for name, v := range doc.Variables {
		if v == nil {
			continue
		}
		values[name] = *v
	}
	return New(values), nil
}

// New builds defaults from a name → value map. Names are lowercased.
func New(values map[string]string) *Defaults {
	d := &Defaults{values: make(map[string]string, len(values))}
	for name, v := range values {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			continue
		}
		d.values[name] = v
	}
	for name := range d.values {
		d.names = append(d.names, name)
	}
	sort.Strings(d.names)
	return d
}

// Len returns the number of default variables.
func (d *Defaults) Len() int { return len(d.names) }

// Apply sets every default the owner does not have yet and returns how many
// variables were set. Existing values are never overwritten, also not by a
// concurrent writer. It stops at the first rejected write.
func (d *Defaults) Apply(svc *service.Service, owner string) (int, error) {
	owner = strings.ToLower(strings.TrimSpace(owner))
	if owner == "" {
		return 0, nil
	}

	applied := 0
	for _, name := range d.names {
		set, err := svc.SetIfAbsent(owner+"_"+name, d.values[name], nil)
		if err != nil {
			return applied, fmt.Errorf("apply defaults to %s: %w", owner, err)
		}
		if set {
			applied++
		}
	}
	if applied > 0 {
		log.Debugf("applied %d default variables to %s", applied, owner)
	}
	return applied, nil
}
