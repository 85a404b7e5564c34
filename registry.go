// Copyright 2025 The Mcvisor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package mcvisor

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
)

// Registry holds the known instance definitions in source order.  It does
// not own any runtime state; the Manager keeps runtime state alive across
// reloads and consults the registry for the current definition set.
type Registry struct {
	mx     sync.Mutex
	defs   []InstanceDefinition
	byName map[string]int
}

func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]int)}
}

// List returns the definitions in source order.  The slice is a copy.
func (r *Registry) List() []InstanceDefinition {
	r.mx.Lock()
	defer r.mx.Unlock()
	return append([]InstanceDefinition{}, r.defs...)
}

// Get returns the definition for name.
func (r *Registry) Get(name string) (InstanceDefinition, error) {
	r.mx.Lock()
	defer r.mx.Unlock()
	if i, ok := r.byName[name]; ok {
		return r.defs[i], nil
	}
	return InstanceDefinition{}, ErrNoSuchInstance
}

// Replace swaps in a new definition set.  It returns the names added by the
// new set and the names it dropped; the caller is responsible for orphaning
// any runtime state tied to dropped names.
func (r *Registry) Replace(defs []InstanceDefinition) (added, removed []string, err error) {
	byName := make(map[string]int, len(defs))
	for i, d := range defs {
		if e := d.Valid(); e != nil {
			return nil, nil, fmt.Errorf("definition %q: %w", d.Name, e)
		}
		if _, dup := byName[d.Name]; dup {
			return nil, nil, fmt.Errorf("definition %q: duplicate name", d.Name)
		}
		byName[d.Name] = i
	}

	r.mx.Lock()
	defer r.mx.Unlock()
	for name := range byName {
		if _, ok := r.byName[name]; !ok {
			added = append(added, name)
		}
	}
	for name := range r.byName {
		if _, ok := byName[name]; !ok {
			removed = append(removed, name)
		}
	}
	r.defs = append([]InstanceDefinition{}, defs...)
	r.byName = byName
	sort.Strings(added)
	sort.Strings(removed)
	return added, removed, nil
}

// ReadDefinition parses one TOML instance definition.  Structural
// validation happens when the definition set is handed to Replace.
func ReadDefinition(rd io.Reader) (InstanceDefinition, error) {
	var d InstanceDefinition
	if _, err := toml.NewDecoder(rd).Decode(&d); err != nil {
		return d, err
	}
	return d, nil
}

// LoadDefinitionDir reads every *.toml file in dir, in lexical order, and
// returns the definitions found.  Files that fail to parse are skipped with
// their errors collected, so one bad file does not take down the rest.
func LoadDefinitionDir(dir string) ([]InstanceDefinition, []error) {
	names, err := filepath.Glob(filepath.Join(dir, "*.toml"))
	if err != nil {
		return nil, []error{err}
	}
	sort.Strings(names)

	var defs []InstanceDefinition
	var errs []error
	for _, fn := range names {
		f, err := os.Open(fn)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		d, err := ReadDefinition(f)
		f.Close()
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", filepath.Base(fn), err))
			continue
		}
		if d.Name == "" {
			d.Name = strings.TrimSuffix(filepath.Base(fn), ".toml")
		}
		defs = append(defs, d)
	}
	return defs, errs
}
