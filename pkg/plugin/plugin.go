// Package plugin resolves plugins by key. A Registry is owned by one
// front end: nothing is registered globally.
package plugin

import (
	"fmt"
	"path/filepath"
	"sort"
	"sync"

	"github.com/defora/debugger/pkg/decode"
	"github.com/defora/debugger/pkg/decode/asm"
	"github.com/defora/debugger/pkg/logflags"
	"github.com/defora/debugger/pkg/proc"
	"github.com/defora/debugger/pkg/proc/native"
)

// Plugin categories.
const (
	CategoryDebug   = "debug"
	CategoryBackend = "backend"
)

// Key identifies a plugin.
type Key struct {
	Root     string
	Package  string
	Category string
	Name     string
}

// Path returns the location of the plugin in an installation tree.
func (k Key) Path() string {
	return filepath.Join(k.Root, "lib", k.Package, k.Category, k.Name+".so")
}

func (k Key) String() string {
	return k.Category + "/" + k.Name
}

// NotFoundError is returned when no plugin matches a key.
type NotFoundError struct {
	Key Key
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s: plugin %q not found", e.Key.Path(), e.Key.Name)
}

// Registry holds the plugins available to a front end.
type Registry struct {
	mu     sync.Mutex
	debug  map[string]proc.Definition
	decode map[string]decode.Definition
	log    logflags.Logger
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		debug:  make(map[string]proc.Definition),
		decode: make(map[string]decode.Definition),
		log:    logflags.PluginLogger(),
	}
}

// Default returns a registry holding the built-in plugins, the "asm"
// decoder being created with opts.
func Default(opts asm.Options) *Registry {
	r := NewRegistry()
	r.RegisterDebug(native.Definition())
	r.RegisterDecode(asm.Definition(opts))
	return r
}

// RegisterDebug adds a process control plugin in the "debug" category,
// replacing one with the same name.
func (r *Registry) RegisterDebug(def proc.Definition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.debug[def.Name] = def
	r.log.Debugf("registered %s/%s", CategoryDebug, def.Name)
}

// RegisterDecode adds a decode plugin in the "backend" category, replacing
// one with the same name.
func (r *Registry) RegisterDecode(def decode.Definition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decode[def.Name] = def
	r.log.Debugf("registered %s/%s", CategoryBackend, def.Name)
}

// Debug resolves a process control plugin.
func (r *Registry) Debug(k Key) (proc.Definition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	def, ok := r.debug[k.Name]
	if !ok || k.Category != CategoryDebug {
		return proc.Definition{}, &NotFoundError{Key: k}
	}
	return def, nil
}

// Decode resolves a decode plugin.
func (r *Registry) Decode(k Key) (decode.Definition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	def, ok := r.decode[k.Name]
	if !ok || k.Category != CategoryBackend {
		return decode.Definition{}, &NotFoundError{Key: k}
	}
	return def, nil
}

// Names returns the sorted names of the plugins in category.
func (r *Registry) Names(category string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var names []string
	switch category {
	case CategoryDebug:
		for name := range r.debug {
			names = append(names, name)
		}
	case CategoryBackend:
		for name := range r.decode {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}
