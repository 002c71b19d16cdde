// Package registry loads the chat command registry from a YAML file and
// resolves incoming command tokens to their specs. The file is re-read when
// its modification time changes so commands can be edited without a restart.
package registry

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Argument types understood by the parser.
const (
	TypeString  = "string"
	TypeNumber  = "number"
	TypeInteger = "integer"
	TypePercent = "percent"
	TypeEnum    = "enum"
)

var errNoCommands = errors.New("registry file declares no commands")

// Arg describes one positional argument of a command.
type Arg struct {
	Name     string   `yaml:"name"`
	Type     string   `yaml:"type"`
	Required bool     `yaml:"required"`
	Many     bool     `yaml:"many"`
	MinItems int      `yaml:"min_items"`
	MaxItems int      `yaml:"max_items"`
	Min      *float64 `yaml:"min"`
	Max      *float64 `yaml:"max"`
	Values   []string `yaml:"values"`
}

// Dispatch names the backend call a command maps to. Commands without a
// dispatch block are handled inside the router (help, cancel).
type Dispatch struct {
	Service string            `yaml:"service"`
	Method  string            `yaml:"method"`
	Path    string            `yaml:"path"`
	ArgsMap map[string]string `yaml:"args_map"`
}

// Command is one entry of the registry file.
type Command struct {
	Name     string    `yaml:"name"`
	Aliases  []string  `yaml:"aliases"`
	Help     string    `yaml:"help"`
	Usage    string    `yaml:"usage"`
	Example  string    `yaml:"example"`
	Confirm  bool      `yaml:"confirm"`
	Args     []Arg     `yaml:"args"`
	Dispatch *Dispatch `yaml:"dispatch"`
}

// Local reports whether the command is answered by the router itself.
func (c *Command) Local() bool { return c.Dispatch == nil }

type registryFile struct {
	Commands []Command `yaml:"commands"`
}

type snapshot struct {
	byName map[string]*Command
	order  []*Command
	mtime  time.Time
}

// Registry is a hot-reloading view over the command file. Lookups are safe
// for concurrent use; reloads swap the whole snapshot under the write lock.
type Registry struct {
	path string
	log  zerolog.Logger

	mu   sync.RWMutex
	snap *snapshot
}

// New loads the registry from path. The initial load must succeed; later
// reload failures keep the last good snapshot.
func New(path string, logger zerolog.Logger) (*Registry, error) {
	snap, err := load(path)
	if err != nil {
		return nil, fmt.Errorf("registry %s: %w", path, err)
	}
	return &Registry{
		path: path,
		log:  logger.With().Str("component", "registry").Logger(),
		snap: snap,
	}, nil
}

// Resolve maps a command token to its spec. The token may carry a leading
// slash and a @botname suffix and is matched case-insensitively against
// names and aliases. Returns nil when unknown.
func (r *Registry) Resolve(token string) *Command {
	name := Canonical(token)
	if name == "" {
		return nil
	}
	r.maybeReload()
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snap.byName[name]
}

// Commands returns the registry entries in file order, for help screens.
func (r *Registry) Commands() []*Command {
	r.maybeReload()
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Command, len(r.snap.order))
	copy(out, r.snap.order)
	return out
}

// Canonical strips the leading slash and any @botname suffix from a command
// token and lowercases the remainder.
func Canonical(token string) string {
	name := strings.TrimPrefix(strings.TrimSpace(token), "/")
	if at := strings.IndexByte(name, '@'); at >= 0 {
		name = name[:at]
	}
	return strings.ToLower(name)
}

func (r *Registry) maybeReload() {
	fi, err := os.Stat(r.path)
	if err != nil {
		return
	}
	r.mu.RLock()
	same := fi.ModTime().Equal(r.snap.mtime)
	r.mu.RUnlock()
	if same {
		return
	}
	snap, err := load(r.path)
	if err != nil {
		r.log.Warn().Err(err).Str("path", r.path).Msg("registry reload failed, keeping previous")
		return
	}
	r.mu.Lock()
	r.snap = snap
	r.mu.Unlock()
	r.log.Info().Int("commands", len(snap.order)).Msg("registry reloaded")
}

func load(path string) (*snapshot, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f registryFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, err
	}
	if len(f.Commands) == 0 {
		return nil, errNoCommands
	}
	snap := &snapshot{
		byName: make(map[string]*Command, len(f.Commands)*2),
		order:  make([]*Command, 0, len(f.Commands)),
		mtime:  fi.ModTime(),
	}
	for i := range f.Commands {
		c := &f.Commands[i]
		if err := c.validate(); err != nil {
			return nil, fmt.Errorf("command %q: %w", c.Name, err)
		}
		for _, name := range append([]string{c.Name}, c.Aliases...) {
			key := strings.ToLower(name)
			if _, dup := snap.byName[key]; dup {
				return nil, fmt.Errorf("duplicate command name %q", key)
			}
			snap.byName[key] = c
		}
		snap.order = append(snap.order, c)
	}
	return snap, nil
}

func (c *Command) validate() error {
	if c.Name == "" {
		return errors.New("missing name")
	}
	for i, a := range c.Args {
		switch a.Type {
		case TypeString, TypeNumber, TypeInteger, TypePercent:
		case TypeEnum:
			if len(a.Values) == 0 {
				return fmt.Errorf("enum arg %q has no values", a.Name)
			}
		default:
			return fmt.Errorf("arg %q has unknown type %q", a.Name, a.Type)
		}
		if a.Many && i != len(c.Args)-1 {
			return fmt.Errorf("variadic arg %q must be last", a.Name)
		}
	}
	if c.Dispatch != nil {
		if c.Dispatch.Service == "" || c.Dispatch.Path == "" {
			return errors.New("dispatch needs service and path")
		}
		switch c.Dispatch.Method {
		case "GET", "POST":
		default:
			return fmt.Errorf("dispatch method %q not supported", c.Dispatch.Method)
		}
	}
	return nil
}
