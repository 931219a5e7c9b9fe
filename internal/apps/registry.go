// Package apps implements the app registry named as an external
// collaborator in spec §1/§4.6: a pattern → command lookup with
// exact-match-then-regex-pattern-then-default resolution, loaded from
// a YAML file and reloadable on SIGHUP.
package apps

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// placeholderRe matches a single {name} capture placeholder in a
// pattern, as named in spec §4.6.
var placeholderRe = regexp.MustCompile(`\{([a-zA-Z_][a-zA-Z0-9_]*)\}`)

// App is one registered entry: the literal command line to run, split
// into argv, plus the compiled pattern matcher for username routing.
type App struct {
	Name    string
	Command []string

	pattern    *regexp.Regexp // nil for an exact (non-parameterized) name
	paramNames []string
}

// IsPattern reports whether Name contains {name} placeholders.
func (a *App) IsPattern() bool { return a.pattern != nil }

// ParamOrder returns the capture names in the order they appear in
// the pattern, matching the order spec §4.6 requires params to be
// appended to the spawned command.
func (a *App) ParamOrder() []string { return a.paramNames }

// Resolution is the result of resolving a username (or exec string)
// against the registry.
type Resolution struct {
	App    *App
	Params map[string]string // capture name -> value; App.ParamOrder gives the pattern order
}

// fileEntry is the YAML shape of one registry file entry.
type fileEntry struct {
	Name    string   `yaml:"name"`
	Command []string `yaml:"command"`
}

// Registry is a name/pattern -> App lookup, safe for concurrent use.
// Reload() replaces its contents atomically so in-flight Resolve calls
// never see a half-updated map.
type Registry struct {
	path string

	mu      sync.RWMutex
	exact   map[string]*App
	ordered []*App // patterns only, insertion order, for §4.6's scan order
}

// New returns an empty Registry not backed by any file, useful for
// tests that construct apps directly via Put.
func New() *Registry {
	return &Registry{exact: map[string]*App{}}
}

// LoadFile builds a Registry from a YAML file of {name, command} entries.
func LoadFile(path string) (*Registry, error) {
	r := &Registry{path: path}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload re-reads the backing file (no-op if the Registry was built
// with New) and atomically swaps in the new entries. Bound to SIGHUP
// by the embedding program (spec §6).
func (r *Registry) Reload() error {
	if r.path == "" {
		return nil
	}
	raw, err := os.ReadFile(r.path)
	if err != nil {
		return fmt.Errorf("apps: reload: %w", err)
	}
	var entries []fileEntry
	if err := yaml.Unmarshal(raw, &entries); err != nil {
		return fmt.Errorf("apps: parse %s: %w", r.path, err)
	}

	exact := map[string]*App{}
	var ordered []*App
	for _, e := range entries {
		app, err := compile(e.Name, e.Command)
		if err != nil {
			return fmt.Errorf("apps: entry %q: %w", e.Name, err)
		}
		if app.IsPattern() {
			ordered = append(ordered, app)
		} else {
			exact[app.Name] = app
		}
	}

	r.mu.Lock()
	r.exact = exact
	r.ordered = ordered
	r.mu.Unlock()
	return nil
}

// Put registers one app directly, bypassing the file loader. Patterns
// are appended to the scan order after any already present.
func (r *Registry) Put(name string, command []string) error {
	app, err := compile(name, command)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.exact == nil {
		r.exact = map[string]*App{}
	}
	if app.IsPattern() {
		r.ordered = append(r.ordered, app)
	} else {
		r.exact[app.Name] = app
	}
	return nil
}

func compile(name string, command []string) (*App, error) {
	if name == "" {
		return nil, fmt.Errorf("empty app name")
	}
	if len(command) == 0 {
		return nil, fmt.Errorf("app %q has no command", name)
	}
	matches := placeholderRe.FindAllStringSubmatchIndex(name, -1)
	if len(matches) == 0 {
		return &App{Name: name, Command: command}, nil
	}

	var sb strings.Builder
	sb.WriteString("^")
	var params []string
	last := 0
	for _, m := range matches {
		sb.WriteString(regexp.QuoteMeta(name[last:m[0]]))
		sb.WriteString("([^/]+)")
		params = append(params, name[m[2]:m[3]])
		last = m[1]
	}
	sb.WriteString(regexp.QuoteMeta(name[last:]))
	sb.WriteString("$")

	re, err := regexp.Compile(sb.String())
	if err != nil {
		return nil, err
	}
	return &App{Name: name, Command: command, pattern: re, paramNames: params}, nil
}

// Resolve implements the full lookup contract of spec §4.6: exact
// match first, else the first pattern (in insertion order) whose
// regex matches, else the "default" entry if registered, else
// failure. Used when a channel actually needs to start an app (exec,
// shell).
func (r *Registry) Resolve(name string) (*Resolution, bool) {
	if res, ok := r.resolveNamed(name); ok {
		return res, true
	}
	r.mu.RLock()
	app, ok := r.exact["default"]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return &Resolution{App: app}, true
}

// ResolveNamed matches name against an exact entry or a pattern only
// — it never falls back to "default". Used for username routing
// (spec §4.3: "if the supplied username matches an app in the
// registry (directly or by the parameterized pattern)"), which must
// not treat every unmatched username as the default app.
func (r *Registry) ResolveNamed(name string) (*Resolution, bool) {
	return r.resolveNamed(name)
}

func (r *Registry) resolveNamed(name string) (*Resolution, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if app, ok := r.exact[name]; ok {
		return &Resolution{App: app}, true
	}
	for _, app := range r.ordered {
		m := app.pattern.FindStringSubmatch(name)
		if m == nil {
			continue
		}
		params := make(map[string]string, len(app.paramNames))
		for i, pname := range app.paramNames {
			params[pname] = m[i+1]
		}
		return &Resolution{App: app, Params: params}, true
	}
	return nil, false
}
