// Package repo resolves repository metadata for sessions: display names,
// filesystem paths, and the filtered environment passed to agent workers.
package repo

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/goccy/go-yaml"
)

// Repository describes one registered repository.
type Repository struct {
	ID   string `yaml:"id" json:"id"`
	Name string `yaml:"name" json:"name"`
	Path string `yaml:"path" json:"path"`
	// EnvVars are extra variables exported to workers in this repository.
	EnvVars map[string]string `yaml:"envVars" json:"envVars,omitempty"`
	// EnvAllowlist names host variables forwarded to workers. Empty means
	// forward the standard baseline only.
	EnvAllowlist []string `yaml:"envAllowlist" json:"envAllowlist,omitempty"`
}

// baselineEnv is always forwarded from the host environment.
var baselineEnv = []string{"HOME", "PATH", "USER", "SHELL", "LANG", "TMPDIR"}

// Lookup resolves repository ids against a YAML registry file.
type Lookup struct {
	mu    sync.RWMutex
	repos map[string]Repository
}

// registryFile is the on-disk shape of the repositories file.
type registryFile struct {
	Repositories []Repository `yaml:"repositories"`
}

// Load reads the registry file. A missing file yields an empty lookup, not
// an error, so a fresh install works before any repository is registered.
func Load(path string) (*Lookup, error) {
	l := &Lookup{repos: make(map[string]Repository)}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return l, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read repositories file: %w", err)
	}

	var reg registryFile
	if err := yaml.Unmarshal(data, &reg); err != nil {
		return nil, fmt.Errorf("failed to parse repositories file: %w", err)
	}

	for _, r := range reg.Repositories {
		if r.ID == "" {
			continue
		}
		l.repos[r.ID] = r
	}
	return l, nil
}

// Get returns a repository by id.
func (l *Lookup) Get(repositoryID string) (Repository, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	r, ok := l.repos[repositoryID]
	return r, ok
}

// List returns all repositories sorted by id.
func (l *Lookup) List() []Repository {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Repository, 0, len(l.repos))
	for _, r := range l.repos {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Add registers or replaces a repository in memory.
func (l *Lookup) Add(r Repository) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.repos[r.ID] = r
}

// WorkerEnv builds the environment slice for a worker in the given
// repository: the baseline host variables, the repository allowlist, then
// the repository's own variables. Unknown repository ids get the baseline.
func (l *Lookup) WorkerEnv(repositoryID string) []string {
	r, _ := l.Get(repositoryID)

	allow := make(map[string]bool, len(baselineEnv)+len(r.EnvAllowlist))
	for _, k := range baselineEnv {
		allow[k] = true
	}
	for _, k := range r.EnvAllowlist {
		allow[k] = true
	}

	var env []string
	for _, kv := range os.Environ() {
		key, _, ok := strings.Cut(kv, "=")
		if ok && allow[key] {
			env = append(env, kv)
		}
	}
	for k, v := range r.EnvVars {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)
	return env
}
