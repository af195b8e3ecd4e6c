package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Loader reads, validates, and hot-reloads a YAML Config file. Safe for
// concurrent use: Get returns a snapshot pointer swapped atomically under a
// read-write lock, matching the teacher's copy-on-write config pattern.
type Loader struct {
	mu       sync.RWMutex
	cfg      *Config
	path     string
	watcher  *fsnotify.Watcher
	watchDone chan struct{}
}

// NewLoader returns a Loader seeded with DefaultConfig() until Load is
// called.
func NewLoader() *Loader {
	return &Loader{cfg: DefaultConfig()}
}

// Load reads and parses the YAML file at path, substituting ${VAR} and
// ${VAR:-default} environment references before parsing.
func (l *Loader) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}

	expanded := substituteEnvVars(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}

	l.mu.Lock()
	l.cfg = cfg
	l.path = path
	l.mu.Unlock()
	return nil
}

// Get returns the current config snapshot.
func (l *Loader) Get() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cfg
}

// FilePath returns the path last successfully loaded from, or "" if Load
// has never succeeded.
func (l *Loader) FilePath() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.path
}

// Reload re-reads the previously loaded file.
func (l *Loader) Reload() error {
	l.mu.RLock()
	path := l.path
	l.mu.RUnlock()
	if path == "" {
		return fmt.Errorf("config: Reload called before a successful Load")
	}
	return l.Load(path)
}

// Watch starts an fsnotify watcher on the loaded file's directory and calls
// Reload whenever it changes, invoking onReload (if non-nil) afterward.
// Grounded on internal/policy/loader.go's WatchConfig/watchLoop shape.
func (l *Loader) Watch(onReload func(error)) error {
	l.mu.Lock()
	path := l.path
	if path == "" {
		l.mu.Unlock()
		return fmt.Errorf("config: Watch called before a successful Load")
	}
	if l.watcher != nil {
		l.mu.Unlock()
		return fmt.Errorf("config: already watching")
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		l.mu.Unlock()
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	dir := filepath.Dir(path)
	if err := w.Add(dir); err != nil {
		w.Close()
		l.mu.Unlock()
		return fmt.Errorf("watch config directory %s: %w", dir, err)
	}
	l.watcher = w
	l.watchDone = make(chan struct{})
	l.mu.Unlock()

	go func() {
		defer close(l.watchDone)
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) {
					err := l.Reload()
					if onReload != nil {
						onReload(err)
					}
				}
			case _, ok := <-w.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return nil
}

// StopWatch stops a running Watch, if any.
func (l *Loader) StopWatch() {
	l.mu.Lock()
	w := l.watcher
	done := l.watchDone
	l.watcher = nil
	l.watchDone = nil
	l.mu.Unlock()
	if w != nil {
		w.Close()
		if done != nil {
			<-done
		}
	}
}

// GenerateDefault writes DefaultConfig() as YAML to path.
func GenerateDefault(path string) error {
	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return fmt.Errorf("marshal default config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// substituteEnvVars expands ${VAR} and ${VAR:-default} references against
// the process environment.
func substituteEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		name, def := groups[1], groups[3]
		if v, ok := os.LookupEnv(name); ok {
			return v
		}
		return def
	})
}
