package config

import (
	"bytes"
	"context"
	stderrors "errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/quotaguard/quotamux/internal/errors"
)

// EnvConfigPath names the environment variable holding the config path.
const EnvConfigPath = "QUOTAMUX_CONFIG_PATH"

// reloadDebounce collapses the burst of events editors emit for one save.
const reloadDebounce = 150 * time.Millisecond

// Loader reads the config file and hot-reloads it on change.
type Loader struct {
	path string

	mu       sync.RWMutex
	config   *Config
	raw      []byte
	onChange func(*Config)
	onError  func(error)
}

func NewLoader(path string) *Loader {
	return &Loader{path: path}
}

// Path returns the file the loader reads.
func (l *Loader) Path() string {
	return l.path
}

// Load reads, expands and validates the file. ${VAR} references are
// expanded from the environment before parsing.
func (l *Loader) Load() (*Config, error) {
	cfg, _, err := l.read()
	return cfg, err
}

func (l *Loader) read() (*Config, bool, error) {
	content, err := os.ReadFile(l.path)
	if err != nil {
		if stderrors.Is(err, fs.ErrNotExist) {
			return nil, false, &errors.ErrConfigNotFound{Path: l.path}
		}
		return nil, false, &errors.ErrConfigRead{Path: l.path, Err: err}
	}

	cfg, err := Parse(substituteEnvVars(content))
	if err != nil {
		return nil, false, err
	}

	l.mu.Lock()
	changed := !bytes.Equal(l.raw, content)
	l.config = cfg
	l.raw = content
	l.mu.Unlock()
	return cfg, changed, nil
}

// LoadOrDefault loads the file, falling back to defaults when it does not exist.
func (l *Loader) LoadOrDefault() (*Config, error) {
	cfg, err := l.Load()
	var missing *errors.ErrConfigNotFound
	if !stderrors.As(err, &missing) {
		return cfg, err
	}
	cfg = Default()
	l.mu.Lock()
	l.config = cfg
	l.mu.Unlock()
	return cfg, nil
}

// Reload loads the file and hands the result to the change callback.
func (l *Loader) Reload() (*Config, error) {
	cfg, err := l.Load()
	if err != nil {
		return nil, err
	}
	l.notify(cfg)
	return cfg, nil
}

// Get returns the last configuration loaded.
func (l *Loader) Get() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.config
}

func (l *Loader) SetOnChange(fn func(*Config)) {
	l.mu.Lock()
	l.onChange = fn
	l.mu.Unlock()
}

// SetOnError sets a callback for reload failures seen by Watch.
func (l *Loader) SetOnError(fn func(error)) {
	l.mu.Lock()
	l.onError = fn
	l.mu.Unlock()
}

// Watch reloads the config after the file settles, until ctx is done. The
// parent directory is watched so editors that replace the file atomically
// are picked up. A reload whose bytes match the last good load is skipped,
// and an invalid file keeps the previous config.
func (l *Loader) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(l.path)); err != nil {
		watcher.Close()
		return err
	}

	target := filepath.Clean(l.path)
	go func() {
		defer watcher.Close()
		timer := time.NewTimer(time.Hour)
		timer.Stop()
		defer timer.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target || event.Has(fsnotify.Remove) {
					continue
				}
				timer.Reset(reloadDebounce)
			case <-timer.C:
				cfg, changed, err := l.read()
				switch {
				case err != nil:
					l.reportError(err)
				case changed:
					l.notify(cfg)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				l.reportError(err)
			}
		}
	}()
	return nil
}

func (l *Loader) notify(cfg *Config) {
	l.mu.RLock()
	onChange := l.onChange
	l.mu.RUnlock()
	if onChange != nil {
		onChange(cfg)
	}
}

func (l *Loader) reportError(err error) {
	l.mu.RLock()
	onError := l.onError
	l.mu.RUnlock()
	if onError != nil {
		onError(err)
	}
}

// PathFromEnv returns the config path from the environment or the default.
func PathFromEnv() string {
	if path := os.Getenv(EnvConfigPath); path != "" {
		return path
	}
	return "quotamux.yaml"
}

// Default returns a validated configuration with every default applied.
func Default() *Config {
	cfg, err := Parse([]byte(`version: "1"`))
	if err != nil {
		panic(err)
	}
	return cfg
}

// Parse decodes YAML over the built-in defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	config := Config{
		Server: ServerConfig{
			HTTPPort:        8318,
			ShutdownTimeout: 30 * time.Second,
			LogLevel:        "info",
		},
	}

	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, &errors.ErrConfigParse{Err: err}
	}
	if err := config.Validate(); err != nil {
		return nil, &errors.ErrConfigValidation{Err: err}
	}
	return &config, nil
}

func substituteEnvVars(content []byte) []byte {
	return []byte(os.ExpandEnv(string(content)))
}
