package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hashicorp/consul/api"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/consul"
	"github.com/knadh/koanf/providers/etcd"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// BackendType names a supported configuration backend.
type BackendType string

const (
	BackendFile      BackendType = "file"
	BackendConsul    BackendType = "consul"
	BackendEtcd      BackendType = "etcd"
	BackendZookeeper BackendType = "zookeeper"
)

// ParseBackendType normalizes a user-supplied backend name.
func ParseBackendType(s string) (BackendType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "file":
		return BackendFile, nil
	case "consul":
		return BackendConsul, nil
	case "etcd":
		return BackendEtcd, nil
	case "zookeeper", "zk":
		return BackendZookeeper, nil
	default:
		return "", fmt.Errorf("invalid config backend: %s (valid: file, consul, etcd, zookeeper)", s)
	}
}

// LoaderOptions controls where configuration is read from and whether it is
// watched for live updates.
type LoaderOptions struct {
	Type      BackendType
	Path      string
	Endpoints []string
	Watch     bool
	OnChange  func(*Config) error
}

// Loader loads and optionally watches a Config from one of the supported
// backends, applying environment variable expansion and defaulting on every
// load.
type Loader struct {
	koanf    *koanf.Koanf
	options  LoaderOptions
	parser   *yaml.YAML
	stopChan chan struct{}
	log      *slog.Logger
}

// NewLoader validates opts and prepares a Loader, without performing I/O.
func NewLoader(opts LoaderOptions, log *slog.Logger) (*Loader, error) {
	if opts.Type == "" {
		opts.Type = BackendFile
	}
	if opts.Path == "" {
		return nil, fmt.Errorf("config path is required")
	}
	if len(opts.Endpoints) == 0 {
		switch opts.Type {
		case BackendConsul:
			opts.Endpoints = []string{"localhost:8500"}
		case BackendEtcd:
			opts.Endpoints = []string{"localhost:2379"}
		case BackendZookeeper:
			opts.Endpoints = []string{"localhost:2181"}
		}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Loader{
		koanf:    koanf.New("."),
		options:  opts,
		parser:   yaml.Parser(),
		stopChan: make(chan struct{}),
		log:      log,
	}, nil
}

// Load reads the configuration from the configured backend, expands
// environment variables, applies defaults and validates the result. If
// Watch is set it also starts a background reload goroutine.
func (l *Loader) Load() (*Config, error) {
	provider, err := l.newProvider()
	if err != nil {
		return nil, err
	}

	parser := l.parserFor()
	if err := l.koanf.Load(provider, parser); err != nil {
		return nil, fmt.Errorf("failed to load config from %s: %w", l.options.Type, err)
	}

	cfg, err := l.expandAndUnmarshal()
	if err != nil {
		return nil, err
	}

	if l.options.Watch {
		go l.watch(provider)
	}

	return cfg, nil
}

func (l *Loader) newProvider() (koanf.Provider, error) {
	switch l.options.Type {
	case BackendFile:
		return file.Provider(l.options.Path), nil
	case BackendConsul:
		cc := api.DefaultConfig()
		cc.Address = l.options.Endpoints[0]
		return consul.Provider(consul.Config{Cfg: cc, Key: l.options.Path}), nil
	case BackendEtcd:
		return etcd.Provider(etcd.Config{
			Endpoints:   l.options.Endpoints,
			DialTimeout: 5 * time.Second,
			Key:         l.options.Path,
		}), nil
	case BackendZookeeper:
		return NewZookeeperProvider(l.options.Endpoints, l.options.Path)
	default:
		return nil, fmt.Errorf("unsupported config backend: %s", l.options.Type)
	}
}

func (l *Loader) parserFor() koanf.Parser {
	if l.options.Type == BackendFile || l.options.Type == BackendZookeeper {
		return l.parser
	}
	return nil
}

func (l *Loader) expandAndUnmarshal() (*Config, error) {
	rawMap := l.koanf.Raw()
	expanded := ExpandEnvVarsInData(rawMap)
	expandedMap, ok := expanded.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected type after environment variable expansion")
	}

	merged := koanf.New(".")
	if err := merged.Load(confmap.Provider(expandedMap, "."), nil); err != nil {
		return nil, fmt.Errorf("failed to load expanded config: %w", err)
	}
	l.koanf = merged

	cfg := &Config{}
	if err := l.koanf.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "yaml"}); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

type watcher interface {
	Watch(cb func(event interface{}, err error)) error
}

func (l *Loader) watch(provider koanf.Provider) {
	w, ok := provider.(watcher)
	if !ok {
		l.log.Warn("config backend does not support watching", "backend", l.options.Type)
		return
	}

	l.log.Info("config watcher started", "backend", l.options.Type)

	err := w.Watch(func(event interface{}, err error) {
		select {
		case <-l.stopChan:
			return
		default:
		}
		if err != nil {
			l.log.Warn("config watch error", "error", err)
			return
		}

		if loadErr := l.koanf.Load(provider, l.parserFor()); loadErr != nil {
			l.log.Warn("failed to reload config", "error", loadErr)
			return
		}
		newCfg, procErr := l.expandAndUnmarshal()
		if procErr != nil {
			l.log.Warn("reloaded config processing failed", "error", procErr)
			return
		}
		if l.options.OnChange != nil {
			if cbErr := l.options.OnChange(newCfg); cbErr != nil {
				l.log.Warn("config change callback failed", "error", cbErr)
				return
			}
		}
		l.log.Info("configuration reloaded", "backend", l.options.Type)
	})
	if err != nil {
		l.log.Warn("config watch stopped", "error", err)
	}
}

// Stop ends any active watch goroutine.
func (l *Loader) Stop() {
	close(l.stopChan)
}

// Load is a convenience wrapper around NewLoader().Load() for callers that
// don't need to keep the Loader around (e.g. to Stop a watch later).
func Load(opts LoaderOptions, log *slog.Logger) (*Config, error) {
	loader, err := NewLoader(opts, log)
	if err != nil {
		return nil, err
	}
	return loader.Load()
}

// LoadFromString parses a standalone YAML document, applying the same
// defaulting and validation as Load, but without environment variable
// expansion.
func LoadFromString(yamlContent string) (*Config, error) {
	k := koanf.New(".")
	if err := k.Load(rawBytesProvider(yamlContent), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg := &Config{}
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "yaml"}); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

type rawBytesProvider string

func (p rawBytesProvider) ReadBytes() ([]byte, error) { return []byte(p), nil }
func (p rawBytesProvider) Read() (map[string]interface{}, error) {
	return nil, fmt.Errorf("unsupported")
}
