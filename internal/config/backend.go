package config

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ConfigBackend abstracts persistent config storage.
type ConfigBackend interface {
	GetString(key string) (val string, ok bool, err error)
	GetInt(key string) (val int, ok bool, err error)
	SetString(key, val string) error
	SetInt(key string, val int) error
	Delete(key string) error
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "memex-data"
		}
	}
	return filepath.Join(dir, "memex")
}

// ConfigFilePath returns the location of the YAML config file.
func ConfigFilePath() string {
	if p := os.Getenv("MEMEX_CONFIG_FILE"); p != "" {
		return p
	}
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".config")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "memex", "config.yaml")
}

// yamlBackend stores config as a YAML document. Dotted keys map to nested
// sections: "server.port" lives under server: port:.
type yamlBackend struct {
	path string
	data map[string]any
}

func newFileBackend(path string) *yamlBackend {
	b := &yamlBackend{path: path, data: make(map[string]any)}
	b.load()
	return b
}

func (b *yamlBackend) load() {
	data, err := os.ReadFile(b.path)
	if err != nil {
		if !os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "[WARN] could not read config file %s: %v. Using default values.\n", b.path, err)
		}
		return
	}
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		fmt.Fprintf(os.Stderr, "[WARN] could not parse config file %s: %v. Using default values.\n", b.path, err)
		return
	}
	if doc != nil {
		b.data = doc
	}
}

func (b *yamlBackend) save() error {
	if err := os.MkdirAll(filepath.Dir(b.path), 0o700); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	data, err := yaml.Marshal(b.data)
	if err != nil {
		return err
	}
	return os.WriteFile(b.path, data, 0o600)
}

func (b *yamlBackend) lookup(key string) (any, bool) {
	parts := strings.Split(key, ".")
	node := b.data
	for i, p := range parts {
		v, ok := node[p]
		if !ok {
			return nil, false
		}
		if i == len(parts)-1 {
			return v, true
		}
		next, ok := v.(map[string]any)
		if !ok {
			return nil, false
		}
		node = next
	}
	return nil, false
}

func (b *yamlBackend) section(key string, create bool) (map[string]any, string) {
	parts := strings.Split(key, ".")
	node := b.data
	for _, p := range parts[:len(parts)-1] {
		next, ok := node[p].(map[string]any)
		if !ok {
			if !create {
				return nil, ""
			}
			next = make(map[string]any)
			node[p] = next
		}
		node = next
	}
	return node, parts[len(parts)-1]
}

func (b *yamlBackend) GetString(key string) (string, bool, error) {
	v, ok := b.lookup(key)
	if !ok || v == nil {
		return "", false, nil
	}
	if s, ok := v.(string); ok {
		return s, true, nil
	}
	return fmt.Sprintf("%v", v), true, nil
}

func (b *yamlBackend) GetInt(key string) (int, bool, error) {
	v, ok := b.lookup(key)
	if !ok || v == nil {
		return 0, false, nil
	}
	switch val := v.(type) {
	case int:
		return val, true, nil
	case float64:
		if val < math.MinInt || val > math.MaxInt || val != math.Trunc(val) {
			return 0, true, fmt.Errorf("value %v for %s is not a valid integer or is out of range", val, key)
		}
		return int(val), true, nil
	case string:
		i, err := strconv.Atoi(val)
		if err != nil {
			return 0, true, fmt.Errorf("invalid integer for %s: %w", key, err)
		}
		return i, true, nil
	default:
		return 0, true, fmt.Errorf("invalid type for %s", key)
	}
}

func (b *yamlBackend) SetString(key, val string) error {
	node, leaf := b.section(key, true)
	node[leaf] = val
	return b.save()
}

func (b *yamlBackend) SetInt(key string, val int) error {
	node, leaf := b.section(key, true)
	node[leaf] = val
	return b.save()
}

func (b *yamlBackend) Delete(key string) error {
	node, leaf := b.section(key, false)
	if node == nil {
		return nil
	}
	delete(node, leaf)
	return b.save()
}
