package capsule

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

const manifestFilename = "manifest.yaml"

// Manifest describes one capsule to load from the capsules directory.
type Manifest struct {
	Name    string  `yaml:"name"`
	Kind    string  `yaml:"kind"`
	Enabled *bool   `yaml:"enabled"`
	Options Options `yaml:"options"`

	// Dir is the directory holding the manifest; relative paths in Options
	// resolve against it.
	Dir string `yaml:"-"`
}

// Path resolves a path-valued option against the manifest directory.
func (m *Manifest) Path(key string) string {
	p := m.Options.String(key, "")
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(m.Dir, p)
}

func (m *Manifest) validate() error {
	if strings.TrimSpace(m.Name) == "" {
		return errors.New("name is required")
	}
	if strings.TrimSpace(m.Kind) == "" {
		return errors.New("kind is required")
	}
	return nil
}

// Factory builds a capsule from its manifest.
type Factory func(m Manifest) (Capsule, error)

var (
	registryLock sync.RWMutex
	registry     = map[string]Factory{}
)

// Register makes a capsule kind available to manifests. Registering the same
// kind twice panics.
func Register(kind string, f Factory) {
	registryLock.Lock()
	defer registryLock.Unlock()
	if _, ok := registry[kind]; ok {
		log.Panicf("capsule kind %q already registered", kind)
	}
	registry[kind] = f
}

// Kinds lists the registered capsule kinds.
func Kinds() []string {
	registryLock.RLock()
	defer registryLock.RUnlock()
	var kinds []string
	for k := range registry {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

func lookupFactory(kind string) (Factory, bool) {
	registryLock.RLock()
	defer registryLock.RUnlock()
	f, ok := registry[kind]
	return f, ok
}

// LoadManifest reads and validates a manifest file.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest YAML: %w", err)
	}
	if err := m.validate(); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}
	m.Dir = filepath.Dir(path)
	return &m, nil
}

// Discover loads every capsule with a manifest.yaml under dir, in lexical
// path order. Invalid manifests, disabled capsules and capsules that fail to
// build are logged and skipped; duplicate names keep the first.
func Discover(dir string) ([]Capsule, error) {
	root, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve capsules dir %q: %w", dir, err)
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("failed to stat capsules dir %s: %w", root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("capsules dir is not a directory: %s", root)
	}

	var capsules []Capsule
	seen := make(map[string]string)
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() || d.Name() != manifestFilename {
			return nil
		}
		mlog := log.WithField("path", path)

		m, err := LoadManifest(path)
		if err != nil {
			mlog.Warnf("Skipping capsule: %v", err)
			return nil
		}
		mlog = mlog.WithField("capsule", m.Name)
		if m.Enabled != nil && !*m.Enabled {
			mlog.Info("Capsule disabled")
			return nil
		}
		if kept, ok := seen[m.Name]; ok {
			mlog.Warnf("Duplicate capsule ignored (keeping %s)", kept)
			return nil
		}
		factory, ok := lookupFactory(m.Kind)
		if !ok {
			mlog.Warnf("Skipping capsule of unknown kind %q (known: %s)", m.Kind, strings.Join(Kinds(), ", "))
			return nil
		}
		c, err := factory(*m)
		if err != nil {
			mlog.Warnf("Failed to load capsule: %v", err)
			return nil
		}
		seen[m.Name] = path
		capsules = append(capsules, c)
		mlog.WithField("kind", m.Kind).Info("Loaded capsule")
		return nil
	})
	if err != nil {
		for _, c := range capsules {
			c.Close()
		}
		return nil, fmt.Errorf("failed to scan capsules dir %s: %w", root, err)
	}
	return capsules, nil
}
