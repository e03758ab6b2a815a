// Package manifest handles litevm.toml project configuration.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/chazu/litevm/vm"
	"github.com/tliron/commonlog"
)

// FileName is the project configuration file searched for by FindAndLoad.
const FileName = "litevm.toml"

// DefaultPort is the server port used when [server] omits one.
const DefaultPort = 4680

// Manifest represents a litevm.toml project configuration.
type Manifest struct {
	Project Project      `toml:"project"`
	Engine  EngineConfig `toml:"engine"`
	Log     LogConfig    `toml:"log"`
	Server  ServerConfig `toml:"server"`
	Journal Journal      `toml:"journal"`

	// Dir is the directory containing the litevm.toml file (set at load time).
	Dir string `toml:"-"`
}

// Project names the program a project runs.
type Project struct {
	Name    string `toml:"name"`
	Program string `toml:"program"`
	Entry   string `toml:"entry"`
}

// EngineConfig sets VM limits. Zero values leave the engine defaults.
type EngineConfig struct {
	MaxFrameDepth   int `toml:"max-frame-depth"`
	MaxHeapEntities int `toml:"max-heap-entities"`
	MethodCacheSize int `toml:"method-cache-size"`
}

// LogConfig configures commonlog.
type LogConfig struct {
	Verbosity int    `toml:"verbosity"`
	File      string `toml:"file"`
}

// ServerConfig configures litevm serve.
type ServerConfig struct {
	Port int `toml:"port"`
}

// Journal configures the run journal. An empty path disables it.
type Journal struct {
	Path string `toml:"path"`
}

// Load parses a litevm.toml file from the given directory.
func Load(dir string) (*Manifest, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	m, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}

	m.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}
	return m, nil
}

// Parse decodes litevm.toml content and applies defaults. Unknown keys are
// rejected.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	md, err := toml.Decode(string(data), &m)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown key %q", undecoded[0].String())
	}
	if err := m.validate(); err != nil {
		return nil, err
	}

	// Defaults
	if m.Server.Port == 0 {
		m.Server.Port = DefaultPort
	}
	return &m, nil
}

func (m *Manifest) validate() error {
	e := m.Engine
	switch {
	case e.MaxFrameDepth < 0:
		return fmt.Errorf("engine.max-frame-depth must not be negative")
	case e.MaxHeapEntities < 0:
		return fmt.Errorf("engine.max-heap-entities must not be negative")
	case e.MethodCacheSize < 0:
		return fmt.Errorf("engine.method-cache-size must not be negative")
	case m.Server.Port < 0 || m.Server.Port > 65535:
		return fmt.Errorf("server.port %d out of range", m.Server.Port)
	}
	if m.Project.Entry != "" {
		if _, err := vm.ParseMethodRef(m.Project.Entry); err != nil {
			return fmt.Errorf("project.entry: %w", err)
		}
	}
	return nil
}

// FindAndLoad walks up from startDir to find a litevm.toml file,
// then loads and returns the manifest. Returns nil if no manifest is found.
func FindAndLoad(startDir string) (*Manifest, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			return nil, nil
		}
		dir = parent
	}
}

// Resolve returns p relative to the manifest directory, or p itself when it
// is absolute or empty.
func (m *Manifest) Resolve(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(m.Dir, p)
}

// ProgramPath returns the absolute path of the project program.
func (m *Manifest) ProgramPath() string {
	return m.Resolve(m.Project.Program)
}

// JournalPath returns the absolute path of the journal database, or "" when
// journaling is off.
func (m *Manifest) JournalPath() string {
	return m.Resolve(m.Journal.Path)
}

// EntryRef parses project.entry. ok is false when no entry is configured.
func (m *Manifest) EntryRef() (ref vm.MethodRef, ok bool) {
	if m.Project.Entry == "" {
		return vm.MethodRef{}, false
	}
	ref, err := vm.ParseMethodRef(m.Project.Entry)
	return ref, err == nil
}

// VMOptions translates the [engine] table into VM options.
func (m *Manifest) VMOptions() []vm.Option {
	var opts []vm.Option
	if m.Engine.MaxFrameDepth > 0 {
		opts = append(opts, vm.WithMaxFrameDepth(m.Engine.MaxFrameDepth))
	}
	if m.Engine.MaxHeapEntities > 0 {
		opts = append(opts, vm.WithMaxHeapEntities(m.Engine.MaxHeapEntities))
	}
	if m.Engine.MethodCacheSize > 0 {
		opts = append(opts, vm.WithMethodCacheSize(m.Engine.MethodCacheSize))
	}
	return opts
}

// ConfigureLogging applies [log] to commonlog. A verbosity given on the
// command line (non-negative) overrides the file.
func (m *Manifest) ConfigureLogging(verbosity int) {
	if verbosity < 0 {
		verbosity = m.Log.Verbosity
	}
	var file *string
	if m.Log.File != "" {
		path := m.Resolve(m.Log.File)
		file = &path
	}
	commonlog.Configure(verbosity, file)
}
