package loader

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Manifest is a program manifest: the resolved class representation the
// engine loads, with method bodies as named instructions.
type Manifest struct {
	Entry   string          `yaml:"entry,omitempty" json:"entry,omitempty"`
	Classes []ClassManifest `yaml:"classes" json:"classes"`

	// Path is the file the manifest was read from, if any.
	Path string `yaml:"-" json:"-"`
}

// ClassManifest describes one class.
type ClassManifest struct {
	ClassName string           `yaml:"className" json:"className"`
	SuperName string           `yaml:"superName,omitempty" json:"superName,omitempty"`
	Fields    []FieldManifest  `yaml:"fields,omitempty" json:"fields,omitempty"`
	Methods   []MethodManifest `yaml:"methods,omitempty" json:"methods,omitempty"`
}

// FieldManifest describes a declared field.
type FieldManifest struct {
	Name       string   `yaml:"name" json:"name"`
	Descriptor string   `yaml:"descriptor" json:"descriptor"`
	Flags      []string `yaml:"flags,omitempty" json:"flags,omitempty"`
}

// MethodManifest describes a method. A method without instructions must
// be served by a native bridge.
type MethodManifest struct {
	Name              string            `yaml:"name" json:"name"`
	Descriptor        string            `yaml:"descriptor" json:"descriptor"`
	Flags             []string          `yaml:"flags,omitempty" json:"flags,omitempty"`
	MaxLocals         int               `yaml:"maxLocals,omitempty" json:"maxLocals,omitempty"`
	Instructions      []Instruction     `yaml:"instructions,omitempty" json:"instructions,omitempty"`
	ExceptionHandlers []HandlerManifest `yaml:"exceptionHandlers,omitempty" json:"exceptionHandlers,omitempty"`
}

// Instruction is one named instruction. Operands are scalars: integers for
// constants, locals and branch targets (instruction indices), strings for
// class names, and class, name, descriptor triples for member references.
type Instruction struct {
	Op   string `yaml:"op" json:"op"`
	Args []any  `yaml:"args,omitempty" json:"args,omitempty"`
}

// HandlerManifest is a handler scope over instruction indices. An empty
// Type catches everything.
type HandlerManifest struct {
	Start   int    `yaml:"start" json:"start"`
	End     int    `yaml:"end" json:"end"`
	Handler int    `yaml:"handler" json:"handler"`
	Type    string `yaml:"type,omitempty" json:"type,omitempty"`
}

// Access flags understood by the assembler. Other ACC_ flags are accepted
// and ignored.
const (
	FlagStatic = "ACC_STATIC"
)

func hasFlag(flags []string, flag string) bool {
	for _, f := range flags {
		if f == flag {
			return true
		}
	}
	return false
}

// ValidationError aggregates manifest validation failures.
type ValidationError struct {
	Path   string
	Issues []string
}

func (e *ValidationError) Error() string {
	if len(e.Issues) == 0 {
		return "manifest: invalid program"
	}
	var b strings.Builder
	b.WriteString("manifest validation failed")
	if e.Path != "" {
		b.WriteString(" for ")
		b.WriteString(e.Path)
	}
	b.WriteString(":")
	for _, issue := range e.Issues {
		b.WriteString("\n- ")
		b.WriteString(issue)
	}
	return b.String()
}

// ReadManifest reads and validates a YAML or JSON manifest file.
func ReadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("manifest: read %s: %w", path, err)
	}
	m, err := ParseManifest(data)
	if err != nil {
		var verr *ValidationError
		if errors.As(err, &verr) {
			verr.Path = path
			return nil, verr
		}
		return nil, fmt.Errorf("manifest: %s: %w", path, err)
	}
	m.Path = path
	return m, nil
}

// ParseManifest decodes and validates a manifest. JSON is accepted as the
// YAML subset it is.
func ParseManifest(data []byte) (*Manifest, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	if doc == nil {
		return nil, errors.New("empty manifest")
	}
	if err := ValidateDocument(doc); err != nil {
		return nil, err
	}

	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	var m Manifest
	if err := decoder.Decode(&m); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse: %w", err)
	}
	return &m, nil
}

// Marshal renders the manifest as YAML.
func (m *Manifest) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(m); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
