// Package loader reads litevm programs from disk: YAML or JSON manifests
// that are schema-checked and assembled into bytecode, and binary CBOR
// program images.
package loader

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/chazu/litevm/vm"
	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("litevm.loader")

// Load reads the program at path. The format follows the extension:
// .yaml, .yml and .json are manifests, .lvmi is an image.
func Load(path string) (*vm.Program, error) {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml", ".json":
		m, err := ReadManifest(path)
		if err != nil {
			return nil, err
		}
		p, err := Assemble(m)
		if err != nil {
			return nil, fmt.Errorf("assemble %s: %w", path, err)
		}
		log.Infof("assembled %d classes from %s", len(p.Classes), path)
		return p, nil
	case ImageExt:
		p, err := ReadImage(path)
		if err != nil {
			return nil, err
		}
		log.Infof("read %d classes from image %s", len(p.Classes), path)
		return p, nil
	default:
		return nil, fmt.Errorf("load %s: unknown program format %q", path, ext)
	}
}

// LoadInto reads the program at path and loads it into v.
func LoadInto(v *vm.VM, path string) (*vm.Program, error) {
	p, err := Load(path)
	if err != nil {
		return nil, err
	}
	if err := v.Load(p); err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	return p, nil
}
