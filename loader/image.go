package loader

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	"github.com/chazu/litevm/vm"
	"github.com/fxamacker/cbor/v2"
)

// ImageMagic identifies a litevm program image.
var ImageMagic = [4]byte{'L', 'V', 'M', 'I'}

// ImageVersion is the current image format version.
const ImageVersion uint32 = 1

// ImageExt is the file extension of program images.
const ImageExt = ".lvmi"

// imageHeaderSize: magic(4) + version(4)
const imageHeaderSize = 8

// ErrBadImage is returned for data that is not a readable program image.
var ErrBadImage = errors.New("bad program image")

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("loader: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// imageEnvelope carries the program body with its SHA-256 digest.
type imageEnvelope struct {
	Digest [32]byte        `cbor:"1,keyasint"`
	Body   cbor.RawMessage `cbor:"2,keyasint"`
}

type imageProgram struct {
	Entry   string       `cbor:"1,keyasint,omitempty"`
	Classes []imageClass `cbor:"2,keyasint"`
}

type imageClass struct {
	Name    string        `cbor:"1,keyasint"`
	Super   string        `cbor:"2,keyasint,omitempty"`
	Fields  []imageField  `cbor:"3,keyasint,omitempty"`
	Methods []imageMethod `cbor:"4,keyasint,omitempty"`
}

type imageField struct {
	Name       string `cbor:"1,keyasint"`
	Descriptor string `cbor:"2,keyasint"`
	Static     bool   `cbor:"3,keyasint,omitempty"`
}

type imageMethod struct {
	Name       string         `cbor:"1,keyasint"`
	Descriptor string         `cbor:"2,keyasint"`
	Static     bool           `cbor:"3,keyasint,omitempty"`
	MaxLocals  int            `cbor:"4,keyasint"`
	Code       []byte         `cbor:"5,keyasint,omitempty"`
	Pool       []imageConst   `cbor:"6,keyasint,omitempty"`
	Handlers   []imageHandler `cbor:"7,keyasint,omitempty"`
}

type imageConst struct {
	Tag        vm.ConstTag `cbor:"1,keyasint"`
	Int        int32       `cbor:"2,keyasint,omitempty"`
	Class      string      `cbor:"3,keyasint,omitempty"`
	Name       string      `cbor:"4,keyasint,omitempty"`
	Descriptor string      `cbor:"5,keyasint,omitempty"`
}

type imageHandler struct {
	Start     int    `cbor:"1,keyasint"`
	End       int    `cbor:"2,keyasint"`
	Handler   int    `cbor:"3,keyasint"`
	CatchType string `cbor:"4,keyasint,omitempty"`
}

// MarshalImage encodes an assembled program. Encoding is canonical: the
// same program always yields the same bytes.
func MarshalImage(p *vm.Program) ([]byte, error) {
	body, err := cborEncMode.Marshal(toImage(p))
	if err != nil {
		return nil, fmt.Errorf("image: encode: %w", err)
	}
	env, err := cborEncMode.Marshal(imageEnvelope{Digest: sha256.Sum256(body), Body: body})
	if err != nil {
		return nil, fmt.Errorf("image: encode: %w", err)
	}

	var buf bytes.Buffer
	buf.Grow(imageHeaderSize + len(env))
	buf.Write(ImageMagic[:])
	binary.Write(&buf, binary.LittleEndian, ImageVersion)
	buf.Write(env)
	return buf.Bytes(), nil
}

// UnmarshalImage decodes a program image and verifies its digest.
func UnmarshalImage(data []byte) (*vm.Program, error) {
	if len(data) < imageHeaderSize || !bytes.Equal(data[:4], ImageMagic[:]) {
		return nil, fmt.Errorf("%w: missing magic", ErrBadImage)
	}
	if v := binary.LittleEndian.Uint32(data[4:8]); v != ImageVersion {
		return nil, fmt.Errorf("%w: version %d, want %d", ErrBadImage, v, ImageVersion)
	}

	var env imageEnvelope
	if err := cbor.Unmarshal(data[imageHeaderSize:], &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadImage, err)
	}
	if sha256.Sum256(env.Body) != env.Digest {
		return nil, fmt.Errorf("%w: digest mismatch", ErrBadImage)
	}
	var img imageProgram
	if err := cbor.Unmarshal(env.Body, &img); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadImage, err)
	}
	return fromImage(&img)
}

// WriteImage writes p to path.
func WriteImage(path string, p *vm.Program) error {
	data, err := MarshalImage(p)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// ReadImage reads a program image from path.
func ReadImage(path string) (*vm.Program, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("image: read %s: %w", path, err)
	}
	p, err := UnmarshalImage(data)
	if err != nil {
		return nil, fmt.Errorf("image %s: %w", path, err)
	}
	return p, nil
}

func toImage(p *vm.Program) *imageProgram {
	img := &imageProgram{}
	if p.Entry != (vm.MethodRef{}) {
		img.Entry = p.Entry.String()
	}
	for _, c := range p.Classes {
		ic := imageClass{Name: c.Name, Super: c.SuperName}
		for _, f := range c.Fields {
			ic.Fields = append(ic.Fields, imageField{Name: f.Name, Descriptor: f.Descriptor, Static: f.Static})
		}
		for _, m := range c.Methods {
			im := imageMethod{
				Name:       m.Name,
				Descriptor: m.Descriptor,
				Static:     m.Static,
				MaxLocals:  m.MaxLocals,
				Code:       m.Bytecode,
			}
			for _, k := range m.Pool {
				im.Pool = append(im.Pool, imageConst{Tag: k.Tag, Int: k.Int, Class: k.Class, Name: k.Name, Descriptor: k.Descriptor})
			}
			for _, h := range m.Handlers {
				im.Handlers = append(im.Handlers, imageHandler{Start: h.Start, End: h.End, Handler: h.Handler, CatchType: h.CatchType})
			}
			ic.Methods = append(ic.Methods, im)
		}
		img.Classes = append(img.Classes, ic)
	}
	return img
}

func fromImage(img *imageProgram) (*vm.Program, error) {
	p := &vm.Program{}
	if img.Entry != "" {
		entry, err := vm.ParseMethodRef(img.Entry)
		if err != nil {
			return nil, fmt.Errorf("%w: entry: %v", ErrBadImage, err)
		}
		p.Entry = entry
	}
	for _, ic := range img.Classes {
		c := vm.NewClass(ic.Name, ic.Super)
		for _, f := range ic.Fields {
			c.AddField(f.Name, f.Descriptor, f.Static)
		}
		for _, im := range ic.Methods {
			pool := make([]vm.Constant, len(im.Pool))
			for i, k := range im.Pool {
				pool[i] = vm.Constant{Tag: k.Tag, Int: k.Int, Class: k.Class, Name: k.Name, Descriptor: k.Descriptor}
			}
			handlers := make([]vm.HandlerScope, len(im.Handlers))
			for i, h := range im.Handlers {
				handlers[i] = vm.HandlerScope{Start: h.Start, End: h.End, Handler: h.Handler, CatchType: h.CatchType}
			}
			m, err := vm.NewCompiledMethod(im.Name, im.Descriptor, im.Static, im.MaxLocals, im.Code, pool, handlers)
			if err != nil {
				return nil, fmt.Errorf("%w: %s.%s: %v", ErrBadImage, ic.Name, im.Name, err)
			}
			c.AddMethod(m)
		}
		p.Classes = append(p.Classes, c)
	}
	return p, nil
}
