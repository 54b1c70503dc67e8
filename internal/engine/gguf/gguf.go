// Package gguf reads the header metadata of GGUF model files.
package gguf

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
)

const (
	magic = "GGUF"

	maxStringLen = 16 << 20
	maxKVCount   = 1 << 20
)

// ErrNotGGUF is returned when the file does not start with the GGUF magic.
var ErrNotGGUF = errors.New("not a gguf file")

// Value types defined by the GGUF format.
const (
	typeUint8 uint32 = iota
	typeInt8
	typeUint16
	typeInt16
	typeUint32
	typeInt32
	typeFloat32
	typeBool
	typeString
	typeArray
	typeUint64
	typeInt64
	typeFloat64
)

// Metadata is the decoded header of a GGUF file.
type Metadata struct {
	Version     uint32
	TensorCount uint64
	// KV holds scalar and string values. Arrays are recorded by length only.
	KV map[string]any
}

// ArrayLen is stored in KV in place of array values.
type ArrayLen struct {
	ElemType uint32
	Len      uint64
}

// Name returns general.name.
func (m *Metadata) Name() string {
	return m.String("general.name")
}

// Architecture returns general.architecture, e.g. "llama" or "qwen2".
func (m *Metadata) Architecture() string {
	return m.String("general.architecture")
}

// ContextLength returns <arch>.context_length, or 0 when absent.
func (m *Metadata) ContextLength() uint64 {
	v, _ := toUint64(m.KV[m.Architecture()+".context_length"])
	return v
}

// ChatTemplate returns tokenizer.chat_template.
func (m *Metadata) ChatTemplate() string {
	return m.String("tokenizer.chat_template")
}

// String returns the string value of key, or "".
func (m *Metadata) String(key string) string {
	s, _ := m.KV[key].(string)
	return s
}

// Keys returns the metadata keys in sorted order.
func (m *Metadata) Keys() []string {
	keys := make([]string, 0, len(m.KV))
	for k := range m.KV {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ReadFile opens path and decodes its header.
func ReadFile(path string) (*Metadata, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open model: %w", err)
	}
	defer f.Close()

	meta, err := Read(f)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return meta, nil
}

// Read decodes a GGUF header from r. Only version 2 and 3 files are
// supported; version 1 used 32-bit counts.
func Read(r io.Reader) (*Metadata, error) {
	d := &decoder{r: bufio.NewReaderSize(r, 64*1024)}

	var head [4]byte
	if _, err := io.ReadFull(d.r, head[:]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotGGUF, err)
	}
	if string(head[:]) != magic {
		return nil, ErrNotGGUF
	}

	version, err := d.uint32()
	if err != nil {
		return nil, err
	}
	if version < 2 || version > 3 {
		return nil, fmt.Errorf("unsupported gguf version %d", version)
	}

	tensors, err := d.uint64()
	if err != nil {
		return nil, err
	}
	kvCount, err := d.uint64()
	if err != nil {
		return nil, err
	}
	if kvCount > maxKVCount {
		return nil, fmt.Errorf("implausible metadata count %d", kvCount)
	}

	meta := &Metadata{Version: version, TensorCount: tensors, KV: make(map[string]any, kvCount)}
	for i := uint64(0); i < kvCount; i++ {
		key, err := d.string()
		if err != nil {
			return nil, fmt.Errorf("metadata key %d: %w", i, err)
		}
		typ, err := d.uint32()
		if err != nil {
			return nil, fmt.Errorf("metadata %q: %w", key, err)
		}
		value, err := d.value(typ)
		if err != nil {
			return nil, fmt.Errorf("metadata %q: %w", key, err)
		}
		meta.KV[key] = value
	}
	return meta, nil
}

type decoder struct {
	r   *bufio.Reader
	buf [8]byte
}

func (d *decoder) read(n int) ([]byte, error) {
	if _, err := io.ReadFull(d.r, d.buf[:n]); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return d.buf[:n], nil
}

func (d *decoder) uint32() (uint32, error) {
	b, err := d.read(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (d *decoder) uint64() (uint64, error) {
	b, err := d.read(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (d *decoder) string() (string, error) {
	n, err := d.uint64()
	if err != nil {
		return "", err
	}
	if n > maxStringLen {
		return "", fmt.Errorf("string length %d exceeds limit", n)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(d.r, b); err != nil {
		return "", io.ErrUnexpectedEOF
	}
	return string(b), nil
}

func (d *decoder) value(typ uint32) (any, error) {
	switch typ {
	case typeString:
		return d.string()
	case typeArray:
		elem, err := d.uint32()
		if err != nil {
			return nil, err
		}
		n, err := d.uint64()
		if err != nil {
			return nil, err
		}
		if err := d.skipArray(elem, n); err != nil {
			return nil, err
		}
		return ArrayLen{ElemType: elem, Len: n}, nil
	}

	size, ok := scalarSize(typ)
	if !ok {
		return nil, fmt.Errorf("unknown value type %d", typ)
	}
	b, err := d.read(size)
	if err != nil {
		return nil, err
	}
	switch typ {
	case typeUint8:
		return b[0], nil
	case typeInt8:
		return int8(b[0]), nil
	case typeUint16:
		return binary.LittleEndian.Uint16(b), nil
	case typeInt16:
		return int16(binary.LittleEndian.Uint16(b)), nil
	case typeUint32:
		return binary.LittleEndian.Uint32(b), nil
	case typeInt32:
		return int32(binary.LittleEndian.Uint32(b)), nil
	case typeFloat32:
		return math.Float32frombits(binary.LittleEndian.Uint32(b)), nil
	case typeBool:
		return b[0] != 0, nil
	case typeUint64:
		return binary.LittleEndian.Uint64(b), nil
	case typeInt64:
		return int64(binary.LittleEndian.Uint64(b)), nil
	default:
		return math.Float64frombits(binary.LittleEndian.Uint64(b)), nil
	}
}

func (d *decoder) skipArray(elem uint32, n uint64) error {
	if elem == typeString {
		for i := uint64(0); i < n; i++ {
			size, err := d.uint64()
			if err != nil {
				return err
			}
			if size > maxStringLen {
				return fmt.Errorf("string length %d exceeds limit", size)
			}
			if _, err := d.r.Discard(int(size)); err != nil {
				return io.ErrUnexpectedEOF
			}
		}
		return nil
	}
	if elem == typeArray {
		for i := uint64(0); i < n; i++ {
			if _, err := d.value(typeArray); err != nil {
				return err
			}
		}
		return nil
	}

	size, ok := scalarSize(elem)
	if !ok {
		return fmt.Errorf("unknown array element type %d", elem)
	}
	if n > math.MaxInt64/8 {
		return fmt.Errorf("array length %d exceeds limit", n)
	}
	if _, err := io.CopyN(io.Discard, d.r, int64(n)*int64(size)); err != nil {
		return io.ErrUnexpectedEOF
	}
	return nil
}

func scalarSize(typ uint32) (int, bool) {
	switch typ {
	case typeUint8, typeInt8, typeBool:
		return 1, true
	case typeUint16, typeInt16:
		return 2, true
	case typeUint32, typeInt32, typeFloat32:
		return 4, true
	case typeUint64, typeInt64, typeFloat64:
		return 8, true
	default:
		return 0, false
	}
}

func toUint64(v any) (uint64, bool) {
	switch n := v.(type) {
	case uint8:
		return uint64(n), true
	case uint16:
		return uint64(n), true
	case uint32:
		return uint64(n), true
	case uint64:
		return n, true
	case int32:
		if n >= 0 {
			return uint64(n), true
		}
	case int64:
		if n >= 0 {
			return uint64(n), true
		}
	}
	return 0, false
}
