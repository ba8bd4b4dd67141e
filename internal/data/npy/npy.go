// Package npy reads and writes NumPy .npy files.
//
// Only what the pipeline needs is supported: little-endian numeric dtypes,
// C or Fortran order, and one-dimensional structured (record) arrays whose
// members are scalar numeric fields.
package npy

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
)

var magic = []byte("\x93NUMPY")

// ErrFormat indicates a malformed or unsupported .npy file.
var ErrFormat = errors.New("npy: invalid or unsupported file")

// Field is one member of a structured dtype.
type Field struct {
	Name string
	Type string
}

// Header describes the array stored in a .npy file.
type Header struct {
	// Descr is the scalar dtype (e.g. "<f4"). Empty for structured arrays.
	Descr string
	// Fields lists structured dtype members in storage order.
	Fields       []Field
	FortranOrder bool
	Shape        []int
}

// Array is a fully loaded .npy file.
type Array struct {
	Header
	Data []byte
}

// Len returns the number of elements described by the shape.
func (h *Header) Len() int {
	n := 1
	for _, d := range h.Shape {
		n *= d
	}
	return n
}

// Structured reports whether the array has a record dtype.
func (h *Header) Structured() bool {
	return len(h.Fields) > 0
}

// ItemSize returns the size in bytes of one element.
func (h *Header) ItemSize() (int, error) {
	if !h.Structured() {
		dt, err := parseDType(h.Descr)
		if err != nil {
			return 0, err
		}
		return dt.size, nil
	}
	size := 0
	for _, f := range h.Fields {
		dt, err := parseDType(f.Type)
		if err != nil {
			return 0, fmt.Errorf("field %q: %w", f.Name, err)
		}
		size += dt.size
	}
	return size, nil
}

// ByteSize returns the size of the data section, failing when the shape
// overflows an int.
func (h *Header) ByteSize() (int, error) {
	itemSize, err := h.ItemSize()
	if err != nil {
		return 0, err
	}
	n := itemSize
	for _, d := range h.Shape {
		if d < 0 {
			return 0, fmt.Errorf("%w: negative dimension %d", ErrFormat, d)
		}
		if d != 0 && n > math.MaxInt/d {
			return 0, fmt.Errorf("%w: shape %v overflows", ErrFormat, h.Shape)
		}
		n *= d
	}
	return n, nil
}

// ReadFile loads a .npy file from disk.
func ReadFile(path string) (*Array, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}

	arr, err := read(bufio.NewReader(f), info.Size())
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return arr, nil
}

// Read decodes a .npy stream.
func Read(r io.Reader) (*Array, error) {
	return read(r, -1)
}

// read decodes a .npy stream. When limit is not negative the data section
// must fit within limit bytes.
func read(r io.Reader, limit int64) (*Array, error) {
	h, err := ReadHeader(r)
	if err != nil {
		return nil, err
	}
	want, err := h.ByteSize()
	if err != nil {
		return nil, err
	}
	if limit >= 0 && int64(want) > limit {
		return nil, fmt.Errorf("%w: shape %v needs %d bytes, file has %d", ErrFormat, h.Shape, want, limit)
	}

	// Grow with the data actually present so a lying header cannot force a
	// huge allocation.
	var buf bytes.Buffer
	n, err := buf.ReadFrom(io.LimitReader(r, int64(want)))
	if err != nil {
		return nil, fmt.Errorf("%w: reading data: %v", ErrFormat, err)
	}
	if n != int64(want) {
		return nil, fmt.Errorf("%w: data truncated (want %d bytes, got %d)", ErrFormat, want, n)
	}
	return &Array{Header: *h, Data: buf.Bytes()}, nil
}

// ReadHeader consumes and parses the magic, version and header dictionary.
func ReadHeader(r io.Reader) (*Header, error) {
	prefix := make([]byte, len(magic)+2)
	if _, err := io.ReadFull(r, prefix); err != nil {
		return nil, fmt.Errorf("%w: short preamble: %v", ErrFormat, err)
	}
	if !bytes.Equal(prefix[:len(magic)], magic) {
		return nil, fmt.Errorf("%w: bad magic", ErrFormat)
	}

	var headerLen int
	switch major := prefix[len(magic)]; major {
	case 1:
		var n uint16
		if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
			return nil, fmt.Errorf("%w: header length: %v", ErrFormat, err)
		}
		headerLen = int(n)
	case 2, 3:
		var n uint32
		if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
			return nil, fmt.Errorf("%w: header length: %v", ErrFormat, err)
		}
		headerLen = int(n)
	default:
		return nil, fmt.Errorf("%w: unsupported version %d", ErrFormat, major)
	}

	raw := make([]byte, headerLen)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, fmt.Errorf("%w: header truncated: %v", ErrFormat, err)
	}
	return parseHeader(string(raw))
}

func parseHeader(text string) (*Header, error) {
	p := &literalParser{s: text}
	v, err := p.value()
	if err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrFormat, err)
	}
	dict, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: header is not a dict", ErrFormat)
	}

	h := &Header{}
	switch d := dict["descr"].(type) {
	case string:
		if _, err := parseDType(d); err != nil {
			return nil, err
		}
		h.Descr = d
	case []any:
		for _, item := range d {
			tup, ok := item.([]any)
			if !ok || len(tup) < 2 {
				return nil, fmt.Errorf("%w: malformed structured descr", ErrFormat)
			}
			if len(tup) > 2 {
				return nil, fmt.Errorf("%w: sub-array fields are not supported", ErrFormat)
			}
			name, ok1 := tup[0].(string)
			typ, ok2 := tup[1].(string)
			if !ok1 || !ok2 {
				return nil, fmt.Errorf("%w: nested structured fields are not supported", ErrFormat)
			}
			if _, err := parseDType(typ); err != nil {
				return nil, fmt.Errorf("field %q: %w", name, err)
			}
			h.Fields = append(h.Fields, Field{Name: name, Type: typ})
		}
		if len(h.Fields) == 0 {
			return nil, fmt.Errorf("%w: empty structured descr", ErrFormat)
		}
	default:
		return nil, fmt.Errorf("%w: missing descr", ErrFormat)
	}

	if fo, ok := dict["fortran_order"].(bool); ok {
		h.FortranOrder = fo
	}

	shape, ok := dict["shape"].([]any)
	if !ok {
		return nil, fmt.Errorf("%w: missing shape", ErrFormat)
	}
	for _, s := range shape {
		n, ok := s.(int)
		if !ok || n < 0 {
			return nil, fmt.Errorf("%w: bad shape entry %v", ErrFormat, s)
		}
		h.Shape = append(h.Shape, n)
	}
	return h, nil
}

// dtype is a parsed scalar NumPy type string.
type dtype struct {
	kind byte
	size int
}

func parseDType(s string) (dtype, error) {
	if len(s) < 3 {
		return dtype{}, fmt.Errorf("%w: dtype %q", ErrFormat, s)
	}
	size, err := strconv.Atoi(s[2:])
	if err != nil {
		return dtype{}, fmt.Errorf("%w: dtype %q", ErrFormat, s)
	}
	dt := dtype{kind: s[1], size: size}

	switch s[0] {
	case '<', '=', '|':
	case '>':
		if size != 1 {
			return dtype{}, fmt.Errorf("%w: big-endian dtype %q", ErrFormat, s)
		}
	default:
		return dtype{}, fmt.Errorf("%w: dtype %q", ErrFormat, s)
	}

	switch dt.kind {
	case 'f':
		if size != 4 && size != 8 {
			return dtype{}, fmt.Errorf("%w: float size %d", ErrFormat, size)
		}
	case 'i', 'u':
		if size != 1 && size != 2 && size != 4 && size != 8 {
			return dtype{}, fmt.Errorf("%w: integer size %d", ErrFormat, size)
		}
	case 'b':
		if size != 1 {
			return dtype{}, fmt.Errorf("%w: bool size %d", ErrFormat, size)
		}
	default:
		return dtype{}, fmt.Errorf("%w: dtype kind %q", ErrFormat, string(dt.kind))
	}
	return dt, nil
}

func (d dtype) float64At(b []byte) float64 {
	switch d.kind {
	case 'f':
		if d.size == 4 {
			return float64(math.Float32frombits(binary.LittleEndian.Uint32(b)))
		}
		return math.Float64frombits(binary.LittleEndian.Uint64(b))
	case 'i':
		switch d.size {
		case 1:
			return float64(int8(b[0]))
		case 2:
			return float64(int16(binary.LittleEndian.Uint16(b)))
		case 4:
			return float64(int32(binary.LittleEndian.Uint32(b)))
		default:
			return float64(int64(binary.LittleEndian.Uint64(b)))
		}
	case 'u':
		switch d.size {
		case 1:
			return float64(b[0])
		case 2:
			return float64(binary.LittleEndian.Uint16(b))
		case 4:
			return float64(binary.LittleEndian.Uint32(b))
		default:
			return float64(binary.LittleEndian.Uint64(b))
		}
	case 'b':
		if b[0] != 0 {
			return 1
		}
		return 0
	}
	return math.NaN()
}

// Float32s decodes a scalar-dtype array into float32 values in storage order.
func (a *Array) Float32s() ([]float32, error) {
	if a.Structured() {
		return nil, fmt.Errorf("%w: structured array has no scalar values", ErrFormat)
	}
	dt, err := parseDType(a.Descr)
	if err != nil {
		return nil, err
	}
	n := a.Len()
	out := make([]float32, n)
	if dt.kind == 'f' && dt.size == 4 {
		for i := 0; i < n; i++ {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(a.Data[i*4:]))
		}
		return out, nil
	}
	for i := 0; i < n; i++ {
		out[i] = float32(dt.float64At(a.Data[i*dt.size:]))
	}
	return out, nil
}

// Column decodes one member of a one-dimensional structured array.
func (a *Array) Column(name string) ([]float64, error) {
	if !a.Structured() {
		return nil, fmt.Errorf("%w: array is not structured", ErrFormat)
	}
	if len(a.Shape) != 1 {
		return nil, fmt.Errorf("%w: structured array must be 1-D, got shape %v", ErrFormat, a.Shape)
	}

	stride, err := a.ItemSize()
	if err != nil {
		return nil, err
	}
	offset := -1
	var dt dtype
	pos := 0
	for _, f := range a.Fields {
		fdt, err := parseDType(f.Type)
		if err != nil {
			return nil, err
		}
		if f.Name == name {
			offset = pos
			dt = fdt
			break
		}
		pos += fdt.size
	}
	if offset < 0 {
		return nil, fmt.Errorf("%w: field %q not present", ErrFormat, name)
	}

	n := a.Shape[0]
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		out[i] = dt.float64At(a.Data[i*stride+offset:])
	}
	return out, nil
}

// Write encodes an array with the given header.
func Write(w io.Writer, h Header, data []byte) error {
	itemSize, err := h.ItemSize()
	if err != nil {
		return err
	}
	if want := h.Len() * itemSize; len(data) != want {
		return fmt.Errorf("npy: data is %d bytes, header describes %d", len(data), want)
	}

	text := formatHeader(h)
	// Pad so the data starts on a 64-byte boundary.
	const preambleV1 = 10
	total := preambleV1 + len(text) + 1
	pad := (64 - total%64) % 64
	text += strings.Repeat(" ", pad) + "\n"

	var buf bytes.Buffer
	buf.Write(magic)
	if len(text) <= math.MaxUint16 {
		buf.Write([]byte{1, 0})
		binary.Write(&buf, binary.LittleEndian, uint16(len(text)))
	} else {
		buf.Write([]byte{2, 0})
		binary.Write(&buf, binary.LittleEndian, uint32(len(text)))
	}
	buf.WriteString(text)
	if _, err := w.Write(buf.Bytes()); err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// WriteFloat32 writes a C-ordered rows x cols float32 matrix.
func WriteFloat32(w io.Writer, rows, cols int, values []float32) error {
	if len(values) != rows*cols {
		return fmt.Errorf("npy: %d values for a %dx%d matrix", len(values), rows, cols)
	}
	data := make([]byte, len(values)*4)
	for i, v := range values {
		binary.LittleEndian.PutUint32(data[i*4:], math.Float32bits(v))
	}
	return Write(w, Header{Descr: "<f4", Shape: []int{rows, cols}}, data)
}

func formatHeader(h Header) string {
	var descr string
	if h.Structured() {
		parts := make([]string, len(h.Fields))
		for i, f := range h.Fields {
			parts[i] = fmt.Sprintf("('%s', '%s')", f.Name, f.Type)
		}
		descr = "[" + strings.Join(parts, ", ") + "]"
	} else {
		descr = "'" + h.Descr + "'"
	}

	fortran := "False"
	if h.FortranOrder {
		fortran = "True"
	}

	var shape string
	switch len(h.Shape) {
	case 0:
		shape = "()"
	case 1:
		shape = fmt.Sprintf("(%d,)", h.Shape[0])
	default:
		dims := make([]string, len(h.Shape))
		for i, d := range h.Shape {
			dims[i] = strconv.Itoa(d)
		}
		shape = "(" + strings.Join(dims, ", ") + ")"
	}

	return fmt.Sprintf("{'descr': %s, 'fortran_order': %s, 'shape': %s, }", descr, fortran, shape)
}
