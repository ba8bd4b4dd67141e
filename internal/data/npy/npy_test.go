package npy

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestWriteFloat32_DataAligned(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFloat32(&buf, 2, 3, []float32{1, 2, 3, 4, 5, 6}); err != nil {
		t.Fatalf("WriteFloat32: %v", err)
	}
	headerBytes := buf.Len() - 6*4
	if headerBytes%64 != 0 {
		t.Fatalf("data should start on a 64-byte boundary, header is %d bytes", headerBytes)
	}

	arr, err := Read(&buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(arr.Shape) != 2 || arr.Shape[0] != 2 || arr.Shape[1] != 3 {
		t.Fatalf("unexpected shape %v", arr.Shape)
	}
	vals, err := arr.Float32s()
	if err != nil {
		t.Fatalf("Float32s: %v", err)
	}
	if vals[4] != 5 {
		t.Fatalf("expected vals[4]=5, got %v", vals[4])
	}
}

func TestParseHeader_Variants(t *testing.T) {
	cases := []struct {
		name   string
		text   string
		shape  []int
		fields int
	}{
		{"scalarShape", "{'descr': '<f8', 'fortran_order': False, 'shape': (), }", nil, 0},
		{"oneDim", "{'descr': '<i8', 'fortran_order': False, 'shape': (7,), }", []int{7}, 0},
		{"longLiteral", "{'descr': '<u2', 'fortran_order': False, 'shape': (3L, 2L)}", []int{3, 2}, 0},
		{"structured", "{'descr': [('x', '<i8'), ('y', '<i8'), ('resize_factor', '<f8')], 'fortran_order': False, 'shape': (4,), }", []int{4}, 3},
		{"doubleQuotes", `{"descr": "<f4", "fortran_order": True, "shape": (2, 2)}`, []int{2, 2}, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h, err := parseHeader(tc.text)
			if err != nil {
				t.Fatalf("parseHeader: %v", err)
			}
			if len(h.Shape) != len(tc.shape) {
				t.Fatalf("shape: got %v want %v", h.Shape, tc.shape)
			}
			for i := range tc.shape {
				if h.Shape[i] != tc.shape[i] {
					t.Fatalf("shape: got %v want %v", h.Shape, tc.shape)
				}
			}
			if len(h.Fields) != tc.fields {
				t.Fatalf("fields: got %d want %d", len(h.Fields), tc.fields)
			}
		})
	}
}

func TestParseHeader_Rejects(t *testing.T) {
	for _, text := range []string{
		"{'descr': '>f8', 'fortran_order': False, 'shape': (2,), }",
		"{'descr': '<c16', 'fortran_order': False, 'shape': (2,), }",
		"{'descr': [('feat', '<f4', (768,))], 'fortran_order': False, 'shape': (2,), }",
		"{'fortran_order': False, 'shape': (2,), }",
		"{'descr': '<f4', 'fortran_order': False",
	} {
		if _, err := parseHeader(text); !errors.Is(err, ErrFormat) {
			t.Errorf("expected ErrFormat for %q, got %v", text, err)
		}
	}
}

func TestColumn_Structured(t *testing.T) {
	h := Header{
		Fields: []Field{{"tile_level", "<i4"}, {"x", "<i8"}, {"resize_factor", "<f8"}},
		Shape:  []int{2},
	}
	data := make([]byte, 2*(4+8+8))
	rec := func(i int, level int32, x int64, rf float64) {
		off := i * 20
		binary.LittleEndian.PutUint32(data[off:], uint32(level))
		binary.LittleEndian.PutUint64(data[off+4:], uint64(x))
		binary.LittleEndian.PutUint64(data[off+12:], math.Float64bits(rf))
	}
	rec(0, 1, 1024, 1.0)
	rec(1, 2, -16, 0.5)

	var buf bytes.Buffer
	if err := Write(&buf, h, data); err != nil {
		t.Fatalf("Write: %v", err)
	}
	arr, err := Read(&buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}

	xs, err := arr.Column("x")
	if err != nil {
		t.Fatalf("Column(x): %v", err)
	}
	if xs[0] != 1024 || xs[1] != -16 {
		t.Fatalf("unexpected x column %v", xs)
	}
	rf, err := arr.Column("resize_factor")
	if err != nil {
		t.Fatalf("Column(resize_factor): %v", err)
	}
	if rf[1] != 0.5 {
		t.Fatalf("unexpected resize_factor column %v", rf)
	}
	if _, err := arr.Column("missing"); !errors.Is(err, ErrFormat) {
		t.Fatalf("expected ErrFormat for missing field, got %v", err)
	}
}

func TestRead_Truncated(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFloat32(&buf, 4, 4, make([]float32, 16)); err != nil {
		t.Fatalf("WriteFloat32: %v", err)
	}
	short := buf.Bytes()[:buf.Len()-5]
	if _, err := Read(bytes.NewReader(short)); !errors.Is(err, ErrFormat) {
		t.Fatalf("expected ErrFormat on truncated data, got %v", err)
	}
}

// rawNPY builds a version 1 file around an arbitrary header dictionary.
func rawNPY(header string, data []byte) []byte {
	var buf bytes.Buffer
	buf.Write(magic)
	buf.Write([]byte{1, 0})
	binary.Write(&buf, binary.LittleEndian, uint16(len(header)+1))
	buf.WriteString(header + "\n")
	buf.Write(data)
	return buf.Bytes()
}

func TestRead_CorruptShape(t *testing.T) {
	tests := []struct {
		name   string
		header string
	}{
		{"overflowing product", "{'descr': '<f4', 'fortran_order': False, 'shape': (4611686018427387904, 4), }"},
		{"huge but representable", "{'descr': '<f4', 'fortran_order': False, 'shape': (1073741824, 1024), }"},
		{"overflowing structured", "{'descr': [('x', '<i8'), ('y', '<i8')], 'fortran_order': False, 'shape': (1152921504606846976,), }"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			file := rawNPY(tt.header, make([]byte, 16))
			if _, err := Read(bytes.NewReader(file)); !errors.Is(err, ErrFormat) {
				t.Fatalf("expected ErrFormat, got %v", err)
			}
		})
	}
}

func TestReadFile_ShapeLargerThanFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "big.npy")
	file := rawNPY("{'descr': '<f8', 'fortran_order': False, 'shape': (100000, 512), }", make([]byte, 64))
	if err := os.WriteFile(path, file, 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, err := ReadFile(path)
	if !errors.Is(err, ErrFormat) {
		t.Fatalf("expected ErrFormat, got %v", err)
	}
	if !strings.Contains(err.Error(), "big.npy") {
		t.Errorf("error should name the file: %v", err)
	}
}

func TestHeader_ByteSize(t *testing.T) {
	h := Header{Descr: "<f4", Shape: []int{3, 0, math.MaxInt}}
	if n, err := h.ByteSize(); err != nil || n != 0 {
		t.Fatalf("ByteSize with zero dimension = %d, %v", n, err)
	}
	h = Header{Descr: "<f8", Shape: []int{math.MaxInt / 4, 4}}
	if _, err := h.ByteSize(); !errors.Is(err, ErrFormat) {
		t.Fatalf("expected overflow error, got %v", err)
	}
}
