package heightmap

import (
	"bytes"
	"errors"
	"math"
	"testing"

	"github.com/Faultbox/midgard-terrain/pkg/binstream"
)

// makeGrid builds a deterministic, slightly bumpy grid.
func makeGrid(width, height uint32) []float32 {
	samples := make([]float32, width*height)
	for y := uint32(0); y < height; y++ {
		for x := uint32(0); x < width; x++ {
			samples[y*width+x] = float32(math.Sin(float64(x)*0.7)*12 + math.Cos(float64(y)*0.3)*5 + float64(x*y)*0.01)
		}
	}
	return samples
}

func encode(t *testing.T, reg *Registry, id FormatID, samples []float32, w, h uint32, p Params) []byte {
	t.Helper()
	buf := new(bytes.Buffer)
	if err := reg.Write(buf, id, samples, w, h, p); err != nil {
		t.Fatalf("Write(%s) failed: %v", id, err)
	}
	return buf.Bytes()
}

func TestBasicRoundTrip(t *testing.T) {
	reg := NewDefaultRegistry()
	sizes := [][2]uint32{{1, 1}, {5, 5}, {17, 9}, {3, 64}}
	for _, sz := range sizes {
		samples := makeGrid(sz[0], sz[1])
		data := encode(t, reg, FormatBasic, samples, sz[0], sz[1], Params{})

		got, w, h, err := reg.Decode(data)
		if err != nil {
			t.Fatalf("%dx%d: Decode failed: %v", sz[0], sz[1], err)
		}
		if w != sz[0] || h != sz[1] {
			t.Errorf("dimensions: got %dx%d, want %dx%d", w, h, sz[0], sz[1])
		}
		for i := range samples {
			if math.Float32bits(got[i]) != math.Float32bits(samples[i]) {
				t.Fatalf("%dx%d: sample %d: got %v, want %v", sz[0], sz[1], i, got[i], samples[i])
			}
		}
	}
}

func TestBasicSentinelCorruption(t *testing.T) {
	reg := NewDefaultRegistry()
	data := encode(t, reg, FormatBasic, makeGrid(4, 4), 4, 4, Params{})
	data[len(data)-1] ^= 0x01

	samples, w, h, err := reg.Decode(data)
	if !errors.Is(err, ErrBadSentinel) {
		t.Fatalf("expected ErrBadSentinel, got %v", err)
	}
	if samples != nil || w != 0 || h != 0 {
		t.Errorf("outputs not cleared: %d samples, %dx%d", len(samples), w, h)
	}
}

func TestBasicTruncated(t *testing.T) {
	reg := NewDefaultRegistry()
	data := encode(t, reg, FormatBasic, makeGrid(4, 4), 4, 4, Params{})

	_, _, _, err := reg.Decode(data[:len(data)-10])
	if !errors.Is(err, ErrTruncated) {
		t.Fatalf("expected ErrTruncated, got %v", err)
	}
}

func TestPayloadFormatMismatch(t *testing.T) {
	reg := NewDefaultRegistry()
	data := encode(t, reg, FormatBasic, makeGrid(2, 2), 2, 2, Params{})
	// Container says basic, payload says delta.
	binstream.ByteOrder.PutUint32(data[8:], uint32(FormatDelta))

	_, _, _, err := reg.Decode(data)
	if !errors.Is(err, ErrFormatMismatch) {
		t.Fatalf("expected ErrFormatMismatch, got %v", err)
	}
}

func TestReadFormatRejectsOtherFormat(t *testing.T) {
	reg := NewDefaultRegistry()
	data := encode(t, reg, FormatBasic, makeGrid(2, 2), 2, 2, Params{})

	_, _, _, err := reg.ReadFormat(binstream.NewReader(bytes.NewReader(data)), FormatZstd)
	if !errors.Is(err, ErrFormatMismatch) {
		t.Fatalf("expected ErrFormatMismatch, got %v", err)
	}
}

func TestInvalidMagic(t *testing.T) {
	reg := NewDefaultRegistry()
	_, _, _, err := reg.Decode([]byte("HMPX\x01\x00\x00\x00"))
	if !errors.Is(err, ErrInvalidMagic) {
		t.Fatalf("expected ErrInvalidMagic, got %v", err)
	}
}

func TestUnsupportedFormat(t *testing.T) {
	reg := NewRegistry()
	reg.Register(Basic{})

	buf := new(bytes.Buffer)
	err := reg.Write(buf, FormatDelta, makeGrid(2, 2), 2, 2, Params{Precision: 0.1})
	if !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("Write: expected ErrUnsupportedFormat, got %v", err)
	}

	full := NewDefaultRegistry()
	data := encode(t, full, FormatDelta, makeGrid(2, 2), 2, 2, Params{Precision: 0.1})
	samples, w, h, err := reg.Decode(data)
	if !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("Decode: expected ErrUnsupportedFormat, got %v", err)
	}
	if samples != nil || w != 0 || h != 0 {
		t.Error("outputs not cleared on unsupported format")
	}
}

type fakeFormat struct{ tag float32 }

func (f fakeFormat) ID() FormatID { return FormatBasic }
func (f fakeFormat) Encode(w *binstream.Writer, _ []float32, _, _ uint32, _ Params) error {
	return w.Err()
}
func (f fakeFormat) Decode(*binstream.Reader) ([]float32, uint32, uint32, error) {
	return []float32{f.tag}, 1, 1, nil
}

func TestRegisterReplaces(t *testing.T) {
	reg := NewDefaultRegistry()
	reg.Register(fakeFormat{tag: 42})

	f, ok := reg.Lookup(FormatBasic)
	if !ok {
		t.Fatal("format vanished after re-registration")
	}
	if _, isFake := f.(fakeFormat); !isFake {
		t.Fatalf("expected replacement format, got %T", f)
	}
	got, _, _, err := reg.Decode([]byte("HMP \x01\x00\x00\x00"))
	if err != nil || got[0] != 42 {
		t.Fatalf("decode through replacement: %v %v", got, err)
	}
}

func TestWriteRejectsBadDimensions(t *testing.T) {
	reg := NewDefaultRegistry()
	buf := new(bytes.Buffer)
	if err := reg.Write(buf, FormatBasic, make([]float32, 5), 2, 2, Params{}); !errors.Is(err, ErrInvalidDimensions) {
		t.Errorf("sample count mismatch: got %v", err)
	}
	if err := reg.Write(buf, FormatBasic, nil, 0, 3, Params{}); !errors.Is(err, ErrInvalidDimensions) {
		t.Errorf("zero width: got %v", err)
	}
}

func TestDeltaRoundTrip(t *testing.T) {
	reg := NewDefaultRegistry()
	const precision = 0.1
	samples := makeGrid(33, 17)
	// Force a few escapes.
	samples[40] = 9000
	samples[33*5] = -4000

	data := encode(t, reg, FormatDelta, samples, 33, 17, Params{Precision: precision})
	got, w, h, err := reg.Decode(data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if w != 33 || h != 17 {
		t.Fatalf("dimensions: got %dx%d", w, h)
	}
	for i := range samples {
		diff := math.Abs(float64(got[i] - samples[i]))
		if diff > precision/2+1e-4 {
			t.Fatalf("sample %d: got %v, want %v (diff %v)", i, got[i], samples[i], diff)
		}
	}
	if got[40] != 9000 || got[33*5] != -4000 {
		t.Errorf("escaped samples not exact: %v %v", got[40], got[33*5])
	}
	if len(data) >= len(samples)*4 {
		t.Errorf("delta encoding not smaller than raw: %d bytes", len(data))
	}
}

func TestDeltaRequiresPrecision(t *testing.T) {
	reg := NewDefaultRegistry()
	buf := new(bytes.Buffer)
	err := reg.Write(buf, FormatDelta, makeGrid(2, 2), 2, 2, Params{})
	if !errors.Is(err, ErrInvalidParams) {
		t.Fatalf("expected ErrInvalidParams, got %v", err)
	}
}

func TestZstdRoundTrip(t *testing.T) {
	reg := NewDefaultRegistry()
	samples := makeGrid(65, 65)
	data := encode(t, reg, FormatZstd, samples, 65, 65, Params{})

	got, w, h, err := reg.Decode(data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if w != 65 || h != 65 {
		t.Fatalf("dimensions: got %dx%d", w, h)
	}
	for i := range samples {
		if math.Float32bits(got[i]) != math.Float32bits(samples[i]) {
			t.Fatalf("sample %d: got %v, want %v", i, got[i], samples[i])
		}
	}
}

func TestMaterialsRoundTrip(t *testing.T) {
	ids := []uint16{1, 1, 2, 3, 3, 3}
	buf := new(bytes.Buffer)
	if err := WriteMaterials(buf, ids, 3, 2); err != nil {
		t.Fatalf("WriteMaterials: %v", err)
	}
	got, w, h, err := ReadMaterials(binstream.NewReader(bytes.NewReader(buf.Bytes())))
	if err != nil {
		t.Fatalf("ReadMaterials: %v", err)
	}
	if w != 3 || h != 2 || len(got) != 6 || got[3] != 3 {
		t.Errorf("got %v (%dx%d)", got, w, h)
	}

	data := buf.Bytes()
	data[0] = 'X'
	if _, _, _, err := ReadMaterials(binstream.NewReader(bytes.NewReader(data))); !errors.Is(err, ErrInvalidMaterialMagic) {
		t.Errorf("expected ErrInvalidMaterialMagic, got %v", err)
	}
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		name string
		want FormatID
		ok   bool
	}{
		{"basic", FormatBasic, true},
		{" Delta ", FormatDelta, true},
		{"zstd", FormatZstd, true},
		{"lzma", 0, false},
	}
	for _, tt := range tests {
		got, err := ParseFormat(tt.name)
		if (err == nil) != tt.ok || got != tt.want {
			t.Errorf("ParseFormat(%q) = %v, %v", tt.name, got, err)
		}
	}
}

func TestRange(t *testing.T) {
	min, max := Range([]float32{3, -2, 8, 0})
	if min != -2 || max != 8 {
		t.Errorf("Range = %v, %v", min, max)
	}
	if min, max := Range(nil); min != 0 || max != 0 {
		t.Errorf("Range(nil) = %v, %v", min, max)
	}
}
