// Package heightmap provides the tile heightmap container and its pluggable
// sample encodings.
//
// A container starts with the magic "HMP " and a u32 format identifier; the
// rest of the payload belongs to the format registered under that
// identifier.
package heightmap

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/Faultbox/midgard-terrain/pkg/binstream"
)

// Magic is the container token. Note the trailing space.
const Magic = "HMP "

// Sentinel terminates every payload so truncation and corruption are caught.
const Sentinel uint32 = 0xFFFFFFFF

// MaxSamples bounds a decoded grid.
const MaxSamples = 1 << 26

// Heightmap errors.
var (
	ErrInvalidMagic      = errors.New("invalid heightmap magic: expected 'HMP '")
	ErrUnsupportedFormat = errors.New("unsupported heightmap format")
	ErrFormatMismatch    = errors.New("heightmap format mismatch")
	ErrBadSentinel       = errors.New("heightmap sentinel mismatch")
	ErrTruncated         = errors.New("truncated heightmap data")
	ErrInvalidDimensions = errors.New("invalid heightmap dimensions")
	ErrInvalidParams     = errors.New("invalid heightmap encoding parameters")
)

// FormatID identifies a sample encoding.
type FormatID uint32

// Known format identifiers.
const (
	FormatBasic FormatID = 1
	FormatDelta FormatID = 2
	FormatZstd  FormatID = 3
)

var formatNames = map[FormatID]string{
	FormatBasic: "basic",
	FormatDelta: "delta",
	FormatZstd:  "zstd",
}

// String returns the short name of a known format.
func (id FormatID) String() string {
	if name, ok := formatNames[id]; ok {
		return name
	}
	return fmt.Sprintf("format(%d)", uint32(id))
}

// ParseFormat maps a short name back to its identifier.
func ParseFormat(name string) (FormatID, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for id, n := range formatNames {
		if n == name {
			return id, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnsupportedFormat, name)
}

// Params tunes lossy encodings. Formats ignore fields they do not use.
type Params struct {
	// Precision is the quantization step of the delta format.
	Precision float32
}

// Format encodes and decodes the payload that follows the container header.
type Format interface {
	ID() FormatID
	Encode(w *binstream.Writer, samples []float32, width, height uint32, p Params) error
	Decode(r *binstream.Reader) (samples []float32, width, height uint32, err error)
}

// Registry dispatches container payloads to formats by identifier.
type Registry struct {
	mu      sync.RWMutex
	formats map[FormatID]Format
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{formats: make(map[FormatID]Format)}
}

// NewDefaultRegistry returns a registry holding the basic, delta and zstd
// formats.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(Basic{})
	r.Register(Delta{})
	r.Register(NewZstd())
	return r
}

// Register adds f, replacing any format previously registered under the
// same identifier.
func (r *Registry) Register(f Format) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.formats[f.ID()] = f
}

// Lookup returns the format registered under id.
func (r *Registry) Lookup(id FormatID) (Format, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.formats[id]
	return f, ok
}

// Write encodes a width x height row-major grid as a complete container.
func (r *Registry) Write(w io.Writer, id FormatID, samples []float32, width, height uint32, p Params) error {
	if err := checkDimensions(width, height); err != nil {
		return err
	}
	if uint64(len(samples)) != uint64(width)*uint64(height) {
		return fmt.Errorf("%w: %d samples for %dx%d", ErrInvalidDimensions, len(samples), width, height)
	}
	f, ok := r.Lookup(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnsupportedFormat, id)
	}

	bw := binstream.NewWriter(w)
	bw.WriteMagic(Magic)
	bw.WriteU32(uint32(id))
	if err := f.Encode(bw, samples, width, height, p); err != nil {
		return err
	}
	return bw.Err()
}

// Read decodes a container. On failure it returns nil samples and zero
// dimensions.
func (r *Registry) Read(br *binstream.Reader) ([]float32, uint32, uint32, error) {
	return r.read(br, 0)
}

// ReadFormat is Read that additionally requires the container to declare
// format want.
func (r *Registry) ReadFormat(br *binstream.Reader, want FormatID) ([]float32, uint32, uint32, error) {
	return r.read(br, want)
}

func (r *Registry) read(br *binstream.Reader, want FormatID) ([]float32, uint32, uint32, error) {
	if err := br.ReadMagic(Magic); err != nil {
		if errors.Is(err, binstream.ErrBadMagic) {
			return nil, 0, 0, ErrInvalidMagic
		}
		return nil, 0, 0, fmt.Errorf("%w: reading magic", ErrTruncated)
	}
	raw, err := br.ReadU32()
	if err != nil {
		return nil, 0, 0, fmt.Errorf("%w: reading format id", ErrTruncated)
	}
	id := FormatID(raw)
	if want != 0 && id != want {
		return nil, 0, 0, fmt.Errorf("%w: container holds %s, want %s", ErrFormatMismatch, id, want)
	}
	f, ok := r.Lookup(id)
	if !ok {
		return nil, 0, 0, fmt.Errorf("%w: %s", ErrUnsupportedFormat, id)
	}
	samples, width, height, err := f.Decode(br)
	if err != nil {
		return nil, 0, 0, err
	}
	return samples, width, height, nil
}

// Decode reads a container held entirely in memory.
func (r *Registry) Decode(data []byte) ([]float32, uint32, uint32, error) {
	return r.Read(binstream.NewReader(bytes.NewReader(data)))
}

// Range returns the minimum and maximum sample.
func Range(samples []float32) (min, max float32) {
	if len(samples) == 0 {
		return 0, 0
	}
	min, max = samples[0], samples[0]
	for _, s := range samples[1:] {
		if s < min {
			min = s
		}
		if s > max {
			max = s
		}
	}
	return min, max
}

func checkDimensions(width, height uint32) error {
	if width == 0 || height == 0 || uint64(width)*uint64(height) > MaxSamples {
		return fmt.Errorf("%w: %dx%d", ErrInvalidDimensions, width, height)
	}
	return nil
}

// readPayloadHeader reads the repeated format id and the grid dimensions
// that open every built-in payload.
func readPayloadHeader(r *binstream.Reader, id FormatID) (uint32, uint32, error) {
	declared, err := r.ReadU32()
	if err != nil {
		return 0, 0, fmt.Errorf("%w: reading payload format", ErrTruncated)
	}
	if FormatID(declared) != id {
		return 0, 0, fmt.Errorf("%w: payload declares %s, decoder is %s", ErrFormatMismatch, FormatID(declared), id)
	}
	width, err := r.ReadU32()
	if err != nil {
		return 0, 0, fmt.Errorf("%w: reading width", ErrTruncated)
	}
	height, err := r.ReadU32()
	if err != nil {
		return 0, 0, fmt.Errorf("%w: reading height", ErrTruncated)
	}
	if err := checkDimensions(width, height); err != nil {
		return 0, 0, err
	}
	return width, height, nil
}

func writePayloadHeader(w *binstream.Writer, id FormatID, width, height uint32) {
	w.WriteU32(uint32(id))
	w.WriteU32(width)
	w.WriteU32(height)
}

func readSentinel(r *binstream.Reader) error {
	s, err := r.ReadU32()
	if err != nil {
		return fmt.Errorf("%w: reading sentinel", ErrTruncated)
	}
	if s != Sentinel {
		return fmt.Errorf("%w: got %#08x", ErrBadSentinel, s)
	}
	return nil
}
