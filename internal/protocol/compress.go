package protocol

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
)

// Compression algorithms accepted in the compressed wrapper.
const (
	AlgoGzip    = "gzip"
	AlgoDeflate = "deflate"
	AlgoBrotli  = "brotli"
)

// DefaultCompressMin is the serialized-size threshold below which messages
// are sent uncompressed.
const DefaultCompressMin = 1 << 10 // 1 KiB

// compressibleTypes lists the message types eligible for compression. Bulk
// payloads only; heartbeats and auth-bearing messages are deliberately
// excluded.
var compressibleTypes = map[MessageType]bool{
	TypeTerminalOutput:      true,
	TypeTerminalStream:      true,
	TypeTraceEvent:          true,
	TypeTraceUpdate:         true,
	TypeInvestigationReport: true,
	TypeCommandStatus:       true,
	TypeAgentStatus:         true,
}

// Compressible reports whether messages of type t may be compressed.
func Compressible(t MessageType) bool { return compressibleTypes[t] }

// CompressedEnvelope wraps a serialized envelope whose compression paid off.
// Data is the base64 encoding of the compressed bytes. Nesting is forbidden:
// OriginalType is never "compressed".
type CompressedEnvelope struct {
	Type           MessageType `json:"type"` // always "compressed"
	Algorithm      string      `json:"algorithm"`
	OriginalType   MessageType `json:"originalType"`
	OriginalSize   int         `json:"originalSize"`
	CompressedSize int         `json:"compressedSize"`
	Data           string      `json:"data"`
}

// Compressor applies the wire compression policy. The zero value is not
// usable; construct with NewCompressor.
type Compressor struct {
	algorithm string
	minSize   int
}

// NewCompressor returns a Compressor using algorithm (one of AlgoGzip,
// AlgoDeflate, AlgoBrotli). minSize ≤ 0 selects DefaultCompressMin.
func NewCompressor(algorithm string, minSize int) (*Compressor, error) {
	switch algorithm {
	case AlgoGzip, AlgoDeflate, AlgoBrotli:
	default:
		return nil, fmt.Errorf("protocol: unsupported compression algorithm %q", algorithm)
	}
	if minSize <= 0 {
		minSize = DefaultCompressMin
	}
	return &Compressor{algorithm: algorithm, minSize: minSize}, nil
}

// Maybe applies the compression policy to the serialized envelope raw of the
// given type. It returns the bytes to put on the wire and whether they are a
// compressed wrapper. Messages of ineligible types, messages under the size
// threshold, and messages that do not shrink are passed through unchanged.
func (c *Compressor) Maybe(raw []byte, typ MessageType) ([]byte, bool, error) {
	if typ == TypeCompressed {
		return nil, false, fmt.Errorf("protocol: refusing to compress a compressed envelope")
	}
	if !Compressible(typ) || len(raw) < c.minSize {
		return raw, false, nil
	}

	compressed, err := deflateBytes(raw, c.algorithm)
	if err != nil {
		return nil, false, err
	}

	wrapper := CompressedEnvelope{
		Type:           TypeCompressed,
		Algorithm:      c.algorithm,
		OriginalType:   typ,
		OriginalSize:   len(raw),
		CompressedSize: len(compressed),
		Data:           base64.StdEncoding.EncodeToString(compressed),
	}
	wire, err := json.Marshal(wrapper)
	if err != nil {
		return nil, false, fmt.Errorf("protocol: marshal compressed wrapper: %w", err)
	}
	if len(wire) >= len(raw) {
		// Compression did not pay for the wrapper overhead.
		return raw, false, nil
	}
	return wire, true, nil
}

// Decompress unwraps a compressed envelope produced by Maybe and returns the
// original serialized envelope. It rejects unknown algorithms, nested
// wrappers, and payloads whose decompressed size disagrees with the declared
// originalSize.
func Decompress(wire []byte) ([]byte, error) {
	var wrapper CompressedEnvelope
	if err := json.Unmarshal(wire, &wrapper); err != nil {
		return nil, fmt.Errorf("protocol: malformed compressed wrapper: %w", err)
	}
	if wrapper.Type != TypeCompressed {
		return nil, fmt.Errorf("protocol: wrapper type %q is not compressed", wrapper.Type)
	}
	if wrapper.OriginalType == TypeCompressed {
		return nil, fmt.Errorf("protocol: nested compressed envelopes are forbidden")
	}

	compressed, err := base64.StdEncoding.DecodeString(wrapper.Data)
	if err != nil {
		return nil, fmt.Errorf("protocol: decode compressed data: %w", err)
	}

	raw, err := inflateBytes(compressed, wrapper.Algorithm)
	if err != nil {
		return nil, err
	}
	if wrapper.OriginalSize != 0 && len(raw) != wrapper.OriginalSize {
		return nil, fmt.Errorf("protocol: decompressed size %d does not match declared %d",
			len(raw), wrapper.OriginalSize)
	}
	return raw, nil
}

// IsCompressed reports whether wire looks like a compressed wrapper. It only
// inspects the type discriminator, so a true result still requires Decompress
// to succeed.
func IsCompressed(wire []byte) bool {
	var probe struct {
		Type MessageType `json:"type"`
	}
	if err := json.Unmarshal(wire, &probe); err != nil {
		return false
	}
	return probe.Type == TypeCompressed
}

func deflateBytes(raw []byte, algorithm string) ([]byte, error) {
	var buf bytes.Buffer
	var w io.WriteCloser
	switch algorithm {
	case AlgoGzip:
		w = gzip.NewWriter(&buf)
	case AlgoDeflate:
		fw, err := flate.NewWriter(&buf, flate.DefaultCompression)
		if err != nil {
			return nil, fmt.Errorf("protocol: flate writer: %w", err)
		}
		w = fw
	case AlgoBrotli:
		w = brotli.NewWriter(&buf)
	default:
		return nil, fmt.Errorf("protocol: unsupported compression algorithm %q", algorithm)
	}
	if _, err := w.Write(raw); err != nil {
		return nil, fmt.Errorf("protocol: compress (%s): %w", algorithm, err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("protocol: finish compress (%s): %w", algorithm, err)
	}
	return buf.Bytes(), nil
}

func inflateBytes(compressed []byte, algorithm string) ([]byte, error) {
	var r io.Reader
	switch algorithm {
	case AlgoGzip:
		gr, err := gzip.NewReader(bytes.NewReader(compressed))
		if err != nil {
			return nil, fmt.Errorf("protocol: gzip reader: %w", err)
		}
		defer gr.Close()
		r = gr
	case AlgoDeflate:
		fr := flate.NewReader(bytes.NewReader(compressed))
		defer fr.Close()
		r = fr
	case AlgoBrotli:
		r = brotli.NewReader(bytes.NewReader(compressed))
	default:
		return nil, fmt.Errorf("protocol: unsupported compression algorithm %q", algorithm)
	}

	raw, err := io.ReadAll(io.LimitReader(r, MaxMessageSize+1))
	if err != nil {
		return nil, fmt.Errorf("protocol: decompress (%s): %w", algorithm, err)
	}
	if len(raw) > MaxMessageSize {
		return nil, fmt.Errorf("protocol: decompressed size exceeds %d", MaxMessageSize)
	}
	return raw, nil
}
