// Copyright 2026 The Kiln Authors
// SPDX-License-Identifier: Apache-2.0

package history

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/zeebo/blake3"

	"github.com/kiln-build/kiln/lib/codec"
	"github.com/kiln-build/kiln/lib/schema/build"
)

// Compression identifies the bundle payload encoding. Values are
// storage constants — changing them breaks existing bundles.
type Compression uint8

const (
	// CompressionNone stores the encoded events uncompressed. Also
	// the automatic fallback when the preferred codec yields no
	// size reduction.
	CompressionNone Compression = 0

	// CompressionLZ4 is LZ4 block compression: cheap to decode,
	// modest ratio.
	CompressionLZ4 Compression = 1

	// CompressionZstd is zstd at the default level. Build events
	// are small repetitive CBOR maps, so this is the preferred
	// codec.
	CompressionZstd Compression = 2
)

// String returns the codec's config-file name.
func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(c))
	}
}

// ParseCompression parses a codec name from configuration.
func ParseCompression(name string) (Compression, error) {
	switch name {
	case "none":
		return CompressionNone, nil
	case "lz4":
		return CompressionLZ4, nil
	case "zstd", "":
		return CompressionZstd, nil
	default:
		return 0, fmt.Errorf("unknown compression %q (want zstd, lz4, or none)", name)
	}
}

// Bundle is the compacted form of one closed build's event rows: the
// events as a CBOR array, compressed, with a keyed BLAKE3 digest of
// the uncompressed encoding. One bundle holds a build's entire
// history — compaction runs only after the retention window, when no
// further events can arrive for the build.
type Bundle struct {
	BuildID string      `cbor:"build_id"`
	Project string      `cbor:"project"`
	FromSeq uint64      `cbor:"from_seq"`
	ToSeq   uint64      `cbor:"to_seq"`
	Codec   Compression `cbor:"codec"`
	RawSize int         `cbor:"raw_size"`
	Digest  []byte      `cbor:"digest"`
	Payload []byte      `cbor:"payload"`

	// CreatedAt is the hub clock at compaction, epoch milliseconds.
	CreatedAt int64 `cbor:"created_at"`
}

// bundleDomainKey is the BLAKE3 keyed-hash domain for bundle
// digests: the ASCII domain name zero-padded to 32 bytes. Fixed
// constant — changing it invalidates every stored digest.
var bundleDomainKey = [32]byte{
	'k', 'i', 'l', 'n', '.', 'h', 'i', 's', 't', 'o', 'r', 'y', '.',
	'b', 'u', 'n', 'd', 'l', 'e', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

// errIncompressible is returned by the compressors when the output
// would not be smaller than the input. The encoder falls back to
// CompressionNone.
var errIncompressible = errors.New("data is incompressible")

// zstdEncoder and zstdDecoder are shared across calls; both are safe
// for concurrent use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedDefault),
	)
	if err != nil {
		panic("history: zstd encoder initialization failed: " + err.Error())
	}

	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("history: zstd decoder initialization failed: " + err.Error())
	}
}

// EncodeBundle folds a build's events into a bundle using the
// preferred codec, falling back to uncompressed storage when the
// codec yields no gain. The events must be non-empty and in
// ascending seq order; they must all belong to the same build.
func EncodeBundle(events []build.Event, preferred Compression, now int64) (Bundle, error) {
	if len(events) == 0 {
		return Bundle{}, fmt.Errorf("encode bundle: no events")
	}

	raw, err := codec.Marshal(events)
	if err != nil {
		return Bundle{}, fmt.Errorf("encode bundle: %w", err)
	}

	digest := bundleDigest(raw)

	tag := preferred
	payload, err := compress(raw, preferred)
	if errors.Is(err, errIncompressible) {
		tag = CompressionNone
		payload = raw
	} else if err != nil {
		return Bundle{}, fmt.Errorf("encode bundle: %w", err)
	}

	first, last := events[0], events[len(events)-1]
	return Bundle{
		BuildID:   first.BuildID,
		Project:   first.Project,
		FromSeq:   first.Seq,
		ToSeq:     last.Seq,
		Codec:     tag,
		RawSize:   len(raw),
		Digest:    digest[:],
		Payload:   payload,
		CreatedAt: now,
	}, nil
}

// Events inflates the bundle back into its event rows, verifying the
// payload against the stored digest first. A digest mismatch means
// storage corruption and fails the whole read.
func (b *Bundle) Events() ([]build.Event, error) {
	raw, err := decompress(b.Payload, b.Codec, b.RawSize)
	if err != nil {
		return nil, fmt.Errorf("bundle %s: %w", b.BuildID, err)
	}

	digest := bundleDigest(raw)
	if !bytes.Equal(digest[:], b.Digest) {
		return nil, fmt.Errorf("bundle %s: digest mismatch", b.BuildID)
	}

	var events []build.Event
	if err := codec.Unmarshal(raw, &events); err != nil {
		return nil, fmt.Errorf("bundle %s: %w", b.BuildID, err)
	}
	return events, nil
}

// EventsInRange inflates the bundle and keeps only events with seq
// in (fromSeq, toSeq].
func (b *Bundle) EventsInRange(fromSeq, toSeq uint64) ([]build.Event, error) {
	// Skip the inflation when the requested range misses the bundle
	// entirely.
	if b.ToSeq <= fromSeq || b.FromSeq > toSeq {
		return nil, nil
	}

	all, err := b.Events()
	if err != nil {
		return nil, err
	}

	var out []build.Event
	for _, event := range all {
		if event.Seq > fromSeq && event.Seq <= toSeq {
			out = append(out, event)
		}
	}
	return out, nil
}

// bundleDigest computes the bundle-domain keyed BLAKE3 digest of the
// uncompressed event encoding.
func bundleDigest(data []byte) [32]byte {
	hasher, err := blake3.NewKeyed(bundleDomainKey[:])
	if err != nil {
		panic("history: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	hasher.Write(data)
	var out [32]byte
	copy(out[:], hasher.Sum(nil))
	return out
}

func compress(data []byte, tag Compression) ([]byte, error) {
	switch tag {
	case CompressionNone:
		return data, nil
	case CompressionLZ4:
		return compressLZ4(data)
	case CompressionZstd:
		return compressZstd(data)
	default:
		return nil, fmt.Errorf("unsupported compression %d", tag)
	}
}

func decompress(payload []byte, tag Compression, rawSize int) ([]byte, error) {
	switch tag {
	case CompressionNone:
		if len(payload) != rawSize {
			return nil, fmt.Errorf("uncompressed payload: size %d does not match expected %d",
				len(payload), rawSize)
		}
		return payload, nil
	case CompressionLZ4:
		return decompressLZ4(payload, rawSize)
	case CompressionZstd:
		return decompressZstd(payload, rawSize)
	default:
		return nil, fmt.Errorf("unsupported compression %d", tag)
	}
}

func compressLZ4(data []byte) ([]byte, error) {
	bound := lz4.CompressBlockBound(len(data))
	destination := make([]byte, bound)

	written, err := lz4.CompressBlock(data, destination, nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}

	// CompressBlock returns 0 when it determines the data is
	// incompressible.
	if written == 0 || written >= len(data) {
		return nil, errIncompressible
	}
	return destination[:written], nil
}

func decompressLZ4(payload []byte, rawSize int) ([]byte, error) {
	destination := make([]byte, rawSize)
	read, err := lz4.UncompressBlock(payload, destination)
	if err != nil {
		return nil, fmt.Errorf("lz4 decompress: %w", err)
	}
	if read != rawSize {
		return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", read, rawSize)
	}
	return destination, nil
}

func compressZstd(data []byte) ([]byte, error) {
	compressed := zstdEncoder.EncodeAll(data, nil)
	if len(compressed) >= len(data) {
		return nil, errIncompressible
	}
	return compressed, nil
}

func decompressZstd(payload []byte, rawSize int) ([]byte, error) {
	destination := make([]byte, 0, rawSize)
	result, err := zstdDecoder.DecodeAll(payload, destination)
	if err != nil {
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}
	if len(result) != rawSize {
		return nil, fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(result), rawSize)
	}
	return result, nil
}
