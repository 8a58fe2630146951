// Package wire implements the typed length/value framing primitive the
// client command channel sends over: fixed-width ints and longs,
// length-prefixed strings, and typed driver.Value payloads, read and
// written through a buffered, sticky-error Transfer — once a read or
// write fails the Transfer remembers the error and every subsequent
// call is a no-op returning it, mirroring the sticky-decoder pattern
// used by wire-protocol SQL clients.
package wire

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"runtime"

	"database/sql/driver"

	"github.com/klauspost/compress/zstd"

	"github.com/distcore/router/internal/dberr"
)

// protocol version exchanged during the prolog handshake.
const protocolVersion byte = 1

// compressionThreshold is the payload size below which
// WriteCompressedString skips compression entirely: zstd's frame
// overhead outweighs the savings on short SQL text, and most prepared
// statements never cross it. Row-routing's inlined-values INSERT text
// for a large bucket of rows is the case this exists for.
const compressionThreshold = 512

// zstdEncoder and zstdDecoder are process-wide, grounded on sneller's
// compr package: a *zstd.Encoder/*zstd.Decoder is expensive to set up
// and safe for concurrent use once built, so one pair is shared rather
// than allocated per call.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		panic(err)
	}
	zstdEncoder = enc
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(runtime.GOMAXPROCS(0)))
	if err != nil {
		panic(err)
	}
	zstdDecoder = dec
}

// value type tags written ahead of each encoded driver.Value.
const (
	vtNull byte = iota
	vtInt64
	vtFloat64
	vtString
	vtBytes
	vtBool
)

// Transfer is the per-session framing primitive. All reads and writes
// on a single Transfer must be serialized by the caller (the command
// channel holds the session lock around every operation); Transfer
// itself does no locking.
type Transfer struct {
	rw  *bufio.ReadWriter
	err error
}

// New wraps rw as a Transfer. rw is typically backed by a net.Conn.
func New(rw *bufio.ReadWriter) *Transfer { return &Transfer{rw: rw} }

// Err returns the sticky error, if any.
func (t *Transfer) Err() error { return t.err }

func (t *Transfer) fail(err error) error {
	if t.err == nil {
		t.err = dberr.TransportError(err)
	}
	return t.err
}

// WriteProlog writes the one-byte protocol version handshake.
func (t *Transfer) WriteProlog() error {
	if t.err != nil {
		return t.err
	}
	if err := t.rw.WriteByte(protocolVersion); err != nil {
		return t.fail(err)
	}
	return t.flush()
}

// ReadProlog reads and validates the peer's protocol version byte.
func (t *Transfer) ReadProlog() error {
	if t.err != nil {
		return t.err
	}
	b, err := t.rw.ReadByte()
	if err != nil {
		return t.fail(err)
	}
	if b != protocolVersion {
		t.err = dberr.ProtocolError(fmt.Sprintf("unsupported protocol version %d", b))
		return t.err
	}
	return nil
}

func (t *Transfer) flush() error {
	if err := t.rw.Flush(); err != nil {
		return t.fail(err)
	}
	return nil
}

// WriteInt32 writes a 4-byte big-endian integer.
func (t *Transfer) WriteInt32(v int32) error {
	if t.err != nil {
		return t.err
	}
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(v))
	if _, err := t.rw.Write(b[:]); err != nil {
		return t.fail(err)
	}
	return nil
}

// ReadInt32 reads a 4-byte big-endian integer.
func (t *Transfer) ReadInt32() (int32, error) {
	if t.err != nil {
		return 0, t.err
	}
	var b [4]byte
	if _, err := io.ReadFull(t.rw, b[:]); err != nil {
		return 0, t.fail(err)
	}
	return int32(binary.BigEndian.Uint32(b[:])), nil
}

// WriteInt64 writes an 8-byte big-endian integer.
func (t *Transfer) WriteInt64(v int64) error {
	if t.err != nil {
		return t.err
	}
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(v))
	if _, err := t.rw.Write(b[:]); err != nil {
		return t.fail(err)
	}
	return nil
}

// ReadInt64 reads an 8-byte big-endian integer.
func (t *Transfer) ReadInt64() (int64, error) {
	if t.err != nil {
		return 0, t.err
	}
	var b [8]byte
	if _, err := io.ReadFull(t.rw, b[:]); err != nil {
		return 0, t.fail(err)
	}
	return int64(binary.BigEndian.Uint64(b[:])), nil
}

// WriteBool writes a one-byte boolean.
func (t *Transfer) WriteBool(v bool) error {
	if t.err != nil {
		return t.err
	}
	b := byte(0)
	if v {
		b = 1
	}
	if err := t.rw.WriteByte(b); err != nil {
		return t.fail(err)
	}
	return nil
}

// ReadBool reads a one-byte boolean.
func (t *Transfer) ReadBool() (bool, error) {
	if t.err != nil {
		return false, t.err
	}
	b, err := t.rw.ReadByte()
	if err != nil {
		return false, t.fail(err)
	}
	return b != 0, nil
}

// WriteString writes a length-prefixed UTF-8 string.
func (t *Transfer) WriteString(s string) error {
	if t.err != nil {
		return t.err
	}
	if err := t.WriteInt32(int32(len(s))); err != nil {
		return err
	}
	if _, err := io.WriteString(t.rw, s); err != nil {
		return t.fail(err)
	}
	return nil
}

// ReadString reads a length-prefixed UTF-8 string.
func (t *Transfer) ReadString() (string, error) {
	if t.err != nil {
		return "", t.err
	}
	n, err := t.ReadInt32()
	if err != nil {
		return "", err
	}
	if n < 0 {
		return "", t.fail(fmt.Errorf("negative string length %d", n))
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(t.rw, b); err != nil {
		return "", t.fail(err)
	}
	return string(b), nil
}

func (t *Transfer) writeBytesRaw(b []byte) error {
	if err := t.WriteInt32(int32(len(b))); err != nil {
		return err
	}
	if _, err := t.rw.Write(b); err != nil {
		return t.fail(err)
	}
	return nil
}

func (t *Transfer) readBytesRaw() ([]byte, error) {
	n, err := t.ReadInt32()
	if err != nil {
		return nil, err
	}
	if n < 0 {
		return nil, t.fail(fmt.Errorf("negative byte length %d", n))
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(t.rw, b); err != nil {
		return nil, t.fail(err)
	}
	return b, nil
}

// WriteCompressedString writes s as a length-prefixed string, zstd-
// compressing it first when it is at least compressionThreshold bytes.
// Used for the row-routing dispatch's inlined-values INSERT/MERGE text,
// which can run to many kilobytes for a large per-peer row bucket.
func (t *Transfer) WriteCompressedString(s string) error {
	if t.err != nil {
		return t.err
	}
	if len(s) < compressionThreshold {
		if err := t.WriteBool(false); err != nil {
			return err
		}
		return t.WriteString(s)
	}
	compressed := zstdEncoder.EncodeAll([]byte(s), nil)
	if err := t.WriteBool(true); err != nil {
		return err
	}
	if err := t.WriteInt32(int32(len(s))); err != nil {
		return err
	}
	return t.writeBytesRaw(compressed)
}

// ReadCompressedString reads a string written by WriteCompressedString.
func (t *Transfer) ReadCompressedString() (string, error) {
	if t.err != nil {
		return "", t.err
	}
	compressed, err := t.ReadBool()
	if err != nil {
		return "", err
	}
	if !compressed {
		return t.ReadString()
	}
	originalLen, err := t.ReadInt32()
	if err != nil {
		return "", err
	}
	payload, err := t.readBytesRaw()
	if err != nil {
		return "", err
	}
	decoded, err := zstdDecoder.DecodeAll(payload, make([]byte, 0, originalLen))
	if err != nil {
		return "", t.fail(fmt.Errorf("wire: zstd decode: %w", err))
	}
	return string(decoded), nil
}

// WriteValue writes a typed driver.Value: a one-byte tag followed by
// the tag-specific payload.
func (t *Transfer) WriteValue(v driver.Value) error {
	if t.err != nil {
		return t.err
	}
	switch x := v.(type) {
	case nil:
		return t.writeTag(vtNull)
	case int64:
		if err := t.writeTag(vtInt64); err != nil {
			return err
		}
		return t.WriteInt64(x)
	case float64:
		if err := t.writeTag(vtFloat64); err != nil {
			return err
		}
		return t.WriteInt64(int64(math.Float64bits(x)))
	case bool:
		if err := t.writeTag(vtBool); err != nil {
			return err
		}
		return t.WriteBool(x)
	case []byte:
		if err := t.writeTag(vtBytes); err != nil {
			return err
		}
		if err := t.WriteInt32(int32(len(x))); err != nil {
			return err
		}
		if _, err := t.rw.Write(x); err != nil {
			return t.fail(err)
		}
		return nil
	case string:
		if err := t.writeTag(vtString); err != nil {
			return err
		}
		return t.WriteString(x)
	default:
		return t.fail(fmt.Errorf("wire: unsupported value type %T", v))
	}
}

func (t *Transfer) writeTag(tag byte) error {
	if err := t.rw.WriteByte(tag); err != nil {
		return t.fail(err)
	}
	return nil
}

// ReadValue reads a typed driver.Value written by WriteValue.
func (t *Transfer) ReadValue() (driver.Value, error) {
	if t.err != nil {
		return nil, t.err
	}
	tag, err := t.rw.ReadByte()
	if err != nil {
		return nil, t.fail(err)
	}
	switch tag {
	case vtNull:
		return nil, nil
	case vtInt64:
		return t.ReadInt64()
	case vtFloat64:
		bits, err := t.ReadInt64()
		if err != nil {
			return nil, err
		}
		return math.Float64frombits(uint64(bits)), nil
	case vtBool:
		return t.ReadBool()
	case vtBytes:
		n, err := t.ReadInt32()
		if err != nil {
			return nil, err
		}
		if n < 0 {
			return nil, t.fail(fmt.Errorf("negative byte length %d", n))
		}
		b := make([]byte, n)
		if _, err := io.ReadFull(t.rw, b); err != nil {
			return nil, t.fail(err)
		}
		return b, nil
	case vtString:
		return t.ReadString()
	default:
		return nil, t.fail(fmt.Errorf("wire: unknown value tag %d", tag))
	}
}

// Done flushes pending writes, completing the request half of a
// request/response round trip. Callers read the response immediately
// after; Done itself does not block on the peer.
func (t *Transfer) Done() error {
	if t.err != nil {
		return t.err
	}
	return t.flush()
}

// EncodeKey serializes v into the bytes a Partitioner hashes. Kept
// alongside the wire value codec since it uses the same payload layouts
// as WriteValue (big-endian integers and float bits, raw string and
// byte contents), without WriteValue's type tag or length prefix. The
// encoding depends only on the value, so a partition key's token is
// stable regardless of which peer computes it.
func EncodeKey(v driver.Value) ([]byte, error) {
	switch x := v.(type) {
	case nil:
		return nil, fmt.Errorf("wire: cannot derive a partition key from a nil value")
	case int64:
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], uint64(x))
		return b[:], nil
	case float64:
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], math.Float64bits(x))
		return b[:], nil
	case bool:
		if x {
			return []byte{1}, nil
		}
		return []byte{0}, nil
	case []byte:
		return x, nil
	case string:
		return []byte(x), nil
	default:
		return nil, fmt.Errorf("wire: unsupported key type %T", v)
	}
}
