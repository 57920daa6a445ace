package database

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fernet/fernet-go"
	"github.com/klauspost/compress/zstd"

	"github.com/gluk-w/claworc/shellrelay/internal/stream"
)

// ErrDecrypt is returned when stored data cannot be decrypted with the
// configured key.
var ErrDecrypt = errors.New("decrypt: invalid token")

// zstd.Encoder and zstd.Decoder are safe for concurrent use with
// EncodeAll and DecodeAll.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("database: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("database: zstd decoder initialization failed: " + err.Error())
	}
}

type storedChunk struct {
	Seq      uint64 `json:"s"`
	Kind     string `json:"k,omitempty"`
	Data     []byte `json:"d,omitempty"`
	Time     int64  `json:"t"`
	Redacted bool   `json:"r,omitempty"`
	Exit     int    `json:"x,omitempty"`
}

// codec turns chunk batches into stored bytes and back.
type codec struct {
	key *fernet.Key
}

// newCodec parses an optional Fernet key.
func newCodec(encodedKey string) (*codec, error) {
	if encodedKey == "" {
		return &codec{}, nil
	}
	key, err := fernet.DecodeKey(encodedKey)
	if err != nil {
		return nil, fmt.Errorf("decode fernet key: %w", err)
	}
	return &codec{key: key}, nil
}

func (c *codec) encrypted() bool { return c.key != nil }

func (c *codec) encodeChunks(chunks []stream.Chunk) ([]byte, error) {
	stored := make([]storedChunk, len(chunks))
	for i, ch := range chunks {
		kind := string(ch.Kind)
		if ch.Kind == stream.ChunkOutput {
			kind = ""
		}
		stored[i] = storedChunk{
			Seq:      ch.Sequence,
			Kind:     kind,
			Data:     ch.Data,
			Time:     ch.Timestamp.UnixNano(),
			Redacted: ch.Redacted,
			Exit:     ch.ExitCode,
		}
	}
	raw, err := json.Marshal(stored)
	if err != nil {
		return nil, fmt.Errorf("marshal chunks: %w", err)
	}
	return c.seal(zstdEncoder.EncodeAll(raw, nil))
}

func (c *codec) decodeChunks(b []byte, encrypted bool) ([]stream.Chunk, error) {
	if encrypted {
		var err error
		if b, err = c.open(b); err != nil {
			return nil, err
		}
	}
	raw, err := zstdDecoder.DecodeAll(b, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}
	var stored []storedChunk
	if err := json.Unmarshal(raw, &stored); err != nil {
		return nil, fmt.Errorf("unmarshal chunks: %w", err)
	}
	chunks := make([]stream.Chunk, len(stored))
	for i, s := range stored {
		kind := stream.ChunkKind(s.Kind)
		if kind == "" {
			kind = stream.ChunkOutput
		}
		chunks[i] = stream.Chunk{
			Sequence:  s.Seq,
			Kind:      kind,
			Data:      s.Data,
			Timestamp: time.Unix(0, s.Time),
			Redacted:  s.Redacted,
			ExitCode:  s.Exit,
		}
	}
	return chunks, nil
}

// seal encrypts b when a key is configured.
func (c *codec) seal(b []byte) ([]byte, error) {
	if c.key == nil {
		return b, nil
	}
	tok, err := fernet.EncryptAndSign(b, c.key)
	if err != nil {
		return nil, fmt.Errorf("encrypt: %w", err)
	}
	return tok, nil
}

func (c *codec) open(tok []byte) ([]byte, error) {
	if c.key == nil {
		return nil, fmt.Errorf("%w: no key configured", ErrDecrypt)
	}
	msg := fernet.VerifyAndDecrypt(tok, 0, []*fernet.Key{c.key})
	if msg == nil {
		return nil, ErrDecrypt
	}
	return msg, nil
}

func (c *codec) sealString(s string) (string, error) {
	if c.key == nil || s == "" {
		return s, nil
	}
	b, err := c.seal([]byte(s))
	return string(b), err
}

// openString reverses sealString. Values written without a key are JSON
// and pass through.
func (c *codec) openString(s string) (string, error) {
	if c.key == nil || s == "" || json.Valid([]byte(s)) {
		return s, nil
	}
	b, err := c.open([]byte(s))
	return string(b), err
}

// GenerateKey returns a new encoded Fernet key for OUTPUT_ENCRYPTION_KEY.
func GenerateKey() string {
	var k fernet.Key
	if err := k.Generate(); err != nil {
		panic("database: generate fernet key: " + err.Error())
	}
	return k.Encode()
}
