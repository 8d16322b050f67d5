package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"strings"

	"github.com/zeebo/blake3"
)

// Algorithm names a supported content digest.
type Algorithm string

const (
	SHA256 Algorithm = "sha256"
	BLAKE3 Algorithm = "blake3"
)

// Checksum is a parsed "<algorithm>:<hex>" value. A bare hex string is
// taken as sha256, which is what the backend sends when it sends one.
type Checksum struct {
	Algorithm Algorithm
	Hex       string
}

func ParseChecksum(s string) (Checksum, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Checksum{}, fmt.Errorf("empty checksum")
	}
	alg, value, found := strings.Cut(s, ":")
	if !found {
		alg, value = string(SHA256), s
	}
	c := Checksum{Algorithm: Algorithm(strings.ToLower(alg)), Hex: strings.ToLower(value)}
	if c.Algorithm != SHA256 && c.Algorithm != BLAKE3 {
		return Checksum{}, fmt.Errorf("unsupported checksum algorithm %q", alg)
	}
	if _, err := hex.DecodeString(c.Hex); err != nil || len(c.Hex) != 64 {
		return Checksum{}, fmt.Errorf("malformed %s checksum %q", c.Algorithm, value)
	}
	return c, nil
}

func (c Checksum) String() string {
	return string(c.Algorithm) + ":" + c.Hex
}

// NewHash returns a fresh hash for the algorithm.
func NewHash(alg Algorithm) hash.Hash {
	if alg == BLAKE3 {
		return blake3.New()
	}
	return sha256.New()
}

// Digester accumulates a content digest while a file is streamed and
// checks it against an expected checksum at the end.
type Digester struct {
	expected *Checksum
	verify   hash.Hash
	content  hash.Hash
}

// NewDigester returns a Digester that always computes the blake3 content
// digest recorded in the cache index, and additionally verifies against
// expected when it is non-empty.
func NewDigester(expected string) (*Digester, error) {
	d := &Digester{content: blake3.New()}
	if expected == "" {
		return d, nil
	}
	c, err := ParseChecksum(expected)
	if err != nil {
		return nil, err
	}
	d.expected = &c
	if c.Algorithm != BLAKE3 {
		d.verify = NewHash(c.Algorithm)
	}
	return d, nil
}

func (d *Digester) Write(p []byte) (int, error) {
	d.content.Write(p)
	if d.verify != nil {
		d.verify.Write(p)
	}
	return len(p), nil
}

// ContentDigest returns the blake3 digest of everything written so far.
func (d *Digester) ContentDigest() string {
	return string(BLAKE3) + ":" + hex.EncodeToString(d.content.Sum(nil))
}

// Verify returns nil when no checksum was expected or the data matched.
func (d *Digester) Verify() error {
	if d.expected == nil {
		return nil
	}
	h := d.verify
	if h == nil {
		h = d.content
	}
	got := hex.EncodeToString(h.Sum(nil))
	if got != d.expected.Hex {
		return fmt.Errorf("%s mismatch: got %s, want %s", d.expected.Algorithm, got, d.expected.Hex)
	}
	return nil
}

// HashFile streams the file at path through the algorithm's hash.
func HashFile(path string, alg Algorithm) (Checksum, error) {
	file, err := os.Open(path)
	if err != nil {
		return Checksum{}, fmt.Errorf("opening %s for hashing: %w", path, err)
	}
	defer file.Close()

	h := NewHash(alg)
	if _, err := io.Copy(h, file); err != nil {
		return Checksum{}, fmt.Errorf("hashing %s: %w", path, err)
	}
	return Checksum{Algorithm: alg, Hex: hex.EncodeToString(h.Sum(nil))}, nil
}
