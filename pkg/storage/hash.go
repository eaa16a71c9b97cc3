package storage

import (
	"context"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"hash"
	"io"
	"path"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/jacktea/scistore/pkg/xerrors"
)

// Algorithm names a content hash function.
type Algorithm string

const (
	AlgSHA384 Algorithm = "sha384"
	AlgSHA256 Algorithm = "sha256"
	AlgSHA512 Algorithm = "sha512"
	AlgBLAKE3 Algorithm = "blake3"

	// HashVersion prefixes every formatted hash.
	HashVersion = "v0"
	// DefaultAlgorithm is used by FileHash and PutContent.
	DefaultAlgorithm = AlgSHA384
	// HashChunkSize is the read size used while hashing.
	HashChunkSize = 1 << 20
)

var algorithms = map[Algorithm]func() hash.Hash{
	AlgSHA384: sha512.New384,
	AlgSHA256: sha256.New,
	AlgSHA512: sha512.New,
	AlgBLAKE3: func() hash.Hash { return blake3.New() },
}

// Algorithms lists the supported hash algorithms.
func Algorithms() []Algorithm {
	return []Algorithm{AlgSHA384, AlgSHA256, AlgSHA512, AlgBLAKE3}
}

// Hasher accumulates a digest and formats it as version-algorithm-hex.
type Hasher struct {
	hash.Hash
	alg Algorithm
}

// NewHasher returns a hasher for alg.
func NewHasher(alg Algorithm) (*Hasher, error) {
	fn, ok := algorithms[alg]
	if !ok {
		return nil, xerrors.E(xerrors.KindInvalid, "storage.NewHasher", string(alg))
	}
	return &Hasher{Hash: fn(), alg: alg}, nil
}

// Format returns the formatted hash of everything written so far.
func (h *Hasher) Format() string {
	return FormatHash(h.alg, hex.EncodeToString(h.Sum(nil)))
}

// FormatHash joins the parts of a formatted hash.
func FormatHash(alg Algorithm, hexDigest string) string {
	return HashVersion + "-" + string(alg) + "-" + hexDigest
}

// HashReader hashes everything r yields with alg.
func HashReader(ctx context.Context, r io.Reader, alg Algorithm) (string, error) {
	h, err := NewHasher(alg)
	if err != nil {
		return "", err
	}
	buf := make([]byte, HashChunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		n, rerr := r.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
		}
		if rerr == io.EOF {
			return h.Format(), nil
		}
		if rerr != nil {
			return "", xerrors.Wrap(xerrors.KindIO, "storage.hash", "", rerr)
		}
	}
}

// Hash is a parsed formatted hash.
type Hash struct {
	Version   string
	Algorithm Algorithm
	Hex       string
}

// ParseHash validates and splits version-algorithm-hexdigest.
func ParseHash(s string) (Hash, error) {
	parts := strings.SplitN(s, "-", 3)
	if len(parts) != 3 || parts[0] == "" || parts[2] == "" {
		return Hash{}, xerrors.E(xerrors.KindInvalid, "storage.ParseHash", s)
	}
	alg := Algorithm(parts[1])
	if _, ok := algorithms[alg]; !ok {
		return Hash{}, xerrors.E(xerrors.KindInvalid, "storage.ParseHash", s)
	}
	if len(parts[2]) < 4 {
		return Hash{}, xerrors.E(xerrors.KindInvalid, "storage.ParseHash", s)
	}
	if _, err := hex.DecodeString(parts[2]); err != nil {
		return Hash{}, xerrors.Wrap(xerrors.KindInvalid, "storage.ParseHash", s, err)
	}
	return Hash{Version: parts[0], Algorithm: alg, Hex: parts[2]}, nil
}

func (h Hash) String() string {
	return h.Version + "-" + string(h.Algorithm) + "-" + h.Hex
}

// ContentPath returns version/algorithm/xx/yy/full-hash for a formatted hash.
func ContentPath(formatted string) (string, error) {
	h, err := ParseHash(formatted)
	if err != nil {
		return "", err
	}
	return path.Join(h.Version, string(h.Algorithm), h.Hex[:2], h.Hex[2:4], h.String()), nil
}

// UUIDPath returns xx/yy/uuid, fanned out on the first uuid group.
func UUIDPath(uuid string) string {
	first, _, _ := strings.Cut(uuid, "-")
	if len(first) < 4 {
		return uuid
	}
	return path.Join(first[:2], first[2:4], uuid)
}

func cleanRel(p string) string {
	return strings.TrimPrefix(path.Clean("/"+p), "/")
}
