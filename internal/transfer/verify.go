package transfer

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"strings"
)

// Digest is a parsed checksum declaration.
type Digest struct {
	Algorithm string
	Sum       string // lowercase hex
}

// ParseChecksum accepts "sha256:<hex>", "sha1:<hex>", "md5:<hex>" or bare hex,
// in which case the algorithm follows from the length.
func ParseChecksum(s string) (Digest, error) {
	s = strings.TrimSpace(s)

	algo, sum, found := strings.Cut(s, ":")
	if !found {
		sum = s

		switch len(s) {
		case sha256.Size * 2:
			algo = "sha256"
		case sha1.Size * 2:
			algo = "sha1"
		case md5.Size * 2:
			algo = "md5"
		default:
			return Digest{}, fmt.Errorf("cannot infer algorithm of %d character checksum", len(s))
		}
	}

	algo = strings.ToLower(algo)
	sum = strings.ToLower(sum)

	h, err := newHash(algo)
	if err != nil {
		return Digest{}, err
	}

	if _, err := hex.DecodeString(sum); err != nil || len(sum) != h.Size()*2 {
		return Digest{}, fmt.Errorf("malformed %s checksum %q", algo, sum)
	}

	return Digest{Algorithm: algo, Sum: sum}, nil
}

func newHash(algo string) (hash.Hash, error) {
	switch algo {
	case "sha256":
		return sha256.New(), nil
	case "sha1":
		return sha1.New(), nil
	case "md5":
		return md5.New(), nil
	default:
		return nil, fmt.Errorf("unsupported checksum algorithm %q", algo)
	}
}

// fileDigest hashes the file at path with d's algorithm.
func fileDigest(path string, d Digest) (string, error) {
	h, err := newHash(d.Algorithm)
	if err != nil {
		return "", err
	}

	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// VerifyFile reports whether the file at path exists and matches the
// declared size and checksum. With nothing declared it reports false, since
// an unverifiable file cannot be trusted as complete.
func VerifyFile(path string, size int64, checksum string) (bool, error) {
	if size <= 0 && checksum == "" {
		return false, nil
	}

	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}

	if err != nil {
		return false, err
	}

	if size > 0 && info.Size() != size {
		return false, nil
	}

	if checksum == "" {
		return true, nil
	}

	d, err := ParseChecksum(checksum)
	if err != nil {
		return false, nil
	}

	sum, err := fileDigest(path, d)
	if err != nil {
		return false, err
	}

	return sum == d.Sum, nil
}
