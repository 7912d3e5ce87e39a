// Package hashing implements KeyMesh's two distinct hash mechanisms.
//
// Manifest content hashing (this file) salts every buffer update with a
// fixed domain-separation string and prefers a fast 64-bit algorithm,
// falling back to SHA-256. It must never be confused with the plain,
// unsalted SHA-256 used for transfer-protocol chunk and whole-file
// integrity (see internal/transferproto), which is a different mechanism
// with a different purpose.
package hashing

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"

	"github.com/cespare/xxhash/v2"
)

// salt domain-separates KeyMesh's manifest content hash from a generic
// xxh64 or sha256 digest of the same bytes.
var salt = []byte("KeyMesh::hash::v1")

const readChunkSize = 4 * 1024 * 1024

// Mode selects how a file's content hash is derived.
type Mode string

const (
	ModeFull = Mode("full")
	ModeSample = Mode("sample")
	ModeMeta = Mode("meta")
	ModeNone = Mode("none")
	ModeAuto = Mode("auto")
)

// newHasher returns the preferred algorithm name and a fresh hash.Hash.
// xxhash is a build dependency, so this always returns xxh64; sha256 is
// used only by ModeMeta's metadata digest.
func newHasher() (string, hash.Hash) {
	return "xxh64", xxhash.New()
}

func updateSalted(h hash.Hash, data []byte) {
	h.Write(salt)
	h.Write(data)
}

func formatDigest(algo string, h hash.Hash) string {
	return fmt.Sprintf("%s:%s", algo, hex.EncodeToString(h.Sum(nil)))
}

// HashFile computes a file's content hash under the given policy.
// small_threshold_mb and sample_mb are both expressed in MiB.
func HashFile(path string, mode Mode, smallThresholdMB, sampleMB int) (string, error) {
	switch mode {
	case ModeNone:
		return "", nil
	case ModeMeta:
		return hashMeta(path)
	case ModeAuto:
		info, err := os.Stat(path)
		if err != nil {
			return "", err
		}
		if info.Size() <= int64(smallThresholdMB)*1024*1024 {
			return hashContent(path, -1)
		}
		return hashContent(path, sampleMB)
	case ModeSample:
		return hashContent(path, sampleMB)
	case ModeFull:
		return hashContent(path, -1)
	default:
		return hashContent(path, -1)
	}
}

// hashContent reads path in readChunkSize reads, optionally limited to the
// first limitMB megabytes (limitMB < 0 means read the whole file).
func hashContent(path string, limitMB int) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	algo, h := newHasher()

	var remaining int64 = -1
	if limitMB >= 0 {
		remaining = int64(limitMB) * 1024 * 1024
	}

	buf := make([]byte, readChunkSize)
	for {
		if remaining == 0 {
			break
		}
		toRead := len(buf)
		if remaining > 0 && remaining < int64(toRead) {
			toRead = int(remaining)
		}
		n, err := f.Read(buf[:toRead])
		if n > 0 {
			updateSalted(h, buf[:n])
			if remaining > 0 {
				remaining -= int64(n)
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", err
		}
	}
	return formatDigest(algo, h), nil
}

// hashMeta hashes "<basename>|<size>|<mtime_sec>" with SHA-256, always —
// the metadata-only mode is never subject to the fast-algorithm preference
// because its input is a handful of bytes, not a content stream.
func hashMeta(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	payload := fmt.Sprintf("%s|%d|%d", info.Name(), info.Size(), info.ModTime().Unix())
	updateSalted(h, []byte(payload))
	return formatDigest("sha256", h), nil
}
