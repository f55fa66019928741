// Package digest provides the self-describing content digest used for every
// content comparison in spt: drift detection against a patch's before/after
// hashes, blob addressing in the content stores, and tamper detection when
// restoring backups.
//
// A digest is the multibase (base32, lowercase) encoding of a multihash.
// The algorithm is carried inside the value itself, so two digests computed
// by different components are comparable by plain string equality. Raw hex
// digests are rejected by Parse: mixing representations would make every
// comparison silently meaningless.
package digest

import (
	"crypto/sha256"
	"fmt"
	"io"
	"os"

	"github.com/multiformats/go-multibase"
	"github.com/multiformats/go-multihash"
)

// Digest is a canonical self-describing content digest string.
// The zero value is not a valid digest.
type Digest string

// FromBytes computes the digest of data using sha2-256.
func FromBytes(data []byte) Digest {
	mh, err := multihash.Sum(data, multihash.SHA2_256, -1)
	if err != nil {
		// multihash.Sum only fails for unknown codes; SHA2_256 is built in.
		panic(fmt.Sprintf("digest: multihash sum: %v", err))
	}
	return encode(mh)
}

// FromReader computes the digest of everything readable from r.
// Returns the digest and the number of bytes consumed.
func FromReader(r io.Reader) (Digest, int64, error) {
	h := sha256.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return "", n, fmt.Errorf("hashing content: %w", err)
	}
	mh, err := multihash.Encode(h.Sum(nil), multihash.SHA2_256)
	if err != nil {
		return "", n, fmt.Errorf("encoding multihash: %w", err)
	}
	return encode(mh), n, nil
}

// FromFile computes the digest of the file at path.
func FromFile(path string) (Digest, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()
	return FromReader(f)
}

// Parse validates s and returns it in canonical form.
// It fails on anything that is not a multibase-encoded multihash,
// including bare hex SHA-256 strings.
func Parse(s string) (Digest, error) {
	if s == "" {
		return "", fmt.Errorf("empty digest")
	}
	_, raw, err := multibase.Decode(s)
	if err != nil {
		return "", fmt.Errorf("decoding digest %q: %w", s, err)
	}
	mh, err := multihash.Decode(raw)
	if err != nil {
		return "", fmt.Errorf("decoding multihash in %q: %w", s, err)
	}
	if err := validAlgorithm(mh); err != nil {
		return "", err
	}
	// Re-encode so equality checks can rely on one canonical base.
	return encode(multihash.Multihash(raw)), nil
}

// Algorithm returns the hash function name carried inside the digest
// (e.g. "sha2-256").
func (d Digest) Algorithm() (string, error) {
	_, raw, err := multibase.Decode(string(d))
	if err != nil {
		return "", fmt.Errorf("decoding digest: %w", err)
	}
	mh, err := multihash.Decode(raw)
	if err != nil {
		return "", fmt.Errorf("decoding multihash: %w", err)
	}
	return mh.Name, nil
}

// Verify reports whether data hashes to d.
func (d Digest) Verify(data []byte) bool {
	return FromBytes(data) == d
}

func (d Digest) String() string { return string(d) }

func encode(mh multihash.Multihash) Digest {
	s, err := multibase.Encode(multibase.Base32, mh)
	if err != nil {
		panic(fmt.Sprintf("digest: multibase encode: %v", err))
	}
	return Digest(s)
}

func validAlgorithm(mh *multihash.DecodedMultihash) error {
	if mh.Code != multihash.SHA2_256 {
		return fmt.Errorf("unsupported digest algorithm %s", mh.Name)
	}
	return nil
}
