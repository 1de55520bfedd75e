package feed

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"hash"
)

// Digest hashes the collection in insertion order. Two stores that went
// through the same operations produce the same digest.
func Digest(posts []Post) string {
	h := sha256.New()
	var tmp [8]byte
	digestWriteU64(h, &tmp, uint64(len(posts)))
	for _, p := range posts {
		digestWriteString(h, &tmp, string(p.ID))
		digestWriteString(h, &tmp, p.Title)
		digestWriteString(h, &tmp, p.Description)
		digestWriteString(h, &tmp, p.Community)
		digestWriteString(h, &tmp, p.User)
		digestWriteU64(h, &tmp, uint64(int64(p.Votes)))
		digestWriteU64(h, &tmp, p.Seq)
	}
	return hex.EncodeToString(h.Sum(nil))
}

func (s *Store) Digest() string { return Digest(s.posts) }

func digestWriteU64(h hash.Hash, tmp *[8]byte, v uint64) {
	binary.LittleEndian.PutUint64(tmp[:], v)
	h.Write(tmp[:])
}

// Length prefix keeps ("ab","c") and ("a","bc") apart.
func digestWriteString(h hash.Hash, tmp *[8]byte, s string) {
	digestWriteU64(h, tmp, uint64(len(s)))
	h.Write([]byte(s))
}
