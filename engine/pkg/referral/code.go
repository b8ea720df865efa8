package referral

import (
	"crypto/sha256"
	"encoding/binary"
	"sync/atomic"
	"time"

	"github.com/mr-tron/base58"
)

// CodeLength is the number of base58 characters in a generated code.
const CodeLength = 12

// maxCodeAttempts bounds regeneration on collision.
const maxCodeAttempts = 8

// codeGenerator derives codes from the owner, the time and a process-wide
// counter so two calls in the same nanosecond still differ.
type codeGenerator struct {
	counter atomic.Uint64
}

func (g *codeGenerator) next(owner string, now time.Time) string {
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], uint64(now.UnixNano()))
	binary.BigEndian.PutUint64(buf[8:], g.counter.Add(1))

	h := sha256.New()
	h.Write([]byte(owner))
	h.Write(buf[:])
	return base58.Encode(h.Sum(nil))[:CodeLength]
}
