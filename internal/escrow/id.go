package escrow

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"io"
	"time"

	"github.com/shopspring/decimal"
)

// deriveID produces a fresh identifier from the caller identity, the amount, a
// monotonic per-engine sequence number, and the creation time. The sequence
// number alone guarantees uniqueness within the engine's lifetime; the rest
// anchors the id to its originating deposit.
func deriveID(account string, amount decimal.Decimal, seq uint64, at time.Time) string {
	h := sha256.New()
	io.WriteString(h, account)
	io.WriteString(h, "|")
	io.WriteString(h, amount.String())
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], seq)
	binary.BigEndian.PutUint64(buf[8:], uint64(at.UnixNano()))
	h.Write(buf[:])
	return hex.EncodeToString(h.Sum(nil))[:32]
}
