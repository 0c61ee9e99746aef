// Package puzzle implements the proof-of-work predicate shared by leader and miners.
package puzzle

import (
	"crypto/sha1"
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/cybermesh/mining-peer/internal/protocol"
)

// RequiredZeros is the number of leading hex zeros a digest needs: max(1, parameter/4).
func RequiredZeros(parameter int64) int {
	z := parameter / 4
	if z < 1 {
		return 1
	}
	return int(z)
}

// Digest returns the lowercase hex SHA-1 of "<tx>:<candidate>".
func Digest(tx protocol.TxID, candidate string) string {
	buf := make([]byte, 0, 24+len(candidate))
	buf = strconv.AppendInt(buf, int64(tx), 10)
	buf = append(buf, ':')
	buf = append(buf, candidate...)
	sum := sha1.Sum(buf)
	return hex.EncodeToString(sum[:])
}

// IsValid reports whether candidate solves the challenge (tx, parameter).
func IsValid(tx protocol.TxID, parameter int64, candidate string) bool {
	zeros := RequiredZeros(parameter)
	if zeros > sha1.Size*2 {
		return false
	}
	return strings.HasPrefix(Digest(tx, candidate), strings.Repeat("0", zeros))
}
