package session

import (
	"crypto/rand"
	"math/big"
)

// InviteAlphabet leaves out characters that are easy to confuse when typed
// (0/O, 1/I/L).
const InviteAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

const InviteCodeLength = 6

// InviteGenerator produces candidate invite codes. Uniqueness is the
// registry's job.
type InviteGenerator func() string

// RandomInviteCode draws InviteCodeLength characters from InviteAlphabet.
func RandomInviteCode() string {
	base := big.NewInt(int64(len(InviteAlphabet)))
	code := make([]byte, InviteCodeLength)
	for i := range code {
		n, err := rand.Int(rand.Reader, base)
		if err != nil {
			panic("invite code: crypto/rand failed: " + err.Error())
		}
		code[i] = InviteAlphabet[n.Int64()]
	}
	return string(code)
}
