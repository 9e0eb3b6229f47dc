// Package pairing implements the per-channel pairing handshake: pending
// requests with short-lived codes, and the persisted allowlists that
// approvals feed.
package pairing

import (
	"crypto/rand"
	"errors"
	"fmt"
)

// CodeAlphabet is the exact code alphabet: no 0, O, 1, or I.
const CodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// CodeLength is the pairing code length in characters.
const CodeLength = 8

// maxCodeAttempts bounds rejection sampling against the pending set.
const maxCodeAttempts = 500

// ErrCodeSpaceExhausted is returned when no unique code could be drawn.
var ErrCodeSpaceExhausted = errors.New("pairing: could not generate a unique code")

// generateCode draws a CodeLength-character code, resampling until it does
// not collide with taken.
func generateCode(taken map[string]bool) (string, error) {
	for attempt := 0; attempt < maxCodeAttempts; attempt++ {
		buf := make([]byte, CodeLength)
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("pairing: read random: %w", err)
		}
		for i, b := range buf {
			buf[i] = CodeAlphabet[int(b)%len(CodeAlphabet)]
		}
		code := string(buf)
		if !taken[code] {
			return code, nil
		}
	}
	return "", ErrCodeSpaceExhausted
}
