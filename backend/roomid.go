package main

import "crypto/rand"

// roomCodeAlphabet excludes visually ambiguous characters (no I, O, 0, 1).
const roomCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

const roomCodeLength = 6

// generateRoomCode draws roomCodeLength characters from the reduced
// alphabet using a CSPRNG. Uniqueness against existing rooms is the
// caller's job (rejection sampling in Hub.Create).
func generateRoomCode() string {
	buf := make([]byte, roomCodeLength)
	_, _ = rand.Read(buf)

	code := make([]byte, roomCodeLength)
	for i, b := range buf {
		code[i] = roomCodeAlphabet[int(b)%len(roomCodeAlphabet)]
	}
	return string(code)
}
