// Package rand produces random content for test volumes and preload images.
package rand

import (
	"bytes"
	"math/rand"
	"sync"
	"time"
)

var (
	onceSource  sync.Once
	rgen        *rand.Rand
	onceLetters sync.Once
	randMutex   sync.Mutex
	letters     []byte
)

func seed() {
	rgen = rand.New(rand.NewSource(time.Now().UnixNano())) // #nosec
}

// Fill a buffer with random bytes
func Fill(buf []byte) {
	onceSource.Do(seed)
	randMutex.Lock()
	_, _ = rgen.Read(buf)
	randMutex.Unlock()
}

// Bytes returns a random slice of bytes
func Bytes(n int) []byte {
	buf := make([]byte, n)
	Fill(buf)
	return buf
}

func makeLetters() {
	// "a" pads the table over 256 entries, so it is slightly more frequent
	letters = bytes.Repeat([]byte("abcdefghijklmnopqrstuvwxyz0123456789a"), 7)
}

// LetterBytes returns a random slice of bytes picked in the [0-9]|[a-z] range
func LetterBytes(n int) []byte {
	onceLetters.Do(makeLetters)
	buf := Bytes(n)
	for i, b := range buf {
		buf[i] = letters[b]
	}
	return buf
}

// LetterString returns a random string picked in the [0-9]|[a-z] range
func LetterString(n int) string {
	return string(LetterBytes(n))
}
