package utils

import (
	"crypto/rand"
	"math/big"

	"github.com/google/uuid"
)

const base36 = "0123456789abcdefghijklmnopqrstuvwxyz"

// RandomSuffix returns n random lowercase base36 characters.
func RandomSuffix(n int) string {
	b := make([]byte, n)
	max := big.NewInt(int64(len(base36)))
	for i := range b {
		v, err := rand.Int(rand.Reader, max)
		if err != nil {
			// crypto/rand only fails when the OS source is broken
			panic(err)
		}
		b[i] = base36[v.Int64()]
	}
	return string(b)
}

// GenerateID generates a random ID with prefix
func GenerateID(prefix string) string {
	return prefix + RandomSuffix(7)
}

// GenerateMessageID returns a unique id for a log message or transfer.
func GenerateMessageID() string {
	return uuid.NewString()
}

// GenerateInstanceID identifies one rendezvous server process.
func GenerateInstanceID() string {
	return "instance-" + uuid.NewString()[:8]
}

// RandomIndex returns a uniform random index in [0, n).
func RandomIndex(n int) int {
	if n <= 1 {
		return 0
	}
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		panic(err)
	}
	return int(v.Int64())
}

// Permutation returns a random permutation of [0, n).
func Permutation(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	for i := n - 1; i > 0; i-- {
		j := RandomIndex(i + 1)
		out[i], out[j] = out[j], out[i]
	}
	return out
}
