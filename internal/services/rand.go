package services

import (
	crand "crypto/rand"
	"encoding/binary"
	"math/rand"
	"sync"
)

// Game randomness runs on one crypto-seeded PRNG behind a lock; services
// take rand funcs as fields so tests can pin every roll.
var (
	gameRandMu sync.Mutex
	gameRand   = rand.New(rand.NewSource(cryptoSeed()))
)

func cryptoSeed() int64 {
	var b [8]byte
	if _, err := crand.Read(b[:]); err != nil {
		return 0
	}
	return int64(binary.LittleEndian.Uint64(b[:]))
}

func defaultRandFloat() float64 {
	gameRandMu.Lock()
	defer gameRandMu.Unlock()
	return gameRand.Float64()
}

func defaultRandIntn(n int) int {
	gameRandMu.Lock()
	defer gameRandMu.Unlock()
	return gameRand.Intn(n)
}
