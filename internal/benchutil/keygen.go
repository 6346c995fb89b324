// Package benchutil provides key generation and latency tracking shared
// by calico's benchmarks.
package benchutil

import (
	"encoding/binary"
	"fmt"
	"math"
	mrand "math/rand"
	"sync/atomic"
)

// KeyDistribution selects the access pattern a KeyGenerator produces.
type KeyDistribution string

const (
	DistUniform    KeyDistribution = "uniform"    // every key equally likely
	DistZipfian    KeyDistribution = "zipfian"    // 80/20 hot-key skew
	DistSequential KeyDistribution = "sequential" // monotonic scan order
	DistLatest     KeyDistribution = "latest"     // recency-biased, time-series-like
)

// KeyGenerator produces keys over [0, numKeys) according to a
// distribution, formatted to a fixed keySize.
type KeyGenerator struct {
	numKeys      int
	keySize      int
	distribution KeyDistribution
	rng          *mrand.Rand
	zipf         *mrand.Zipf
	seqCounter   atomic.Int64
}

func NewKeyGenerator(numKeys, keySize int, distribution KeyDistribution, seed int64) *KeyGenerator {
	rng := mrand.New(mrand.NewSource(seed))
	kg := &KeyGenerator{numKeys: numKeys, keySize: keySize, distribution: distribution, rng: rng}
	if distribution == DistZipfian {
		kg.zipf = mrand.NewZipf(rng, 1.1, 1, uint64(numKeys-1))
	}
	return kg
}

func (kg *KeyGenerator) NextKey() []byte {
	var keyNum int
	switch kg.distribution {
	case DistUniform:
		keyNum = kg.rng.Intn(kg.numKeys)
	case DistZipfian:
		keyNum = int(kg.zipf.Uint64())
	case DistSequential:
		keyNum = int(kg.seqCounter.Add(1) % int64(kg.numKeys))
	case DistLatest:
		window := kg.numKeys / 10
		if window < 100 {
			window = 100
		}
		offset := int(math.Abs(kg.rng.NormFloat64()) * float64(window))
		keyNum = kg.numKeys - 1 - offset
		if keyNum < 0 {
			keyNum = 0
		}
	default:
		keyNum = kg.rng.Intn(kg.numKeys)
	}
	return kg.formatKey(keyNum)
}

func (kg *KeyGenerator) GenerateSequential(n int) []byte {
	return kg.formatKey(n)
}

func (kg *KeyGenerator) formatKey(n int) []byte {
	key := fmt.Sprintf("bucket-key%010d", n)
	if len(key) < kg.keySize {
		padding := make([]byte, kg.keySize-len(key))
		if len(padding) >= 8 {
			binary.LittleEndian.PutUint64(padding, uint64(n))
		} else {
			for i := range padding {
				padding[i] = byte(n + i)
			}
		}
		return append([]byte(key), padding...)
	}
	return []byte(key)[:kg.keySize]
}
