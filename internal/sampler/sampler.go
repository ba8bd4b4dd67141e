// Package sampler draws reproducible subsets of tile indices.
package sampler

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"math/rand"
)

// Seeds used when the configuration leaves them unset.
const (
	DefaultSeed int64 = 0
	GallerySeed int64 = 21
)

// Mode selects how random generators are assigned to slides.
type Mode string

const (
	// Stream shares one generator across all slides in processing order.
	Stream Mode = "stream"
	// PerSlide derives an independent generator per slide from its key.
	PerSlide Mode = "per_slide"
)

// ParseMode validates a configured mode. Empty means Stream.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", Stream:
		return Stream, nil
	case PerSlide:
		return PerSlide, nil
	}
	return "", fmt.Errorf("unknown sampling mode %q (expected %q or %q)", s, Stream, PerSlide)
}

// Sample returns min(k, n) distinct indices from [0, n): a uniformly random
// permutation truncated to k. k larger than n returns every index.
func Sample(rng *rand.Rand, n, k int) []int {
	if n <= 0 || k <= 0 {
		return []int{}
	}
	perm := rng.Perm(n)
	if k < n {
		perm = perm[:k]
	}
	return perm
}

// Source hands out the generator for each slide.
type Source struct {
	mode   Mode
	seed   int64
	stream *rand.Rand
}

// NewSource creates a generator source. Stream sources are stateful and must
// be consulted in slide order from a single goroutine.
func NewSource(mode Mode, seed int64) *Source {
	s := &Source{mode: mode, seed: seed}
	if mode != PerSlide {
		s.mode = Stream
		s.stream = rand.New(rand.NewSource(seed))
	}
	return s
}

// Mode returns the source's mode.
func (s *Source) Mode() Mode { return s.mode }

// For returns the generator to use for the slide identified by key.
func (s *Source) For(key string) *rand.Rand {
	if s.mode == Stream {
		return s.stream
	}
	return rand.New(rand.NewSource(SlideSeed(s.seed, key)))
}

// SlideSeed mixes the base seed with a slide key.
func SlideSeed(seed int64, key string) int64 {
	h := fnv.New64a()
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(seed))
	h.Write(b[:])
	h.Write([]byte(key))
	return int64(h.Sum64())
}

// Shuffled returns a copy of indices shuffled with a generator seeded by
// seed, truncated to at most max entries.
func Shuffled(indices []int, max int, seed int64) []int {
	out := append([]int(nil), indices...)
	rng := rand.New(rand.NewSource(seed))
	rng.Shuffle(len(out), func(i, j int) {
		out[i], out[j] = out[j], out[i]
	})
	if max >= 0 && max < len(out) {
		out = out[:max]
	}
	return out
}
