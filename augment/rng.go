package augment

import (
	"math/rand/v2"
)

// Stream is an independent, seeded pseudo-random stream. Randomness is always
// threaded through a Stream value; nothing in this package touches a global
// generator, so augmentation stays reproducible under parallel workers.
type Stream struct {
	*rand.Rand
}

// NewStream creates a stream from a 64-bit seed.
func NewStream(seed uint64) *Stream {
	return &Stream{Rand: rand.New(rand.NewPCG(seed, splitmix64(seed)))}
}

// SampleSeed derives the seed of a per-sample substream from the run seed,
// the epoch, and the sample index. Distinct (epoch, index) pairs map to
// distinct, well-separated seeds, so two workers never consume the same
// substream.
func SampleSeed(runSeed uint64, epoch, sampleIndex int) uint64 {
	s := splitmix64(runSeed)
	s = splitmix64(s ^ uint64(epoch)*0x9e3779b97f4a7c15)
	s = splitmix64(s ^ uint64(sampleIndex)*0xbf58476d1ce4e5b9)
	return s
}

// StreamFor returns the per-sample stream for (runSeed, epoch, sampleIndex).
func StreamFor(runSeed uint64, epoch, sampleIndex int) *Stream {
	return NewStream(SampleSeed(runSeed, epoch, sampleIndex))
}

// splitmix64 is the finalizer of the SplitMix64 generator, used here as a
// seed mixer.
func splitmix64(x uint64) uint64 {
	x += 0x9e3779b97f4a7c15
	x = (x ^ (x >> 30)) * 0xbf58476d1ce4e5b9
	x = (x ^ (x >> 27)) * 0x94d049bb133111eb
	return x ^ (x >> 31)
}
