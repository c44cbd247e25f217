package audio

import "sync"

// RecentFrameCount is how many encoded frames are replayed into a freshly
// opened transcription stream so the first voiced syllable is not lost
// (10 frames * 60ms = 600ms of pre-roll).
const RecentFrameCount = 10

// FrameRing is a fixed-capacity ring of encoded audio frames. When full,
// a push evicts the oldest frame.
type FrameRing struct {
	frames [][]byte
	cap    int
	start  int
	size   int
	mu     sync.Mutex
}

// NewFrameRing creates a ring holding up to capacity frames.
func NewFrameRing(capacity int) *FrameRing {
	if capacity <= 0 {
		capacity = RecentFrameCount
	}
	return &FrameRing{
		frames: make([][]byte, capacity),
		cap:    capacity,
	}
}

// Push stores a copy of the frame, evicting the oldest when full.
func (r *FrameRing) Push(frame []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cp := make([]byte, len(frame))
	copy(cp, frame)

	if r.size < r.cap {
		r.frames[(r.start+r.size)%r.cap] = cp
		r.size++
		return
	}
	r.frames[r.start] = cp
	r.start = (r.start + 1) % r.cap
}

// Snapshot returns the buffered frames in chronological order. The returned
// slice shares frame storage with the ring; callers must not mutate frames.
func (r *FrameRing) Snapshot() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([][]byte, r.size)
	for i := 0; i < r.size; i++ {
		out[i] = r.frames[(r.start+i)%r.cap]
	}
	return out
}

// Clear drops all buffered frames.
func (r *FrameRing) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.start = 0
	r.size = 0
}

// Len returns the number of buffered frames.
func (r *FrameRing) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}
