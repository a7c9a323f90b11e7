package exec

import (
	"strings"
	"sync"
	"time"
)

// Stream discriminates which standard stream a chunk came from.
type Stream string

const (
	StreamStdout Stream = "stdout"
	StreamStderr Stream = "stderr"
)

// Chunk is one unit of captured output. Seq increases monotonically
// per stream; chunks of the same stream are never reordered or
// coalesced. Callers needing combined chronology use Time.
type Chunk struct {
	Stream Stream    `json:"stream"`
	Seq    uint64    `json:"seq"`
	Time   time.Time `json:"time"`
	Data   []byte    `json:"data"`
}

// AppendStatus reports the outcome of a channel append.
type AppendStatus int

const (
	AppendOK AppendStatus = iota
	// AppendDroppedLimit means the byte ceiling was hit; the chunk (or
	// its remainder) was discarded and the channel marked truncated.
	AppendDroppedLimit
	// AppendDroppedClosed means the channel was closed first.
	AppendDroppedClosed
)

// Channel captures one process's stdout and stderr incrementally into
// a bounded, order-preserving buffer. Single writer (the draining
// goroutines), any number of concurrent readers. Both streams count
// against one combined byte ceiling; once the ceiling is reached the
// channel stays truncated and further bytes are dropped rather than
// blocking the child's writes or growing without bound.
type Channel struct {
	mu        sync.Mutex
	limit     int
	size      int
	chunks    []Chunk
	stdoutSeq uint64
	stderrSeq uint64
	truncated bool
	closed    bool
}

// NewChannel creates a channel with the given combined byte ceiling.
func NewChannel(limit int) *Channel {
	return &Channel{limit: limit}
}

// Append records bytes from one stream. If only part of the data fits
// under the ceiling the prefix is kept, so total buffered size lands
// exactly on the limit before truncation sets in.
func (c *Channel) Append(stream Stream, data []byte) AppendStatus {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return AppendDroppedClosed
	}

	remaining := c.limit - c.size
	if remaining <= 0 {
		c.truncated = true
		return AppendDroppedLimit
	}

	status := AppendOK
	if len(data) > remaining {
		data = data[:remaining]
		c.truncated = true
		status = AppendDroppedLimit
	}

	var seq uint64
	if stream == StreamStderr {
		c.stderrSeq++
		seq = c.stderrSeq
	} else {
		c.stdoutSeq++
		seq = c.stdoutSeq
	}

	buf := make([]byte, len(data))
	copy(buf, data)
	c.chunks = append(c.chunks, Chunk{
		Stream: stream,
		Seq:    seq,
		Time:   time.Now(),
		Data:   buf,
	})
	c.size += len(buf)
	return status
}

// Close marks that no further writes will occur. Idempotent.
func (c *Channel) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

// Snapshot returns all chunks appended so far, the buffered byte
// count, and the truncated flag. Never blocks on writers beyond the
// copy itself.
func (c *Channel) Snapshot() ([]Chunk, int, bool) {
	return c.Since(0)
}

// Since returns chunks at append positions >= offset. Chunks are only
// ever appended, so a position observed once stays valid; callers poll
// incrementally by passing the previously returned NextOffset.
func (c *Channel) Since(offset int) ([]Chunk, int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if offset < 0 {
		offset = 0
	}
	if offset > len(c.chunks) {
		offset = len(c.chunks)
	}
	out := make([]Chunk, len(c.chunks)-offset)
	copy(out, c.chunks[offset:])
	return out, c.size, c.truncated
}

// Len returns the number of chunks appended so far.
func (c *Channel) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.chunks)
}

// Truncated reports whether the byte ceiling was ever hit. Sticky.
func (c *Channel) Truncated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.truncated
}

// Collect concatenates buffered output per stream.
func Collect(chunks []Chunk) (stdout, stderr string) {
	var ob, eb strings.Builder
	for _, ch := range chunks {
		if ch.Stream == StreamStderr {
			eb.Write(ch.Data)
		} else {
			ob.Write(ch.Data)
		}
	}
	return ob.String(), eb.String()
}
