package agentsession

import "sync"

// stderrBuffer keeps the last limit lines written by the runtime.
type stderrBuffer struct {
	mu    sync.Mutex
	limit int
	lines []string
}

func newStderrBuffer(limit int) *stderrBuffer {
	if limit <= 0 {
		limit = 200
	}
	return &stderrBuffer{limit: limit}
}

func (b *stderrBuffer) Write(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lines = append(b.lines, line)
	if over := len(b.lines) - b.limit; over > 0 {
		b.lines = append(b.lines[:0], b.lines[over:]...)
	}
}

func (b *stderrBuffer) Lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.lines...)
}

func (b *stderrBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lines = nil
}
