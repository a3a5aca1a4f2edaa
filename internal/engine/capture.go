package engine

import "sync"

// captureBuffer keeps the tail of a process output stream for diagnostics.
type captureBuffer struct {
	mu    sync.Mutex
	data  []byte
	limit int
}

func newCaptureBuffer(limit int) *captureBuffer {
	return &captureBuffer{limit: limit}
}

func (b *captureBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data = append(b.data, p...)
	if len(b.data) > b.limit {
		b.data = b.data[len(b.data)-b.limit:]
	}
	return len(p), nil
}

// Tail returns the buffered tail as a string.
func (b *captureBuffer) Tail() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.data)
}
