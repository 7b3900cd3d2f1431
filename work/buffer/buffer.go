package buffer

import (
	"sync"
	"sync/atomic"

	"github.com/valyala/bytebufferpool"
)

// Pool is a thread-safe pool of byte buffers backed by valyala/bytebufferpool,
// used for the producer's transcoder read buffers. Buffers are grown to the
// configured size on first use and reused across items.
type Pool struct {
	pool       *bytebufferpool.Pool
	bufferSize int
}

// NewPool creates a Pool handing out buffers of at least bufferSize bytes.
func NewPool(bufferSize int) *Pool {
	return &Pool{
		bufferSize: bufferSize,
		pool:       &bytebufferpool.Pool{},
	}
}

// Get retrieves a buffer from the pool, grown to the configured size.
func (p *Pool) Get() *bytebufferpool.ByteBuffer {
	buf := p.pool.Get()
	buf.Reset()
	if cap(buf.B) < p.bufferSize {
		buf.B = make([]byte, 0, p.bufferSize)
	}
	buf.B = buf.B[:p.bufferSize]
	return buf
}

// Put returns a buffer to the pool.
func (p *Pool) Put(buf *bytebufferpool.ByteBuffer) {
	if buf != nil {
		p.pool.Put(buf)
	}
}

// Window is a thread-safe circular buffer holding the most recently published
// output of one channel. It exists solely so the health watcher can hand
// recent bytes to ffprobe without touching the producer or the client queues.
// It is not a replay buffer: clients never read from it, and a client joining
// late receives only bytes published after it attaches.
type Window struct {
	data     []byte
	size     int64
	writePos atomic.Int64
	closed   atomic.Bool
	mu       sync.RWMutex
}

// NewWindow creates a Window retaining the last size bytes of output.
func NewWindow(size int64) *Window {
	return &Window{
		data: make([]byte, size),
		size: size,
	}
}

// Write appends data to the window, overwriting the oldest bytes when full.
// Ignored after Close.
func (w *Window) Write(data []byte) {
	if w.closed.Load() {
		return
	}

	w.mu.RLock()
	defer w.mu.RUnlock()

	if w.closed.Load() || w.data == nil {
		return
	}

	dataLen := int64(len(data))
	writePos := w.writePos.Load()

	for i := int64(0); i < dataLen; i++ {
		w.data[(writePos+i)%w.size] = data[i]
	}

	w.writePos.Add(dataLen)
}

// PeekRecent returns a copy of the most recent data up to maxBytes.
// Returns nil if the window is closed or empty.
func (w *Window) PeekRecent(maxBytes int64) []byte {
	if w.closed.Load() || w.data == nil {
		return nil
	}

	w.mu.RLock()
	defer w.mu.RUnlock()

	if w.closed.Load() {
		return nil
	}

	writePos := w.writePos.Load()
	if writePos == 0 {
		return nil
	}

	dataSize := maxBytes
	if dataSize > writePos {
		dataSize = writePos
	}
	if dataSize > w.size {
		dataSize = w.size
	}

	result := make([]byte, dataSize)
	startPos := (writePos - dataSize) % w.size
	for i := int64(0); i < dataSize; i++ {
		result[i] = w.data[(startPos+i)%w.size]
	}

	return result
}

// Reset clears the window content. No-op after Close.
func (w *Window) Reset() {
	if w.closed.Load() {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	w.writePos.Store(0)
}

// Close zeroes the window and makes it unusable. Irreversible.
func (w *Window) Close() {
	if !w.closed.CompareAndSwap(false, true) {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.data != nil {
		for i := range w.data {
			w.data[i] = 0
		}
		w.data = nil
	}
	w.writePos.Store(0)
}

// Closed reports whether the window has been closed.
func (w *Window) Closed() bool {
	return w.closed.Load()
}

// WritePosition returns the total number of bytes ever written, for monitoring.
func (w *Window) WritePosition() int64 {
	if w.closed.Load() {
		return 0
	}
	return w.writePos.Load()
}
