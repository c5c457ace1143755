package tools

import (
	"io"
	"sync"
)

// FrameChunker rebuffers an arbitrary byte stream into fixed-size frames.
// Telephony stacks hand audio over in whatever block size their I/O path
// produces; the remote service wants steady, small frames. Writers never
// block: when the ring is full the oldest bytes are dropped.
type FrameChunker struct {
	mu        sync.Mutex
	cond      *sync.Cond
	buffer    []byte
	frameSize int
	cap       int
	closed    bool
}

func NewFrameChunker(frameSize, fixedCap int) *FrameChunker {
	if frameSize <= 0 {
		frameSize = 1
	}
	if fixedCap < frameSize {
		fixedCap = frameSize
	}
	fc := &FrameChunker{
		buffer:    make([]byte, 0, fixedCap),
		frameSize: frameSize,
		cap:       fixedCap,
	}
	fc.cond = sync.NewCond(&fc.mu)
	return fc
}

func (fc *FrameChunker) FrameSize() int {
	return fc.frameSize
}

func (fc *FrameChunker) Write(data []byte) (dropped int) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	if fc.closed {
		return len(data)
	}
	if len(data) > fc.cap {
		dropped += len(data) - fc.cap
		data = data[len(data)-fc.cap:]
	}
	if over := len(fc.buffer) + len(data) - fc.cap; over > 0 {
		fc.buffer = fc.buffer[over:]
		dropped += over
	}
	fc.buffer = append(fc.buffer, data...)
	if len(fc.buffer) >= fc.frameSize {
		fc.cond.Signal()
	}
	return dropped
}

// ReadFrame copies the next full frame into p, blocking until one is
// buffered or the chunker is closed. p must hold at least FrameSize bytes.
// After Close, buffered full frames keep draining; once fewer than one
// frame remains, ReadFrame returns io.EOF.
func (fc *FrameChunker) ReadFrame(p []byte) (int, error) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	for len(fc.buffer) < fc.frameSize && !fc.closed {
		fc.cond.Wait()
	}
	if len(fc.buffer) < fc.frameSize {
		return 0, io.EOF
	}
	n := copy(p, fc.buffer[:fc.frameSize])
	fc.buffer = fc.buffer[n:]
	return n, nil
}

func (fc *FrameChunker) Buffered() int {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return len(fc.buffer)
}

func (fc *FrameChunker) Close() error {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.closed = true
	fc.cond.Broadcast()
	return nil
}
