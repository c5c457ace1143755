package s2s

import (
	"context"
	"sync"
	"time"

	"github.com/bt-bridge/openai-s2s/shared"
	"go.uber.org/zap"
)

// How often the release loop re-checks an empty queue. Also bounds how long
// Stop can take once the queue is drained.
const defaultPacerIdlePoll = 5 * time.Millisecond

// AudioSink receives one paced frame. playAt is the absolute wall-clock
// instant the frame belongs to on the turn's timeline; a telephony bridge
// can use it to schedule RTP, a soft player can ignore it. The sink is
// called from the pacer's release goroutine, never concurrently with itself.
type AudioSink func(ctx context.Context, frame []byte, playAt time.Time) error

// Pacer releases queued audio frames downstream at the encoding's real-time
// byte rate. The model server bursts a whole response worth of audio in a
// few hundred milliseconds; playing it out as it arrives would clip, and
// buffering it downstream would make barge-in cancellation impossible. The
// pacer holds the buffer here instead, where Clear can drop it instantly.
//
// Release times are absolute, not relative: the n-th byte of a turn is due
// at turnStart + n/byteRate. Sleeping toward an absolute target means a late
// wakeup shrinks the next sleep instead of accumulating drift.
type Pacer struct {
	mu          sync.Mutex
	log         shared.LoggerAdapter
	byteRate    int
	rate        float64
	idlePoll    time.Duration
	queue       [][]byte
	queuedBytes int
	turnStart   time.Time
	bytesSent   int
	turnOpen    bool
	lastTurnEnd time.Time
	generation  uint64
	running     bool
	cancel      context.CancelFunc
	done        chan struct{}
}

// NewPacer builds a pacer clocked at byteRate bytes per second of audio.
// playbackRate above 1.0 releases faster than real time (frame timestamps
// keep the real-time spacing so downstream scheduling stays correct);
// values <= 0 fall back to 1.0. idlePoll <= 0 falls back to the default.
func NewPacer(log shared.LoggerAdapter, byteRate int, playbackRate float64, idlePoll time.Duration) *Pacer {
	if log == nil {
		log = shared.NewNopLogger()
	}
	if byteRate <= 0 {
		byteRate = EncodingPCMU.ByteRate()
	}
	if playbackRate <= 0 {
		playbackRate = 1.0
	}
	if idlePoll <= 0 {
		idlePoll = defaultPacerIdlePoll
	}
	return &Pacer{
		log:      log,
		byteRate: byteRate,
		rate:     playbackRate,
		idlePoll: idlePoll,
	}
}

// Start launches the release loop feeding sink. It returns
// shared.ErrPacerAlreadyRunning if the loop is already up and
// shared.ErrNoAudioSink when sink is nil. Cancelling ctx stops the loop the
// same way Stop does.
func (p *Pacer) Start(ctx context.Context, sink AudioSink) error {
	if sink == nil {
		return shared.ErrNoAudioSink
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return shared.ErrPacerAlreadyRunning
	}
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.running = true
	go p.run(runCtx, sink, p.done)
	return nil
}

// Enqueue appends one frame to the current turn. The first frame after
// construction, FinishTurn or Clear opens a new turn and anchors its clock
// at now. The frame is copied; the caller may reuse the buffer. Frames
// enqueued while the pacer is not running are dropped.
func (p *Pacer) Enqueue(frame []byte) {
	if len(frame) == 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		p.log.Trace("dropping frame, pacer not running", zap.Int("bytes", len(frame)))
		return
	}
	if !p.turnOpen {
		p.turnStart = time.Now()
		p.bytesSent = 0
		p.turnOpen = true
	}
	buf := make([]byte, len(frame))
	copy(buf, frame)
	p.queue = append(p.queue, buf)
	p.queuedBytes += len(buf)
}

// FinishTurn closes the current turn. Frames already queued keep draining on
// the existing clock; the next Enqueue starts a fresh turn.
func (p *Pacer) FinishTurn() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.turnOpen = false
	if len(p.queue) == 0 {
		p.lastTurnEnd = time.Now()
	}
}

// Clear drops every queued frame and resets the pacing clock to now, without
// stopping the release loop. A frame already handed to the sink cannot be
// recalled; the generation bump makes the loop discard its byte accounting
// so the frame cannot push the fresh clock into the past.
func (p *Pacer) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queue = nil
	p.queuedBytes = 0
	p.turnOpen = false
	p.turnStart = time.Now()
	p.bytesSent = 0
	p.generation++
}

// Stop terminates the release loop and waits for it to exit. Queued frames
// are kept; a later Start resumes draining them. Calling Stop on a stopped
// pacer is a no-op.
func (p *Pacer) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	cancel, done := p.cancel, p.done
	p.mu.Unlock()
	cancel()
	<-done
}

// LastTurnEnd reports when the most recent finished turn drained, meaning
// its final frame left for the sink. It stays zero until a turn completes
// and is not advanced by Clear, so an interrupted turn marks no end.
func (p *Pacer) LastTurnEnd() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastTurnEnd
}

// QueuedFrames returns the number of frames waiting for release.
func (p *Pacer) QueuedFrames() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// QueuedBytes returns the total byte size of the waiting frames.
func (p *Pacer) QueuedBytes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queuedBytes
}

func (p *Pacer) run(ctx context.Context, sink AudioSink, done chan struct{}) {
	defer func() {
		p.mu.Lock()
		p.running = false
		p.cancel = nil
		p.mu.Unlock()
		close(done)
	}()
	for {
		if ctx.Err() != nil {
			return
		}
		p.mu.Lock()
		if len(p.queue) == 0 {
			p.mu.Unlock()
			if !sleepCtx(ctx, p.idlePoll) {
				return
			}
			continue
		}
		frame := p.queue[0]
		p.queue = p.queue[1:]
		p.queuedBytes -= len(frame)
		gen := p.generation
		elapsed := time.Duration(p.bytesSent) * time.Second / time.Duration(p.byteRate)
		playAt := p.turnStart.Add(elapsed)
		target := playAt
		if p.rate != 1.0 {
			target = p.turnStart.Add(time.Duration(float64(elapsed) / p.rate))
		}
		p.mu.Unlock()

		if wait := time.Until(target); wait > 0 {
			if !sleepCtx(ctx, wait) {
				return
			}
		}
		if err := sink(ctx, frame, playAt); err != nil {
			p.log.Warn("audio sink rejected frame", zap.Int("bytes", len(frame)), zap.Error(err))
		}
		// A failed frame still consumed its slot on the timeline. Only a
		// Clear issued while the sink ran invalidates the accounting.
		p.mu.Lock()
		if gen == p.generation {
			p.bytesSent += len(frame)
			if !p.turnOpen && len(p.queue) == 0 {
				p.lastTurnEnd = time.Now()
			}
		}
		p.mu.Unlock()
	}
}

// sleepCtx blocks for d or until ctx is done, reporting false on ctx.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
