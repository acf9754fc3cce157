package audio

import (
	"sync"
	"time"
)

// Recording is a contiguous span of mixed audio.
type Recording struct {
	Samples  []int16
	Format   Format
	Start    time.Time
	Duration time.Duration
}

func (r Recording) Empty() bool {
	return len(r.Samples) == 0
}

func (r Recording) RMS() float64 {
	return RMS(r.Samples)
}

func (r Recording) WAV() ([]byte, error) {
	return EncodeWAV(r.Samples, r.Format)
}

// Recorder buffers frames from a PCM tap. Cut hands off the buffer and keeps
// recording, so consecutive recordings share their boundary timestamps.
type Recorder struct {
	format Format

	mu          sync.Mutex
	samples     []int16
	start       time.Time
	unsubscribe func()
}

func NewRecorder(format Format) *Recorder {
	return &Recorder{format: format}
}

func (r *Recorder) Start(tap PCMTap, now time.Time) {
	r.mu.Lock()
	if r.unsubscribe != nil {
		r.mu.Unlock()
		return
	}
	r.samples = nil
	r.start = now
	r.mu.Unlock()

	unsubscribe := tap.OnPCM(r.write)
	r.mu.Lock()
	r.unsubscribe = unsubscribe
	r.mu.Unlock()
}

func (r *Recorder) Recording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.unsubscribe != nil
}

// Cut returns everything recorded since the previous cut and restarts the
// buffer at now.
func (r *Recorder) Cut(now time.Time) Recording {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cutLocked(now)
}

// Stop detaches from the tap and returns the remaining audio.
func (r *Recorder) Stop(now time.Time) Recording {
	r.mu.Lock()
	unsubscribe := r.unsubscribe
	r.unsubscribe = nil
	rec := r.cutLocked(now)
	r.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}
	return rec
}

func (r *Recorder) cutLocked(now time.Time) Recording {
	rec := Recording{
		Samples: r.samples,
		Format:  r.format,
		Start:   r.start,
	}
	if !r.start.IsZero() && now.After(r.start) {
		rec.Duration = now.Sub(r.start)
	} else {
		rec.Duration = r.format.DurationOf(len(r.samples))
	}
	r.samples = nil
	r.start = now
	return rec
}

func (r *Recorder) write(frame PCMFrame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.unsubscribe == nil {
		return
	}
	r.samples = append(r.samples, frame.Samples...)
}
