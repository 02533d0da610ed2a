// Package recording writes the played output of a session to a mono 16-bit
// PCM WAV file.
//
// The [Recorder] is fed from the playback callback and therefore never
// blocks: blocks are copied onto a bounded queue and encoded by a writer
// goroutine. Blocks arriving while the queue is full are dropped and
// counted. The WAV header is finalised by [Recorder.Close].
package recording

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const (
	bitDepth = 16
	// wavFormatPCM is the WAVE_FORMAT_PCM format tag.
	wavFormatPCM = 1

	defaultQueue = 256
)

// ErrClosed is returned by operations on a closed [Recorder].
var ErrClosed = errors.New("recording: recorder closed")

// Option configures a [Recorder].
type Option func(*Recorder)

// WithQueue sets how many pending blocks may wait for the writer.
func WithQueue(n int) Option {
	return func(r *Recorder) {
		if n > 0 {
			r.queueSize = n
		}
	}
}

// block is one queued write. A nil samples slice with silence > 0 is a run
// of silence.
type block struct {
	samples []int16
	silence int
}

// Recorder appends played audio to a WAV file. WriteBlock and WriteSilence
// are safe to call from the audio thread concurrently with Close.
type Recorder struct {
	path      string
	f         *os.File
	enc       *wav.Encoder
	queueSize int

	// mu guards closed and the send side of queue.
	mu     sync.RWMutex
	closed bool
	queue  chan block

	done      chan struct{}
	closeOnce sync.Once
	closeErr  error

	written atomic.Int64
	dropped atomic.Uint64
	// writeErr holds the first encoder error; later blocks are discarded.
	writeErr atomic.Pointer[error]
}

// Create truncates or creates path and starts a recorder writing mono
// 16-bit PCM at sampleRate.
func Create(path string, sampleRate int, opts ...Option) (*Recorder, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("recording: sample rate must be positive, got %d", sampleRate)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("recording: create %q: %w", path, err)
	}
	r := &Recorder{
		path:      path,
		f:         f,
		enc:       wav.NewEncoder(f, sampleRate, bitDepth, 1, wavFormatPCM),
		queueSize: defaultQueue,
		done:      make(chan struct{}),
	}
	for _, o := range opts {
		o(r)
	}
	r.queue = make(chan block, r.queueSize)
	go r.run(sampleRate)
	slog.Info("recording: writing output", "path", path, "sample_rate", sampleRate)
	return r, nil
}

// WriteBlock queues a copy of samples. It never blocks.
func (r *Recorder) WriteBlock(samples []int16) {
	r.enqueue(block{samples: append([]int16(nil), samples...)})
}

// WriteSilence queues n samples of silence. It never blocks.
func (r *Recorder) WriteSilence(n int) {
	if n <= 0 {
		return
	}
	r.enqueue(block{silence: n})
}

func (r *Recorder) enqueue(b block) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.queue <- b:
	default:
		if r.dropped.Add(1) == 1 {
			slog.Warn("recording: writer behind, dropping blocks", "path", r.path)
		}
	}
}

func (r *Recorder) run(sampleRate int) {
	defer close(r.done)
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: sampleRate},
		SourceBitDepth: bitDepth,
	}
	for b := range r.queue {
		if r.writeErr.Load() != nil {
			continue
		}
		n := len(b.samples)
		if b.samples == nil {
			n = b.silence
		}
		if cap(buf.Data) < n {
			buf.Data = make([]int, n)
		}
		buf.Data = buf.Data[:n]
		if b.samples == nil {
			clear(buf.Data)
		} else {
			for i, s := range b.samples {
				buf.Data[i] = int(s)
			}
		}
		if err := r.enc.Write(buf); err != nil {
			err = fmt.Errorf("recording: write %q: %w", r.path, err)
			r.writeErr.Store(&err)
			slog.Error("recording: write failed, discarding remaining audio", "err", err)
			continue
		}
		r.written.Add(int64(n))
	}
}

// Samples returns how many samples have been written so far.
func (r *Recorder) Samples() int64 { return r.written.Load() }

// Dropped returns how many blocks were dropped because the writer was behind.
func (r *Recorder) Dropped() uint64 { return r.dropped.Load() }

// Path returns the output file path.
func (r *Recorder) Path() string { return r.path }

// Close flushes queued blocks, finalises the WAV header and closes the
// file. It is safe to call more than once; later calls return the result
// of the first.
func (r *Recorder) Close() error {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		close(r.queue)
		r.mu.Unlock()
		<-r.done

		var errs []error
		if p := r.writeErr.Load(); p != nil {
			errs = append(errs, *p)
		}
		if err := r.enc.Close(); err != nil {
			errs = append(errs, fmt.Errorf("recording: finalise %q: %w", r.path, err))
		}
		if err := r.f.Close(); err != nil {
			errs = append(errs, fmt.Errorf("recording: close %q: %w", r.path, err))
		}
		r.closeErr = errors.Join(errs...)
		slog.Info("recording: closed", "path", r.path, "samples", r.written.Load(), "dropped_blocks", r.dropped.Load())
	})
	return r.closeErr
}
