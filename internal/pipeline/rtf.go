package pipeline

import "sync"

// warmupSamples is how many leading RTF samples the summary skips. The first
// blocks carry connection and model warm-up latency.
const warmupSamples = 5

// RTFSummary is the end-of-session real-time factor report.
type RTFSummary struct {
	// Average is the mean RTF over the samples used.
	Average float64
	// Samples is the total number of recorded samples.
	Samples int
	// Used is the number of samples the average was computed over.
	Used int
	// WarmupOnly is set when too few samples were recorded to skip the
	// warm-up window, so the average includes it.
	WarmupOnly bool
}

// RTFTracker collects one real-time factor sample per played audio block.
// It is safe for concurrent use.
type RTFTracker struct {
	mu      sync.Mutex
	samples []float64
}

// Record appends one sample.
func (t *RTFTracker) Record(rtf float64) {
	t.mu.Lock()
	t.samples = append(t.samples, rtf)
	t.mu.Unlock()
}

// Samples returns a copy of the recorded samples.
func (t *RTFTracker) Samples() []float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]float64, len(t.samples))
	copy(out, t.samples)
	return out
}

// Summary summarises the recorded samples. See [Summarize].
func (t *RTFTracker) Summary() (RTFSummary, bool) {
	return Summarize(t.Samples())
}

// Summarize averages samples after the warm-up window. With at most
// warm-up many samples it averages all of them and sets WarmupOnly. It
// returns false when there are no samples.
func Summarize(samples []float64) (RTFSummary, bool) {
	if len(samples) == 0 {
		return RTFSummary{}, false
	}
	s := RTFSummary{Samples: len(samples)}
	used := samples
	if len(samples) > warmupSamples {
		used = samples[warmupSamples:]
	} else {
		s.WarmupOnly = true
	}
	var sum float64
	for _, v := range used {
		sum += v
	}
	s.Used = len(used)
	s.Average = sum / float64(len(used))
	return s, true
}
