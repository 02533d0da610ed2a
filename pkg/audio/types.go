package audio

import "time"

// Frame is one block of audio as it travels over the duplex channel: mono
// little-endian int16 PCM stamped with the wall-clock time it was captured.
//
// The timestamp is chosen by the client at capture time and echoed back
// unchanged by the server, so the age of a returned frame is the full
// round-trip latency of that block.
type Frame struct {
	// Timestamp is the capture time in milliseconds since the Unix epoch.
	Timestamp int64

	// Data holds the raw PCM bytes. Ownership moves with the frame; the
	// stage that currently holds it may retain or mutate it.
	Data []byte
}

// CapturedAt returns the frame timestamp as a [time.Time].
func (f Frame) CapturedAt() time.Time {
	return time.UnixMilli(f.Timestamp)
}

// Age returns the time elapsed between capture and now.
func (f Frame) Age(now time.Time) time.Duration {
	return now.Sub(f.CapturedAt())
}

// Samples returns the number of int16 samples in Data. A trailing odd byte is
// not counted.
func (f Frame) Samples() int {
	return len(f.Data) / 2
}
