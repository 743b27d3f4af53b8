// Package media defines the frame and track types that flow from the capture
// layer through the per-track queues to the transport.
package media

import (
	"time"

	"github.com/zsiec/ccx"

	"github.com/zsiec/framecast/internal/timeunit"
)

// FrameCurrentVersion is the format version stamped on every frame.
const FrameCurrentVersion uint8 = 0

// FrameFlags carries per-frame markers.
type FrameFlags uint8

const (
	FlagNone        FrameFlags = 0
	FlagKeyFrame    FrameFlags = 1 << 0
	FlagDiscardable FrameFlags = 1 << 1
	FlagInvisible   FrameFlags = 1 << 2
)

// Frame is a single encoded access unit awaiting upload. Timestamps are in
// timeunit ticks. TrackID refers to the owning Track; the frame does not
// hold the track itself.
type Frame struct {
	Seq      uint64
	PTS      timeunit.Unit
	DTS      timeunit.Unit
	Duration timeunit.Unit
	Flags    FrameFlags
	Version  uint8
	TrackID  TrackID
	Payload  []byte

	// Enqueued is the clock reading when the frame entered its queue. It
	// is local bookkeeping and never sent.
	Enqueued timeunit.Unit
}

// IsKeyFrame reports whether the frame starts a decodable group.
func (f *Frame) IsKeyFrame() bool {
	return f.Flags&FlagKeyFrame != 0
}

// Size returns the payload length in bytes.
func (f *Frame) Size() int {
	return len(f.Payload)
}

// Release drops the payload reference once the frame has been handed off.
func (f *Frame) Release() {
	f.Payload = nil
}

// FromCaption wraps a decoded caption as a frame on the caption track. The
// caption PTS (microseconds) is rescaled to ticks of s. The payload is the
// caption channel byte followed by the text.
func FromCaption(cf *ccx.CaptionFrame, seq uint64, s timeunit.Scale) *Frame {
	pts := s.Units(time.Duration(cf.PTS) * time.Microsecond)
	payload := make([]byte, 0, len(cf.Text)+1)
	payload = append(payload, byte(cf.Channel))
	payload = append(payload, cf.Text...)
	return &Frame{
		Seq:     seq,
		PTS:     pts,
		DTS:     pts,
		Flags:   FlagKeyFrame,
		Version: FrameCurrentVersion,
		TrackID: DefaultCaptionTrackID,
		Payload: payload,
	}
}
