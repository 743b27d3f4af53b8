package transport

import (
	"errors"
	"fmt"
	"io"

	"github.com/quic-go/quic-go/quicvarint"

	"github.com/zsiec/framecast/internal/errdefs"
	"github.com/zsiec/framecast/internal/media"
	"github.com/zsiec/framecast/internal/timeunit"
)

// EnvelopeVersion is the framing version written ahead of every frame.
const EnvelopeVersion = 1

// MaxPayload bounds a single frame's payload on the wire.
const MaxPayload = 8 << 20

// Encoding errors match errdefs.ErrInvalidFrame.
var (
	ErrEnvelopeVersion   = errors.New("transport: unsupported envelope version")
	ErrPayloadTooLarge   = fmt.Errorf("transport: payload too large: %w", errdefs.ErrInvalidFrame)
	ErrFieldRange        = fmt.Errorf("transport: field out of varint range: %w", errdefs.ErrInvalidFrame)
	ErrNegativeTimestamp = fmt.Errorf("transport: negative timestamp: %w", errdefs.ErrInvalidFrame)
)

// An envelope is a sequence of QUIC varints followed by the payload:
//
//	version, track id, flags, frame version, seq, pts, dts, duration,
//	payload length, payload
//
// Every field is self-delimiting, so envelopes can be concatenated on a
// byte stream or sent one per message.

// AppendEnvelope appends the encoded frame to buf.
func AppendEnvelope(buf []byte, f *media.Frame) ([]byte, error) {
	if len(f.Payload) > MaxPayload {
		return buf, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(f.Payload))
	}
	if f.PTS < 0 || f.DTS < 0 || f.Duration < 0 {
		return buf, ErrNegativeTimestamp
	}
	if f.Seq > quicvarint.Max || uint64(f.PTS) > quicvarint.Max || uint64(f.DTS) > quicvarint.Max ||
		uint64(f.Duration) > quicvarint.Max {
		return buf, ErrFieldRange
	}

	buf = quicvarint.Append(buf, EnvelopeVersion)
	buf = quicvarint.Append(buf, uint64(f.TrackID))
	buf = quicvarint.Append(buf, uint64(f.Flags))
	buf = quicvarint.Append(buf, uint64(f.Version))
	buf = quicvarint.Append(buf, f.Seq)
	buf = quicvarint.Append(buf, uint64(f.PTS))
	buf = quicvarint.Append(buf, uint64(f.DTS))
	buf = quicvarint.Append(buf, uint64(f.Duration))
	buf = quicvarint.Append(buf, uint64(len(f.Payload)))
	return append(buf, f.Payload...), nil
}

// WriteEnvelope encodes f onto w in a single Write and returns the bytes
// written.
func WriteEnvelope(w io.Writer, f *media.Frame) (int64, error) {
	buf, err := AppendEnvelope(make([]byte, 0, 48+len(f.Payload)), f)
	if err != nil {
		return 0, err
	}
	n, err := w.Write(buf)
	return int64(n), err
}

// ReadEnvelope decodes one frame from r. It returns io.EOF only when r ends
// cleanly between envelopes.
func ReadEnvelope(r quicvarint.Reader) (*media.Frame, error) {
	version, err := quicvarint.Read(r)
	if err != nil {
		return nil, err
	}
	if version != EnvelopeVersion {
		return nil, fmt.Errorf("%w: %d", ErrEnvelopeVersion, version)
	}

	var fields [8]uint64
	for i := range fields {
		if fields[i], err = quicvarint.Read(r); err != nil {
			return nil, fmt.Errorf("transport: read envelope header: %w", noEOF(err))
		}
	}
	size := fields[7]
	if size > MaxPayload {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, size)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("transport: read envelope payload: %w", noEOF(err))
	}

	return &media.Frame{
		TrackID:  media.TrackID(fields[0]),
		Flags:    media.FrameFlags(fields[1]),
		Version:  uint8(fields[2]),
		Seq:      fields[3],
		PTS:      timeunit.Unit(fields[4]),
		DTS:      timeunit.Unit(fields[5]),
		Duration: timeunit.Unit(fields[6]),
		Payload:  payload,
	}, nil
}

func noEOF(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}
