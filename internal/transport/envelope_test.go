package transport

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/quic-go/quic-go/quicvarint"

	"github.com/zsiec/framecast/internal/errdefs"
	"github.com/zsiec/framecast/internal/media"
)

func TestEnvelopeStream(t *testing.T) {
	t.Parallel()

	frames := []*media.Frame{
		{TrackID: 1, Seq: 0, PTS: 0, DTS: 0, Duration: 416666, Flags: media.FlagKeyFrame, Payload: []byte{0, 0, 0, 1, 0x65}},
		{TrackID: 2, Seq: 7, PTS: 1 << 40, DTS: 1 << 40, Duration: 213333, Payload: bytes.Repeat([]byte{0xAB}, 3000)},
		{TrackID: 3, Seq: 1, PTS: 90, Flags: media.FlagDiscardable | media.FlagInvisible},
	}

	var wire bytes.Buffer
	for _, f := range frames {
		if _, err := WriteEnvelope(&wire, f); err != nil {
			t.Fatalf("WriteEnvelope: %v", err)
		}
	}

	r := bufio.NewReader(&wire)
	for i, want := range frames {
		got, err := ReadEnvelope(r)
		if err != nil {
			t.Fatalf("ReadEnvelope %d: %v", i, err)
		}
		if got.TrackID != want.TrackID || got.Seq != want.Seq || got.PTS != want.PTS ||
			got.DTS != want.DTS || got.Duration != want.Duration || got.Flags != want.Flags {
			t.Fatalf("frame %d = %+v, want %+v", i, got, want)
		}
		if !bytes.Equal(got.Payload, want.Payload) {
			t.Fatalf("frame %d payload mismatch", i)
		}
	}
	if _, err := ReadEnvelope(r); err != io.EOF {
		t.Fatalf("after last envelope err = %v, want io.EOF", err)
	}
}

func TestEnvelopeTruncated(t *testing.T) {
	t.Parallel()

	buf, err := AppendEnvelope(nil, &media.Frame{TrackID: 1, Seq: 300, Payload: []byte("payload")})
	if err != nil {
		t.Fatalf("AppendEnvelope: %v", err)
	}
	for _, cut := range []int{2, len(buf) - 1} {
		_, err := ReadEnvelope(bufio.NewReader(bytes.NewReader(buf[:cut])))
		if !errors.Is(err, io.ErrUnexpectedEOF) {
			t.Fatalf("cut at %d: err = %v, want io.ErrUnexpectedEOF", cut, err)
		}
	}
}

func TestEnvelopeRejects(t *testing.T) {
	t.Parallel()

	_, err := AppendEnvelope(nil, &media.Frame{PTS: -1})
	if !errors.Is(err, ErrNegativeTimestamp) || !errors.Is(err, errdefs.ErrInvalidFrame) {
		t.Fatalf("negative pts err = %v", err)
	}
	if _, err := AppendEnvelope(nil, &media.Frame{Payload: make([]byte, MaxPayload+1)}); !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("oversized payload err = %v", err)
	}
	if _, err := AppendEnvelope(nil, &media.Frame{Seq: quicvarint.Max + 1}); !errors.Is(err, ErrFieldRange) {
		t.Fatalf("huge seq err = %v", err)
	}

	bad := quicvarint.Append(nil, EnvelopeVersion+1)
	if _, err := ReadEnvelope(bufio.NewReader(bytes.NewReader(bad))); !errors.Is(err, ErrEnvelopeVersion) {
		t.Fatalf("version err = %v", err)
	}

	var huge []byte
	huge = quicvarint.Append(huge, EnvelopeVersion)
	for i := 0; i < 7; i++ {
		huge = quicvarint.Append(huge, 0)
	}
	huge = quicvarint.Append(huge, MaxPayload+1)
	if _, err := ReadEnvelope(bufio.NewReader(bytes.NewReader(huge))); !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("declared oversized payload err = %v", err)
	}
}

func TestStreamHeader(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	if err := WriteStreamHeader(&buf, "live/cam1"); err != nil {
		t.Fatalf("WriteStreamHeader: %v", err)
	}
	got, err := ReadStreamHeader(bufio.NewReader(&buf))
	if err != nil {
		t.Fatalf("ReadStreamHeader: %v", err)
	}
	if got != "live/cam1" {
		t.Fatalf("stream id = %q", got)
	}
}
