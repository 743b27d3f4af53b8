package media

import (
	"fmt"
	"time"
)

// TrackID identifies a track within a stream.
type TrackID uint32

// Default track identifiers.
const (
	DefaultVideoTrackID   TrackID = 1
	DefaultAudioTrackID   TrackID = 2
	DefaultCaptionTrackID TrackID = 3
)

// DefaultFrameRate is the frame-rate hint used when a track does not set one.
const DefaultFrameRate = 24

// Kind classifies a track's content.
type Kind int

const (
	KindVideo Kind = iota
	KindAudio
	KindCaption
)

func (k Kind) String() string {
	switch k {
	case KindVideo:
		return "video"
	case KindAudio:
		return "audio"
	case KindCaption:
		return "caption"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Track is an independent media stream within a session.
type Track struct {
	ID        TrackID
	Kind      Kind
	Name      string
	FrameRate int
}

// VideoTrack returns the default video track at fps.
func VideoTrack(fps int) Track {
	return Track{ID: DefaultVideoTrackID, Kind: KindVideo, Name: "video", FrameRate: fps}
}

// AudioTrack returns the default audio track delivering fps frames per second.
func AudioTrack(fps int) Track {
	return Track{ID: DefaultAudioTrackID, Kind: KindAudio, Name: "audio", FrameRate: fps}
}

// CaptionTrack returns the default caption track.
func CaptionTrack(fps int) Track {
	return Track{ID: DefaultCaptionTrackID, Kind: KindCaption, Name: "caption", FrameRate: fps}
}

// FrameInterval is the spacing between frames at the track's rate.
func (t Track) FrameInterval() time.Duration {
	fps := t.FrameRate
	if fps <= 0 {
		fps = DefaultFrameRate
	}
	return time.Second / time.Duration(fps)
}
