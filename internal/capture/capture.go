// Package capture produces synthetic media for a framecast session. Each
// track runs on its own ticker and pushes frames into a Sink without ever
// waiting on the network.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/zsiec/ccx"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/framecast/internal/errdefs"
	"github.com/zsiec/framecast/internal/media"
	"github.com/zsiec/framecast/internal/timeunit"
)

// Default generator settings.
const (
	DefaultKeyFrameInterval = 15
	DefaultAudioRate        = 50
	DefaultCaptionRate      = 1
	DefaultKeyFrameSize     = 24 << 10
	DefaultDeltaFrameSize   = 4 << 10
	DefaultAudioFrameSize   = 320
)

// Sink accepts captured frames. *scheduler.Scheduler satisfies it.
type Sink interface {
	Push(id media.TrackID, frame *media.Frame) error
}

// Config describes the generated tracks. Zero fields take defaults; a
// negative AudioRate or CaptionRate disables that track.
type Config struct {
	FrameRate        int
	KeyFrameInterval int
	AudioRate        int
	CaptionRate      int
	KeyFrameSize     int
	DeltaFrameSize   int
	AudioFrameSize   int
	Scale            timeunit.Scale
}

func (c Config) withDefaults() Config {
	if c.FrameRate <= 0 {
		c.FrameRate = media.DefaultFrameRate
	}
	if c.KeyFrameInterval <= 0 {
		c.KeyFrameInterval = DefaultKeyFrameInterval
	}
	if c.AudioRate == 0 {
		c.AudioRate = DefaultAudioRate
	}
	if c.CaptionRate == 0 {
		c.CaptionRate = DefaultCaptionRate
	}
	if c.KeyFrameSize <= 0 {
		c.KeyFrameSize = DefaultKeyFrameSize
	}
	if c.DeltaFrameSize <= 0 {
		c.DeltaFrameSize = DefaultDeltaFrameSize
	}
	if c.AudioFrameSize <= 0 {
		c.AudioFrameSize = DefaultAudioFrameSize
	}
	if c.Scale <= 0 {
		c.Scale = timeunit.DefaultScale
	}
	return c
}

// Generator builds the frames for one track. Next is not safe for
// concurrent use; each track has its own generator.
type Generator struct {
	track    media.Track
	cfg      Config
	interval timeunit.Unit
	seq      uint64
}

// Tracks returns the tracks the configuration enables, video first.
func (c Config) Tracks() []media.Track {
	c = c.withDefaults()
	tracks := []media.Track{media.VideoTrack(c.FrameRate)}
	if c.AudioRate > 0 {
		tracks = append(tracks, media.AudioTrack(c.AudioRate))
	}
	if c.CaptionRate > 0 {
		tracks = append(tracks, media.CaptionTrack(c.CaptionRate))
	}
	return tracks
}

// NewGenerator returns a generator for t.
func NewGenerator(t media.Track, cfg Config) *Generator {
	cfg = cfg.withDefaults()
	return &Generator{
		track:    t,
		cfg:      cfg,
		interval: cfg.Scale.Units(t.FrameInterval()),
	}
}

// Track returns the track the generator feeds.
func (g *Generator) Track() media.Track {
	return g.track
}

// Next returns the next frame. Timestamps advance by one frame interval per
// call starting at zero.
func (g *Generator) Next() *media.Frame {
	seq := g.seq
	g.seq++
	pts := timeunit.Unit(seq) * g.interval

	var f *media.Frame
	switch g.track.Kind {
	case media.KindCaption:
		cf := &ccx.CaptionFrame{
			PTS:     g.cfg.Scale.Duration(pts).Microseconds(),
			Text:    fmt.Sprintf("caption %d", seq),
			Channel: 1,
		}
		f = media.FromCaption(cf, seq, g.cfg.Scale)
	case media.KindAudio:
		f = &media.Frame{
			Seq:     seq,
			PTS:     pts,
			DTS:     pts,
			Flags:   media.FlagKeyFrame,
			Payload: fill(g.cfg.AudioFrameSize, seq),
		}
	default:
		size, flags := g.cfg.DeltaFrameSize, media.FlagNone
		if seq%uint64(g.cfg.KeyFrameInterval) == 0 {
			size, flags = g.cfg.KeyFrameSize, media.FlagKeyFrame
		}
		f = &media.Frame{
			Seq:     seq,
			PTS:     pts,
			DTS:     pts,
			Flags:   flags,
			Payload: fill(size, seq),
		}
	}
	f.Duration = g.interval
	f.Version = media.FrameCurrentVersion
	f.TrackID = g.track.ID
	return f
}

func fill(n int, seq uint64) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(seq + uint64(i))
	}
	return b
}

// Stats counts frames across all tracks of a Source.
type Stats struct {
	Produced uint64 `json:"produced"`
	Dropped  uint64 `json:"dropped"`
}

// Source runs one generator per track and pushes into a Sink.
type Source struct {
	log  *slog.Logger
	cfg  Config
	sink Sink

	produced atomic.Uint64
	dropped  atomic.Uint64
}

// NewSource creates a Source for cfg's tracks.
func NewSource(cfg Config, sink Sink, log *slog.Logger) *Source {
	if log == nil {
		log = slog.Default()
	}
	return &Source{
		log:  log.With("component", "capture"),
		cfg:  cfg.withDefaults(),
		sink: sink,
	}
}

// Tracks returns the tracks Run will feed.
func (s *Source) Tracks() []media.Track {
	return s.cfg.Tracks()
}

// Stats returns the running counters.
func (s *Source) Stats() Stats {
	return Stats{Produced: s.produced.Load(), Dropped: s.dropped.Load()}
}

// Run pushes frames at each track's rate until ctx is cancelled or the sink
// closes. Dropped frames are counted and capture continues.
func (s *Source) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, t := range s.Tracks() {
		gen := NewGenerator(t, s.cfg)
		g.Go(func() error {
			return s.runTrack(ctx, gen)
		})
	}
	err := g.Wait()
	if errors.Is(err, errdefs.ErrClosed) {
		s.log.Info("sink closed, capture stopped", "produced", s.produced.Load(), "dropped", s.dropped.Load())
		return nil
	}
	return err
}

func (s *Source) runTrack(ctx context.Context, gen *Generator) error {
	t := gen.Track()
	ticker := time.NewTicker(t.FrameInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.Emit(gen); err != nil {
				return fmt.Errorf("capture %s track %d: %w", t.Kind, t.ID, err)
			}
		}
	}
}

// Emit generates one frame from gen and pushes it. Drops are counted and
// swallowed; any other sink error is returned.
func (s *Source) Emit(gen *Generator) error {
	f := gen.Next()
	s.produced.Add(1)
	err := s.sink.Push(f.TrackID, f)
	if err == nil {
		return nil
	}
	if errors.Is(err, errdefs.ErrFrameDropped) {
		s.dropped.Add(1)
		return nil
	}
	return err
}
