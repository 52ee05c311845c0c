package call

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// MediaSource hands a session its local media tracks. Acquisition may
// fail synchronously (camera busy, device denied); Release must be
// idempotent because call teardown can race a remote leave.
type MediaSource interface {
	Acquire(ctx context.Context) ([]webrtc.TrackLocal, error)
	Release()
}

const (
	audioFrameDuration = 20 * time.Millisecond
	audioSamplesPer20  = 960 // 48kHz * 20ms
	videoFrameDuration = 33 * time.Millisecond
	videoTSPerFrame    = 3000 // 90kHz / ~30fps
)

// SyntheticSource produces silent opus and blank VP8 RTP tracks. It
// stands in for device capture so a headless client can complete a
// real negotiation and keep media flowing.
type SyntheticSource struct {
	mu      sync.Mutex
	cancel  context.CancelFunc
	started bool
}

func NewSyntheticSource() *SyntheticSource {
	return &SyntheticSource{}
}

func (s *SyntheticSource) Acquire(ctx context.Context) ([]webrtc.TrackLocal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil, errors.New("media source already acquired")
	}

	audio, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", "huddle",
	)
	if err != nil {
		return nil, err
	}
	video, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
		"video", "huddle",
	)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.started = true

	go pump(ctx, audio, audioFrameDuration, audioSamplesPer20, []byte{0xf8, 0xff, 0xfe}) // opus silence frame
	go pump(ctx, video, videoFrameDuration, videoTSPerFrame, make([]byte, 64))

	return []webrtc.TrackLocal{audio, video}, nil
}

func (s *SyntheticSource) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.started = false
}

// pump writes a fixed payload at the track's frame rate until ctx
// ends. SSRC and payload type are rewritten by the track binding.
func pump(ctx context.Context, track *webrtc.TrackLocalStaticRTP, interval time.Duration, tsStep uint32, payload []byte) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var seq uint16
	var ts uint32
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pkt := &rtp.Packet{
				Header: rtp.Header{
					Version:        2,
					SequenceNumber: seq,
					Timestamp:      ts,
				},
				Payload: payload,
			}
			seq++
			ts += tsStep
			if err := track.WriteRTP(pkt); err != nil {
				if errors.Is(err, io.ErrClosedPipe) {
					// Not bound to a sender yet, or already unbound.
					continue
				}
				log.Warn().Err(err).Str("module", "call.media").Str("track", track.ID()).Msg("write rtp")
				return
			}
		}
	}
}
