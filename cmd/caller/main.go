// Command caller is a headless call client: it connects to the
// signaling server as one participant, joins a room and negotiates a
// peer connection, streaming synthetic audio and video. Two instances
// pointed at the same room make a complete call.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/huddlechat/huddle/internal/call"
	"github.com/huddlechat/huddle/internal/domain"
)

func main() {
	var (
		server  = flag.String("server", "http://localhost:8080", "signaling server base URL")
		userID  = flag.String("user", "", "participant identity (required)")
		roomID  = flag.String("room", "room1", "call room to join")
		stun    = flag.String("stun", "stun:stun.l.google.com:19302", "comma-separated STUN server URLs")
		timeout = flag.Duration("negotiation-timeout", call.DefaultNegotiationTimeout, "give up on a stalled negotiation after this long")
	)
	flag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	uid, err := domain.ParseUserID(*userID)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid -user")
	}
	room, err := domain.ParseRoomID(*roomID)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid -room")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	client, err := call.Dial(ctx, *server, uid)
	if err != nil {
		log.Fatal().Err(err).Msg("connect signaling")
	}
	defer client.Close()

	client.OnOnlineUsers = func(users []domain.UserID) {
		log.Info().Int("count", len(users)).Interface("users", users).Msg("online participants")
	}

	newPeer := func() (call.Peer, error) {
		p, err := call.NewPionPeer(call.DefaultWebRTCConfig(strings.Split(*stun, ",")))
		if err != nil {
			return nil, err
		}
		p.PC().OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
			log.Info().Str("kind", track.Kind().String()).Str("track_id", track.ID()).Msg("remote track")
			// Drain the track so the remote side keeps sending.
			go func() {
				buf := make([]byte, 1500)
				for {
					if _, _, err := track.Read(buf); err != nil {
						return
					}
				}
			}()
		})
		return p, nil
	}

	sess := call.NewSession(room, client, call.NewSyntheticSource(), newPeer,
		call.WithNegotiationTimeout(*timeout),
		call.WithStateFunc(func(st call.State) {
			log.Info().Str("state", st.String()).Msg("call state")
		}),
	)
	client.Attach(sess)

	go client.Run(ctx)

	if err := sess.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("start call")
	}

	select {
	case <-ctx.Done():
		sess.End()
		select {
		case <-sess.Done():
		case <-time.After(2 * time.Second):
		}
	case <-sess.Done():
	}
	log.Info().Msg("call finished")
}
