// Command participant joins a session headless: presence, chat from stdin,
// a shared in-memory whiteboard and optionally a synthetic voice/video feed.
package main

import (
	"bufio"
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/dkeye/Studyroom/internal/adapters/rtc"
	"github.com/dkeye/Studyroom/internal/backend"
	"github.com/dkeye/Studyroom/internal/collab/media"
	"github.com/dkeye/Studyroom/internal/collab/mesh"
	"github.com/dkeye/Studyroom/internal/collab/session"
	"github.com/dkeye/Studyroom/internal/collab/transport"
	"github.com/dkeye/Studyroom/internal/collab/whiteboard"
	"github.com/dkeye/Studyroom/internal/config"
	"github.com/dkeye/Studyroom/internal/domain"
	"github.com/dkeye/Studyroom/internal/protocol"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	fs := pflag.NewFlagSet("participant", pflag.ExitOnError)
	config.ParticipantFlags(fs)
	_ = fs.Parse(os.Args[1:])

	cfg, err := config.LoadParticipant(fs)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil && lvl != zerolog.NoLevel {
		zerolog.SetGlobalLevel(lvl)
	}

	factory, err := rtc.NewFactory(rtc.Configuration(cfg.ICEServers))
	if err != nil {
		log.Fatal().Err(err).Msg("webrtc setup")
	}

	view := session.New(session.Config{
		SessionID:    domain.SessionID(cfg.SessionID),
		HistoryLimit: 50,
		Self: domain.Participant{
			UserID:   domain.UserID(cfg.UserID),
			UserName: cfg.UserName,
			Role:     domain.Role(cfg.Role),
		},
		Transport: transport.Config{
			URL:               cfg.ServerURL,
			ReconnectAttempts: cfg.ReconnectAttempts,
			ReconnectDelay:    cfg.ReconnectDelay,
			AckTimeout:        cfg.AckTimeout,
			PingPeriod:        cfg.PingPeriod,
		},
		Whiteboard: whiteboard.Config{
			PollInterval:     cfg.Whiteboard.PollInterval,
			Debounce:         cfg.Whiteboard.Debounce,
			RemoteSettle:     cfg.Whiteboard.RemoteSettle,
			AutosaveInterval: cfg.Whiteboard.AutosaveInterval,
		},
		Mesh: mesh.Config{NegotiationTimeout: cfg.NegotiationTimeout},
	}, backend.New(cfg.APIURL), whiteboard.NewScene(), factory.New, media.Synthetic{})

	if err := view.Open(ctx); err != nil {
		log.Fatal().Err(err).Str("session", cfg.SessionID).Msg("open session")
	}
	log.Info().Int("present", view.Roster.Len()).Int("history", view.Chat.Len()).Msg("session open")

	off := transport.On(view.Transport, func(e protocol.NewMessage) {
		if e.SenderID != domain.UserID(cfg.UserID) {
			log.Info().Str("from", e.SenderName).Msg(e.Content)
		}
	})
	defer off()

	if cfg.Voice {
		if err := view.JoinVoice(ctx); err != nil {
			log.Error().Err(err).Msg("join voice")
		} else if cfg.Video {
			if _, err := view.Mesh.ToggleVideo(ctx); err != nil {
				log.Error().Err(err).Msg("enable video")
			}
		}
	}

	go readChat(ctx, view)

	<-ctx.Done()
	closeCtx, closeCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer closeCancel()
	if err := view.Close(closeCtx); err != nil {
		log.Error().Err(err).Msg("close session")
	}
	log.Info().Msg("left session")
}

// readChat sends every non-empty stdin line as a chat message.
func readChat(ctx context.Context, view *session.View) {
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if _, err := view.SendChat(line); err != nil {
			log.Warn().Err(err).Msg("chat not sent")
		}
	}
}
