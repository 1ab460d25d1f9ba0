package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"sanctuary/rtc/internal/api"
	"sanctuary/rtc/internal/config"
	"sanctuary/rtc/internal/domain"
	"sanctuary/rtc/internal/roster"
	"sanctuary/rtc/internal/signal"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const helpText = `sanctuary - live streams and prayer rooms over WebRTC

Usage:
  sanctuary <command> [options]

Commands:
  serve                      Run the signalling hub and roster API
  sessions [-status s]       List sessions (active, scheduled, ended)
  pray <session>             Join a prayer room
  broadcast -title t         Go live as the broadcaster
  watch <session>            Watch a live stream

While joined, type a letter and press enter:
  m  toggle microphone
  v  toggle camera
  h  raise or lower your hand
  s  show status
  q  leave

Environment Variables:
  SANCTUARY_SERVER_URL       Server base URL (default http://localhost:8080)
  SANCTUARY_PARTICIPANT_ID   Your identity (required by pray, broadcast, watch)
  SANCTUARY_AUDIO_FILE       Ogg/Opus file used as the microphone
  SANCTUARY_VIDEO_FILE       IVF/VP8 file used as the camera
  SANCTUARY_LISTEN_ADDR      Listen address for serve (default :8080)
  SANCTUARY_DB_PATH          Roster database for serve
  SANCTUARY_LOG_LEVEL        debug, info, warn or error

Examples:
  # Start the server
  sanctuary serve

  # Join a room with microphone only
  SANCTUARY_PARTICIPANT_ID=alice sanctuary pray -video=false 6b1f...

Options:
  -h, --help  Show this help message
`

func main() {
	if len(os.Args) < 2 || os.Args[1] == "-h" || os.Args[1] == "--help" {
		fmt.Print(helpText)
		os.Exit(0)
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05.000"})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	ctx, cancel := ossignal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cmd, args := os.Args[1], os.Args[2:]
	switch cmd {
	case "serve":
		err = runServe(ctx, cfg)
	case "sessions":
		err = runSessions(ctx, cfg, args)
	case "pray":
		err = runPray(ctx, cfg, args)
	case "broadcast":
		err = runBroadcast(ctx, cfg, args)
	case "watch":
		err = runWatch(ctx, cfg, args)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, helpText)
		os.Exit(2)
	}
	if err != nil {
		log.Fatal().Err(err).Str("command", cmd).Msg("failed")
	}
}

func iceServers(urls []string) []domain.ICEServer {
	out := make([]domain.ICEServer, 0, len(urls))
	for _, u := range urls {
		out = append(out, domain.ICEServer{URL: u})
	}
	return out
}

func runServe(ctx context.Context, cfg *config.Config) error {
	store, err := roster.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer store.Close()

	hub := signal.NewHub()
	defer hub.Close()

	r := api.NewRouter(api.RouterConfig{
		Mode:         cfg.Mode,
		ICEServers:   iceServers(cfg.StunURLs),
		PingInterval: cfg.PingInterval,
	}, store, hub)

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: r,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("module", "main").Str("addr", cfg.ListenAddr).Str("db", cfg.DBPath).Msg("sanctuary server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("listen: %w", err)
	}

	log.Info().Str("module", "main").Msg("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}
	log.Info().Str("module", "main").Msg("server exited")
	return nil
}

func runSessions(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("sessions", flag.ExitOnError)
	status := fs.String("status", "", "filter by status")
	fs.Parse(args)

	client := api.NewClient(cfg.ServerURL, cfg.RosterPoll)
	list, err := client.ListSessions(ctx, domain.SessionStatus(*status))
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}
	for _, s := range list {
		fmt.Printf("%s  %-9s  %-9s  %s\n", s.ID, s.Kind, s.Status, s.Title)
	}
	return nil
}
