package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"sanctuary/rtc/internal/api"
	"sanctuary/rtc/internal/broadcast"
	"sanctuary/rtc/internal/config"
	"sanctuary/rtc/internal/domain"
	"sanctuary/rtc/internal/link"
	"sanctuary/rtc/internal/media"
	"sanctuary/rtc/internal/mesh"
	"sanctuary/rtc/internal/roster"
	"sanctuary/rtc/internal/session"
	"sanctuary/rtc/internal/signal"
	"sanctuary/rtc/internal/webrtc"

	"github.com/rs/zerolog/log"
)

const leaveTimeout = 5 * time.Second

// remote is what every client command needs before it can join.
type remote struct {
	cfg    *config.Config
	client *api.Client
	ticket *domain.Ticket
}

func dial(ctx context.Context, cfg *config.Config) (*remote, error) {
	if err := cfg.RequireParticipant(); err != nil {
		return nil, err
	}
	client := api.NewClient(cfg.ServerURL, cfg.RosterPoll)
	log.Info().Str("module", "main").Str("server", cfg.ServerURL).Msg("getting ticket")
	ticket, err := client.FetchTicket(ctx)
	if err != nil {
		return nil, err
	}
	if len(ticket.ICEServers) == 0 {
		ticket.ICEServers = iceServers(cfg.StunURLs)
	}
	log.Info().Str("module", "main").Str("signal", ticket.SignalURL).Msg("ticket obtained")
	return &remote{cfg: cfg, client: client, ticket: ticket}, nil
}

func (r *remote) transport(sessionID string, h domain.Handler) *signal.Client {
	ping := time.Duration(r.ticket.PingInterval) * time.Second
	if ping <= 0 {
		ping = r.cfg.PingInterval
	}
	return signal.NewClient(r.ticket.SignalURL, sessionID, ping, h)
}

func (r *remote) devices() *webrtc.Devices {
	return &webrtc.Devices{
		AudioFile: r.cfg.AudioFile,
		VideoFile: r.cfg.VideoFile,
		StreamID:  r.cfg.ParticipantID,
	}
}

func sessionArg(fs *flag.FlagSet) (string, error) {
	if fs.NArg() != 1 {
		return "", fmt.Errorf("%s needs exactly one session id", fs.Name())
	}
	return fs.Arg(0), nil
}

func runPray(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("pray", flag.ExitOnError)
	audio := fs.Bool("audio", true, "share microphone")
	video := fs.Bool("video", true, "share camera")
	fs.Parse(args)
	sessionID, err := sessionArg(fs)
	if err != nil {
		return err
	}

	r, err := dial(ctx, cfg)
	if err != nil {
		return err
	}
	local := cfg.ParticipantID
	view := roster.NewView()
	ctrl := media.NewController(media.Config{
		SessionID: sessionID,
		LocalID:   local,
		Roster:    r.client,
		View:      view,
		Threshold: cfg.SpeakingThreshold,
		OnSpeaking: func(id string, speaking bool) {
			log.Debug().Str("module", "main").Str("participant", id).Bool("speaking", speaking).Msg("speaking")
		},
	})
	coord := mesh.New(mesh.Config{
		SessionID:       sessionID,
		LocalID:         local,
		Factory:         webrtc.NewFactory(r.ticket.ICEServers),
		Roster:          r.client,
		View:            view,
		LinkTimeout:     cfg.LinkTimeout,
		RefreshInterval: cfg.RosterRefresh,
		OnRemoteTrack: func(ctx context.Context, id string, t domain.RemoteTrack) {
			if t.Kind() == domain.TrackAudio {
				ctrl.WatchSpeaking(ctx, id, t.Energy)
			}
		},
		OnHand: ctrl.ApplyRemoteHand,
	})
	lc := session.New(session.Config{
		SessionID:   sessionID,
		LocalID:     local,
		Roster:      r.client,
		Devices:     r.devices(),
		Transport:   r.transport(sessionID, coord),
		Coordinator: coord,
		Controller:  ctrl,
		View:        view,
	})

	if _, err := lc.Join(ctx, *audio, *video); err != nil {
		return err
	}
	control(ctx, lc, ctrl, func() {
		fmt.Printf("participants: %d  links: %d connected  speaking: %s\n",
			lc.Count(), coord.Connected(), strings.Join(ctrl.Speakers(), ", "))
		for _, p := range view.List() {
			fmt.Printf("  %-20s muted=%-5t video=%-5t hand=%t\n", p.ParticipantID, p.AudioMuted, p.VideoEnabled, p.HandRaised)
		}
	})
	return leave(lc)
}

func runBroadcast(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("broadcast", flag.ExitOnError)
	title := fs.String("title", "", "stream title")
	description := fs.String("description", "", "stream description")
	external := fs.String("external", "", "embed a third-party stream URL instead of capturing")
	audio := fs.Bool("audio", true, "share microphone")
	video := fs.Bool("video", true, "share camera")
	fs.Parse(args)
	if *title == "" {
		return errors.New("broadcast needs -title")
	}

	r, err := dial(ctx, cfg)
	if err != nil {
		return err
	}
	local := cfg.ParticipantID
	var host *broadcast.Broadcaster
	stream := session.NewStream(session.StreamConfig{
		Admin:  r.client,
		HostID: local,
		Join: func(sess domain.Session) *session.Lifecycle {
			host = broadcast.NewBroadcaster(broadcast.BroadcasterConfig{
				SessionID:   sess.ID,
				LocalID:     local,
				Factory:     webrtc.NewFactory(r.ticket.ICEServers),
				LinkTimeout: cfg.LinkTimeout,
				OnViewers: func(n int) {
					log.Info().Str("module", "main").Int("viewers", n).Msg("viewer count")
				},
			})
			ctrl := media.NewController(media.Config{
				SessionID: sess.ID,
				LocalID:   local,
				Roster:    r.client,
				Threshold: cfg.SpeakingThreshold,
			})
			return session.New(session.Config{
				SessionID:   sess.ID,
				LocalID:     local,
				Role:        "host",
				Roster:      r.client,
				Devices:     r.devices(),
				Transport:   r.transport(sess.ID, host),
				Coordinator: host,
				Controller:  ctrl,
			})
		},
	})

	sess, err := stream.Start(ctx, session.StreamRequest{
		Title:       *title,
		Description: *description,
		ExternalURL: *external,
		Audio:       *audio,
		Video:       *video,
	})
	if err != nil {
		return err
	}
	fmt.Printf("live: %s (stream key %s)\n", sess.ID, sess.StreamKey)

	var ctrl *media.Controller
	if lc := stream.Lifecycle(); lc != nil {
		ctrl = lc.Controller()
	}
	control(ctx, stream.Lifecycle(), ctrl, func() {
		fmt.Printf("viewers: %d\n", stream.Viewers())
		if host != nil {
			for _, id := range host.Viewers() {
				s, _ := host.LinkState(id)
				fmt.Printf("  %-20s %s\n", id, s)
			}
		}
	})

	stopCtx, cancel := context.WithTimeout(context.Background(), leaveTimeout)
	defer cancel()
	return stream.Stop(stopCtx)
}

func runWatch(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	fs.Parse(args)
	sessionID, err := sessionArg(fs)
	if err != nil {
		return err
	}

	r, err := dial(ctx, cfg)
	if err != nil {
		return err
	}
	sess, err := r.client.Session(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Kind != domain.SessionBroadcast {
		return fmt.Errorf("session %s is not a live stream", sessionID)
	}
	if sess.ExternalURL != "" {
		fmt.Printf("this stream is hosted elsewhere: %s\n", sess.ExternalURL)
		return nil
	}

	v := broadcast.NewViewer(broadcast.ViewerConfig{
		SessionID:   sessionID,
		LocalID:     cfg.ParticipantID,
		HostID:      sess.HostID,
		Factory:     webrtc.NewFactory(r.ticket.ICEServers),
		LinkTimeout: cfg.LinkTimeout,
		OnRemoteTrack: func(ctx context.Context, t domain.RemoteTrack) {
			log.Info().Str("module", "main").Str("kind", string(t.Kind())).Str("track", t.ID()).Msg("receiving")
		},
		OnState: func(s link.State) {
			log.Info().Str("module", "main").Str("state", s.String()).Msg("stream link")
		},
	})
	lc := session.New(session.Config{
		SessionID:   sessionID,
		LocalID:     cfg.ParticipantID,
		Role:        "viewer",
		Roster:      r.client,
		Transport:   r.transport(sessionID, v),
		Coordinator: v,
	})

	if _, err := lc.Join(ctx, false, false); err != nil {
		return err
	}
	fmt.Printf("watching %q\n", sess.Title)
	control(ctx, lc, nil, func() {
		fmt.Printf("stream: %s  host: %s  degraded: %t\n", v.State(), v.Host(), v.Degraded())
	})
	return leave(lc)
}

func leave(lc *session.Lifecycle) error {
	ctx, cancel := context.WithTimeout(context.Background(), leaveTimeout)
	defer cancel()
	return lc.Leave(ctx)
}

// control reads single-letter commands from stdin until q, EOF or ctx ends.
func control(ctx context.Context, lc *session.Lifecycle, ctrl *media.Controller, status func()) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			select {
			case lines <- strings.TrimSpace(sc.Text()):
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		var line string
		var ok bool
		select {
		case <-ctx.Done():
			return
		case line, ok = <-lines:
			if !ok {
				<-ctx.Done()
				return
			}
		}

		switch line {
		case "q":
			return
		case "s":
			status()
		case "m", "v", "h":
			if ctrl == nil || lc == nil || !lc.Joined() {
				fmt.Println("no local media")
				continue
			}
			toggle(ctx, ctrl, line)
		case "":
		default:
			fmt.Println("commands: m v h s q")
		}
	}
}

func toggle(ctx context.Context, ctrl *media.Controller, cmd string) {
	var (
		label string
		on    bool
		err   error
	)
	switch cmd {
	case "m":
		label = "microphone muted"
		on, err = ctrl.ToggleAudio(ctx)
	case "v":
		label = "camera on"
		on, err = ctrl.ToggleVideo(ctx)
	case "h":
		label = "hand raised"
		on, err = ctrl.ToggleHand(ctx)
	}
	if err != nil && !errors.Is(err, domain.ErrRosterWrite) {
		fmt.Println(err)
		return
	}
	fmt.Printf("%s: %t\n", label, on)
	if err != nil {
		log.Warn().Err(err).Msg("could not save media state")
	}
}
