package webrtc

import (
	"fmt"
	"sync"

	"sanctuary/rtc/internal/domain"

	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/intervalpli"
	"github.com/pion/interceptor/pkg/nack"
	"github.com/pion/rtcp"
	"github.com/pion/sdp/v3"
	pion "github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Factory builds Peers. It implements domain.ConnFactory.
type Factory struct {
	servers []pion.ICEServer
}

// NewFactory creates a factory using the given ICE servers.
func NewFactory(iceServers []domain.ICEServer) *Factory {
	var servers []pion.ICEServer
	for _, s := range iceServers {
		servers = append(servers, pion.ICEServer{
			URLs:       []string{s.URL},
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	return &Factory{servers: servers}
}

// NewConn creates a Peer toward remoteID carrying the tracks of media.
func (f *Factory) NewConn(remoteID string, media *domain.LocalMedia) (domain.Conn, error) {
	return NewPeer(f.servers, remoteID, media)
}

// Peer wraps a Pion PeerConnection.
type Peer struct {
	pc       *pion.PeerConnection
	remoteID string
	logger   zerolog.Logger

	mu      sync.Mutex
	onTrack func(domain.RemoteTrack)
}

// newAPI builds a MediaEngine and interceptor chain. Pion does not allow a
// MediaEngine to be shared between PeerConnections, so every Peer gets one.
func newAPI() (*pion.API, error) {
	m := &pion.MediaEngine{}

	opusCodec := pion.RTPCodecParameters{
		RTPCodecCapability: pion.RTPCodecCapability{
			MimeType:    pion.MimeTypeOpus,
			ClockRate:   48000,
			Channels:    2,
			SDPFmtpLine: "minptime=10;useinbandfec=1",
		},
		PayloadType: 111,
	}
	if err := m.RegisterCodec(opusCodec, pion.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("register Opus: %w", err)
	}

	feedback := []pion.RTCPFeedback{{Type: "nack"}, {Type: "nack", Parameter: "pli"}, {Type: "ccm", Parameter: "fir"}}
	vp8Codec := pion.RTPCodecParameters{
		RTPCodecCapability: pion.RTPCodecCapability{
			MimeType:     pion.MimeTypeVP8,
			ClockRate:    90000,
			RTCPFeedback: feedback,
		},
		PayloadType: 96,
	}
	if err := m.RegisterCodec(vp8Codec, pion.RTPCodecTypeVideo); err != nil {
		return nil, fmt.Errorf("register VP8: %w", err)
	}

	h264Codec := pion.RTPCodecParameters{
		RTPCodecCapability: pion.RTPCodecCapability{
			MimeType:     pion.MimeTypeH264,
			ClockRate:    90000,
			SDPFmtpLine:  "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f",
			RTCPFeedback: feedback,
		},
		PayloadType: 102,
	}
	if err := m.RegisterCodec(h264Codec, pion.RTPCodecTypeVideo); err != nil {
		return nil, fmt.Errorf("register H264: %w", err)
	}

	if err := m.RegisterHeaderExtension(pion.RTPHeaderExtensionCapability{URI: sdp.AudioLevelURI}, pion.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("register audio level extension: %w", err)
	}

	i := &interceptor.Registry{}
	responderFactory, err := nack.NewResponderInterceptor()
	if err != nil {
		return nil, fmt.Errorf("create nack responder: %w", err)
	}
	i.Add(responderFactory)

	generatorFactory, err := nack.NewGeneratorInterceptor()
	if err != nil {
		return nil, fmt.Errorf("create nack generator: %w", err)
	}
	i.Add(generatorFactory)

	pliFactory, err := intervalpli.NewReceiverInterceptor()
	if err != nil {
		return nil, fmt.Errorf("create pli interceptor: %w", err)
	}
	i.Add(pliFactory)

	return pion.NewAPI(
		pion.WithMediaEngine(m),
		pion.WithInterceptorRegistry(i),
	), nil
}

// NewPeer creates a PeerConnection toward remoteID. Local tracks present in
// media are sent; a missing kind gets a receive-only transceiver so the
// remote side can still send it.
func NewPeer(servers []pion.ICEServer, remoteID string, media *domain.LocalMedia) (*Peer, error) {
	api, err := newAPI()
	if err != nil {
		return nil, err
	}

	pc, err := api.NewPeerConnection(pion.Configuration{
		ICEServers:   servers,
		BundlePolicy: pion.BundlePolicyMaxBundle,
	})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	p := &Peer{
		pc:       pc,
		remoteID: remoteID,
		logger:   log.With().Str("module", "webrtc").Str("remote", remoteID).Logger(),
	}

	if err := p.addTracks(media); err != nil {
		pc.Close()
		return nil, err
	}

	pc.OnICEConnectionStateChange(func(state pion.ICEConnectionState) {
		p.logger.Debug().Str("state", state.String()).Msg("ICE connection state")
	})
	pc.OnTrack(p.handleTrack)

	return p, nil
}

func (p *Peer) addTracks(media *domain.LocalMedia) error {
	var audio, video domain.LocalTrack
	if media != nil {
		audio, video = media.Audio, media.Video
	}

	for _, lt := range []domain.LocalTrack{audio, video} {
		if lt == nil {
			continue
		}
		src, ok := lt.(interface{ TrackLocal() pion.TrackLocal })
		if !ok {
			return fmt.Errorf("track %s is not backed by a pion track", lt.ID())
		}
		sender, err := p.pc.AddTrack(src.TrackLocal())
		if err != nil {
			return fmt.Errorf("add %s track: %w", lt.Kind(), err)
		}
		go drainRTCP(sender)
	}

	if audio == nil {
		if _, err := p.pc.AddTransceiverFromKind(pion.RTPCodecTypeAudio, pion.RTPTransceiverInit{
			Direction: pion.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			return fmt.Errorf("add audio transceiver: %w", err)
		}
	}
	if video == nil {
		if _, err := p.pc.AddTransceiverFromKind(pion.RTPCodecTypeVideo, pion.RTPTransceiverInit{
			Direction: pion.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			return fmt.Errorf("add video transceiver: %w", err)
		}
	}
	return nil
}

// drainRTCP reads sender RTCP so interceptors see NACKs and PLIs.
func drainRTCP(sender *pion.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func (p *Peer) handleTrack(track *pion.TrackRemote, receiver *pion.RTPReceiver) {
	codec := track.Codec()
	p.logger.Info().Str("kind", track.Kind().String()).Str("codec", codec.MimeType).Msg("got track")

	rt := newRemoteTrack(track)
	if track.Kind() == pion.RTPCodecTypeVideo {
		err := p.pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())}})
		if err != nil {
			p.logger.Warn().Err(err).Msg("send PLI")
		}
		go rt.drain()
	} else {
		var extID uint8
		for _, ext := range receiver.GetParameters().HeaderExtensions {
			if ext.URI == sdp.AudioLevelURI {
				extID = uint8(ext.ID)
			}
		}
		go rt.readLevels(extID)
	}

	p.mu.Lock()
	fn := p.onTrack
	p.mu.Unlock()
	if fn != nil {
		fn(rt)
	}
}

// OnICECandidate registers the callback for locally gathered candidates.
func (p *Peer) OnICECandidate(fn func(domain.ICECandidatePayload)) {
	p.pc.OnICECandidate(func(c *pion.ICECandidate) {
		if c == nil {
			p.logger.Debug().Msg("ICE gathering complete")
			return
		}
		init := c.ToJSON()
		out := domain.ICECandidatePayload{Candidate: init.Candidate}
		if init.SDPMid != nil {
			out.SDPMid = *init.SDPMid
		}
		if init.SDPMLineIndex != nil {
			out.SDPMLineIndex = int(*init.SDPMLineIndex)
		}
		if init.UsernameFragment != nil {
			out.UsernameFragment = *init.UsernameFragment
		}
		fn(out)
	})
}

// OnStateChange maps peer connection states onto domain.ConnState.
func (p *Peer) OnStateChange(fn func(domain.ConnState)) {
	p.pc.OnConnectionStateChange(func(state pion.PeerConnectionState) {
		p.logger.Info().Str("state", state.String()).Msg("peer connection state")
		switch state {
		case pion.PeerConnectionStateNew:
			fn(domain.ConnNew)
		case pion.PeerConnectionStateConnecting:
			fn(domain.ConnConnecting)
		case pion.PeerConnectionStateConnected:
			fn(domain.ConnConnected)
		case pion.PeerConnectionStateDisconnected:
			fn(domain.ConnDisconnected)
		case pion.PeerConnectionStateFailed:
			fn(domain.ConnFailed)
		case pion.PeerConnectionStateClosed:
			fn(domain.ConnClosed)
		}
	})
}

func (p *Peer) OnTrack(fn func(domain.RemoteTrack)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onTrack = fn
}

// CreateOffer creates an SDP offer and sets it as the local description.
func (p *Peer) CreateOffer() (string, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("create offer: %w", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}
	p.logger.Debug().Msg("local SDP offer set")
	return offer.SDP, nil
}

// CreateAnswer creates an SDP answer and sets it as the local description.
func (p *Peer) CreateAnswer() (string, error) {
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("create answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}
	p.logger.Debug().Msg("local SDP answer set")
	return answer.SDP, nil
}

// SetRemoteDescription applies a remote offer or answer.
func (p *Peer) SetRemoteDescription(desc domain.SDPPayload) error {
	typ := pion.NewSDPType(desc.Type)
	if typ != pion.SDPTypeOffer && typ != pion.SDPTypeAnswer {
		return fmt.Errorf("unsupported description type %q", desc.Type)
	}
	if err := p.pc.SetRemoteDescription(pion.SessionDescription{Type: typ, SDP: desc.SDP}); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	p.logger.Debug().Str("type", desc.Type).Msg("remote SDP set")
	return nil
}

// AddICECandidate adds a remote candidate. The caller holds candidates back
// until the remote description is set.
func (p *Peer) AddICECandidate(c domain.ICECandidatePayload) error {
	sdpMLineIndex := uint16(c.SDPMLineIndex)
	init := pion.ICECandidateInit{
		Candidate:     c.Candidate,
		SDPMid:        &c.SDPMid,
		SDPMLineIndex: &sdpMLineIndex,
	}
	if c.UsernameFragment != "" {
		init.UsernameFragment = &c.UsernameFragment
	}
	if err := p.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("add ice candidate: %w", err)
	}
	return nil
}

// Close shuts down the PeerConnection.
func (p *Peer) Close() error {
	return p.pc.Close()
}
