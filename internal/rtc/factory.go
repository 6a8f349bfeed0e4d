// Package rtc implements peer transports on pion/webrtc.
//
// Each Transport owns one PeerConnection toward one remote participant and
// negotiates it with the perfect negotiation pattern: the polite side rolls
// back its own offer on a collision, the impolite side ignores the remote one.
// ICE candidates trickle through the same opaque payload channel as the
// session descriptions.
package rtc

import (
	"fmt"
	"strings"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"secureconnect-calls/internal/service/call"
	"secureconnect-calls/pkg/config"
	"secureconnect-calls/pkg/logger"
	"secureconnect-calls/pkg/metrics"
)

// Factory creates transports sharing one pion API
type Factory struct {
	api        *webrtc.API
	iceServers []webrtc.ICEServer
	metrics    *metrics.Metrics
	log        *zap.Logger
}

// NewFactory builds the media engine, the default interceptors and the ICE settings
func NewFactory(cfg config.WebRTCConfig, m *metrics.Metrics) (*Factory, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, fmt.Errorf("failed to register interceptors: %w", err)
	}

	settings := webrtc.SettingEngine{LoggerFactory: NewLoggerFactory(logger.Log)}
	settings.SetICETimeouts(cfg.DisconnectedTimeout, cfg.FailedTimeout, cfg.KeepAliveInterval)
	if cfg.IncludeLoopback {
		settings.SetIncludeLoopbackCandidate(true)
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(settings),
	)

	return &Factory{
		api:        api,
		iceServers: iceServers(cfg),
		metrics:    m,
		log:        logger.Log,
	}, nil
}

// iceServers turns configured URLs into pion servers; TURN URLs carry the credentials
func iceServers(cfg config.WebRTCConfig) []webrtc.ICEServer {
	servers := make([]webrtc.ICEServer, 0, len(cfg.ICEServers))
	for _, url := range cfg.ICEServers {
		server := webrtc.ICEServer{URLs: []string{url}}
		if strings.HasPrefix(url, "turn:") || strings.HasPrefix(url, "turns:") {
			server.Username = cfg.TURNUsername
			server.Credential = cfg.TURNCredential
		}
		servers = append(servers, server)
	}
	return servers
}

// NewTransport creates an idle transport; nothing is negotiated until Start
func (f *Factory) NewTransport(cfg call.TransportConfig, cb call.TransportCallbacks) (call.PeerTransport, error) {
	pc, err := f.api.NewPeerConnection(webrtc.Configuration{ICEServers: f.iceServers})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}
	return newTransport(pc, cfg, cb, f.metrics, f.log), nil
}
