// Command call-agent is a headless call client. It stays connected to the
// signal relay, answers or places calls and streams local media over WebRTC.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"callsignal/internal/client/callstate"
	"callsignal/internal/client/device"
	"callsignal/internal/client/negotiation"
	"callsignal/internal/client/transport"
	"callsignal/internal/domain"
	"callsignal/pkg/config"
	"callsignal/pkg/jwt"
	"callsignal/pkg/logger"
)

// socketRegistry sends peer signals over the relay socket and everything
// else over the control API
type socketRegistry struct {
	*transport.ControlClient
	conn *transport.RelayConn
}

func (r *socketRegistry) Signal(ctx context.Context, sig domain.Signal, targetID *uuid.UUID) error {
	return r.conn.Signal(ctx, sig, targetID)
}

func main() {
	var (
		callUser    = flag.String("call", "", "user id to call once connected")
		video       = flag.Bool("video", false, "place a video call instead of a voice call")
		hangupAfter = flag.Duration("hangup-after", 0, "end a connected call after this long (0 keeps it open)")
	)
	flag.Parse()

	cfg, err := config.LoadAgent()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := logger.Init(cfg.Log); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	claims, err := jwt.UnverifiedClaims(cfg.Token)
	if err != nil {
		logger.Fatal("CALL_TOKEN is not a valid access token", zap.Error(err))
	}
	log := logger.With(zap.String("user_id", claims.UserID.String()))

	target, placeCall, err := parseTarget(*callUser)
	if err != nil {
		logger.Fatal("Invalid call target", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 1. Media
	var backend device.Backend
	switch cfg.DeviceBackend {
	case "mediadevices":
		backend, err = device.NewMediaDevicesBackend()
		if err != nil {
			logger.Fatal("Failed to open capture devices", zap.Error(err))
		}
	default:
		backend = device.NewSyntheticBackend()
	}
	media := device.NewManager(backend)

	// 2. Peer connections
	netCfg := negotiation.DefaultConfig()
	netCfg.ICEServers = nil
	if len(cfg.ICEServers) > 0 {
		netCfg.ICEServers = []webrtc.ICEServer{{URLs: cfg.ICEServers}}
	}
	api, err := negotiation.NewAPI(netCfg, media.RegisterCodecs)
	if err != nil {
		logger.Fatal("Failed to build WebRTC API", zap.Error(err))
	}
	engines := func(params negotiation.Params, listener negotiation.Listener) (callstate.Engine, error) {
		return negotiation.NewEngine(api, netCfg, params, listener)
	}

	// 3. Control API and relay socket
	registry := &socketRegistry{ControlClient: transport.NewControlClient(cfg.APIURL, cfg.Token, cfg.RequestTimeout)}
	relayClient, err := transport.NewRelayClient(cfg.APIURL, cfg.Token)
	if err != nil {
		logger.Fatal("Invalid CALL_API_URL", zap.Error(err))
	}

	// 4. Call controller
	var ctrl *callstate.Controller
	idle := make(chan struct{}, 1)
	observer := callstate.ObserverFunc(func(s callstate.Snapshot) {
		log.Info("Call state changed",
			zap.Stringer("state", s.State),
			zap.String("session_id", s.SessionID.String()),
			zap.Stringer("role", s.Role),
			zap.String("call_type", string(s.Type)),
			zap.String("remote", s.RemoteParty.Name),
			zap.Bool("remote_audio", s.RemoteAudio),
			zap.Bool("remote_video", s.RemoteVideo))

		switch s.State {
		case callstate.Incoming:
			if cfg.AutoAccept {
				go func() {
					if err := ctrl.Accept(ctx); err != nil {
						log.Warn("Auto-accept failed", zap.Error(err))
					}
				}()
			}
		case callstate.Connected:
			if *hangupAfter > 0 {
				session := s.SessionID
				time.AfterFunc(*hangupAfter, func() {
					if ctrl.Snapshot().SessionID == session {
						_ = ctrl.End(ctx)
					}
				})
			}
		case callstate.Ended:
			log.Info("Call ended", zap.String("reason", string(s.EndReason)))
		case callstate.Idle:
			select {
			case idle <- struct{}{}:
			default:
			}
		}
	})
	ctrl = callstate.NewController(callstate.Config{
		UserID:         claims.UserID,
		ConnectTimeout: cfg.ConnectTimeout,
		RequestTimeout: cfg.RequestTimeout,
	}, registry, media, engines, observer)

	conn, err := relayClient.Subscribe(ctx, ctrl.HandleSignal)
	if err != nil {
		logger.Fatal("Failed to connect to signal relay", zap.Error(err))
	}
	defer conn.Close()
	registry.conn = conn

	loopDone := make(chan struct{})
	runCtx, stopRun := context.WithCancel(context.Background())
	go func() {
		ctrl.Run(runCtx)
		close(loopDone)
	}()

	log.Info("Call agent ready",
		zap.String("api", cfg.APIURL),
		zap.String("device_backend", backend.Name()),
		zap.Bool("auto_accept", cfg.AutoAccept))

	// 5. Optional outgoing call. The agent exits once it is over.
	var finished <-chan struct{}
	if placeCall {
		callType := domain.CallTypeVoice
		if *video {
			callType = domain.CallTypeVideo
		}
		finished = placeOutgoing(ctx, log, ctrl, target, callType, idle)
	}

	select {
	case <-ctx.Done():
		log.Info("Shutting down call agent")
	case <-conn.Done():
		log.Error("Signal relay connection lost", zap.Error(conn.Err()))
	case <-finished:
	}

	stopRun()
	<-loopDone
	log.Info("Call agent exited")
}

// callStarter is the part of the controller an outgoing call needs
type callStarter interface {
	Start(ctx context.Context, target domain.CallTarget, callType domain.CallType) (*domain.CallSession, error)
}

// placeOutgoing starts the call and returns a channel that fires once it is
// over. A call that fails to start is already over.
func placeOutgoing(ctx context.Context, log *zap.Logger, ctrl callStarter, target domain.CallTarget, callType domain.CallType, idle <-chan struct{}) <-chan struct{} {
	session, err := ctrl.Start(ctx, target, callType)
	if err != nil {
		log.Error("Failed to start call", zap.Error(err))
		over := make(chan struct{})
		close(over)
		return over
	}
	log.Info("Calling", zap.String("session_id", session.SessionID.String()))
	return idle
}

func parseTarget(userID string) (domain.CallTarget, bool, error) {
	if userID == "" {
		return domain.CallTarget{}, false, nil
	}
	id, err := uuid.Parse(userID)
	if err != nil {
		return domain.CallTarget{}, false, fmt.Errorf("invalid user id: %w", err)
	}
	return domain.CallTarget{CalleeID: &id}, true, nil
}
