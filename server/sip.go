// Package server accepts inbound SIP calls and hands each one to a call
// session bound to a freshly connected dialog event stream.
package server

import (
	"context"
	"fmt"

	"github.com/emiago/diago"
	"github.com/emiago/sipgo"
	"go.uber.org/zap"

	"github.com/voicebridge/assistant-gateway/config"
	"github.com/voicebridge/assistant-gateway/dialog"
	"github.com/voicebridge/assistant-gateway/media"
	"github.com/voicebridge/assistant-gateway/session"
	"github.com/voicebridge/assistant-gateway/utils"
)

type Server struct {
	cfg      *config.Config
	log      *zap.Logger
	registry *session.Registry
	engine   *dialog.Client
}

func New(cfg *config.Config, log *zap.Logger, registry *session.Registry, engine *dialog.Client) *Server {
	return &Server{
		cfg:      cfg,
		log:      log,
		registry: registry,
		engine:   engine,
	}
}

// Serve runs the SIP listener until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	s.log.Info("starting SIP server",
		zap.String("protocol", s.cfg.SIPProtocol),
		zap.String("address", s.cfg.SIPListenAddress),
		zap.Int("port", s.cfg.SIPPort))

	transport := diago.Transport{
		Transport: s.cfg.SIPProtocol,
		BindHost:  s.cfg.SIPListenAddress,
		BindPort:  s.cfg.SIPPort,
	}

	ua, err := sipgo.NewUA()
	if err != nil {
		return fmt.Errorf("create SIP user agent: %w", err)
	}

	dg := diago.NewDiago(ua, diago.WithTransport(transport))
	return dg.Serve(ctx, func(inDialog *diago.DialogServerSession) {
		s.handleIncomingCall(ctx, inDialog)
	})
}

func (s *Server) handleIncomingCall(srvCtx context.Context, inDialog *diago.DialogServerSession) {
	callID := utils.GenerateCallID()
	caller := utils.ExtractCallerPhone(inDialog.InviteRequest.Headers())
	log := s.log.With(zap.String("call_id", callID), zap.String("caller", caller))

	log.Info("incoming call")
	defer log.Info("call ended")

	inDialog.Trying()
	if err := inDialog.Answer(); err != nil {
		log.Error("answer failed", zap.Error(err))
		return
	}

	// Attach the dialog event stream before creating the session. If the
	// engine is unreachable the call cannot be serviced at all.
	stream, err := s.engine.Connect(srvCtx, callID)
	if err != nil {
		log.Error("media channel attach failed, aborting call", zap.Error(err))
		return
	}
	defer stream.Close()

	channel := media.NewSIPChannel(callID, inDialog, s.cfg.SoundsDir, log)
	sess := session.New(srvCtx, callID, channel, stream, session.TurnConfig{
		AssistantProfile: s.cfg.AssistantProfile,
		LanguageCode:     s.cfg.LanguageCode,
		TurnTimeout:      s.cfg.TurnTimeout,
		FallbackDelay:    s.cfg.FallbackDelay,
		GreetingEvent:    s.cfg.GreetingEvent,
	}, s.log)

	s.registry.Register(sess)
	defer s.registry.Unregister(callID)

	sess.Start()

	select {
	case <-sess.Done():
		// Assistant-initiated termination; media already released.
	case <-inDialog.Context().Done():
		// Caller hung up. This must win regardless of session state.
		sess.Hangup()
		<-sess.Done()
	case <-srvCtx.Done():
		sess.Hangup()
		<-sess.Done()
	}
}
