// Package wsserver implementa o Control-Channel Server: o único ponto que
// roteia mensagens JSON-framed de clientes externos (a UI de controle) para
// o Protocol Engine, o Streaming Engine, o Macro Engine e o Fixture
// Registry. Os motores nunca se mutam diretamente — tudo passa por aqui.
package wsserver

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nscnc/grbl-server/internal/config"
	"github.com/nscnc/grbl-server/internal/fixture"
	"github.com/nscnc/grbl-server/internal/grbl"
	"github.com/nscnc/grbl-server/internal/hub"
	"github.com/nscnc/grbl-server/internal/macro"
	"github.com/nscnc/grbl-server/internal/pki"
	"github.com/nscnc/grbl-server/internal/streamer"
)

// shutdownGrace é o prazo concedido ao http.Server para drenar conexões
// abertas quando o context de Run é cancelado.
const shutdownGrace = 5 * time.Second

// Server é o Control-Channel Server: um listener HTTP/WS único que serve a
// página estática placeholder e faz upgrade de /ws para WebSocket.
type Server struct {
	logger *slog.Logger

	engine   *grbl.ProtocolEngine
	streamer *streamer.Streamer
	macro    *macro.MacroEngine
	fixtures *fixture.Registry
	hub      *hub.Hub

	httpCfg  config.HTTPConfig
	rateCfg  config.RateLimitConfig
	scripts  *scriptLibrary
	upgrader websocket.Upgrader
}

// Deps agrupa as dependências injetadas no Server — um motor por
// responsabilidade, nunca acoplados entre si fora deste pacote.
type Deps struct {
	Engine   *grbl.ProtocolEngine
	Streamer *streamer.Streamer
	Macro    *macro.MacroEngine
	Fixtures *fixture.Registry
	Hub      *hub.Hub
}

// New cria um Control-Channel Server pronto para Run.
func New(logger *slog.Logger, deps Deps, httpCfg config.HTTPConfig, rateCfg config.RateLimitConfig, macroCfg config.MacroConfig) *Server {
	return &Server{
		logger:   logger.With("component", "wsserver"),
		engine:   deps.Engine,
		streamer: deps.Streamer,
		macro:    deps.Macro,
		fixtures: deps.Fixtures,
		hub:      deps.Hub,
		httpCfg:  httpCfg,
		rateCfg:  rateCfg,
		scripts:  newScriptLibrary(macroCfg.ScriptDir),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Run abre o listener HTTP/WS configurado (TLS quando tls_cert/tls_key
// estão presentes) e bloqueia servindo até ctx ser cancelado, encerrando
// graciosamente.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.Handle("/", http.FileServer(webFS()))

	var ln net.Listener
	var err error
	if s.httpCfg.TLSCert != "" {
		tlsCfg, tlsErr := pki.NewServerTLSConfig(s.httpCfg.TLSCert, s.httpCfg.TLSKey)
		if tlsErr != nil {
			return fmt.Errorf("configuring TLS: %w", tlsErr)
		}
		ln, err = tls.Listen("tcp", s.httpCfg.Listen, tlsCfg)
	} else {
		ln, err = net.Listen("tcp", s.httpCfg.Listen)
	}
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.httpCfg.Listen, err)
	}

	httpSrv := &http.Server{Handler: mux}

	go func() {
		<-ctx.Done()
		s.logger.Info("shutting down control-channel server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("control-channel server shutdown error", "error", err)
		}
	}()

	s.logger.Info("control-channel server listening", "address", s.httpCfg.Listen, "tls", s.httpCfg.TLSCert != "")
	if err := httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("serving control channel: %w", err)
	}
	return nil
}
