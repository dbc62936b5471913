package wsserver

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/nscnc/grbl-server/internal/grbl"
	"github.com/nscnc/grbl-server/internal/hub"
	"github.com/nscnc/grbl-server/internal/macro"
)

// pongWait é o prazo tolerado sem um pong do cliente antes de considerar
// a conexão morta; pingPeriod é o intervalo dos pings do servidor,
// deixando margem para o cliente responder antes do deadline expirar.
const (
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// clientConn é uma conexão WebSocket de um cliente de controle: um read
// loop (esta goroutine), uma goroutine de broadcast (repassa o hub) e uma
// goroutine de ping — todas escrevendo na mesma *websocket.Conn, por isso
// serializadas por writeMu, no mesmo padrão do writeMu de
// control_channel.go protegendo escritas concorrentes de pingWriter e
// SendProgress.
type clientConn struct {
	srv    *Server
	conn   *websocket.Conn
	logger *slog.Logger

	writeMu sync.Mutex
	sub     *hub.Subscriber
	limiter *rate.Limiter

	stopCh chan struct{}
	stopMu sync.Once
	wg     sync.WaitGroup
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &clientConn{
		srv:     s,
		conn:    conn,
		logger:  s.logger.With("remote", conn.RemoteAddr().String()),
		sub:     s.hub.Subscribe(),
		limiter: rate.NewLimiter(rate.Limit(s.rateCfg.RequestsPerSecond), s.rateCfg.Burst),
		stopCh:  make(chan struct{}),
	}
	c.run()
}

func (c *clientConn) run() {
	defer c.srv.hub.Unsubscribe(c.sub)
	defer c.conn.Close()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	// Snapshot inicial da conexão, conforme exigido a cada novo cliente.
	c.writeJSON(grbl.StatusMessage{Kind: "status", Snapshot: c.srv.engine.Snapshot()})

	c.wg.Add(2)
	go c.broadcastPump()
	go c.pingLoop()

	c.readLoop()

	c.stop()
	c.wg.Wait()
}

func (c *clientConn) stop() {
	c.stopMu.Do(func() { close(c.stopCh) })
}

// readLoop é o loop de leitura principal — despacha cada mensagem decodificada
// e só retorna quando a conexão cai ou é fechada pelo par.
func (c *clientConn) readLoop() {
	for {
		var msg inboundMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			c.logger.Info("websocket read closed", "reason", err)
			return
		}

		if !c.limiter.Allow() {
			c.sendDirect(response(msg.Kind, "limite de mensagens por segundo excedido"))
			continue
		}

		c.dispatch(msg)
	}
}

// broadcastPump repassa eventos publicados no hub por qualquer motor —
// encerra quando o hub fecha a fila deste assinante (Unsubscribe) ou
// quando stopCh é fechado.
func (c *clientConn) broadcastPump() {
	defer c.wg.Done()
	for {
		select {
		case msg, ok := <-c.sub.Messages():
			if !ok {
				return
			}
			if c.writeJSON(msg) != nil {
				return
			}
		case <-c.stopCh:
			return
		}
	}
}

// pingLoop mantém a conexão viva enviando pings de controle — necessário
// porque o protocolo é full-duplex e o cliente pode ficar longos períodos
// sem enviar nada (ex: aguardando o fim de um streaming longo).
func (c *clientConn) pingLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		case <-c.stopCh:
			return
		}
	}
}

func (c *clientConn) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteJSON(v)
}

// sendDirect é o atalho para respostas endereçadas só a este cliente
// (diferente de broadcastPump, que repassa eventos destinados a todos).
func (c *clientConn) sendDirect(v any) {
	if err := c.writeJSON(v); err != nil {
		c.logger.Warn("falha ao enviar resposta direta", "error", err)
	}
}

func (c *clientConn) respond(to string, err error) {
	result := "ok"
	if err != nil {
		result = err.Error()
	}
	c.sendDirect(response(to, result))
}

// dispatch roteia uma mensagem de entrada já decodificada para o motor
// correspondente — este é o único lugar do processo que conecta o canal de
// controle aos motores de domínio.
func (c *clientConn) dispatch(msg inboundMessage) {
	ctx := context.Background()

	switch msg.Kind {
	case "connect":
		baud := msg.Baud
		if baud == 0 {
			baud = 115200
		}
		c.respond(msg.Kind, c.srv.engine.Connect(msg.Port, baud))

	case "disconnect":
		c.srv.engine.Disconnect()
		c.respond(msg.Kind, nil)

	case "list_ports":
		ports, err := grbl.ListPorts()
		if err != nil {
			c.respond(msg.Kind, err)
			return
		}
		c.sendDirect(portsMessage{Kind: "ports", Ports: ports})

	case "gcode":
		c.handleGcode(ctx, msg)

	case "realtime":
		c.respond(msg.Kind, c.srv.engine.SendRealtime(byte(msg.Byte)))

	case "unlock":
		_, err := c.srv.engine.SendCommand(ctx, "$X")
		c.respond(msg.Kind, err)

	case "reset":
		c.respond(msg.Kind, c.srv.engine.SendRealtime(grbl.RealtimeSoftReset))

	case "feed_hold":
		c.respond(msg.Kind, c.srv.engine.SendRealtime(grbl.RealtimeFeedHold))

	case "cycle_start":
		c.respond(msg.Kind, c.srv.engine.SendRealtime(grbl.RealtimeCycleStart))

	case "settings":
		c.handleSettings(ctx)

	case "file_upload":
		c.srv.streamer.Load(msg.Filename, msg.Content)
		c.respond(msg.Kind, nil)

	case "file_start":
		c.respond(msg.Kind, c.srv.streamer.Start(ctx, msg.FromLine, msg.SkipPositionCheck))

	case "file_pause":
		c.srv.streamer.Pause()
		c.respond(msg.Kind, nil)

	case "file_resume":
		c.srv.streamer.Resume()
		c.respond(msg.Kind, nil)

	case "file_stop":
		c.srv.streamer.Stop()
		c.respond(msg.Kind, nil)

	case "macro_run":
		err := c.srv.macro.Run(ctx, msg.Name, macro.Params{ToolDiameter: msg.ToolDiameter, EdgeSign: msg.EdgeSign})
		c.respond(msg.Kind, err)

	case "macro_continue":
		c.srv.macro.Continue()
		c.respond(msg.Kind, nil)

	case "macro_cancel":
		c.srv.macro.Cancel()
		c.respond(msg.Kind, nil)

	case "macro_list":
		c.sendDirect(macroListMessage{Kind: "macro_list", Names: c.srv.macro.Names()})

	case "macro_load":
		code, err := c.srv.scripts.Load(msg.Name)
		if err != nil {
			c.respond(msg.Kind, err)
			return
		}
		c.sendDirect(response(msg.Kind, code))

	case "macro_save":
		c.respond(msg.Kind, c.srv.scripts.Save(msg.Name, msg.Code))

	case "fixture_list":
		c.sendDirect(fixturesMsg(c.srv.fixtures.List()))

	case "fixture_remove":
		if !c.srv.fixtures.Remove(msg.Index) {
			c.respond(msg.Kind, fmt.Errorf("índice de fixture inválido: %d", msg.Index))
			return
		}
		c.sendDirect(fixturesMsg(c.srv.fixtures.List()))

	case "fixture_clear":
		c.srv.fixtures.Clear()
		c.sendDirect(fixturesMsg(c.srv.fixtures.List()))

	case "check_collisions":
		c.handleCheckCollisions()

	default:
		c.respond(msg.Kind, fmt.Errorf("tipo de mensagem desconhecido: %q", msg.Kind))
	}
}

func (c *clientConn) handleGcode(ctx context.Context, msg inboundMessage) {
	if msg.NoWait {
		c.respond("gcode", c.srv.engine.SendFireAndForget(msg.Line))
		return
	}
	res, err := c.srv.engine.SendCommand(ctx, msg.Line)
	if err != nil {
		c.respond("gcode", err)
		return
	}
	c.sendDirect(response("gcode", res.String()))
}

func (c *clientConn) handleSettings(ctx context.Context) {
	if _, err := c.srv.engine.SendCommand(ctx, "$$"); err != nil {
		c.respond("settings", err)
		return
	}
	snap := c.srv.engine.Snapshot()
	c.sendDirect(grbl.SettingsMessage{Kind: "settings", Settings: snap.Settings})
}

func (c *clientConn) handleCheckCollisions() {
	prog := c.srv.streamer.Program()
	if prog == nil {
		c.respond("check_collisions", fmt.Errorf("nenhum programa carregado"))
		return
	}
	wco := c.srv.engine.Snapshot().WCO

	// CollisionCheck cobre os cortes (G1/G2/G3); XYCheck cobre rapids (G0)
	// que saem do hull de corte e podem cruzar sobre um fixture — as duas
	// são complementares, não alternativas, então rodamos as duas e
	// combinamos o resultado.
	collisions := c.srv.fixtures.CollisionCheck(prog.Lines, wco)
	collisions = append(collisions, c.srv.fixtures.XYCheck(prog.Lines, wco)...)
	c.sendDirect(collisionCheckMsg(collisions))
}
