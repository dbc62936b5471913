package grbl

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nscnc/grbl-server/internal/logging"
)

// Bytes realtime de comando único, enviados sem newline e sem entrar na
// fila de um único comando pendente.
const (
	RealtimeStatusQuery byte = '?'
	RealtimeFeedHold    byte = '!'
	RealtimeCycleStart  byte = '~'
	RealtimeSoftReset   byte = 0x18
)

// Estados do ciclo de vida da conexão do Protocol Engine.
const (
	LinkDisconnected = "disconnected"
	LinkConnecting   = "connecting"
	LinkConnected    = "connected"
)

// defaultCommandTimeout é o prazo de espera por um terminador ok/error
// antes de desistir de um comando enviado via SendCommand.
const defaultCommandTimeout = 10 * time.Second

// serialConn é a superfície de *SerialLink que o engine depende — extraída
// como interface para permitir links falsos em teste, já que *SerialLink em
// si é um wrapper fino sobre go.bug.st/serial.Port sem modo de simulação.
type serialConn interface {
	Read([]byte) (int, error)
	Write([]byte) error
	Close() error
}

// SerialLogger é implementado por quem quer espelhar cada linha crua
// lida/escrita no link — tipicamente um *logging.SerialLog.
type SerialLogger interface {
	Write(dir logging.Direction, data string) error
}

// Publisher é o destino de eventos de alto nível emitidos pelo engine —
// tipicamente o hub de broadcast.
type Publisher interface {
	Publish(msg any)
}

// ProtocolEngine é o motor de protocolo GRBL: mantém o link serial aberto,
// classifica cada linha recebida via FrameParser, absorve atualizações de
// estado em MachineState e casa comandos enviados com seu terminador
// ok/error. Apenas um comando "de linha" pode estar pendente por vez — o
// modelo do spec é uma fila de um único slot, implementada aqui como um
// mutex mantido durante toda a chamada de SendCommand, não como uma
// rejeição quando ocupado.
type ProtocolEngine struct {
	logger    *slog.Logger
	serialLog SerialLogger
	pub       Publisher

	state *MachineState

	linkMu sync.Mutex
	link   serialConn
	status atomic.Value // string: LinkDisconnected/Connecting/Connected

	parser *FrameParser

	// sendMu serializa SendCommand — só uma linha de comando pode estar
	// pendente por vez.
	sendMu  sync.Mutex
	pending atomic.Pointer[pendingCommand]

	stopCh chan struct{}
	stopMu sync.Once
	wg     sync.WaitGroup
}

type pendingCommand struct {
	resultCh chan CommandResult
	done     sync.Once
}

// NewProtocolEngine cria um engine desconectado, pronto para Connect.
func NewProtocolEngine(logger *slog.Logger, pub Publisher, serialLog SerialLogger) *ProtocolEngine {
	e := &ProtocolEngine{
		logger:    logger.With("component", "grbl_engine"),
		serialLog: serialLog,
		pub:       pub,
		state:     NewMachineState(),
		parser:    NewFrameParser(),
	}
	e.status.Store(LinkDisconnected)
	return e
}

// State devolve o MachineState compartilhado — seguro para leitura
// concorrente via Snapshot().
func (e *ProtocolEngine) State() *MachineState {
	return e.state
}

// Snapshot é um atalho para State().Snapshot(), usado por dependentes que
// só precisam de uma leitura pontual do estado da máquina.
func (e *ProtocolEngine) Snapshot() Snapshot {
	return e.state.Snapshot()
}

// Status devolve o estado atual do link (disconnected/connecting/connected).
func (e *ProtocolEngine) Status() string {
	return e.status.Load().(string)
}

// Connect abre o link serial e inicia o read loop. Chamar Connect em um
// engine já conectado primeiro desconecta o link anterior.
func (e *ProtocolEngine) Connect(device string, baud int) error {
	link, err := OpenSerialLink(device, baud)
	if err != nil {
		return fmt.Errorf("conectando ao controlador: %w", err)
	}
	e.connect(link, device, baud)
	return nil
}

// connect assume um serialConn já aberto e inicia o read loop — separado
// de Connect para que testes possam injetar um link falso.
func (e *ProtocolEngine) connect(link serialConn, device string, baud int) {
	if e.Status() == LinkConnected {
		e.Disconnect()
	}

	e.status.Store(LinkConnecting)

	e.linkMu.Lock()
	e.link = link
	e.linkMu.Unlock()

	e.parser = NewFrameParser()
	e.stopCh = make(chan struct{})
	e.stopMu = sync.Once{}
	e.status.Store(LinkConnected)

	e.wg.Add(1)
	go e.readLoop(link, e.stopCh)

	e.logger.Info("link serial conectado", "device", device, "baud", baud)
	e.publish(ConnectedMessage{Kind: "connected", Device: device, Baud: baud})

	go e.primeState()
}

// primeState envia "$$" e "$#" logo após a conexão para preencher
// Settings e G28Position antes do primeiro comando do operador — sem
// isso g28Position fica {0,0,0} e set_z/tool_change mandariam a máquina
// para a origem de máquina em vez da posição de referência armazenada.
// Roda em goroutine própria porque SendCommand bloqueia até o
// terminador, e connect não pode travar esperando por ele.
func (e *ProtocolEngine) primeState() {
	ctx, cancel := context.WithTimeout(context.Background(), defaultCommandTimeout)
	defer cancel()
	if _, err := e.SendCommand(ctx, "$$"); err != nil {
		e.logger.Warn("falha ao consultar settings na conexão", "error", err)
	}

	ctx2, cancel2 := context.WithTimeout(context.Background(), defaultCommandTimeout)
	defer cancel2()
	if _, err := e.SendCommand(ctx2, "$#"); err != nil {
		e.logger.Warn("falha ao consultar posições armazenadas na conexão", "error", err)
	}
}

func (e *ProtocolEngine) loadLink() serialConn {
	e.linkMu.Lock()
	defer e.linkMu.Unlock()
	return e.link
}

// Disconnect fecha o link, encerra o read loop e entrega ResultNotConnected
// a qualquer comando pendente. Idempotente — seguro mesmo após o link já
// ter caído sozinho (ver handleReadFailure).
func (e *ProtocolEngine) Disconnect() {
	e.stopMu.Do(func() {
		if e.stopCh != nil {
			close(e.stopCh)
		}
	})
	e.wg.Wait()

	e.linkMu.Lock()
	link := e.link
	e.link = nil
	e.linkMu.Unlock()
	if link != nil {
		link.Close()
	}

	wasConnected := e.status.Swap(LinkDisconnected) != LinkDisconnected

	if pc := e.pending.Swap(nil); pc != nil {
		pc.done.Do(func() {
			pc.resultCh <- CommandResult{Kind: ResultNotConnected}
		})
	}

	if wasConnected {
		e.publish(DisconnectedMessage{Kind: "disconnected", Reason: "requested"})
	}
}

// handleReadFailure é chamado pelo read loop quando a leitura física falha
// (ex: dispositivo USB removido) — diferente de Disconnect, que é
// solicitado pelo operador. Encerra o link e publica disconnected com o
// motivo, mas não toca stopCh (o próprio read loop está retornando).
func (e *ProtocolEngine) handleReadFailure(err error) {
	e.logger.Error("link serial caiu", "error", err)

	e.linkMu.Lock()
	link := e.link
	e.link = nil
	e.linkMu.Unlock()
	if link != nil {
		link.Close()
	}

	e.status.Store(LinkDisconnected)

	if pc := e.pending.Swap(nil); pc != nil {
		pc.done.Do(func() {
			pc.resultCh <- CommandResult{Kind: ResultNotConnected}
		})
	}

	e.publish(DisconnectedMessage{Kind: "disconnected", Reason: err.Error()})
}

// SendCommand envia uma linha de G-code/comando GRBL e bloqueia até o
// controlador responder "ok"/"error:N" ou o timeout expirar. Mantém
// sendMu durante toda a chamada: isso é a fila de um único slot do
// protocolo GRBL expressa como serialização, não como rejeição.
func (e *ProtocolEngine) SendCommand(ctx context.Context, line string) (CommandResult, error) {
	e.sendMu.Lock()
	defer e.sendMu.Unlock()

	link := e.loadLink()
	if link == nil {
		return CommandResult{}, fmt.Errorf("link serial não conectado")
	}

	pc := &pendingCommand{resultCh: make(chan CommandResult, 1)}
	e.pending.Store(pc)
	defer e.pending.Store((*pendingCommand)(nil))

	if err := e.writeLine(link, line); err != nil {
		return CommandResult{}, err
	}

	timeout := time.NewTimer(defaultCommandTimeout)
	defer timeout.Stop()

	select {
	case res := <-pc.resultCh:
		return res, nil
	case <-timeout.C:
		return CommandResult{Kind: ResultTimeout}, nil
	case <-ctx.Done():
		return CommandResult{}, ctx.Err()
	}
}

// SendRealtime envia um byte de comando realtime (status query, feed
// hold, cycle start, soft reset) imediatamente, sem passar pela fila de
// comando e sem esperar terminador.
func (e *ProtocolEngine) SendRealtime(b byte) error {
	link := e.loadLink()
	if link == nil {
		return fmt.Errorf("link serial não conectado")
	}
	// A consulta de status ('?') é disparada a cada 200ms pelo poller —
	// gravá-la no log serial ou ecoá-la para os assinantes afogaria ambos
	// sem agregar informação (o snapshot resultante já chega via
	// StatusMessage).
	if e.serialLog != nil && b != RealtimeStatusQuery {
		e.serialLog.Write(logging.DirRealtime, string(b))
	}
	if b != RealtimeStatusQuery {
		e.publish(SerialEchoMessage{Kind: "serial_write", Direction: string(logging.DirRealtime), Line: fmt.Sprintf("%#x", b)})
	}
	return link.Write([]byte{b})
}

// SendFireAndForget envia uma linha sem registrar um pending — usado para
// comandos cujo "ok" não precisa ser correlacionado (ex: jog em massa onde
// o chamador absorve estado via status reports).
func (e *ProtocolEngine) SendFireAndForget(line string) error {
	link := e.loadLink()
	if link == nil {
		return fmt.Errorf("link serial não conectado")
	}
	return e.writeLine(link, line) // writeLine já publica o echo serial_write
}

func (e *ProtocolEngine) writeLine(link serialConn, line string) error {
	if e.serialLog != nil {
		e.serialLog.Write(logging.DirWrite, line)
	}
	e.publish(SerialEchoMessage{Kind: "serial_write", Direction: string(logging.DirWrite), Line: line})
	return link.Write([]byte(line + "\n"))
}

func (e *ProtocolEngine) readLoop(link serialConn, stopCh chan struct{}) {
	defer e.wg.Done()

	buf := make([]byte, 256)
	for {
		select {
		case <-stopCh:
			return
		default:
		}

		n, err := link.Read(buf)
		if err != nil {
			e.handleReadFailure(err)
			return
		}
		if n == 0 {
			continue
		}

		for _, l := range e.parser.Feed(buf[:n]) {
			if e.serialLog != nil {
				e.serialLog.Write(logging.DirRead, l.Raw)
			}
			e.publish(SerialEchoMessage{Kind: "serial_read", Direction: string(logging.DirRead), Line: l.Raw})
			e.absorb(l)
		}
	}
}

// absorb aplica uma linha classificada ao MachineState e, quando a linha
// é um terminador, completa o comando pendente. ALARM não conclui o
// comando pendente — o spec trata alarme e término de comando como
// eventos independentes.
func (e *ProtocolEngine) absorb(l Line) {
	switch l.Class {
	case ClassStatus:
		e.state.applyStatus(*l.Status)
		e.publish(newStatusMessage(e.state.Snapshot()))

	case ClassOk:
		e.completePending(CommandResult{Kind: ResultOk})

	case ClassError:
		e.completePending(CommandResult{Kind: ResultError, ErrorCode: l.ErrorCode})

	case ClassAlarm:
		e.state.applyAlarm()
		e.publish(AlarmMessage{Kind: "alarm", Code: l.AlarmCode})

	case ClassProbe:
		e.state.applyProbe(*l.Probe)
		e.publish(ProbeMessage{Kind: "probe", Probe: *l.Probe})

	case ClassStoredPosition:
		e.state.applyG28(*l.StoredPosition)

	case ClassSetting:
		e.state.applySetting(l.SettingKey, l.SettingValue)

	case ClassBanner:
		e.logger.Info("banner do controlador recebido", "raw", l.Raw)
	}
}

func (e *ProtocolEngine) completePending(res CommandResult) {
	pc := e.pending.Swap(nil)
	if pc == nil {
		e.logger.Warn("terminador recebido sem comando pendente", "result", res.String())
		return
	}
	pc.done.Do(func() {
		pc.resultCh <- res
	})
}

func (e *ProtocolEngine) publish(msg any) {
	if e.pub != nil {
		e.pub.Publish(msg)
	}
}
