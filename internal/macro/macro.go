// Package macro implementa o motor cooperativo de macros: um registro de
// procedimentos estaticamente ligados (não um DSL interpretado) que
// compartilham duas primitivas de suspensão — wait-idle e wait-continue —
// e um flag de cancelamento cooperativo verificado em todo ponto de
// suspensão.
package macro

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nscnc/grbl-server/internal/config"
	"github.com/nscnc/grbl-server/internal/fixture"
	"github.com/nscnc/grbl-server/internal/grbl"
)

// waitIdleLeaveTimeout é o prazo da primeira fase de WaitIdle: até aqui a
// máquina deve sair de Idle, provando que o movimento começou.
const waitIdleLeaveTimeout = 2 * time.Second

// defaultWaitIdleTimeout é o prazo usado quando o chamador não especifica
// um timeout de segunda fase.
const defaultWaitIdleTimeout = 30 * time.Second

const pollInterval = 50 * time.Millisecond

// errCancelled é devolvido por qualquer ponto de suspensão quando o
// cancel_flag está setado.
var errCancelled = fmt.Errorf("macro cancelada pelo operador")

// Engine é a dependência mínima do Protocol Engine usada pelas macros.
type Engine interface {
	SendCommand(ctx context.Context, line string) (grbl.CommandResult, error)
	Snapshot() grbl.Snapshot
}

// Publisher é o destino de eventos de alto nível — tipicamente o hub de
// broadcast.
type Publisher interface {
	Publish(msg any)
}

// FixtureStore é a dependência mínima do Fixture Registry usada pelo macro
// de Probe Fixture.
type FixtureStore interface {
	Add(f fixture.Fixture) int
}

// Params são os parâmetros opcionais que o cliente de controle pode passar
// em macro_run — cada macro concreta lê apenas os campos que usa.
type Params struct {
	ToolDiameter float64
	EdgeSign     float64
}

// body é o corpo executável de uma macro registrada.
type body func(ctx context.Context, m *MacroEngine, p Params) error

// MacroEngine executa macros registradas, uma de cada vez, reportando
// macro_status/macro_log/macro_done/macro_error aos assinantes.
type MacroEngine struct {
	logger   *slog.Logger
	engine   Engine
	pub      Publisher
	fixtures FixtureStore
	cfg      config.MacroConfig

	registry map[string]body

	mu           sync.Mutex
	running      bool
	currentMacro string
	cancelFlag   bool

	continueMu sync.Mutex
	continueCh chan struct{}

	// Estado acumulado entre macros, espelhando o MacroEngine do original:
	// SetZ grava aqui o Z de máquina da sonda, consumido por Tool Change.
	stateMu    sync.Mutex
	setZDone   bool
	probeWorkZ float64

	// leaveTimeout e poll default para waitIdleLeaveTimeout/pollInterval —
	// variáveis de instância (não constantes) para que testes possam
	// acelerar a espera em duas fases sem esperar os 2s reais.
	leaveTimeout time.Duration
	poll         time.Duration
}

// New cria um MacroEngine parado, com o registro de macros concretas
// pré-carregado.
func New(logger *slog.Logger, engine Engine, pub Publisher, fixtures FixtureStore, cfg config.MacroConfig) *MacroEngine {
	m := &MacroEngine{
		logger:       logger.With("component", "macro_engine"),
		engine:       engine,
		pub:          pub,
		fixtures:     fixtures,
		cfg:          cfg,
		leaveTimeout: waitIdleLeaveTimeout,
		poll:         pollInterval,
	}
	m.registry = map[string]body{
		"probe_z":       probeZBody,
		"probe_x":       probeXBody,
		"probe_y":       probeYBody,
		"set_z":         setZBody,
		"tool_change":   toolChangeBody,
		"rotary_chuck":  rotaryChuckBody,
		"probe_fixture": probeFixtureBody,
	}
	return m
}

// Names lista os nomes de macro reconhecidos, para macro_list.
func (m *MacroEngine) Names() []string {
	names := make([]string, 0, len(m.registry))
	for name := range m.registry {
		names = append(names, name)
	}
	return names
}

// Running informa se uma macro está em execução.
func (m *MacroEngine) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Run dispara a macro name em uma goroutine, rejeitando se outra macro já
// estiver em execução. Devolve um erro imediato de precondição; o
// resultado assíncrono chega via macro_done/macro_error.
func (m *MacroEngine) Run(ctx context.Context, name string, p Params) error {
	fn, ok := m.registry[name]
	if !ok {
		return fmt.Errorf("macro desconhecida: %q", name)
	}

	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return fmt.Errorf("uma macro já está em execução: %s", m.currentMacro)
	}
	m.running = true
	m.currentMacro = name
	m.cancelFlag = false
	m.mu.Unlock()

	go m.execute(ctx, name, fn, p)
	return nil
}

func (m *MacroEngine) execute(ctx context.Context, name string, fn body, p Params) {
	defer func() {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
	}()

	err := fn(ctx, m, p)

	switch {
	case err == errCancelled:
		m.publish(macroErrorMessage{Kind: "macro_error", Name: name, Reason: "cancelada"})
	case err != nil:
		m.log(name, fmt.Sprintf("ERRO: %v", err))
		m.publish(macroErrorMessage{Kind: "macro_error", Name: name, Reason: err.Error()})
	default:
		m.publish(macroDoneMessage{Kind: "macro_done", Name: name})
	}
}

// Cancel sinaliza o flag de cancelamento e libera qualquer wait-continue
// pendente — toda suspensão verifica o flag ao acordar.
func (m *MacroEngine) Cancel() {
	m.mu.Lock()
	m.cancelFlag = true
	m.mu.Unlock()
	m.Continue()
}

func (m *MacroEngine) cancelled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancelFlag
}

// Continue libera um wait-continue pendente (operador pressionou
// "continuar" após troca de ferramenta, por exemplo). Não-op se nenhum
// wait-continue está ativo.
func (m *MacroEngine) Continue() {
	m.continueMu.Lock()
	defer m.continueMu.Unlock()
	if m.continueCh != nil {
		close(m.continueCh)
		m.continueCh = nil
	}
}

// waitContinue bloqueia até Continue() ser chamado, o contexto ser
// cancelado, ou o flag de cancelamento da macro ser setado.
func (m *MacroEngine) waitContinue(ctx context.Context) error {
	m.continueMu.Lock()
	ch := make(chan struct{})
	m.continueCh = ch
	m.continueMu.Unlock()

	for {
		select {
		case <-ch:
			if m.cancelled() {
				return errCancelled
			}
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.poll):
			if m.cancelled() {
				m.Continue()
				return errCancelled
			}
		}
	}
}

// waitIdle implementa a espera em duas fases do spec: primeiro até
// m.leaveTimeout para o estado sair de Idle (prova que o movimento
// começou), depois até timeout para o estado voltar a Idle.
func (m *MacroEngine) waitIdle(ctx context.Context, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = defaultWaitIdleTimeout
	}

	leftIdle := false
	deadline := time.Now().Add(m.leaveTimeout)
	for time.Now().Before(deadline) {
		if m.cancelled() {
			return errCancelled
		}
		if m.engine.Snapshot().State != "Idle" {
			leftIdle = true
			break
		}
		if err := m.sleep(ctx); err != nil {
			return err
		}
	}
	if !leftIdle {
		// Tolerante: alguns comandos (ex: G10, configurações) não movem a
		// máquina e portanto nunca saem de Idle — segue para a segunda fase
		// em vez de falhar aqui.
	}

	deadline = time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if m.cancelled() {
			return errCancelled
		}
		if m.engine.Snapshot().State == "Idle" {
			return nil
		}
		if err := m.sleep(ctx); err != nil {
			return err
		}
	}
	return fmt.Errorf("timeout aguardando retorno a Idle (última leitura: %s)", m.engine.Snapshot().State)
}

func (m *MacroEngine) sleep(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(m.poll):
		return nil
	}
}

// send envia uma linha e aguarda seu terminador, falhando a macro em
// error/timeout/not-connected — espelha o _send_and_log do original.
func (m *MacroEngine) send(ctx context.Context, name, line string) error {
	m.logSent(name, line)
	res, err := m.engine.SendCommand(ctx, line)
	if err != nil {
		return fmt.Errorf("enviando %q: %w", line, err)
	}
	switch res.Kind {
	case grbl.ResultOk:
		return nil
	case grbl.ResultError:
		return fmt.Errorf("controlador rejeitou %q: error:%s", line, res.ErrorCode)
	case grbl.ResultTimeout:
		return fmt.Errorf("timeout aguardando resposta a %q", line)
	default:
		return fmt.Errorf("link desconectado ao enviar %q", line)
	}
}

func (m *MacroEngine) log(name, message string) {
	m.publish(macroLogMessage{Kind: "macro_log", Name: name, Message: message})
}

func (m *MacroEngine) logSent(name, line string) {
	m.publish(macroLogMessage{Kind: "macro_log", Name: name, Message: "> " + line})
}

func (m *MacroEngine) status(name string, step, total int, description, command string, waiting bool) {
	m.publish(macroStatusMessage{
		Kind: "macro_status", Name: name, Step: step, Total: total,
		Description: description, Command: command, Waiting: waiting,
	})
}

func (m *MacroEngine) publish(msg any) {
	if m.pub != nil {
		m.pub.Publish(msg)
	}
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func minF(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func maxF(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
