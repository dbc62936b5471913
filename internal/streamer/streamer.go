// Package streamer implementa o motor de streaming de G-code: carrega um
// programa, valida a posição inicial da máquina, e despacha linha a linha
// através do Protocol Engine, persistindo checkpoints de recovery.
package streamer

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nscnc/grbl-server/internal/analyzer"
	"github.com/nscnc/grbl-server/internal/config"
	"github.com/nscnc/grbl-server/internal/grbl"
	"github.com/nscnc/grbl-server/internal/recovery"
)

// Mode é o estado de execução do programa carregado.
type Mode string

const (
	ModeIdle     Mode = "Idle"
	ModeRunning  Mode = "Running"
	ModePaused   Mode = "Paused"
	ModeStopping Mode = "Stopping"
)

// travelYSetting é a chave GRBL do curso máximo do eixo Y ($131), usada
// para calcular o canto inicial em coordenadas de máquina.
const travelYSetting = "$131"

// pauseSleep é o intervalo de verificação enquanto Paused.
const pauseSleep = 200 * time.Millisecond

// Engine é a dependência mínima do Protocol Engine que o streamer precisa
// — extraída como interface para permitir um motor falso em teste.
type Engine interface {
	SendCommand(ctx context.Context, line string) (grbl.CommandResult, error)
	Snapshot() grbl.Snapshot
}

// Publisher é o destino de eventos de alto nível — tipicamente o hub de
// broadcast.
type Publisher interface {
	Publish(msg any)
}

// Program é um G-code carregado, já filtrado de linhas vazias e
// comentários.
type Program struct {
	Filename string
	Lines    []string
	Total    int
	Report   analyzer.Report
}

// NewProgram divide content em linhas, descartando linhas vazias e linhas
// cujo primeiro caractere não-espaço é ';'.
func NewProgram(filename, content string) *Program {
	raw := strings.Split(content, "\n")
	lines := make([]string, 0, len(raw))
	for _, l := range raw {
		trimmed := strings.TrimSpace(l)
		if trimmed == "" || strings.HasPrefix(trimmed, ";") {
			continue
		}
		lines = append(lines, strings.TrimRight(l, "\r"))
	}
	return &Program{Filename: filename, Lines: lines, Total: len(lines), Report: analyzer.Analyze(lines)}
}

// Streamer executa um Program através do Protocol Engine, um de cada vez.
type Streamer struct {
	logger   *slog.Logger
	engine   Engine
	pub      Publisher
	recovery *recovery.Store

	streamCfg   config.StreamingConfig
	recoveryCfg config.RecoveryConfig

	mu      sync.Mutex
	program *Program
	cursor  int
	mode    Mode
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New cria um Streamer parado (ModeIdle), sem programa carregado.
func New(logger *slog.Logger, engine Engine, pub Publisher, store *recovery.Store, streamCfg config.StreamingConfig, recoveryCfg config.RecoveryConfig) *Streamer {
	return &Streamer{
		logger:      logger.With("component", "streamer"),
		engine:      engine,
		pub:         pub,
		recovery:    store,
		streamCfg:   streamCfg,
		recoveryCfg: recoveryCfg,
		mode:        ModeIdle,
	}
}

// Load substitui o programa corrente, computando e cacheando o
// AnalyzerReport.
func (s *Streamer) Load(filename, content string) *Program {
	prog := NewProgram(filename, content)

	s.mu.Lock()
	s.program = prog
	s.cursor = 0
	s.mode = ModeIdle
	s.mu.Unlock()

	return prog
}

// Program devolve o programa carregado (nil se nenhum).
func (s *Streamer) Program() *Program {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.program
}

// Mode devolve o modo corrente.
func (s *Streamer) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// Start inicia (ou retoma) o streaming a partir de fromLine. Quando
// fromLine é 0 e skipPositionCheck é falso, exige que a máquina esteja no
// canto inicial dentro da tolerância configurada.
func (s *Streamer) Start(ctx context.Context, fromLine int, skipPositionCheck bool) error {
	s.mu.Lock()
	prog := s.program
	if prog == nil {
		s.mu.Unlock()
		return fmt.Errorf("nenhum programa carregado")
	}
	if s.mode == ModeRunning {
		s.mu.Unlock()
		return fmt.Errorf("streaming já em andamento")
	}
	s.mu.Unlock()

	if fromLine == 0 && !skipPositionCheck {
		if err := s.checkStartCorner(); err != nil {
			s.publish(fileStartErrorMessage{Kind: "file_start_error", Reason: err.Error()})
			return err
		}
	}

	runCtx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	s.cursor = fromLine
	s.mode = ModeRunning
	s.cancel = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run(runCtx, prog)

	return nil
}

// Pause marca o modo como Paused; idempotente.
func (s *Streamer) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mode == ModeRunning {
		s.mode = ModePaused
	}
}

// Resume volta de Paused para Running; idempotente.
func (s *Streamer) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mode == ModePaused {
		s.mode = ModeRunning
	}
}

// Stop sinaliza encerramento e aguarda o loop sair, após persistir um
// RecoveryRecord final. Idempotente.
func (s *Streamer) Stop() {
	s.mu.Lock()
	if s.mode == ModeIdle || s.mode == ModeStopping {
		s.mu.Unlock()
		return
	}
	s.mode = ModeStopping
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

func (s *Streamer) checkStartCorner() error {
	snap := s.engine.Snapshot()
	travelYStr, ok := snap.Setting(travelYSetting)
	if !ok {
		return fmt.Errorf("configuração %s (curso do eixo Y) indisponível", travelYSetting)
	}
	travelY, err := strconv.ParseFloat(strings.TrimSpace(travelYStr), 64)
	if err != nil {
		return fmt.Errorf("valor inválido para %s: %q", travelYSetting, travelYStr)
	}

	margin := s.streamCfg.StartMargin
	tolerance := s.streamCfg.StartTolerance
	want := grbl.Position{X: -margin, Y: -(travelY - margin), Z: -margin}
	got := snap.MPos

	if diff := abs(got.X - want.X); diff > tolerance {
		return fmt.Errorf("eixo X fora do canto inicial: esperado %.3f, observado %.3f (tolerância %.3f)", want.X, got.X, tolerance)
	}
	if diff := abs(got.Y - want.Y); diff > tolerance {
		return fmt.Errorf("eixo Y fora do canto inicial: esperado %.3f, observado %.3f (tolerância %.3f)", want.Y, got.Y, tolerance)
	}
	if diff := abs(got.Z - want.Z); diff > tolerance {
		return fmt.Errorf("eixo Z fora do canto inicial: esperado %.3f, observado %.3f (tolerância %.3f)", want.Z, got.Z, tolerance)
	}
	return nil
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func (s *Streamer) run(ctx context.Context, prog *Program) {
	defer s.wg.Done()

	firstStatus := true
	for {
		s.mu.Lock()
		mode := s.mode
		cursor := s.cursor
		s.mu.Unlock()

		if mode == ModeStopping {
			s.finishStop(prog, cursor)
			return
		}
		if mode == ModePaused {
			select {
			case <-ctx.Done():
				s.finishStop(prog, cursor)
				return
			case <-time.After(pauseSleep):
			}
			continue
		}

		if cursor >= prog.Total {
			s.complete(ctx, prog)
			return
		}

		line := prog.Lines[cursor]
		currentGcode := line
		res, err := s.engine.SendCommand(ctx, line)
		if err != nil {
			s.finishStop(prog, cursor)
			return
		}
		if res.Kind == grbl.ResultError {
			s.publish(fileErrorMessage{Kind: "file_error", Filename: prog.Filename, Line: cursor, Code: res.ErrorCode})

			switch s.streamCfg.OnError {
			case "pause":
				s.mu.Lock()
				s.mode = ModePaused
				s.mu.Unlock()
			case "stop":
				s.mu.Lock()
				s.mode = ModeStopping
				s.mu.Unlock()
			}
		}

		cursor++
		s.mu.Lock()
		s.cursor = cursor
		s.mu.Unlock()

		if s.recoveryCfg.CheckpointLines > 0 && cursor%s.recoveryCfg.CheckpointLines == 0 {
			s.saveRecovery(prog, cursor)
		}

		percent := 0.0
		if prog.Total > 0 {
			percent = float64(cursor) / float64(prog.Total) * 100
		}
		msg := fileStatusMessage{
			Kind:         "file_status",
			Filename:     prog.Filename,
			Current:      cursor,
			Total:        prog.Total,
			Percent:      percent,
			CurrentGcode: currentGcode,
		}
		if firstStatus {
			report := prog.Report
			msg.Analysis = &report
			firstStatus = false
		}
		s.publish(msg)
	}
}

func (s *Streamer) complete(ctx context.Context, prog *Program) {
	s.saveRecovery(prog, prog.Total)

	if _, err := s.engine.SendCommand(ctx, "M5"); err != nil {
		s.logger.Error("falha ao desligar o spindle ao final do programa", "error", err)
	}

	if err := s.homeToStartCorner(ctx); err != nil {
		s.logger.Error("falha ao retornar ao canto inicial", "error", err)
	}

	s.mu.Lock()
	s.mode = ModeIdle
	s.mu.Unlock()

	s.publish(fileDoneMessage{Kind: "file_done", Filename: prog.Filename})
}

// homeToStartCorner aplica a homing sequence do spec: Z primeiro até a
// margem de Z, depois X/Y, cada movimento aguardando o estado retornar a
// Idle antes do próximo.
func (s *Streamer) homeToStartCorner(ctx context.Context) error {
	margin := s.streamCfg.StartMargin
	snap := s.engine.Snapshot()
	travelYStr, ok := snap.Setting(travelYSetting)
	travelY := 0.0
	if ok {
		travelY, _ = strconv.ParseFloat(strings.TrimSpace(travelYStr), 64)
	}

	if err := s.rapidAndWaitIdle(ctx, fmt.Sprintf("G53 G0 Z%.3f", -margin)); err != nil {
		return err
	}
	return s.rapidAndWaitIdle(ctx, fmt.Sprintf("G53 G0 X%.3f Y%.3f", -margin, -(travelY-margin)))
}

func (s *Streamer) rapidAndWaitIdle(ctx context.Context, line string) error {
	if _, err := s.engine.SendCommand(ctx, line); err != nil {
		return err
	}
	return s.waitIdle(ctx, 30*time.Second)
}

// waitIdle aguarda, com polling leve, até o estado da máquina voltar a
// Idle ou o timeout expirar.
func (s *Streamer) waitIdle(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if s.engine.Snapshot().State == "Idle" {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
	return fmt.Errorf("timeout aguardando retorno a Idle")
}

func (s *Streamer) finishStop(prog *Program, cursor int) {
	s.saveRecovery(prog, cursor)
	s.mu.Lock()
	s.mode = ModeIdle
	s.mu.Unlock()
}

func (s *Streamer) saveRecovery(prog *Program, cursor int) {
	if s.recovery == nil {
		return
	}
	rec := recovery.Record{
		Filename:  prog.Filename,
		Total:     prog.Total,
		Cursor:    cursor,
		Timestamp: time.Now(),
		MPosZ:     s.engine.Snapshot().MPos.Z,
	}
	if err := s.recovery.Save(rec); err != nil {
		s.logger.Error("falha ao persistir recovery record", "error", err)
	}
}

func (s *Streamer) publish(msg any) {
	if s.pub != nil {
		s.pub.Publish(msg)
	}
}
