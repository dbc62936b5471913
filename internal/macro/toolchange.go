package macro

import (
	"context"
	"fmt"
)

// setZBody mede o Z de máquina da superfície da peça na posição de sonda
// fixa (g28_position) e memoriza-o como probeWorkZ para uso por Tool
// Change — grounded em original_source/macros.py run_set_z, sequência
// exata de comandos preservada.
func setZBody(ctx context.Context, m *MacroEngine, p Params) error {
	const name = "set_z"
	m.status(name, 0, 1, "Medindo ferramenta (SetZ)", "", false)

	if err := m.waitIdle(ctx, 0); err != nil {
		return err
	}

	snap := m.engine.Snapshot()
	startX, startY, startZ := snap.WPos.X, snap.WPos.Y, snap.WPos.Z
	m.log(name, fmt.Sprintf("start: X%.3f Y%.3f Z%.3f", startX, startY, startZ))

	if err := m.send(ctx, name, "G53 G0 Z-1"); err != nil {
		return err
	}
	if err := m.waitIdle(ctx, 0); err != nil {
		return err
	}

	offset := m.engine.Snapshot().WPos.Z - startZ
	m.log(name, fmt.Sprintf("offset: %.3f", offset))

	if err := m.send(ctx, name, "G10 L20 P1 Z-1"); err != nil {
		return err
	}

	g28 := m.engine.Snapshot().G28Position
	m.log(name, fmt.Sprintf("G28 pos: X%.3f Y%.3f Z%.3f", g28.X, g28.Y, g28.Z))
	if g28.X == 0 && g28.Y == 0 && g28.Z == 0 {
		m.log(name, "WARNING: G28 position is 0,0,0 - may not be set! Use G28.1 to store probe position")
	}

	if err := m.send(ctx, name, fmt.Sprintf("G53 G0 X%.3f Y%.3f Z%.3f", g28.X, g28.Y, g28.Z)); err != nil {
		return err
	}
	if err := m.waitIdle(ctx, 0); err != nil {
		return err
	}

	if err := probeDownTwoStage(ctx, m, name); err != nil {
		return err
	}

	m.stateMu.Lock()
	m.probeWorkZ = m.engine.Snapshot().MPos.Z
	m.setZDone = true
	probeWorkZ := m.probeWorkZ
	m.stateMu.Unlock()
	m.log(name, fmt.Sprintf("probeWorkZ = %.3f (machine)", probeWorkZ))

	if err := m.send(ctx, name, "G53 G0 Z-1"); err != nil {
		return err
	}
	if err := m.waitIdle(ctx, 0); err != nil {
		return err
	}

	restoreZ := offset + startZ
	if err := m.send(ctx, name, fmt.Sprintf("G10 L20 P1 Z%.3f", restoreZ)); err != nil {
		return err
	}

	if err := m.send(ctx, name, fmt.Sprintf("G0 X%.3f Y%.3f", startX, startY)); err != nil {
		return err
	}
	if err := m.waitIdle(ctx, 0); err != nil {
		return err
	}

	if err := m.send(ctx, name, fmt.Sprintf("G0 Z%.3f", startZ)); err != nil {
		return err
	}
	if err := m.waitIdle(ctx, 0); err != nil {
		return err
	}

	m.log(name, "=== SET_Z COMPLETE ===")
	m.status(name, 1, 1, "SetZ concluído", "", false)
	return nil
}

// probeDownTwoStage executa a sonda fast-then-slow compartilhada por SetZ
// e Tool Change: G90, probe a F300 até -78, recuo relativo de 2, probe a
// F10 até -4, de volta a G90.
func probeDownTwoStage(ctx context.Context, m *MacroEngine, name string) error {
	if err := m.send(ctx, name, "G90"); err != nil {
		return err
	}
	if err := m.send(ctx, name, "G38.2 Z-78 F300"); err != nil {
		return err
	}
	if err := m.waitIdle(ctx, 0); err != nil {
		return err
	}

	if err := m.send(ctx, name, "G91"); err != nil {
		return err
	}
	if err := m.send(ctx, name, "G0 Z2"); err != nil {
		return err
	}
	if err := m.waitIdle(ctx, 0); err != nil {
		return err
	}

	if err := m.send(ctx, name, "G38.2 Z-4 F10"); err != nil {
		return err
	}
	if err := m.waitIdle(ctx, 0); err != nil {
		return err
	}

	return m.send(ctx, name, "G90")
}

// toolChangeBody leva a máquina até a posição de troca de ferramenta
// configurada, aguarda confirmação do operador (wait-continue), e reaplica
// o offset de Z medindo novamente o probeWorkZ — grounded em
// original_source/macros.py run_tool_change.
func toolChangeBody(ctx context.Context, m *MacroEngine, p Params) error {
	const name = "tool_change"

	m.stateMu.Lock()
	setZDone := m.setZDone
	probeWorkZ := m.probeWorkZ
	m.stateMu.Unlock()
	if !setZDone {
		return fmt.Errorf("SetZ must be run first")
	}

	if err := m.waitIdle(ctx, 0); err != nil {
		return err
	}

	snap := m.engine.Snapshot()
	startX, startY, startZ := snap.WPos.X, snap.WPos.Y, snap.WPos.Z
	m.log(name, fmt.Sprintf("start: X%.3f Y%.3f Z%.3f", startX, startY, startZ))

	if err := m.send(ctx, name, "G53 G0 Z-1"); err != nil {
		return err
	}
	if err := m.waitIdle(ctx, 0); err != nil {
		return err
	}

	offsetToSafe := m.engine.Snapshot().WPos.Z - startZ
	m.log(name, fmt.Sprintf("offsetToSafe: %.3f", offsetToSafe))

	toolChangeX := m.cfg.ToolChangeX
	toolChangeY := m.cfg.ToolChangeY
	if err := m.send(ctx, name, fmt.Sprintf("G53 G0 X%.3f Y%.3f", toolChangeX, toolChangeY)); err != nil {
		return err
	}
	if err := m.waitIdle(ctx, 0); err != nil {
		return err
	}

	m.status(name, 1, 1, "Change tool and press CONTINUE", "M0", true)
	m.log(name, "=== WAITING FOR TOOL CHANGE ===")
	if err := m.waitContinue(ctx); err != nil {
		return err
	}
	m.log(name, "=== CONTINUING ===")

	if err := m.send(ctx, name, "G10 L20 P1 Z0"); err != nil {
		return err
	}

	g28 := m.engine.Snapshot().G28Position
	m.log(name, fmt.Sprintf("G28 pos: X%.3f Y%.3f Z%.3f", g28.X, g28.Y, g28.Z))
	if g28.X == 0 && g28.Y == 0 && g28.Z == 0 {
		m.log(name, "WARNING: G28 position is 0,0,0 - may not be set! Use G28.1 to store probe position")
	}

	if err := m.send(ctx, name, fmt.Sprintf("G53 G0 X%.3f Y%.3f Z%.3f", g28.X, g28.Y, g28.Z)); err != nil {
		return err
	}
	if err := m.waitIdle(ctx, 0); err != nil {
		return err
	}

	if err := probeDownTwoStage(ctx, m, name); err != nil {
		return err
	}

	newMPosZ := m.engine.Snapshot().MPos.Z
	toolOffset := probeWorkZ - newMPosZ
	m.log(name, fmt.Sprintf("toolOffset: %.3f (probeWorkZ=%.3f - mposz=%.3f)", toolOffset, probeWorkZ, newMPosZ))

	m.stateMu.Lock()
	m.probeWorkZ = newMPosZ
	m.stateMu.Unlock()
	m.log(name, fmt.Sprintf("probeWorkZ updated to %.3f", newMPosZ))

	if err := m.send(ctx, name, "G53 G0 Z-1"); err != nil {
		return err
	}
	if err := m.waitIdle(ctx, 0); err != nil {
		return err
	}

	restoreZ := startZ + offsetToSafe + toolOffset
	if err := m.send(ctx, name, fmt.Sprintf("G10 L20 P1 Z%.3f", restoreZ)); err != nil {
		return err
	}

	if err := m.send(ctx, name, fmt.Sprintf("G0 X%.3f Y%.3f", startX, startY)); err != nil {
		return err
	}
	if err := m.waitIdle(ctx, 0); err != nil {
		return err
	}

	if err := m.send(ctx, name, fmt.Sprintf("G0 Z%.3f", startZ)); err != nil {
		return err
	}
	if err := m.waitIdle(ctx, 0); err != nil {
		return err
	}

	m.log(name, "=== TOOL_CHANGE COMPLETE ===")
	return nil
}
