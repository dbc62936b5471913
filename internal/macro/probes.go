package macro

import (
	"context"
	"fmt"
)

// probeZBody localiza o topo da peça por sonda e re-zera o Z de trabalho
// na espessura conhecida da placa de sonda — grounded em
// original_source/macros/probe_z.py, com as distâncias do contrato do
// spec (−11/−3mm em vez das do script original).
func probeZBody(ctx context.Context, m *MacroEngine, p Params) error {
	const name = "probe_z"
	m.status(name, 0, 1, "Sondando Z", "", false)

	if err := m.waitIdle(ctx, 0); err != nil {
		return err
	}
	m.log(name, "=== Z PROBE START ===")

	if err := m.send(ctx, name, "G91"); err != nil {
		return err
	}

	if err := m.send(ctx, name, "G38.2 Z-11 F50"); err != nil {
		return err
	}
	if err := m.waitIdle(ctx, 0); err != nil {
		return err
	}

	if err := m.send(ctx, name, "G0 Z2.5"); err != nil {
		return err
	}
	if err := m.waitIdle(ctx, 0); err != nil {
		return err
	}

	if err := m.send(ctx, name, "G38.2 Z-3 F10"); err != nil {
		return err
	}
	if err := m.waitIdle(ctx, 0); err != nil {
		return err
	}

	plate := m.cfg.PlateThickness
	if plate <= 0 {
		plate = 22.0
	}
	if err := m.send(ctx, name, fmt.Sprintf("G10 L20 P1 Z%.3f", plate)); err != nil {
		return err
	}

	mposZ := m.engine.Snapshot().MPos.Z
	maxSafeRaise := maxF(0, abs(mposZ)-1)
	raise := minF(10, maxSafeRaise)
	if raise > 0 {
		if err := m.send(ctx, name, fmt.Sprintf("G0 Z%.1f", raise)); err != nil {
			return err
		}
		if err := m.waitIdle(ctx, 0); err != nil {
			return err
		}
		m.log(name, fmt.Sprintf("Raised %.1fmm (MPos Z was %.1f)", raise, mposZ))
	} else {
		m.log(name, fmt.Sprintf("No raise - too close to home (MPos Z = %.1f)", mposZ))
	}

	if err := m.send(ctx, name, "G90"); err != nil {
		return err
	}

	m.log(name, fmt.Sprintf("Z set to %.0fmm (plate thickness)", plate))
	m.log(name, "=== Z PROBE COMPLETE ===")
	m.status(name, 1, 1, "Z probe concluído", "", false)
	return nil
}

// probeEdge é o corpo comum de probe_x/probe_y: clearance, sonda de
// segurança em Z, sonda lateral em duas velocidades, e um escape que
// levanta Z antes de reverter XY — grounded em
// original_source/macros/probe_x.py e probe_y.py, com as distâncias do
// contrato do spec (6+r e 7+r em vez das do script original).
func probeEdge(ctx context.Context, m *MacroEngine, name, axis string, edgeSign, toolDiameter float64) error {
	if toolDiameter <= 0 {
		toolDiameter = m.cfg.ToolDiameter
	}
	if toolDiameter <= 0 {
		toolDiameter = 6.35
	}
	r := toolDiameter / 2

	if err := m.waitIdle(ctx, 0); err != nil {
		return err
	}
	m.log(name, fmt.Sprintf("=== %s PROBE START (tool dia=%.3fmm) ===", axis, toolDiameter))

	if err := m.send(ctx, name, "G91"); err != nil {
		return err
	}

	clear := edgeSign * (6 + r)
	if err := m.send(ctx, name, fmt.Sprintf("G0 %s%.3f", axis, clear)); err != nil {
		return err
	}
	if err := m.waitIdle(ctx, 0); err != nil {
		return err
	}

	// Sonda de segurança: confirma que a ferramenta está livre da peça
	// antes do probe lateral, usando G38.3 (não gera erro sem contato).
	if err := m.send(ctx, name, "G38.3 Z-6 F10"); err != nil {
		return err
	}
	if err := m.waitIdle(ctx, 0); err != nil {
		return err
	}
	if m.engine.Snapshot().LastProbe.Success {
		return fmt.Errorf("contato inesperado no probe de segurança Z")
	}
	if err := m.send(ctx, name, "G0 Z6"); err != nil {
		return err
	}
	if err := m.waitIdle(ctx, 0); err != nil {
		return err
	}

	if err := m.send(ctx, name, fmt.Sprintf("G38.2 %s%.3f F50", axis, -edgeSign*20)); err != nil {
		return err
	}
	if err := m.waitIdle(ctx, 0); err != nil {
		return err
	}

	if err := m.send(ctx, name, fmt.Sprintf("G0 %s%.3f", axis, edgeSign*1)); err != nil {
		return err
	}
	if err := m.waitIdle(ctx, 0); err != nil {
		return err
	}

	if err := m.send(ctx, name, fmt.Sprintf("G38.2 %s%.3f F10", axis, -edgeSign*5)); err != nil {
		return err
	}
	if err := m.waitIdle(ctx, 0); err != nil {
		return err
	}

	if err := m.send(ctx, name, "G90"); err != nil {
		return err
	}

	offset := edgeSign * (7 + r)
	if err := m.send(ctx, name, fmt.Sprintf("G10 L20 P1 %s%.3f", axis, offset)); err != nil {
		return err
	}

	// Escape: levanta Z antes de reverter XY, evitando arrastar a
	// ferramenta contra a borda recém-sondada.
	if err := m.send(ctx, name, "G91"); err != nil {
		return err
	}
	if err := m.send(ctx, name, "G0 Z5"); err != nil {
		return err
	}
	if err := m.waitIdle(ctx, 0); err != nil {
		return err
	}
	if err := m.send(ctx, name, "G90"); err != nil {
		return err
	}

	m.log(name, fmt.Sprintf("%s set to %.3fmm", axis, offset))
	m.log(name, fmt.Sprintf("=== %s PROBE COMPLETE ===", axis))
	return nil
}

func probeXBody(ctx context.Context, m *MacroEngine, p Params) error {
	m.status("probe_x", 0, 1, "Sondando X", "", false)
	sign := p.EdgeSign
	if sign == 0 {
		sign = -1
	}
	if err := probeEdge(ctx, m, "probe_x", "X", sign, p.ToolDiameter); err != nil {
		return err
	}
	m.status("probe_x", 1, 1, "X probe concluído", "", false)
	return nil
}

func probeYBody(ctx context.Context, m *MacroEngine, p Params) error {
	m.status("probe_y", 0, 1, "Sondando Y", "", false)
	sign := p.EdgeSign
	if sign == 0 {
		sign = -1
	}
	if err := probeEdge(ctx, m, "probe_y", "Y", sign, p.ToolDiameter); err != nil {
		return err
	}
	m.status("probe_y", 1, 1, "Y probe concluído", "", false)
	return nil
}

// rotaryChuckBody encontra a linha de centro rotativa combinando um probe
// X, um probe Y e um probe Z, cada um seguido de um offset adicional de
// trabalho — grounded em original_source/macros/rotary_chuck.py e no
// contrato do spec para os deslocamentos -50/-20/+26.
func rotaryChuckBody(ctx context.Context, m *MacroEngine, p Params) error {
	const name = "rotary_chuck"
	m.status(name, 0, 3, "Localizando mandril", "", false)
	m.log(name, "=== CHUCK FIND START ===")

	if err := probeEdge(ctx, m, name, "X", 1, p.ToolDiameter); err != nil {
		return err
	}
	if err := m.send(ctx, name, "G10 L20 P1 X-50.000"); err != nil {
		return err
	}
	m.status(name, 1, 3, "X localizado", "", false)

	if err := probeEdge(ctx, m, name, "Y", -1, p.ToolDiameter); err != nil {
		return err
	}
	if err := m.send(ctx, name, "G10 L20 P1 Y-20.000"); err != nil {
		return err
	}
	m.status(name, 2, 3, "Y localizado", "", false)

	if err := probeZBody(ctx, m, p); err != nil {
		return err
	}
	if err := m.send(ctx, name, "G10 L20 P1 Z26.000"); err != nil {
		return err
	}
	m.status(name, 3, 3, "Z localizado", "", false)

	m.log(name, "Rotary centerline at work origin")
	m.log(name, "=== CHUCK FIND COMPLETE ===")
	return nil
}
