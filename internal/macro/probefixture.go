package macro

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/nscnc/grbl-server/internal/fixture"
)

const (
	probeFixtureFeed = 10.0 // mm/min — lento, compatível com o polling de 200ms do status
	probeFixtureDist = 50.0 // distância máxima de sonda
	probeFixtureBack = 5.0  // recuo após contato
)

// probeFixtureBody localiza o centro e raio de um cilindro físico (grampo,
// morsa, mandril) sondando três direções a 120° usando o alarme de hard
// limit como sinal de contato — grounded em
// original_source/macros/safety_probe_fixture.py. Os hard limits são
// desabilitados no início e SEMPRE reabilitados ao final via defer,
// inclusive em caminhos de erro/cancelamento — a resolução adotada para a
// Open Question do spec sobre segurança durante esta macro.
func probeFixtureBody(ctx context.Context, m *MacroEngine, p Params) error {
	const name = "probe_fixture"
	m.status(name, 0, 1, "Localizando fixture", "", false)
	m.log(name, "=== PROBE FIXTURE ===")

	if err := m.send(ctx, name, "$21=0"); err != nil {
		return err
	}
	reenabled := false
	defer func() {
		if !reenabled {
			// Best-effort: se o contexto já foi cancelado o envio pode
			// falhar, mas tentamos mesmo assim — reabilitar hard limits é
			// uma questão de segurança, não de sucesso da macro.
			m.engine.SendCommand(context.Background(), "$21=1")
		}
	}()

	snap := m.engine.Snapshot()
	startX, startY := snap.WPos.X, snap.WPos.Y

	angles := []float64{0, 120, 240}
	contacts := make([]circlePoint, 0, 3)

	for _, angle := range angles {
		if err := m.send(ctx, name, fmt.Sprintf("G0 X%.3f Y%.3f", startX, startY)); err != nil {
			return err
		}
		if err := m.waitIdle(ctx, 0); err != nil {
			return err
		}

		px, py, err := probeFixtureDirection(ctx, m, name, angle)
		if err != nil {
			return err
		}
		if px == nil {
			return fmt.Errorf("sem contato a %.0f°", angle)
		}
		contacts = append(contacts, circlePoint{*px, *py})
	}

	center, radius, err := circumcenter(contacts[0], contacts[1], contacts[2])
	if err != nil {
		return err
	}

	m.log(name, fmt.Sprintf("Fixture center: X%.3f Y%.3f", center.x, center.y))
	m.log(name, fmt.Sprintf("Diameter: %.1fmm", radius*2))

	// Aresta na direção do primeiro ponto de contato — o parafuso central
	// atrapalha uma sonda de Z no próprio centro.
	dx := contacts[0].x - center.x
	dy := contacts[0].y - center.y
	dist := math.Hypot(dx, dy)
	edgeX := center.x + (dx/dist)*radius
	edgeY := center.y + (dy/dist)*radius

	if err := m.send(ctx, name, fmt.Sprintf("G0 X%.3f Y%.3f", edgeX, edgeY)); err != nil {
		return err
	}
	if err := m.waitIdle(ctx, 0); err != nil {
		return err
	}

	m.log(name, fmt.Sprintf("At edge: X%.3f Y%.3f", edgeX, edgeY))
	m.log(name, "Probing Z (top surface at edge)...")
	if err := m.send(ctx, name, "G91"); err != nil {
		return err
	}
	if err := m.send(ctx, name, fmt.Sprintf("G38.3 Z-10 F%.0f", probeFixtureFeed)); err != nil {
		return err
	}
	if err := m.waitIdle(ctx, 0); err != nil {
		return err
	}

	if !m.engine.Snapshot().LastProbe.Success {
		m.log(name, "ERROR: No Z contact")
		m.send(ctx, name, "G0 Z10")
		m.send(ctx, name, "G90")
		return fmt.Errorf("sem contato de Z na borda da fixture")
	}
	zTop := m.engine.Snapshot().WPos.Z

	moveX := -(dx / dist) * radius
	moveY := -(dy / dist) * radius
	if err := m.send(ctx, name, fmt.Sprintf("G0 X%.3f Y%.3f", moveX, moveY)); err != nil {
		return err
	}
	if err := m.waitIdle(ctx, 0); err != nil {
		return err
	}

	if err := m.send(ctx, name, "G10 L20 P6 X0 Y0 Z0"); err != nil {
		return err
	}
	m.log(name, "G59 zeroed at fixture center/top")

	if err := m.send(ctx, name, "G0 Z5"); err != nil {
		return err
	}
	if err := m.waitIdle(ctx, 0); err != nil {
		return err
	}

	m.log(name, fmt.Sprintf("Fixture top Z: %.3fmm (in original coords)", zTop))
	m.log(name, "Switch to G59 for fixture-relative coords")

	if err := m.send(ctx, name, "$21=1"); err != nil {
		return err
	}
	reenabled = true

	wco := m.engine.Snapshot().WCO
	f := fixture.Fixture{
		MX:     round3(center.x + wco.X),
		MY:     round3(center.y + wco.Y),
		MZTop:  round3(zTop + wco.Z),
		Radius: round3(radius),
	}
	idx := 0
	if m.fixtures != nil {
		idx = m.fixtures.Add(f)
	}
	m.log(name, fmt.Sprintf("Stored in MPos: X%.3f Y%.3f Z%.3f R%.1f", f.MX, f.MY, f.MZTop, f.Radius))
	m.log(name, fmt.Sprintf("Fixture #%d added", idx+1))
	m.log(name, "=== PROBE FIXTURE COMPLETE ===")
	m.status(name, 1, 1, "Fixture localizada", "", false)
	return nil
}

// probeFixtureDirection move ao longo de angle (graus) em modo relativo e
// faz polling do estado até Alarm (contato, via hard limit) ou Idle (sem
// contato). Em caso de contato, limpa o alarme e recua.
func probeFixtureDirection(ctx context.Context, m *MacroEngine, name string, angleDeg float64) (*float64, *float64, error) {
	angleRad := angleDeg * math.Pi / 180
	dx := math.Cos(angleRad)
	dy := math.Sin(angleRad)

	m.log(name, fmt.Sprintf("Probing %.0f°...", angleDeg))

	if err := m.send(ctx, name, "G91"); err != nil {
		return nil, nil, err
	}
	if err := m.send(ctx, name, fmt.Sprintf("G1 X%.3f Y%.3f F%.0f", dx*probeFixtureDist, dy*probeFixtureDist, probeFixtureFeed)); err != nil {
		return nil, nil, err
	}

	for {
		if m.cancelled() {
			return nil, nil, errCancelled
		}
		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case <-time.After(m.poll):
		}

		state := m.engine.Snapshot().State
		if state == "Alarm" {
			wpos := m.engine.Snapshot().WPos
			px, py := wpos.X, wpos.Y
			m.send(ctx, name, "$X") // limpa o alarme
			if err := m.send(ctx, name, fmt.Sprintf("G0 X%.3f Y%.3f", -dx*probeFixtureBack, -dy*probeFixtureBack)); err != nil {
				return nil, nil, err
			}
			if err := m.waitIdle(ctx, 0); err != nil {
				return nil, nil, err
			}
			if err := m.send(ctx, name, "G90"); err != nil {
				return nil, nil, err
			}
			return &px, &py, nil
		}
		if state == "Idle" {
			m.send(ctx, name, "G90")
			return nil, nil, nil
		}
	}
}

type circlePoint struct{ x, y float64 }

// circumcenter resolve o círculo que passa pelos três pontos de contato.
func circumcenter(p1, p2, p3 circlePoint) (circlePoint, float64, error) {
	a := p1.x*(p2.y-p3.y) - p1.y*(p2.x-p3.x) + p2.x*p3.y - p3.x*p2.y
	if abs(a) < 0.0001 {
		return circlePoint{}, 0, fmt.Errorf("pontos colineares")
	}

	sq := func(v float64) float64 { return v * v }
	b := (sq(p1.x)+sq(p1.y))*(p3.y-p2.y) + (sq(p2.x)+sq(p2.y))*(p1.y-p3.y) + (sq(p3.x)+sq(p3.y))*(p2.y-p1.y)
	c := (sq(p1.x)+sq(p1.y))*(p2.x-p3.x) + (sq(p2.x)+sq(p2.y))*(p3.x-p1.x) + (sq(p3.x)+sq(p3.y))*(p1.x-p2.x)

	center := circlePoint{x: -b / (2 * a), y: -c / (2 * a)}
	radii := []float64{
		math.Hypot(p1.x-center.x, p1.y-center.y),
		math.Hypot(p2.x-center.x, p2.y-center.y),
		math.Hypot(p3.x-center.x, p3.y-center.y),
	}
	radius := (radii[0] + radii[1] + radii[2]) / 3
	return center, radius, nil
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
