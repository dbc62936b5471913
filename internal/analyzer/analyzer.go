// Package analyzer faz uma única passada sobre um programa G-code
// carregado para estimar tempos de usinagem, faixas de feed/spindle e
// pontos de troca de ferramenta, sem executar nada no controlador.
package analyzer

import (
	"math"
	"regexp"
	"strconv"
	"strings"
)

// Bounds acumula o retângulo envolvente observado nos três eixos
// principais.
type Bounds struct {
	MinX float64 `json:"min_x"`
	MaxX float64 `json:"max_x"`
	MinY float64 `json:"min_y"`
	MaxY float64 `json:"max_y"`
	MinZ float64 `json:"min_z"`
	MaxZ float64 `json:"max_z"`
}

// Report é o resultado de uma análise completa de um Program.
type Report struct {
	MaxFeed                        float64   `json:"max_feed"`
	MaxPlunge                      float64   `json:"max_plunge"`
	MinSpindle                     float64   `json:"min_spindle"`
	MaxSpindle                     float64   `json:"max_spindle"`
	ToolChangeLineIndices          []int     `json:"tool_change_line_indices"`
	PerLineCumulativeMinutes       []float64 `json:"per_line_cumulative_minutes"`
	PerLineMinutesToNextToolChange []float64 `json:"per_line_minutes_to_next_tool_change"`
	TotalMinutes                   float64   `json:"total_minutes"`
	BoundsXYZ                      Bounds    `json:"bounds_xyz"`
	// Warnings é um suplemento ao relatório do spec: linhas que usam G28/G53
	// (referência de máquina/coordenadas absolutas) são sinalizadas aqui
	// como metadado informativo — o original confia nessas referências para
	// retornos de troca de ferramenta/sonda, e um programa que as usa
	// fora desse papel vale a pena mostrar ao operador.
	Warnings []Warning `json:"warnings"`
}

// Warning é uma ocorrência informativa encontrada durante a análise.
type Warning struct {
	Line    int    `json:"line"`
	Code    string `json:"code"` // "G28" ou "G53"
	Message string `json:"message"`
}

var wordRe = regexp.MustCompile(`([A-Za-z])\s*(-?\d*\.?\d+)`)

// word é um par letra/valor extraído de uma linha (ex: "X10.5" -> {'X', 10.5}).
type word struct {
	letter byte
	value  float64
}

func parseWords(line string) []word {
	matches := wordRe.FindAllStringSubmatch(line, -1)
	words := make([]word, 0, len(matches))
	for _, m := range matches {
		v, err := strconv.ParseFloat(m[2], 64)
		if err != nil {
			continue
		}
		words = append(words, word{letter: strings.ToUpper(m[1])[0], value: v})
	}
	return words
}

// Analyze executa a passada única (mais a passada reversa para
// per_line_minutes_to_next_tool_change) sobre lines, que já devem ter
// passado pelo filtro de linhas vazias/comentário do Streaming Engine.
func Analyze(lines []string) Report {
	n := len(lines)
	report := Report{
		PerLineCumulativeMinutes: make([]float64, n),
	}

	absolute := true // G90 é o modo default
	motion := "G0"
	var pos [3]float64 // X, Y, Z
	feed := 0.0
	haveBounds := false
	haveSpindle := false

	for i, raw := range lines {
		words := parseWords(raw)

		for _, w := range words {
			switch w.letter {
			case 'G':
				switch int(w.value) {
				case 90:
					absolute = true
				case 91:
					absolute = false
				case 0:
					motion = "G0"
				case 1:
					motion = "G1"
				case 2:
					motion = "G2"
				case 3:
					motion = "G3"
				case 28:
					report.Warnings = append(report.Warnings, Warning{Line: i, Code: "G28", Message: "linha usa G28 (retorno à posição de referência)"})
				case 53:
					report.Warnings = append(report.Warnings, Warning{Line: i, Code: "G53", Message: "linha usa G53 (coordenadas absolutas de máquina)"})
				}
			case 'F':
				feed = w.value
			case 'S':
				if w.value > 0 {
					if !haveSpindle {
						report.MinSpindle, report.MaxSpindle = w.value, w.value
						haveSpindle = true
					} else {
						report.MinSpindle = math.Min(report.MinSpindle, w.value)
						report.MaxSpindle = math.Max(report.MaxSpindle, w.value)
					}
				}
			case 'M':
				if int(w.value) == 6 {
					report.ToolChangeLineIndices = append(report.ToolChangeLineIndices, i)
				}
			}
		}

		newPos := pos
		moved := false
		for _, w := range words {
			var target *float64
			switch w.letter {
			case 'X':
				target = &newPos[0]
			case 'Y':
				target = &newPos[1]
			case 'Z':
				target = &newPos[2]
			}
			if target == nil {
				continue
			}
			moved = true
			if absolute {
				*target = w.value
			} else {
				*target = pos[axisOf(w.letter)] + w.value
			}
		}

		if moved {
			haveBounds = updateBounds(&report.BoundsXYZ, newPos, haveBounds)
		}

		isCut := motion == "G1" || motion == "G2" || motion == "G3"
		if moved && isCut && feed > 0 {
			dist := distance3(pos, newPos)
			minutes := dist / feed
			descending := newPos[2] < pos[2]
			if descending {
				report.MaxPlunge = math.Max(report.MaxPlunge, feed)
			} else {
				report.MaxFeed = math.Max(report.MaxFeed, feed)
			}
			report.TotalMinutes += minutes
		}

		pos = newPos
		report.PerLineCumulativeMinutes[i] = report.TotalMinutes
	}

	report.PerLineMinutesToNextToolChange = reverseMinutesToNextToolChange(n, report.ToolChangeLineIndices, report.PerLineCumulativeMinutes, report.TotalMinutes)

	return report
}

func axisOf(letter byte) int {
	switch letter {
	case 'X':
		return 0
	case 'Y':
		return 1
	case 'Z':
		return 2
	}
	return 0
}

func distance3(a, b [3]float64) float64 {
	dx := b[0] - a[0]
	dy := b[1] - a[1]
	dz := b[2] - a[2]
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}

func updateBounds(b *Bounds, p [3]float64, have bool) bool {
	if !have {
		b.MinX, b.MaxX = p[0], p[0]
		b.MinY, b.MaxY = p[1], p[1]
		b.MinZ, b.MaxZ = p[2], p[2]
		return true
	}
	b.MinX = math.Min(b.MinX, p[0])
	b.MaxX = math.Max(b.MaxX, p[0])
	b.MinY = math.Min(b.MinY, p[1])
	b.MaxY = math.Max(b.MaxY, p[1])
	b.MinZ = math.Min(b.MinZ, p[2])
	b.MaxZ = math.Max(b.MaxZ, p[2])
	return true
}

// reverseMinutesToNextToolChange varre de trás para frente, acumulando
// minutos até a próxima troca de ferramenta (ou fim do programa).
func reverseMinutesToNextToolChange(n int, toolChanges []int, cumulative []float64, total float64) []float64 {
	result := make([]float64, n)
	if n == 0 {
		return result
	}

	isToolChange := make(map[int]bool, len(toolChanges))
	for _, idx := range toolChanges {
		isToolChange[idx] = true
	}

	nextChangeCumulative := total
	for i := n - 1; i >= 0; i-- {
		result[i] = nextChangeCumulative - cumulative[i]
		if isToolChange[i] {
			nextChangeCumulative = cumulative[i]
		}
	}
	return result
}
