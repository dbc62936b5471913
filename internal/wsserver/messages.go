package wsserver

import "github.com/nscnc/grbl-server/internal/fixture"

// inboundMessage é o envelope genérico de uma mensagem de entrada do canal
// de controle. Cada kind usa apenas o subconjunto de campos relevante —
// o canal é JSON-framed e solto, não um DSL tipado por kind.
type inboundMessage struct {
	Kind string `json:"kind"`

	// connect
	Port string `json:"port,omitempty"`
	Baud int    `json:"baud,omitempty"`

	// gcode
	Line   string `json:"line,omitempty"`
	NoWait bool   `json:"nowait,omitempty"`

	// realtime — código de byte único (query/feed_hold/cycle_start/reset ou
	// um código de override pass-through).
	Byte int `json:"byte,omitempty"`

	// file_upload
	Filename string `json:"filename,omitempty"`
	Content  string `json:"content,omitempty"`

	// file_start
	FromLine          int  `json:"from_line,omitempty"`
	SkipPositionCheck bool `json:"skip_position_check,omitempty"`

	// macro_run
	Name         string  `json:"name,omitempty"`
	ToolDiameter float64 `json:"tool_diameter,omitempty"`
	EdgeSign     float64 `json:"edge_sign,omitempty"`

	// macro_load / macro_save — biblioteca de trechos em arquivo plano,
	// separada do registro procedural do Macro Engine.
	Code string `json:"code,omitempty"`

	// fixture_remove
	Index int `json:"index,omitempty"`
}

// responseMessage é a resposta genérica a uma mensagem de entrada que não
// tem um envelope de saída dedicado (gcode, realtime, unlock, reset,
// feed_hold, cycle_start, macro_load, macro_save).
type responseMessage struct {
	Kind   string `json:"kind"`
	To     string `json:"to"`
	Result string `json:"result"`
}

func response(to, result string) responseMessage {
	return responseMessage{Kind: "response", To: to, Result: result}
}

// portsMessage lista os dispositivos seriais disponíveis, em resposta a
// list_ports.
type portsMessage struct {
	Kind  string   `json:"kind"`
	Ports []string `json:"ports"`
}

// fixturesMessage espelha o Fixture Registry completo, em resposta a
// fixture_list/fixture_remove/fixture_clear.
type fixturesMessage struct {
	Kind     string            `json:"kind"`
	Fixtures []fixture.Fixture `json:"fixtures"`
}

func fixturesMsg(items []fixture.Fixture) fixturesMessage {
	return fixturesMessage{Kind: "fixtures", Fixtures: items}
}

// collisionCheckMessage relata o resultado de check_collisions.
type collisionCheckMessage struct {
	Kind       string              `json:"kind"`
	Collisions []fixture.Collision `json:"collisions"`
	Count      int                 `json:"count"`
}

func collisionCheckMsg(collisions []fixture.Collision) collisionCheckMessage {
	return collisionCheckMessage{Kind: "collision_check", Collisions: collisions, Count: len(collisions)}
}

// macroListMessage relata os nomes de macro reconhecidos, em resposta a
// macro_list.
type macroListMessage struct {
	Kind  string   `json:"kind"`
	Names []string `json:"names"`
}
