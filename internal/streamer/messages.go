package streamer

import "github.com/nscnc/grbl-server/internal/analyzer"

// fileStatusMessage é publicado a cada linha despachada, inclusive quando
// o controlador responde error:N a ela.
// Analysis só acompanha a primeira mensagem de um run (start/resume), para
// não retransmitir o relatório completo a cada linha.
type fileStatusMessage struct {
	Kind         string          `json:"kind"`
	Filename     string          `json:"filename"`
	Current      int             `json:"current"`
	Total        int             `json:"total"`
	Percent      float64         `json:"percent"`
	CurrentGcode string          `json:"current_gcode"`
	Analysis     *analyzer.Report `json:"analysis,omitempty"`
}

// fileErrorMessage é publicado quando o controlador responde error:N
// durante o streaming — se o run continua, pausa ou para depende da
// política OnError configurada.
type fileErrorMessage struct {
	Kind     string `json:"kind"`
	Filename string `json:"filename"`
	Line     int    `json:"line"`
	Code     string `json:"code"`
}

// fileDoneMessage anuncia a conclusão do programa, após a homing sequence.
type fileDoneMessage struct {
	Kind     string `json:"kind"`
	Filename string `json:"filename"`
}

// fileStartErrorMessage anuncia que a verificação de posição inicial
// rejeitou o início do streaming.
type fileStartErrorMessage struct {
	Kind   string `json:"kind"`
	Reason string `json:"reason"`
}
