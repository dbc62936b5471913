package macro

// macroStatusMessage relata o progresso de uma macro em execução,
// incluindo o caso waiting=true de um wait-continue pendente.
type macroStatusMessage struct {
	Kind        string `json:"kind"`
	Name        string `json:"name"`
	Step        int    `json:"step"`
	Total       int    `json:"total"`
	Description string `json:"description"`
	Command     string `json:"command"`
	Waiting     bool   `json:"waiting"`
}

// macroLogMessage espelha uma linha de log da macro para os assinantes.
type macroLogMessage struct {
	Kind    string `json:"kind"`
	Name    string `json:"name"`
	Message string `json:"message"`
}

// macroDoneMessage anuncia a conclusão bem-sucedida de uma macro.
type macroDoneMessage struct {
	Kind string `json:"kind"`
	Name string `json:"name"`
}

// macroErrorMessage anuncia falha ou cancelamento de uma macro.
type macroErrorMessage struct {
	Kind   string `json:"kind"`
	Name   string `json:"name"`
	Reason string `json:"reason"`
}
