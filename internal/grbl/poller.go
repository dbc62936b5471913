package grbl

import (
	"context"
	"time"
)

// statusPollInterval é o intervalo entre consultas de status "?" enviadas
// ao controlador enquanto o link estiver conectado.
const statusPollInterval = 200 * time.Millisecond

// StatusPoller dispara periodicamente um byte de status realtime no
// ProtocolEngine, mantendo o MachineState atualizado mesmo sem um comando
// em andamento.
type StatusPoller struct {
	engine   *ProtocolEngine
	interval time.Duration

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewStatusPoller cria um poller para o engine informado, usando o
// intervalo padrão de 200ms.
func NewStatusPoller(engine *ProtocolEngine) *StatusPoller {
	return &StatusPoller{engine: engine, interval: statusPollInterval}
}

// Start dispara o loop de polling em uma goroutine própria. Chamar Start
// mais de uma vez sem Stop entre as chamadas é um erro de uso do chamador.
func (p *StatusPoller) Start(ctx context.Context) {
	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})

	ticker := time.NewTicker(p.interval)
	go func() {
		defer close(p.doneCh)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if p.engine.Status() == LinkConnected {
					_ = p.engine.SendRealtime(RealtimeStatusQuery)
				}
			case <-p.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop encerra o loop de polling e aguarda sua saída.
func (p *StatusPoller) Stop() {
	if p.stopCh == nil {
		return
	}
	close(p.stopCh)
	<-p.doneCh
}
