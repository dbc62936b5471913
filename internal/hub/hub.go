// Package hub implementa o fan-out de eventos do Protocol Engine, do
// Streaming Engine e do Macro Engine para todos os clientes WebSocket
// conectados.
package hub

import (
	"log/slog"
	"sync"
)

// Hub distribui mensagens publicadas para todos os assinantes atuais.
// Cada assinante tem uma fila própria, limitada; quando cheia, a mensagem
// mais nova é descartada para aquele assinante específico (os demais não
// são afetados). Um assinante que acumula drops consecutivos além do
// limite configurado é desconectado — o mesmo padrão de EventRing do
// teacher generalizado de "armazenar N" para "entregar a N assinantes".
type Hub struct {
	logger *slog.Logger

	mu          sync.Mutex
	subscribers map[uint64]*Subscriber
	nextID      uint64

	queueSize           int
	maxConsecutiveDrops int
}

// Subscriber é o handle de uma conexão inscrita no hub. O consumidor lê de
// Messages() e, ao encerrar, deve chamar Hub.Unsubscribe.
type Subscriber struct {
	id       uint64
	ch       chan any
	dropsRun int
}

// Messages devolve o canal de leitura do assinante.
func (s *Subscriber) Messages() <-chan any {
	return s.ch
}

// New cria um hub com o tamanho de fila e limite de drops consecutivos
// informados.
func New(logger *slog.Logger, queueSize, maxConsecutiveDrops int) *Hub {
	if queueSize <= 0 {
		queueSize = 32
	}
	if maxConsecutiveDrops <= 0 {
		maxConsecutiveDrops = 10
	}
	return &Hub{
		logger:              logger.With("component", "hub"),
		subscribers:         make(map[uint64]*Subscriber),
		queueSize:           queueSize,
		maxConsecutiveDrops: maxConsecutiveDrops,
	}
}

// Subscribe registra um novo assinante e devolve seu handle.
func (h *Hub) Subscribe() *Subscriber {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	sub := &Subscriber{id: h.nextID, ch: make(chan any, h.queueSize)}
	h.subscribers[sub.id] = sub
	return sub
}

// Unsubscribe remove um assinante e fecha sua fila. Seguro para ser
// chamado mais de uma vez ou com um assinante já removido.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	if sub == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(sub.id)
}

// removeLocked deve ser chamado com h.mu já travado.
func (h *Hub) removeLocked(id uint64) {
	sub, ok := h.subscribers[id]
	if !ok {
		return
	}
	delete(h.subscribers, id)
	close(sub.ch)
}

// Publish entrega msg a todos os assinantes atuais. O envio nunca
// bloqueia: se a fila de um assinante está cheia, a mensagem é descartada
// para aquele assinante e seu contador de drops consecutivos sobe. Um
// assinante que atinge maxConsecutiveDrops é desconectado.
func (h *Hub) Publish(msg any) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, sub := range h.subscribers {
		select {
		case sub.ch <- msg:
			sub.dropsRun = 0
		default:
			sub.dropsRun++
			if sub.dropsRun >= h.maxConsecutiveDrops {
				h.logger.Warn("desconectando assinante lento", "subscriber_id", id, "consecutive_drops", sub.dropsRun)
				h.removeLocked(id)
				continue
			}
			h.logger.Debug("fila do assinante cheia, descartando mensagem", "subscriber_id", id, "consecutive_drops", sub.dropsRun)
		}
	}
}

// Count devolve o número de assinantes conectados no momento.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}
