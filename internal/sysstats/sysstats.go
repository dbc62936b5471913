// Package sysstats coleta métricas do host (CPU, memória, disco, load
// average) em um intervalo fixo e as publica no hub de broadcast como uma
// mensagem própria de tipo "system" — o operador acompanhando um
// streaming de horas se beneficia de saber se o host está sob pressão.
package sysstats

import (
	"log/slog"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
)

// collectInterval é o período entre duas coletas.
const collectInterval = 5 * time.Second

// Stats é a última amostra coletada do host.
type Stats struct {
	CPUPercent       float64 `json:"cpu_percent"`
	MemoryPercent    float64 `json:"memory_percent"`
	DiskUsagePercent float64 `json:"disk_usage_percent"`
	LoadAverage      float64 `json:"load_average"`
}

// message é o envelope publicado no hub a cada coleta.
type message struct {
	Kind  string `json:"kind"`
	Stats Stats  `json:"stats"`
}

// Publisher é o destino das amostras coletadas — tipicamente o hub de
// broadcast.
type Publisher interface {
	Publish(msg any)
}

// Monitor coleta métricas do host periodicamente em uma goroutine própria.
type Monitor struct {
	logger *slog.Logger
	pub    Publisher

	mu    sync.RWMutex
	stats Stats

	stopCh chan struct{}
	stopMu sync.Once
	wg     sync.WaitGroup
}

// New cria um Monitor parado — chamar Start para iniciar a coleta.
func New(logger *slog.Logger, pub Publisher) *Monitor {
	return &Monitor{
		logger: logger.With("component", "sysstats"),
		pub:    pub,
		stopCh: make(chan struct{}),
	}
}

// Start inicia a coleta periódica em background.
func (m *Monitor) Start() {
	m.wg.Add(1)
	go m.run()
}

// Stop encerra a coleta e aguarda a goroutine sair. Idempotente.
func (m *Monitor) Stop() {
	m.stopMu.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

// Stats devolve a última amostra coletada.
func (m *Monitor) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stats
}

func (m *Monitor) run() {
	defer m.wg.Done()

	ticker := time.NewTicker(collectInterval)
	defer ticker.Stop()

	m.collect()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.collect()
		}
	}
}

func (m *Monitor) collect() {
	var s Stats

	if percentages, err := cpu.Percent(0, false); err == nil && len(percentages) > 0 {
		s.CPUPercent = percentages[0]
	} else {
		m.logger.Debug("falha ao coletar CPU", "error", err)
	}

	if v, err := mem.VirtualMemory(); err == nil {
		s.MemoryPercent = v.UsedPercent
	} else {
		m.logger.Debug("falha ao coletar memória", "error", err)
	}

	if d, err := disk.Usage("/"); err == nil {
		s.DiskUsagePercent = d.UsedPercent
	} else {
		m.logger.Debug("falha ao coletar disco", "error", err)
	}

	if l, err := load.Avg(); err == nil {
		s.LoadAverage = l.Load1
	} else {
		m.logger.Debug("falha ao coletar load average", "error", err)
	}

	m.mu.Lock()
	m.stats = s
	m.mu.Unlock()

	if m.pub != nil {
		m.pub.Publish(message{Kind: "system", Stats: s})
	}
}
