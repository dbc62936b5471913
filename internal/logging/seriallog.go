package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
)

// Direction marca o sentido de uma linha no log serial.
type Direction string

const (
	DirRead     Direction = "<"
	DirWrite    Direction = ">"
	DirRealtime Direction = ">RT"
)

// SerialLog grava um arquivo por dia ({dir}/YYYY-MM-DD.log), prefixando cada
// linha com HH:MM:SS.mmm e o marcador de direção. No rollover de dia o
// arquivo anterior é comprimido com gzip e arquivos além da retenção
// configurada são removidos. Bytes de status poll (ver internal/grbl) nunca
// chegam aqui — o chamador filtra antes de escrever.
type SerialLog struct {
	mu        sync.Mutex
	dir       string
	retention time.Duration
	day       string
	f         *os.File
}

// NewSerialLog cria o diretório de logs se necessário e poda arquivos mais
// velhos que retention. dir vazio desabilita o log serial (Write vira no-op).
func NewSerialLog(dir string, retention time.Duration) (*SerialLog, error) {
	if dir == "" {
		return &SerialLog{}, nil
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating serial log directory %s: %w", dir, err)
	}
	sl := &SerialLog{dir: dir, retention: retention}
	sl.prune(time.Now())
	return sl, nil
}

// Write grava uma linha formatada; data não deve conter newline (é truncada
// se contiver). Erros de escrita em disco são retornados para que o
// chamador possa logar via slog, mas nunca interrompem o fluxo serial.
func (sl *SerialLog) Write(dir Direction, data string) error {
	if sl == nil || sl.dir == "" {
		return nil
	}
	data = strings.TrimRight(data, "\r\n")

	sl.mu.Lock()
	defer sl.mu.Unlock()

	now := time.Now()
	today := now.Format("2006-01-02")
	if today != sl.day {
		if err := sl.rotate(today, now); err != nil {
			return err
		}
	}

	line := fmt.Sprintf("%s %-3s %s\n", now.Format("15:04:05.000"), dir, data)
	_, err := sl.f.WriteString(line)
	return err
}

// rotate fecha o arquivo do dia corrente (se houver), comprime-o em
// background e abre o arquivo do novo dia. Chamado com sl.mu já tomado.
func (sl *SerialLog) rotate(today string, now time.Time) error {
	prevDay := sl.day
	if sl.f != nil {
		_ = sl.f.Close()
		go sl.compress(filepath.Join(sl.dir, prevDay+".log"))
	}

	path := filepath.Join(sl.dir, today+".log")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("opening serial log %s: %w", path, err)
	}
	sl.f = f
	sl.day = today
	sl.prune(now)
	return nil
}

// compress reescreve path como path+".gz" e remove o original. Roda
// desacoplado da escrita corrente — uma falha aqui só deixa o dia anterior
// sem compressão, nunca bloqueia o log do dia atual.
func (sl *SerialLog) compress(path string) {
	in, err := os.Open(path)
	if err != nil {
		return
	}
	defer in.Close()

	out, err := os.Create(path + ".gz")
	if err != nil {
		return
	}
	gw, _ := gzip.NewWriterLevel(out, gzip.BestSpeed)
	if _, err := io.Copy(gw, in); err != nil {
		gw.Close()
		out.Close()
		os.Remove(path + ".gz")
		return
	}
	gw.Close()
	out.Close()
	os.Remove(path)
}

// prune remove arquivos de log (comprimidos ou não) mais velhos que a
// retenção configurada, a partir do nome do arquivo (YYYY-MM-DD[.log|.log.gz]).
func (sl *SerialLog) prune(now time.Time) {
	if sl.retention <= 0 {
		return
	}
	entries, err := os.ReadDir(sl.dir)
	if err != nil {
		return
	}
	cutoff := now.Add(-sl.retention)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		datePart := strings.TrimSuffix(strings.TrimSuffix(name, ".gz"), ".log")
		t, err := time.Parse("2006-01-02", datePart)
		if err != nil {
			continue
		}
		if t.Before(cutoff) {
			os.Remove(filepath.Join(sl.dir, name))
		}
	}
}

// Close fecha o arquivo do dia corrente, se houver.
func (sl *SerialLog) Close() error {
	if sl == nil || sl.f == nil {
		return nil
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()
	return sl.f.Close()
}
