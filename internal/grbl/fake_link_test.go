package grbl

import (
	"io"
	"sync"
	"time"
)

// fakeLink simula um controlador GRBL em memória: o que o engine escreve é
// acumulado em "written", e o que o teste empurra para "toEngine" é
// devolvido pelo próximo Read.
type fakeLink struct {
	mu       sync.Mutex
	closed   bool
	written  [][]byte
	toEngine chan []byte
}

func newFakeLink() *fakeLink {
	return &fakeLink{toEngine: make(chan []byte, 64)}
}

// Read bloqueia até haver dados ou até um pequeno timeout expirar — espelha
// o comportamento de readTimeout do *SerialLink real, permitindo que o read
// loop do engine reavalie stopCh periodicamente mesmo sem dados chegando.
func (f *fakeLink) Read(buf []byte) (int, error) {
	select {
	case chunk, ok := <-f.toEngine:
		if !ok {
			return 0, io.EOF
		}
		n := copy(buf, chunk)
		return n, nil
	case <-time.After(20 * time.Millisecond):
		return 0, nil
	}
}

func (f *fakeLink) Write(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := append([]byte(nil), data...)
	f.written = append(f.written, cp)
	return nil
}

func (f *fakeLink) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.toEngine)
	}
	return nil
}

// push entrega uma linha (já terminada em \n) como se tivesse chegado do
// controlador.
func (f *fakeLink) push(line string) {
	f.toEngine <- []byte(line)
}

func (f *fakeLink) lastWritten() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.written) == 0 {
		return ""
	}
	return string(f.written[len(f.written)-1])
}
