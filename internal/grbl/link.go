package grbl

import (
	"fmt"
	"io"
	"time"

	"go.bug.st/serial"
)

// readTimeout é o intervalo máximo de bloqueio de uma leitura antes de
// devolver controle ao read loop — permite que o loop observe
// cancelamento/desconexão sem travar indefinidamente em um Read.
const readTimeout = 100 * time.Millisecond

// SerialLink encapsula a porta serial física do controlador. Não faz
// nenhuma interpretação de protocolo — só abre, lê e escreve bytes crus.
type SerialLink struct {
	port serial.Port
	name string
	baud int
}

// ListPorts enumera os dispositivos seriais disponíveis no sistema.
func ListPorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("listando portas seriais: %w", err)
	}
	return ports, nil
}

// OpenSerialLink abre o dispositivo no baud informado. DTR é mantido baixo
// na abertura para não provocar um reset automático do controlador (como
// ocorreria ao abrir com DTR alto em boards Arduino-compatíveis).
func OpenSerialLink(device string, baud int) (*SerialLink, error) {
	mode := &serial.Mode{BaudRate: baud}
	port, err := serial.Open(device, mode)
	if err != nil {
		return nil, fmt.Errorf("abrindo porta serial %s: %w", device, err)
	}

	if err := port.SetDTR(false); err != nil {
		port.Close()
		return nil, fmt.Errorf("limpando DTR em %s: %w", device, err)
	}

	if err := port.SetReadTimeout(readTimeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("configurando read timeout em %s: %w", device, err)
	}

	return &SerialLink{port: port, name: device, baud: baud}, nil
}

// Read lê bytes disponíveis na porta. Retorna (0, nil) em timeout sem
// dados — o chamador deve tratar isso como "nada a fazer agora", não como
// EOF ou erro.
func (l *SerialLink) Read(buf []byte) (int, error) {
	n, err := l.port.Read(buf)
	if err != nil && err != io.EOF {
		return n, fmt.Errorf("lendo de %s: %w", l.name, err)
	}
	return n, nil
}

// Write envia bytes crus para o controlador sem buffer intermediário —
// cada chamada corresponde a uma escrita física imediata.
func (l *SerialLink) Write(data []byte) error {
	_, err := l.port.Write(data)
	if err != nil {
		return fmt.Errorf("escrevendo em %s: %w", l.name, err)
	}
	return nil
}

// Close encerra a porta serial.
func (l *SerialLink) Close() error {
	return l.port.Close()
}

// Name devolve o caminho do dispositivo usado para abrir este link.
func (l *SerialLink) Name() string {
	return l.name
}
