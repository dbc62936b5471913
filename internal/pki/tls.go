// Package pki fornece a configuração TLS opcional do Control-Channel Server.
// Não há autenticação de cliente aqui — o servidor apenas serve HTTPS/WSS
// quando um par de certificado/chave é configurado; sem eles o servidor roda
// em texto puro.
package pki

import (
	"crypto/tls"
	"fmt"
)

// NewServerTLSConfig cria uma configuração TLS 1.2+ apenas-servidor (sem
// mTLS) a partir do par certFile/keyFile. Usada pelo Control-Channel Server
// quando http.tls_cert/http.tls_key estão presentes na configuração.
func NewServerTLSConfig(certFile, keyFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("loading server certificate: %w", err)
	}

	return &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
	}, nil
}
