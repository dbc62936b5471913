package wsserver

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nscnc/grbl-server/internal/config"
	"github.com/nscnc/grbl-server/internal/fixture"
	"github.com/nscnc/grbl-server/internal/grbl"
	"github.com/nscnc/grbl-server/internal/hub"
	"github.com/nscnc/grbl-server/internal/macro"
	"github.com/nscnc/grbl-server/internal/recovery"
	"github.com/nscnc/grbl-server/internal/streamer"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T) (*Server, *hub.Hub) {
	t.Helper()
	logger := testLogger()
	h := hub.New(logger, 32, 10)
	engine := grbl.NewProtocolEngine(logger, h, nil)
	rec := recovery.NewStore(filepath.Join(t.TempDir(), "recovery.state"))
	str := streamer.New(logger, engine, h, rec, config.StreamingConfig{}, config.RecoveryConfig{})
	fixtures := fixture.NewRegistry()
	mc := macro.New(logger, engine, h, fixtures, config.MacroConfig{})

	deps := Deps{Engine: engine, Streamer: str, Macro: mc, Fixtures: fixtures, Hub: h}
	srv := New(logger, deps, config.HTTPConfig{}, config.RateLimitConfig{RequestsPerSecond: 1000, Burst: 1000}, config.MacroConfig{ScriptDir: t.TempDir()})
	return srv, h
}

func dialTestServer(t *testing.T, srv *Server) *websocket.Conn {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(srv.handleWS))
	t.Cleanup(ts.Close)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dialing test websocket server: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readJSONMap(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var m map[string]any
	if err := conn.ReadJSON(&m); err != nil {
		t.Fatalf("reading frame: %v", err)
	}
	return m
}

// TestHandleWS_SendsSnapshotOnConnect cobre a exigência de §4.9: todo novo
// cliente recebe um snapshot do estado da conexão ao conectar.
func TestHandleWS_SendsSnapshotOnConnect(t *testing.T) {
	srv, _ := newTestServer(t)
	conn := dialTestServer(t, srv)

	frame := readJSONMap(t, conn)
	if frame["kind"] != "status" {
		t.Fatalf("expected first frame to be a status snapshot, got %v", frame["kind"])
	}
}

// TestHandleWS_FixtureListRoundTrip cobre fixture_list devolvendo o
// registro (vazio) atual.
func TestHandleWS_FixtureListRoundTrip(t *testing.T) {
	srv, _ := newTestServer(t)
	conn := dialTestServer(t, srv)
	readJSONMap(t, conn) // descarta o snapshot inicial

	if err := conn.WriteJSON(inboundMessage{Kind: "fixture_list"}); err != nil {
		t.Fatalf("writing fixture_list: %v", err)
	}
	frame := readJSONMap(t, conn)
	if frame["kind"] != "fixtures" {
		t.Fatalf("expected kind=fixtures, got %v", frame)
	}
	if fx, ok := frame["fixtures"].([]any); !ok || len(fx) != 0 {
		t.Errorf("expected an empty fixture list, got %v", frame["fixtures"])
	}
}

// TestHandleWS_GcodeWithoutConnectionReportsNotConnected cobre o comando
// gcode sendo rejeitado quando o link serial não está aberto.
func TestHandleWS_GcodeWithoutConnectionReportsNotConnected(t *testing.T) {
	srv, _ := newTestServer(t)
	conn := dialTestServer(t, srv)
	readJSONMap(t, conn)

	if err := conn.WriteJSON(inboundMessage{Kind: "gcode", Line: "G0 X1"}); err != nil {
		t.Fatalf("writing gcode: %v", err)
	}
	frame := readJSONMap(t, conn)
	if frame["kind"] != "response" || frame["to"] != "gcode" {
		t.Fatalf("unexpected frame: %v", frame)
	}
	result, _ := frame["result"].(string)
	if !strings.Contains(result, "conectado") {
		t.Errorf("expected result to mention the missing connection, got %q", result)
	}
}

// TestHandleWS_UnknownKindReportsError cobre o roteamento de um kind não
// reconhecido — o servidor nunca ignora uma mensagem silenciosamente.
func TestHandleWS_UnknownKindReportsError(t *testing.T) {
	srv, _ := newTestServer(t)
	conn := dialTestServer(t, srv)
	readJSONMap(t, conn)

	if err := conn.WriteJSON(inboundMessage{Kind: "not_a_real_kind"}); err != nil {
		t.Fatalf("writing unknown kind: %v", err)
	}
	frame := readJSONMap(t, conn)
	if frame["kind"] != "response" || frame["to"] != "not_a_real_kind" {
		t.Fatalf("unexpected frame: %v", frame)
	}
	result, _ := frame["result"].(string)
	if !strings.Contains(result, "desconhecido") {
		t.Errorf("expected result to report an unknown kind, got %q", result)
	}
}

// TestHandleWS_MacroSaveThenLoadRoundTrips cobre a biblioteca de scripts
// que dá suporte a macro_load/macro_save, distinta do registro procedural
// do Macro Engine.
func TestHandleWS_MacroSaveThenLoadRoundTrips(t *testing.T) {
	srv, _ := newTestServer(t)
	conn := dialTestServer(t, srv)
	readJSONMap(t, conn)

	if err := conn.WriteJSON(inboundMessage{Kind: "macro_save", Name: "facing", Code: "G0 Z5"}); err != nil {
		t.Fatalf("writing macro_save: %v", err)
	}
	saveResp := readJSONMap(t, conn)
	if saveResp["result"] != "ok" {
		t.Fatalf("expected macro_save to succeed, got %v", saveResp)
	}

	if err := conn.WriteJSON(inboundMessage{Kind: "macro_load", Name: "facing"}); err != nil {
		t.Fatalf("writing macro_load: %v", err)
	}
	loadResp := readJSONMap(t, conn)
	if loadResp["result"] != "G0 Z5" {
		t.Fatalf("expected macro_load to return the saved code, got %v", loadResp)
	}
}

// TestHandleWS_BroadcastReachesConnectedClient cobre o caminho de
// broadcast: uma mensagem publicada no hub chega a um cliente conectado,
// sem depender de uma resposta endereçada a uma requisição sua.
func TestHandleWS_BroadcastReachesConnectedClient(t *testing.T) {
	srv, h := newTestServer(t)
	conn := dialTestServer(t, srv)
	readJSONMap(t, conn) // snapshot inicial

	h.Publish(grbl.AlarmMessage{Kind: "alarm", Code: "1"})

	frame := readJSONMap(t, conn)
	if frame["kind"] != "alarm" || frame["code"] != "1" {
		t.Fatalf("expected broadcast alarm message, got %v", frame)
	}
}
