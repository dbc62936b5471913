package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nscnc/grbl-server/internal/config"
	"github.com/nscnc/grbl-server/internal/fixture"
	"github.com/nscnc/grbl-server/internal/grbl"
	"github.com/nscnc/grbl-server/internal/hub"
	"github.com/nscnc/grbl-server/internal/logging"
	"github.com/nscnc/grbl-server/internal/macro"
	"github.com/nscnc/grbl-server/internal/recovery"
	"github.com/nscnc/grbl-server/internal/streamer"
	"github.com/nscnc/grbl-server/internal/sysstats"
	"github.com/nscnc/grbl-server/internal/wsserver"
)

func main() {
	configPath := flag.String("config", "/etc/grbl-server/config.yaml", "path to config file")
	port := flag.String("port", "", "override http.listen from the config file (e.g. :8000)")
	device := flag.String("device", "", "override serial.device from the config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	applyOverrides(cfg, *port, *device)

	logger := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := run(ctx, *configPath, cfg, logger); err != nil {
		logger.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func applyOverrides(cfg *config.Config, port, device string) {
	if port != "" {
		cfg.HTTP.Listen = port
	}
	if device != "" {
		cfg.Serial.Device = device
	}
}

// run monta todos os motores a partir de cfg e bloqueia servindo até
// receber SIGTERM/SIGINT. SIGHUP recarrega a configuração sem downtime,
// no mesmo padrão de RunDaemon — motores antigos são parados e um novo
// conjunto é erguido a partir do arquivo relido.
func run(ctx context.Context, configPath string, cfg *config.Config, logger *slog.Logger) error {
	engines, err := buildEngines(cfg, logger)
	if err != nil {
		return fmt.Errorf("wiring engines: %w", err)
	}
	engines.start(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)

	for {
		sig := <-sigCh

		if sig == syscall.SIGHUP {
			logger.Info("received SIGHUP, reloading config", "path", configPath)
			newCfg, loadErr := config.Load(configPath)
			if loadErr != nil {
				logger.Error("reload failed, keeping current config", "error", loadErr)
				continue
			}

			newEngines, buildErr := buildEngines(newCfg, logger)
			if buildErr != nil {
				logger.Error("failed to rebuild engines after reload, keeping current config", "error", buildErr)
				continue
			}

			engines.stop()
			cfg = newCfg
			engines = newEngines
			engines.start(ctx)
			logger.Info("config reloaded successfully")
			continue
		}

		logger.Info("received signal, shutting down", "signal", sig)
		engines.stop()
		return nil
	}
}

// runningEngines agrupa o conjunto de motores de um ciclo de vida de
// configuração — recriado inteiro em cada reload.
type runningEngines struct {
	logger   *slog.Logger
	cfg      *config.Config
	engine   *grbl.ProtocolEngine
	poller   *grbl.StatusPoller
	streamer *streamer.Streamer
	macro    *macro.MacroEngine
	fixtures *fixture.Registry
	hub      *hub.Hub
	sysstats *sysstats.Monitor
	wsserver *wsserver.Server

	serverCancel context.CancelFunc
	serverDone   chan error
}

func buildEngines(cfg *config.Config, logger *slog.Logger) (*runningEngines, error) {
	var serialLog *logging.SerialLog
	if cfg.SerialLog.Dir != "" {
		var err error
		serialLog, err = logging.NewSerialLog(cfg.SerialLog.Dir, time.Duration(cfg.SerialLog.RetentionDays)*24*time.Hour)
		if err != nil {
			return nil, fmt.Errorf("opening serial log: %w", err)
		}
	}

	h := hub.New(logger, cfg.Hub.QueueSize, cfg.Hub.MaxConsecutiveDrops)

	var sl grbl.SerialLogger
	if serialLog != nil {
		sl = serialLog
	}
	engine := grbl.NewProtocolEngine(logger, h, sl)

	rec := recovery.NewStore(cfg.Recovery.Path)
	str := streamer.New(logger, engine, h, rec, cfg.Streaming, cfg.Recovery)
	fixtures := fixture.NewRegistry()
	mc := macro.New(logger, engine, h, fixtures, cfg.Macro)
	stats := sysstats.New(logger, h)

	deps := wsserver.Deps{Engine: engine, Streamer: str, Macro: mc, Fixtures: fixtures, Hub: h}
	ws := wsserver.New(logger, deps, cfg.HTTP, cfg.RateLimit, cfg.Macro)

	if cfg.Serial.Device != "" {
		if err := engine.Connect(cfg.Serial.Device, cfg.Serial.Baud); err != nil {
			logger.Warn("initial serial connect failed, will retry via the connect command", "error", err)
		}
	}

	return &runningEngines{
		logger:   logger,
		cfg:      cfg,
		engine:   engine,
		poller:   grbl.NewStatusPoller(engine),
		streamer: str,
		macro:    mc,
		fixtures: fixtures,
		hub:      h,
		sysstats: stats,
		wsserver: ws,
	}, nil
}

func (e *runningEngines) start(ctx context.Context) {
	e.sysstats.Start()

	serverCtx, cancel := context.WithCancel(ctx)
	e.serverCancel = cancel
	e.poller.Start(serverCtx)
	e.serverDone = make(chan error, 1)
	go func() {
		e.serverDone <- e.wsserver.Run(serverCtx)
	}()
}

func (e *runningEngines) stop() {
	e.sysstats.Stop()
	e.poller.Stop()
	e.engine.Disconnect()
	if e.serverCancel != nil {
		e.serverCancel()
		if err := <-e.serverDone; err != nil {
			e.logger.Error("control-channel server stopped with error", "error", err)
		}
	}
}
