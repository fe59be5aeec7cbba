// cskd runs the protection engine against an in-memory surface with
// file-driven probes: touching a flag file in the signal directory
// simulates that feature's detection condition, and the debug API shows
// the resulting overlay and content state.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Isonimus/content-security-toolkit/internal/config"
	"github.com/Isonimus/content-security-toolkit/internal/engine"
	"github.com/Isonimus/content-security-toolkit/internal/logging"
	"github.com/Isonimus/content-security-toolkit/internal/strategy"
	"github.com/Isonimus/content-security-toolkit/internal/surface"
)

func main() {
	configFile := flag.String("config", "", "Path to YAML configuration file")
	serverAddr := flag.String("addr", "", "Debug API server address (overrides config)")
	logLevel := flag.String("log-level", "", "Log level: debug, info, warn, error (overrides config)")
	signalDir := flag.String("signal-dir", "./signals", "Directory watched for detection flag files")
	flag.Parse()

	cfg, err := config.LoadConfig(*configFile, *serverAddr, *logLevel)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	loggingConfig := logging.Config{
		Level:         logging.LogLevel(cfg.Logging.Level),
		Format:        logging.LogFormat(cfg.Logging.Format),
		IncludeCaller: cfg.Logging.IncludeCaller,
		GlobalFields:  cfg.Logging.GlobalFields,
	}
	if err := logging.Setup(loggingConfig); err != nil {
		log.Fatal().Err(err).Msg("Failed to set up logging")
	}

	if err := os.MkdirAll(*signalDir, 0755); err != nil {
		log.Fatal().Err(err).Str("dir", *signalDir).Msg("Failed to create signal directory")
	}

	surf := surface.NewMemory()

	eng, err := engine.CreateEngine(cfg, surf, engine.Probes{
		DevTools:   fileProbe(*signalDir, "devtools"),
		Extension:  fileProbe(*signalDir, "extension"),
		Screenshot: fileProbe(*signalDir, "screenshot"),
		FrameEmbed: fileProbe(*signalDir, "frameembed"),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create engine")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info().Str("signal", sig.String()).Msg("Caught signal, initiating shutdown")
		cancel()
	}()

	log.Info().
		Str("addr", cfg.Server.Addr).
		Str("signal_dir", *signalDir).
		Msg("Starting cskd")

	runErr := eng.Start(ctx)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := eng.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Shutdown error")
	}

	if runErr != nil {
		log.Fatal().Err(runErr).Msg("Engine exited with error")
	}
}

// fileProbe reports detection while a flag file with the feature's name
// exists in the signal directory.
func fileProbe(dir, name string) strategy.Probe {
	path := filepath.Join(dir, name)
	return strategy.ProbeFunc{
		ProbeName: name,
		Fn: func() (bool, string) {
			if _, err := os.Stat(path); err == nil {
				return true, "signal file " + path
			}
			return false, ""
		},
	}
}
