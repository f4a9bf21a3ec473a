package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"mlgateway/internal/assets"
	"mlgateway/internal/config"
	"mlgateway/internal/gateway"
	"mlgateway/internal/instance"
	"mlgateway/internal/logging"
	"mlgateway/internal/server"
	"mlgateway/internal/services/imagegen"
	"mlgateway/internal/services/ner"
	"mlgateway/internal/services/translate"
	"mlgateway/internal/services/tts"
)

func main() {
	var cfgPath, envFile string
	flag.StringVar(&cfgPath, "config", "", "Path to JSON config file (optional)")
	flag.StringVar(&envFile, "env-file", ".env", "Path to .env file (ignored when missing)")
	flag.Parse()

	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "failed to load %s: %v\n", envFile, err)
		os.Exit(1)
	}

	c, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	zl, err := logging.New(c.Logging.Level, c.Logging.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = zl.Sync() }()
	log := zl.Sugar()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Bind explicitly so port 0 works and the real address is logged.
	ln, err := net.Listen("tcp", net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.Port)))
	if err != nil {
		log.Fatalw("listen failed", "error", err)
	}
	if err := run(ctx, c, ln, log); err != nil {
		log.Fatalw("gateway stopped", "error", err)
	}
}

// run serves on ln until ctx is cancelled, then drains in-flight requests for
// up to shutdownGrace.
func run(ctx context.Context, c config.Config, ln net.Listener, log *zap.SugaredLogger) error {
	defer ln.Close()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	dataDir := c.Server.DataDir
	if dataDir == "" { dataDir = defaultDataDir() }
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	id := instance.ID(c.Server.InstanceID)
	fetch := assets.New(log.Named("assets"))
	deps := gateway.Deps{InstanceID: id, SpeechLang: c.Services.Speech.Lang}

	// The model loads in the background so /healthz and the other endpoints
	// serve during the first download; /ner answers 500 until it is ready.
	nerStatus := "disabled"
	nerSlot := ner.NewSlot(ner.Unavailable(errors.New("ner disabled by config")))
	deps.NER = nerSlot
	nerDone := make(chan *ner.Onnx, 1)
	if c.Services.NER.Enabled {
		n := c.Services.NER
		nerStatus = "loading (model=" + n.Model + ")"
		nerSlot.Set(ner.Unavailable(errors.New("ner model still loading")))
		go func() {
			start := time.Now()
			model, err := ner.NewOnnx(ctx, ner.OnnxConfig{
				ModelDir:   filepath.Join(dataDir, "models", "ner", n.Model),
				RuntimeDir: filepath.Join(dataDir, "onnxruntime"),
				ModelURL:   n.ModelURL,
				VocabURL:   n.VocabURL,
				ConfigURL:  n.ConfigURL,
				MaxLen:     n.MaxLen,
			}, fetch, log.Named("ner"))
			if err != nil {
				log.Errorw("ner model failed to load", "model", n.Model, "error", err)
				nerSlot.Set(ner.Unavailable(err))
				nerDone <- nil
				return
			}
			nerSlot.Set(ner.Loaded(model))
			log.Infow("ner model ready", "model", n.Model, "took", time.Since(start))
			nerDone <- model
		}()
	} else {
		nerDone <- nil
	}

	translateStatus := "no key"
	if key := c.Secrets.DeepLAPIKey; key != "" {
		t := c.Services.Translate
		deps.Translator = translate.NewDeepL(t.Endpoint, key, seconds(t.TimeoutSeconds))
		translateStatus = "deepl"
	}
	imageStatus := "no key"
	if key := c.Secrets.FalAPIKey; key != "" {
		ig := c.Services.ImageGen
		deps.Images = imagegen.NewFal(ig.Endpoint, key, seconds(ig.TimeoutSeconds))
		imageStatus = "fal"
	}

	sp := c.Services.Speech
	switch sp.Backend {
	case "gtts":
		deps.Speech = tts.NewGoogleTTS("", 30*time.Second)
	default:
		p := tts.NewPiper(filepath.Join(dataDir, "bin"), filepath.Join(dataDir, "models", "tts"), sp.Voice, fetch, log.Named("tts"))
		// Warm up in the background; requests arriving first install lazily.
		go func() {
			if err := p.Prepare(ctx); err != nil && ctx.Err() == nil {
				log.Warnw("piper warm-up failed, will retry on first request", "error", err)
			}
		}()
		deps.Speech = p
	}

	handler := server.New(gateway.New(deps), server.Options{
		WS:  server.WSOptions{Enable: c.WebSocket.Enabled, PathPrefix: c.WebSocket.PathPrefix},
		Log: log.Named("http"),
	})

	srv := &http.Server{Handler: handler, ReadHeaderTimeout: 10 * time.Second}

	wsStatus := "disabled"
	if c.WebSocket.Enabled { wsStatus = "enabled (prefix=" + c.WebSocket.PathPrefix + ")" }
	log.Infow("startup summary",
		"address", ln.Addr().String(),
		"container_id", id,
		"data_dir", dataDir,
		"ner", nerStatus,
		"translate", translateStatus,
		"image_generate", imageStatus,
		"speech", deps.Speech.Model(),
		"websocket", wsStatus,
	)

	errc := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	var serveErr error
	select {
	case err := <-errc:
		serveErr = fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
		log.Infow("shutting down", "grace", shutdownGrace)
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancelShutdown()
	err := srv.Shutdown(shutdownCtx)
	// The loader gives up on downloads once ctx is done; wait for it so the
	// session is released.
	cancel()
	if model := <-nerDone; model != nil { _ = model.Close() }
	if serveErr != nil { return serveErr }
	return err
}

const shutdownGrace = 10 * time.Second

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "mlgateway")
	}
	return filepath.Join(".", ".mlgateway")
}
