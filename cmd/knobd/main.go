//go:build !rp2040 && !rp2350

// Command knobd runs the knob service on a Linux host and serves its state
// over a websocket. Build with -tags periph for real GPIO; the plain build
// runs on fake pins.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dikkadev/prettyslog"

	"knobcode-go/bus"
	"knobcode-go/internal/platform"
	"knobcode-go/services/bridge"
	"knobcode-go/services/config"
	"knobcode-go/services/heartbeat"
	"knobcode-go/services/knob"
	"knobcode-go/services/wsfeed"
)

func main() {
	cfgFile := flag.String("config", "", "YAML file merged over the device config")
	device := flag.String("device", "host", "embedded device config (host, rpi, pico)")
	listen := flag.String("listen", "", "websocket listen address (overrides wsfeed.listen)")
	logLevel := flag.String("log-level", "", "debug, info, warn or error (overrides logging.level)")
	flag.Parse()

	boot := newLogger("info")
	cfgSvc := config.NewConfigService(*device, *cfgFile, boot)
	doc, err := cfgSvc.Resolve()
	if err != nil {
		boot.Error("config", "err", err)
		os.Exit(1)
	}

	lvl := doc.LogLevel()
	if *logLevel != "" {
		lvl = *logLevel
	}
	log := newLogger(lvl)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b := bus.NewBus(16)

	knobSvc := knob.New(b.NewConnection("knob"), knob.Options{
		Pins: platform.DefaultPinFactory(),
		Log:  log,
	})
	go knobSvc.Run(ctx)
	go bridge.Start(ctx, b.NewConnection("bridge"), log)
	heartbeat.New(knobSvc.Encoder(), log).Start(ctx, b.NewConnection("heartbeat"), 0)

	addr := *listen
	if addr == "" {
		var ws struct {
			Listen string `yaml:"listen"`
		}
		if err := doc.Decode("wsfeed", &ws); err == nil {
			addr = ws.Listen
		}
	}
	var srv *http.Server
	if addr != "" {
		hub := wsfeed.NewHub(b.NewConnection("wsfeed"), log)
		go hub.Run(ctx)
		mux := http.NewServeMux()
		mux.Handle("/ws", hub)
		srv = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			log.Info("websocket feed listening", "addr", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("http server", "err", err)
				stop()
			}
		}()
	}

	// Services are subscribed before config lands, so nothing retained is
	// missed either way.
	if err := cfgSvc.Publish(b.NewConnection("config"), doc); err != nil {
		log.Error("config rejected", "err", err)
	}

	<-ctx.Done()
	log.Info("shutting down")
	if srv != nil {
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}
	// Let services publish their final state.
	time.Sleep(50 * time.Millisecond)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(prettyslog.NewPrettyslogHandler("knobd", prettyslog.WithLevel(lvl)))
}
