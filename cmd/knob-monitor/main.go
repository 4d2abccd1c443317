//go:build !rp2040 && !rp2350

// Command knob-monitor prints the frames a knob device sends over serial.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/dikkadev/prettyslog"

	"knobcode-go/drivers/encoder"
	"knobcode-go/internal/halcore"
	"knobcode-go/internal/platform"
	"knobcode-go/protocol"
)

func main() {
	list := flag.Bool("list", false, "list serial ports and exit")
	port := flag.String("port", "", "serial port (e.g. /dev/ttyACM0)")
	baud := flag.Int("baud", platform.DefaultBaud, "baud rate")
	debug := flag.Bool("debug", false, "log checksum and sync errors")
	flag.Parse()

	lvl := slog.LevelInfo
	if *debug {
		lvl = slog.LevelDebug
	}
	log := slog.New(prettyslog.NewPrettyslogHandler("mon", prettyslog.WithLevel(lvl)))

	if *list {
		ports, err := platform.SerialPorts()
		if err != nil {
			log.Error("list ports", "err", err)
			os.Exit(1)
		}
		for _, p := range ports {
			fmt.Println(p)
		}
		return
	}
	if *port == "" {
		log.Error("no serial port given; use -port or -list")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	link, err := platform.DialSerial(ctx, halcore.SerialConfig{Name: *port, Baud: *baud})
	if err != nil {
		log.Error("open", "port", *port, "err", err)
		os.Exit(1)
	}
	defer link.Close()
	log.Info("listening", "port", *port, "baud", *baud)

	var dec protocol.Decoder
	var dropped, bad int
	buf := make([]byte, 64)
	for {
		n, err := link.Read(buf)
		for _, f := range dec.Feed(buf[:n]) {
			logFrame(log, f)
		}
		if dec.Dropped != dropped || dec.BadSums != bad {
			dropped, bad = dec.Dropped, dec.BadSums
			log.Debug("decoder", "dropped", dropped, "bad_checksums", bad)
		}
		if err != nil {
			if ctx.Err() == nil {
				log.Error("read", "err", err)
			}
			return
		}
	}
}

func logFrame(log *slog.Logger, f protocol.Frame) {
	switch f.Type {
	case protocol.TypePosition:
		log.Info("position", "value", f.Value)
	case protocol.TypePress:
		log.Info("press", "kind", encoder.Press(f.Value).String())
	case protocol.TypeSwitch:
		log.Info("switch", "level", f.Value != 0)
	default:
		log.Warn("unknown frame", "frame", f.String())
	}
}
