//go:build rp2040 || rp2350

// Firmware for a Pico with the knob on GP2/GP3/GP4, the frame link on
// UART0 and an optional SH1106 panel on I2C0.
package main

import (
	"context"
	"log/slog"
	"os"
	"runtime"
	"time"

	"knobcode-go/bus"
	"knobcode-go/services/bridge"
	"knobcode-go/services/config"
	"knobcode-go/services/display"
	"knobcode-go/services/heartbeat"
	"knobcode-go/services/knob"
)

func main() {
	// Allow USB CDC to enumerate before we print.
	time.Sleep(2 * time.Second)
	ctx := context.Background()

	println("[main] resolving config …")
	cfgSvc := config.NewConfigService("pico", "", nil)
	doc, err := cfgSvc.Resolve()
	if err != nil {
		println("[main] config error:", err.Error())
		return
	}

	var lvl slog.Level
	_ = lvl.UnmarshalText([]byte(doc.LogLevel()))
	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))

	println("[main] bootstrapping bus …")
	b := bus.NewBus(8)

	println("[main] starting knob …")
	knobSvc := knob.New(b.NewConnection("knob"), knob.Options{Log: log})
	go knobSvc.Run(ctx)

	println("[main] starting bridge …")
	go bridge.Start(ctx, b.NewConnection("bridge"), log)

	var dc display.Config
	if err := doc.Decode("display", &dc); err == nil && dc.Enabled {
		println("[main] starting display …")
		if panel, err := display.NewSH1106(dc); err != nil {
			println("[main] display error:", err.Error())
		} else {
			go display.New(b.NewConnection("display"), panel, log).Run(ctx)
		}
	}

	heartbeat.New(knobSvc.Encoder(), log).Start(ctx, b.NewConnection("heartbeat"), 0)

	println("[main] publishing config …")
	if err := cfgSvc.Publish(b.NewConnection("config"), doc); err != nil {
		println("[main] config rejected:", err.Error())
	}

	for {
		time.Sleep(30 * time.Second)
		printMem()
	}
}

// printMem prints a compact snapshot of TinyGo runtime memory stats.
func printMem() {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	println(
		"[mem]",
		"alloc:", uint32(ms.Alloc),
		"heapInuse:", uint32(ms.HeapInuse),
		"mallocs:", uint32(ms.Mallocs),
		"frees:", uint32(ms.Frees),
	)
}
