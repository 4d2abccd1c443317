package bridge

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"knobcode-go/bus"
	"knobcode-go/protocol"
	"knobcode-go/types"
)

func TestBridge_MirrorsKnobStateOverLink(t *testing.T) {
	b := bus.NewBus(16)
	conn := b.NewConnection("bridge_test")

	// Retained position exists before the link comes up and must be synced.
	conn.Publish(conn.NewMessage(bus.T("knob", "position"), types.PositionValue{Value: 27, Max: 255}, true))

	remotes := make(chan net.Conn, 4)
	prevDial := UARTDial
	defer func() { UARTDial = prevDial }()
	UARTDial = func(ctx context.Context, _ UARTConfig) (io.ReadWriteCloser, error) {
		lc, rc := net.Pipe()
		remotes <- rc
		return lc, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stateSub := conn.Subscribe(bus.T("bridge", "state"))
	defer conn.Unsubscribe(stateSub)
	ctrlSub := conn.Subscribe(bus.T("knob", "control", "set_position"))
	defer conn.Unsubscribe(ctrlSub)

	go Start(ctx, conn, nil)
	assertLevelStatus(t, nextStatePayload(t, stateSub, 500*time.Millisecond), "idle", "awaiting_config")

	cfg := `{"transport":{"type":"uart","uart":{"port":"uart0","baud":115200,"rx_pin":1,"tx_pin":0}}}`
	conn.Publish(conn.NewMessage(bus.T("config", "bridge"), cfg, true))
	assertLevelStatus(t, nextStatePayload(t, stateSub, time.Second), "up", "link_established")

	var remote net.Conn
	select {
	case remote = <-remotes:
	case <-time.After(time.Second):
		t.Fatal("dialler not called")
	}

	if f := readFrame(t, remote); f != (protocol.Frame{Type: protocol.TypePosition, Value: 27}) {
		t.Fatalf("first frame = %v, want retained position 27", f)
	}

	conn.Publish(conn.NewMessage(bus.T("knob", "press"), types.PressEvent{Press: "short", TsMs: 1}, false))
	if f := readFrame(t, remote); f != (protocol.Frame{Type: protocol.TypePress, Value: 2}) {
		t.Fatalf("press frame = %v", f)
	}

	// Peer asks for a new position.
	go func() {
		_, _ = remote.Write(protocol.Marshal(nil, protocol.Frame{Type: protocol.TypePosition, Value: 99}))
	}()
	select {
	case m := <-ctrlSub.Channel():
		if sp, ok := m.Payload.(types.SetPosition); !ok || sp.Value != 99 {
			t.Fatalf("set_position payload = %#v", m.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("inbound frame not forwarded")
	}

	_ = remote.Close()
	assertLevelStatus(t, nextStatePayload(t, stateSub, time.Second), "degraded", "link_lost_retrying")
}

func TestBridge_UnknownTransportYieldsErrorState(t *testing.T) {
	b := bus.NewBus(8)
	conn := b.NewConnection("bridge_test_bad")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stateSub := conn.Subscribe(bus.T("bridge", "state"))
	defer conn.Unsubscribe(stateSub)
	go Start(ctx, conn, nil)

	_ = nextStatePayload(t, stateSub, 500*time.Millisecond) // awaiting_config

	conn.Publish(conn.NewMessage(bus.T("config", "bridge"), `{"transport":{"type":"bogus"}}`, false))
	assertLevelStatus(t, nextStatePayload(t, stateSub, time.Second), "error", "transport_init_failed")
}

func TestFrameFor(t *testing.T) {
	cases := []struct {
		topic   bus.Topic
		payload any
		want    protocol.Frame
		ok      bool
	}{
		{bus.T("knob", "position"), types.PositionValue{Value: -4, Min: -10, Max: 10}, protocol.Frame{Type: protocol.TypePosition, Value: -4}, true},
		{bus.T("knob", "press"), types.PressEvent{Press: "timeout"}, protocol.Frame{Type: protocol.TypePress, Value: 3}, true},
		{bus.T("knob", "press"), types.PressEvent{Press: "double"}, protocol.Frame{}, false},
		{bus.T("knob", "switch"), types.SwitchValue{Level: true}, protocol.Frame{Type: protocol.TypeSwitch, Value: 1}, true},
		{bus.T("knob", "state"), types.KnobState{Level: "up"}, protocol.Frame{}, false},
		{bus.T("knob", "position"), nil, protocol.Frame{}, false},
	}
	for _, c := range cases {
		got, ok := frameFor(&bus.Message{Topic: c.topic, Payload: c.payload})
		if ok != c.ok || got != c.want {
			t.Errorf("%v %#v: got %v,%v want %v,%v", c.topic, c.payload, got, ok, c.want, c.ok)
		}
	}
}

func TestDecodeConfigFromSectionMap(t *testing.T) {
	section := map[string]any{
		"transport": map[string]any{
			"type": "uart",
			"uart": map[string]any{"port": "/dev/ttyACM0", "baud": 9600},
		},
	}
	cfg, err := decodeConfig(section)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Transport.Type != "uart" || cfg.Transport.UART == nil || cfg.Transport.UART.Port != "/dev/ttyACM0" || cfg.Transport.UART.Baud != 9600 {
		t.Fatalf("cfg = %+v", cfg)
	}
	if _, err := decodeConfig(42); err == nil {
		t.Fatal("int payload accepted")
	}
}

func TestBackoffSeqDoublesToCap(t *testing.T) {
	next := backoffSeq(250*time.Millisecond, time.Second)
	want := []time.Duration{250 * time.Millisecond, 500 * time.Millisecond, time.Second, time.Second}
	for i, w := range want {
		if got := next(); got != w {
			t.Fatalf("step %d = %v, want %v", i, got, w)
		}
	}
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func readFrame(t *testing.T, c net.Conn) protocol.Frame {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, protocol.FrameLen)
	if _, err := io.ReadFull(c, buf); err != nil {
		t.Fatalf("reading frame: %v", err)
	}
	f, err := protocol.Unmarshal(buf)
	if err != nil {
		t.Fatalf("decoding % x: %v", buf, err)
	}
	return f
}

func nextStatePayload(t *testing.T, sub *bus.Subscription, d time.Duration) map[string]any {
	t.Helper()
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case m := <-sub.Channel():
		p, ok := m.Payload.(map[string]any)
		if !ok {
			t.Fatalf("state payload type: got %T, want map[string]any", m.Payload)
		}
		return p
	case <-timer.C:
		t.Fatalf("timeout waiting for bridge/state")
		return nil
	}
}

func assertLevelStatus(t *testing.T, payload map[string]any, wantLevel, wantStatus string) {
	t.Helper()
	gotLevel, _ := payload["level"].(string)
	gotStatus, _ := payload["status"].(string)
	if gotLevel != wantLevel || gotStatus != wantStatus {
		t.Fatalf("unexpected state: level=%q status=%q, want level=%q status=%q (payload=%v)",
			gotLevel, gotStatus, wantLevel, wantStatus, payload)
	}
}
