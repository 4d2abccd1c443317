package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"knobcode-go/bus"
	"knobcode-go/errcode"
	"knobcode-go/types"
)

func TestConfig_PublishEmbedded_RetainedPerKey(t *testing.T) {
	oldLookup := EmbeddedConfigLookup
	EmbeddedConfigLookup = func(device string) ([]byte, bool) {
		if device != "pico" {
			return nil, false
		}
		return []byte(`
mode: dev
debug: true
region: {code: eu}
knob:
  pins: {a: 2, b: 3, switch: 4}
  limits: {min: -10, max: 10}
`), true
	}
	t.Cleanup(func() { EmbeddedConfigLookup = oldLookup })

	b := bus.NewBus(16)
	conn := b.NewConnection("test-config")
	svc := NewConfigService("pico", "", nil)

	doc, err := svc.Resolve()
	if err != nil {
		t.Fatal(err)
	}
	if err := svc.Publish(conn, doc); err != nil {
		t.Fatal(err)
	}

	// Retained messages arrive on subscribe.
	sub := conn.Subscribe(bus.T(configPrefix, "#"))
	got := map[string]any{}
	deadline := time.Now().Add(600 * time.Millisecond)
	for len(got) < 4 && time.Now().Before(deadline) {
		select {
		case m := <-sub.Channel():
			key, ok := m.Topic[1].(string)
			if !ok {
				t.Fatalf("topic[1] type %T, want string", m.Topic[1])
			}
			got[key] = m.Payload
		case <-time.After(10 * time.Millisecond):
		}
	}
	if len(got) != 4 {
		t.Fatalf("expected 4 retained sections, got %v", got)
	}
	if s, ok := got["mode"].(string); !ok || s != "dev" {
		t.Fatalf("mode = %#v", got["mode"])
	}
	if v, ok := got["debug"].(bool); !ok || !v {
		t.Fatalf("debug = %#v", got["debug"])
	}
	if m, ok := got["region"].(map[string]any); !ok || m["code"] != "eu" {
		t.Fatalf("region = %#v", got["region"])
	}
	kc, ok := got["knob"].(types.KnobConfig)
	if !ok {
		t.Fatalf("knob payload type %T, want types.KnobConfig", got["knob"])
	}
	if kc.Limits.Min != -10 || kc.Limits.Max != 10 || kc.Pull != "up" || !kc.WrapOn() {
		t.Fatalf("knob config = %+v", kc)
	}
}

func TestConfig_Resolve_Errors(t *testing.T) {
	if _, err := NewConfigService("", "", nil).Resolve(); err == nil {
		t.Fatal("expected error with neither device nor file")
	}

	oldLookup := EmbeddedConfigLookup
	EmbeddedConfigLookup = func(string) ([]byte, bool) { return nil, false }
	t.Cleanup(func() { EmbeddedConfigLookup = oldLookup })
	if _, err := NewConfigService("unknown-device", "", nil).Resolve(); err == nil {
		t.Fatal("expected error for missing embedded config")
	}
}

func TestConfig_FileOverridesSections(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "knob.yaml")
	if err := os.WriteFile(path, []byte(`
logging: {level: warn}
knob:
  label: balance
  pins: {a: 5, b: 6, switch: 7}
  limits: {min: -50, max: 50}
`), 0o600); err != nil {
		t.Fatal(err)
	}

	doc, err := NewConfigService("pico", path, nil).Resolve()
	if err != nil {
		t.Fatal(err)
	}
	if doc.LogLevel() != "warn" {
		t.Fatalf("log level = %q", doc.LogLevel())
	}
	kc, err := doc.Knob()
	if err != nil {
		t.Fatal(err)
	}
	if kc.Label != "balance" || kc.Pins.A != 5 || kc.Limits.Min != -50 {
		t.Fatalf("file section not applied: %+v", kc)
	}
	if _, ok := doc["bridge"]; !ok {
		t.Fatal("embedded bridge section lost in merge")
	}
}

func TestDocument_KnobRejects(t *testing.T) {
	cases := map[string]string{
		"missing pins":  "knob: {label: x}",
		"unknown field": "knob: {pins: {a: 1, b: 2, switch: 3}, colour: red}",
		"bad limits":    "knob: {pins: {a: 1, b: 2, switch: 3}, limits: {min: 9, max: 1}}",
		"no section":    "logging: {level: info}",
	}
	for name, raw := range cases {
		doc, err := Parse([]byte(raw))
		if err != nil {
			t.Fatalf("%s: parse: %v", name, err)
		}
		if _, err := doc.Knob(); errcode.Of(err) != errcode.InvalidConfig {
			t.Errorf("%s: err = %v, want invalid_config", name, err)
		}
	}
}

func TestParse_TrailingDocument(t *testing.T) {
	if _, err := Parse([]byte("a: 1\n---\nb: 2\n")); err == nil {
		t.Fatal("trailing document accepted")
	}
	doc, err := Parse(nil)
	if err != nil || len(doc) != 0 {
		t.Fatalf("empty input: %v %v", doc, err)
	}
	if (Document{}).LogLevel() != "info" {
		t.Fatal("default log level")
	}
}

func TestEmbeddedConfigsAreValid(t *testing.T) {
	for device, raw := range embeddedConfigs {
		doc, err := Parse(raw)
		if err != nil {
			t.Fatalf("%s: %v", device, err)
		}
		if _, err := doc.Knob(); err != nil {
			t.Fatalf("%s: %v", device, err)
		}
	}
}
