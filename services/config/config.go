// Package config resolves the device configuration and publishes it on the
// bus as retained messages, one per top-level section.
package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"knobcode-go/bus"
	"knobcode-go/errcode"
	"knobcode-go/types"
)

const (
	serviceName  = "config"
	configPrefix = "config"
	knobKey      = "knob"
)

// EmbeddedConfigLookup allows overriding how configs are resolved.
var EmbeddedConfigLookup = func(device string) ([]byte, bool) {
	b, ok := embeddedConfigs[device]
	return b, ok
}

// -----------------------------------------------------------------------------
// Document
// -----------------------------------------------------------------------------

// Document is a parsed configuration keyed by top-level section.
type Document map[string]any

// Parse decodes a single YAML mapping. Sections stay plain map[string]any;
// decoding straight into Document would make yaml reuse the named type for
// every nested mapping.
func Parse(raw []byte) (Document, error) {
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		if errors.Is(err, io.EOF) {
			return Document{}, nil
		}
		return nil, fmt.Errorf("decode config yaml: %w", err)
	}
	if err := dec.Decode(&struct{}{}); err == nil {
		return nil, errors.New("decode config yaml: unexpected trailing document")
	}
	if m == nil {
		return Document{}, nil
	}
	return Document(m), nil
}

// LoadFile reads and parses a YAML config file.
func LoadFile(path string) (Document, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(b)
}

// Merge returns d with every section of o replacing its counterpart.
func (d Document) Merge(o Document) Document {
	out := make(Document, len(d)+len(o))
	for k, v := range d {
		out[k] = v
	}
	for k, v := range o {
		out[k] = v
	}
	return out
}

// Decode re-encodes section key and decodes it strictly into v. A missing
// section leaves v untouched.
func (d Document) Decode(key string, v any) error {
	sec, ok := d[key]
	if !ok {
		return nil
	}
	raw, err := yaml.Marshal(sec)
	if err != nil {
		return err
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("section %q: %w", key, err)
	}
	return nil
}

// Knob decodes and validates the knob section.
func (d Document) Knob() (types.KnobConfig, error) {
	if _, ok := d[knobKey]; !ok {
		return types.KnobConfig{}, &errcode.E{C: errcode.InvalidConfig, Op: "config.knob", Msg: "missing knob section"}
	}
	cfg := types.KnobConfig{Pins: types.KnobPins{A: -1, B: -1, Switch: -1}}
	if err := d.Decode(knobKey, &cfg); err != nil {
		return cfg, errcode.Wrap(errcode.InvalidConfig, "config.knob", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, errcode.Wrap(errcode.InvalidConfig, "config.knob", err)
	}
	return cfg, nil
}

// LogLevel returns logging.level, or "info".
func (d Document) LogLevel() string {
	var l struct {
		Level string `yaml:"level"`
	}
	if err := d.Decode("logging", &l); err != nil || l.Level == "" {
		return "info"
	}
	return l.Level
}

// -----------------------------------------------------------------------------
// Config Service
// -----------------------------------------------------------------------------

type ConfigService struct {
	Name   string
	Device string // embedded config to start from
	File   string // optional override file
	log    *slog.Logger
}

func NewConfigService(device, file string, log *slog.Logger) *ConfigService {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &ConfigService{Name: serviceName, Device: device, File: file, log: log.With("service", serviceName)}
}

// Resolve merges the embedded document for Device with File.
func (s *ConfigService) Resolve() (Document, error) {
	doc := Document{}
	if s.Device != "" {
		raw, ok := EmbeddedConfigLookup(s.Device)
		if !ok || len(raw) == 0 {
			return nil, errors.New("no embedded config for device: " + s.Device)
		}
		emb, err := Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("embedded config %q: %w", s.Device, err)
		}
		doc = emb
	}
	if s.File != "" {
		f, err := LoadFile(s.File)
		if err != nil {
			return nil, err
		}
		doc = doc.Merge(f)
	}
	if len(doc) == 0 {
		return nil, errors.New("missing device ID and config file")
	}
	return doc, nil
}

// Publish puts every section on config/<key> as a retained message. The
// knob section is validated and published as types.KnobConfig.
func (s *ConfigService) Publish(conn *bus.Connection, doc Document) error {
	var firstErr error
	for k, v := range doc {
		payload := v
		if k == knobKey {
			kc, err := doc.Knob()
			if err != nil {
				s.log.Error("knob config rejected", "err", err)
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			payload = kc
		}
		conn.Publish(conn.NewMessage(bus.T(configPrefix, k), payload, true))
		s.log.Debug("published", "section", k)
	}
	return firstErr
}

// Start resolves and publishes in a goroutine; failures are logged.
func (s *ConfigService) Start(ctx context.Context, conn *bus.Connection) {
	go func() {
		if ctx.Err() != nil {
			return
		}
		doc, err := s.Resolve()
		if err != nil {
			s.log.Error("resolve failed", "err", err)
			return
		}
		_ = s.Publish(conn, doc)
	}()
}
