// Package heartbeat periodically reports uptime and encoder edge counters.
//
//	config/heartbeat   in   {interval_s}
//	sys/heartbeat      out  Beat (retained)
package heartbeat

import (
	"context"
	"encoding/json"
	"log/slog"
	"reflect"
	"time"

	"knobcode-go/bus"
	"knobcode-go/drivers/encoder"
	"knobcode-go/x/timex"
)

var (
	topicConfigHeartbeat = bus.T("config", "heartbeat")
	topicHeartbeat       = bus.T("sys", "heartbeat")
)

const DefaultInterval = 10 * time.Second

// StatsSource is satisfied by *encoder.Encoder.
type StatsSource interface {
	Stats() encoder.Stats
	Position() int
}

// Beat is one report.
type Beat struct {
	Seq      uint32 `json:"seq"`
	UptimeS  int64  `json:"uptime_s"`
	Position int    `json:"position"`
	Accepted uint32 `json:"accepted"`
	Fast     uint32 `json:"fast"`
	Ignored  uint32 `json:"ignored"`
}

type Config struct {
	IntervalS float64 `json:"interval_s" yaml:"interval_s"`
}

type Service struct {
	src   StatsSource
	log   *slog.Logger
	start int64
	seq   uint32
}

func New(src StatsSource, log *slog.Logger) *Service {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Service{src: src, log: log.With("service", "heartbeat")}
}

func (s *Service) serviceLoop(ctx context.Context, conn *bus.Connection, every time.Duration) {
	cfgSub := conn.Subscribe(topicConfigHeartbeat)
	defer conn.Unsubscribe(cfgSub)

	tick := time.NewTicker(every)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("heartbeat stopping")
			return
		case <-tick.C:
			s.beat(conn)
		case msg, ok := <-cfgSub.Channel():
			if !ok {
				return
			}
			if d, ok := intervalFrom(msg.Payload); ok {
				tick.Reset(d)
				s.log.Info("heartbeat interval set", "interval", d)
			}
		}
	}
}

func (s *Service) beat(conn *bus.Connection) Beat {
	s.seq++
	st := s.src.Stats()
	b := Beat{
		Seq:      s.seq,
		UptimeS:  (timex.NowMs() - s.start) / 1000,
		Position: s.src.Position(),
		Accepted: st.Accepted,
		Fast:     st.Fast,
		Ignored:  st.Ignored,
	}
	conn.Publish(conn.NewMessage(topicHeartbeat, b, true))
	s.log.Debug("heartbeat", "seq", b.Seq, "position", b.Position, "accepted", b.Accepted, "ignored", b.Ignored)
	return b
}

// intervalFrom accepts Config or any map shaped like it, as published by
// the config service.
func intervalFrom(p any) (time.Duration, bool) {
	var c Config
	switch v := p.(type) {
	case Config:
		c = v
	default:
		if reflect.ValueOf(p).Kind() != reflect.Map {
			return 0, false
		}
		raw, err := json.Marshal(v)
		if err != nil || json.Unmarshal(raw, &c) != nil {
			return 0, false
		}
	}
	if c.IntervalS <= 0 {
		return 0, false
	}
	return time.Duration(c.IntervalS * float64(time.Second)), true
}

// Start the heartbeat service.
func (s *Service) Start(ctx context.Context, conn *bus.Connection, every time.Duration) {
	if every <= 0 {
		every = DefaultInterval
	}
	s.start = timex.NowMs()
	go s.serviceLoop(ctx, conn, every)
}
