package bus

import (
	"context"
	"sort"
	"testing"
	"time"
)

// position mirrors the shape the knob service publishes; the bus only sees
// an opaque payload.
type position struct{ Value, Min, Max int }

func TestPositionUpdateReachesSubscriber(t *testing.T) {
	b := NewBus(4)
	knob := b.NewConnection("knob")
	display := b.NewConnection("display")

	sub := display.Subscribe(T("knob", "position"))
	knob.Publish(knob.NewMessage(T("knob", "position"), position{27, 0, 255}, false))

	select {
	case m := <-sub.Channel():
		if p, ok := m.Payload.(position); !ok || p.Value != 27 {
			t.Fatalf("payload = %#v", m.Payload)
		}
		if m.Retained {
			t.Fatal("non-retained publish arrived as retained")
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("position not delivered")
	}
}

func TestLateSubscriberGetsLatestRetainedPosition(t *testing.T) {
	b := NewBus(4)
	knob := b.NewConnection("knob")
	for _, v := range []int{32, 31, 30} {
		knob.Publish(knob.NewMessage(T("knob", "position"), position{v, 0, 255}, true))
	}

	late := b.NewConnection("wsfeed").Subscribe(T("knob", "position"))
	select {
	case m := <-late.Channel():
		if p := m.Payload.(position); p.Value != 30 {
			t.Fatalf("retained value = %d, want 30", p.Value)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("retained position not delivered")
	}
	// Only the latest value is retained.
	expectNoMessage(t, late)
}

// -----------------------------------------------------------------------------
// Wildcards
// -----------------------------------------------------------------------------

func TestPressFansOutToExactAndWildcardSubscribers(t *testing.T) {
	b := NewBus(8)
	knob := b.NewConnection("knob")
	c := b.NewConnection("consumers")

	exact := c.Subscribe(T("knob", "press"))
	oneLevel := c.Subscribe(T("knob", "+"))
	everything := c.Subscribe(T("#"))
	anyService := c.Subscribe(T("+", "press"))
	switchOnly := c.Subscribe(T("knob", "switch"))

	knob.Publish(knob.NewMessage(T("knob", "press"), "short", false))

	expectOneOf(t, exact, "short")
	expectOneOf(t, oneLevel, "short")
	expectOneOf(t, everything, "short")
	expectOneOf(t, anyService, "short")
	expectNoMessage(t, switchOnly)
}

func TestSingleLevelWildcardSkipsControlTopics(t *testing.T) {
	b := NewBus(8)
	c := b.NewConnection("bridge")
	state := c.Subscribe(T("knob", "+"))
	verbs := c.Subscribe(T("knob", "control", "+"))

	c.Publish(b.NewMessage(T("knob", "control", "set_position"), "99", false))
	expectOneOf(t, verbs, "99")
	expectNoMessage(t, state)

	// A shorter topic matches neither.
	c.Publish(b.NewMessage(T("knob"), "bare", false))
	expectNoMessage(t, state)
	expectNoMessage(t, verbs)
}

func TestMultiLevelWildcardIncludesParent(t *testing.T) {
	b := NewBus(16)
	c := b.NewConnection("monitor")

	knobAll := c.Subscribe(T("knob", "#"))
	controlAll := c.Subscribe(T("knob", "control", "#"))
	bare := c.Subscribe(T("knob"))

	c.Publish(b.NewMessage(T("knob"), "k", false))
	expectOneOf(t, knobAll, "k")
	expectOneOf(t, bare, "k")
	expectNoMessage(t, controlAll)

	c.Publish(b.NewMessage(T("knob", "control", "set_limits"), "lim", false))
	expectOneOf(t, knobAll, "lim")
	expectOneOf(t, controlAll, "lim")
	expectNoMessage(t, bare)

	c.Publish(b.NewMessage(T("bridge", "state"), "up", false))
	expectNoMessage(t, knobAll)
}

func TestWildcardSubscriberReceivesRetainedKnobState(t *testing.T) {
	b := NewBus(32)
	knob := b.NewConnection("knob")
	knob.Publish(b.NewMessage(T("knob", "position"), "30", true))
	knob.Publish(b.NewMessage(T("knob", "switch"), "up", true))
	knob.Publish(b.NewMessage(T("knob", "state"), "started", true))
	knob.Publish(b.NewMessage(T("knob", "press"), "short", false)) // not retained
	knob.Publish(b.NewMessage(T("config", "knob"), "cfg", true))

	c := b.NewConnection("wsfeed")
	assertUnorderedEqual(t, drainPayloads(t, c.Subscribe(T("knob", "#")), 3),
		[]string{"30", "up", "started"})
	assertUnorderedEqual(t, drainPayloads(t, c.Subscribe(T("+", "knob")), 1),
		[]string{"cfg"})
	assertUnorderedEqual(t, drainPayloads(t, c.Subscribe(T("#")), 4),
		[]string{"30", "up", "started", "cfg"})
}

func TestRetainedNilClearsState(t *testing.T) {
	b := NewBus(16)
	knob := b.NewConnection("knob")
	knob.Publish(b.NewMessage(T("knob", "state"), "started", true))
	knob.Publish(b.NewMessage(T("knob", "position"), "30", true))

	knob.Publish(b.NewMessage(T("knob", "state"), nil, true))

	got := drainPayloads(t, b.NewConnection("late").Subscribe(T("knob", "#")), 1)
	if got[0] != "30" {
		t.Fatalf("after clear got %v, want [30]", got)
	}
}

// -----------------------------------------------------------------------------
// Control request/reply
// -----------------------------------------------------------------------------

// serveControl answers one request on topic with reply.
func serveControl(conn *Connection, topic Topic, reply any) *Subscription {
	sub := conn.Subscribe(topic)
	go func() {
		if m, ok := <-sub.Channel(); ok {
			conn.Reply(m, reply, false)
		}
	}()
	return sub
}

func TestSetPositionRequestWait(t *testing.T) {
	b := NewBus(8)
	knob := b.NewConnection("knob")
	ui := b.NewConnection("ui")

	verb := T("knob", "control", "set_position")
	defer knob.Unsubscribe(serveControl(knob, verb, "clamped"))

	req := ui.NewMessage(verb, 300, false)
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	reply, err := ui.RequestWait(ctx, req)
	if err != nil {
		t.Fatalf("RequestWait: %v", err)
	}
	if reply.Payload != "clamped" {
		t.Fatalf("reply = %#v", reply.Payload)
	}
	if !reply.Topic.Equal(req.ReplyTo) || reply.Topic[0] != "_reply" || reply.Topic[1] != "ui" {
		t.Fatalf("reply topic %v, request ReplyTo %v", reply.Topic, req.ReplyTo)
	}
}

func TestRequestWaitTimesOutWithoutKnobService(t *testing.T) {
	b := NewBus(8)
	ui := b.NewConnection("ui")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := ui.RequestWait(ctx, ui.NewMessage(T("knob", "control", "set_limits"), nil, false)); err == nil {
		t.Fatal("expected timeout with no responder")
	}
}

func TestConcurrentRequestsGetOwnReplies(t *testing.T) {
	b := NewBus(8)
	knob := b.NewConnection("knob")
	ui := b.NewConnection("ui")

	verb := T("knob", "control", "set_limits")
	sub := knob.Subscribe(verb)
	defer knob.Unsubscribe(sub)
	go func() {
		for m := range sub.Channel() {
			knob.Reply(m, m.Payload, false)
		}
	}()

	r1 := ui.Request(ui.NewMessage(verb, "0..100", false))
	r2 := ui.Request(ui.NewMessage(verb, "-10..10", false))
	defer ui.Unsubscribe(r1)
	defer ui.Unsubscribe(r2)

	expectOneOf(t, r1, "0..100")
	expectOneOf(t, r2, "-10..10")
}

// -----------------------------------------------------------------------------
// helpers
// -----------------------------------------------------------------------------

func expectOneOf(t *testing.T, sub *Subscription, want string) {
	t.Helper()
	select {
	case got := <-sub.Channel():
		s, ok := got.Payload.(string)
		if !ok || s != want {
			t.Fatalf("unexpected payload: %v (want %q)", got.Payload, want)
		}
	case <-time.After(200 * time.Millisecond):
		t.Fatalf("timeout waiting for %q", want)
	}
}

func expectNoMessage(t *testing.T, sub *Subscription) {
	t.Helper()
	select {
	case got := <-sub.Channel():
		t.Fatalf("unexpected message: %#v", got)
	case <-time.After(60 * time.Millisecond):
	}
}

func drainPayloads(t *testing.T, sub *Subscription, n int) []string {
	t.Helper()
	var out []string
	deadline := time.Now().Add(300 * time.Millisecond)
	for len(out) < n && time.Now().Before(deadline) {
		select {
		case m := <-sub.Channel():
			s, ok := m.Payload.(string)
			if !ok {
				t.Fatalf("non-string payload: %#v", m.Payload)
			}
			out = append(out, s)
		case <-time.After(10 * time.Millisecond):
		}
	}
	if len(out) != n {
		t.Fatalf("expected %d messages, got %d (%v)", n, len(out), out)
	}
	return out
}

func assertUnorderedEqual(t *testing.T, got, want []string) {
	t.Helper()
	sort.Strings(got)
	sort.Strings(want)
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range got {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestTopic_InvalidTokenPanics(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected panic for non-comparable token, got none")
		}
	}()

	// []byte is not comparable, so T should panic
	_ = T([]byte{1, 2, 3})
}

func TestTopic_MatchAndString(t *testing.T) {
	cases := []struct {
		topic, pattern Topic
		want           bool
	}{
		{T("knob", "position"), T("knob", "position"), true},
		{T("knob", "position"), T("knob", "+"), true},
		{T("knob", "position"), T("knob", "#"), true},
		{T("knob"), T("knob", "#"), true},
		{T("knob", "control", "set_limits"), T("knob", "+"), false},
		{T("knob", 1), T("knob", 1), true},
		{T("knob", 1), T("knob", "1"), false},
		{T("bridge", "state"), T("knob", "#"), false},
	}
	for _, c := range cases {
		if got := c.topic.Match(c.pattern); got != c.want {
			t.Errorf("%v matches %v = %v, want %v", c.topic, c.pattern, got, c.want)
		}
	}
	if s := T("knob", "control", 7).String(); s != "knob/control/7" {
		t.Fatalf("String = %q", s)
	}
}

func TestQueueDropsOldest(t *testing.T) {
	b := NewBus(2)
	c := b.NewConnection("test")
	s := c.Subscribe(T("knob", "press"))
	for _, p := range []string{"short", "long", "timeout"} {
		c.Publish(b.NewMessage(T("knob", "press"), p, false))
	}
	got := drainPayloads(t, s, 2)
	if got[0] != "long" || got[1] != "timeout" {
		t.Fatalf("got %v, want [long timeout]", got)
	}
}

func TestUnsubscribeTwiceAndDisconnect(t *testing.T) {
	b := NewBus(4)
	c := b.NewConnection("test")
	s1 := c.Subscribe(T("knob", "#"))
	s2 := c.Subscribe(T("knob", "switch"))
	s1.Unsubscribe()
	s1.Unsubscribe()
	c.Disconnect()
	if _, ok := <-s1.Channel(); ok {
		t.Fatal("s1 channel still open")
	}
	if _, ok := <-s2.Channel(); ok {
		t.Fatal("s2 channel still open after Disconnect")
	}
	// Publishing after everyone left must not panic.
	c.Publish(b.NewMessage(T("knob", "switch"), true, false))
}

func TestReplyWithoutReplyTo(t *testing.T) {
	b := NewBus(4)
	c := b.NewConnection("test")
	if c.Reply(b.NewMessage(T("knob", "state"), nil, false), "x", false) {
		t.Fatal("Reply without ReplyTo reported success")
	}
}
