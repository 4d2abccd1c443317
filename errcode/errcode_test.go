package errcode

import (
	"errors"
	"fmt"
	"io"
	"testing"
)

func TestOf(t *testing.T) {
	if Of(nil) != OK {
		t.Fatal("nil error should map to ok")
	}
	if Of(UnknownPin) != UnknownPin {
		t.Fatal("bare code should map to itself")
	}
	if Of(errors.New("boom")) != Error {
		t.Fatal("foreign error should map to generic error")
	}
	w := Wrap(LinkDown, "bridge.write", io.ErrClosedPipe)
	if Of(w) != LinkDown {
		t.Fatalf("wrapped code = %q", Of(w))
	}
	if !errors.Is(w, io.ErrClosedPipe) {
		t.Fatal("wrapped cause not reachable via errors.Is")
	}
	if got := w.Error(); got != "bridge.write: link_down: io: read/write on closed pipe" {
		t.Fatalf("Error() = %q", got)
	}
}

func TestOfThroughFmtWrap(t *testing.T) {
	inner := &E{C: InvalidConfig, Op: "config.knob", Msg: "limits"}
	outer := fmt.Errorf("loading: %w", inner)
	if Of(outer) != InvalidConfig {
		t.Fatalf("Of = %q", Of(outer))
	}
	if Of(fmt.Errorf("x: %w", Busy)) != Busy {
		t.Fatal("wrapped bare code lost")
	}
}
