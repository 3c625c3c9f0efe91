package call

import (
	"encoding/json"
	"testing"
	"time"
)

func TestFormatDuration(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   int
		want string
	}{
		{0, "0:00"},
		{5, "0:05"},
		{59, "0:59"},
		{60, "1:00"},
		{75, "1:15"},
		{3600, "60:00"},
		{-3, "0:00"},
	}
	for _, tt := range tests {
		if got := FormatDuration(tt.in); got != tt.want {
			t.Errorf("FormatDuration(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestParseCommand(t *testing.T) {
	t.Parallel()

	for _, c := range []Command{StartRequested, EndRequested, MuteToggled} {
		got, err := ParseCommand(c.String())
		if err != nil || got != c {
			t.Errorf("ParseCommand(%q) = %v, %v", c.String(), got, err)
		}
	}
	if got, err := ParseCommand(" MUTE "); err != nil || got != MuteToggled {
		t.Errorf("ParseCommand is not case-insensitive: %v, %v", got, err)
	}
	if _, err := ParseCommand("dial"); err == nil {
		t.Error("expected error for unknown command")
	}
}

func TestSnapshot_JSON(t *testing.T) {
	t.Parallel()

	data, err := json.Marshal(Snapshot{SessionID: "s", State: StateActive, Duration: 75})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got["state"] != "active" {
		t.Errorf("state = %v, want active", got["state"])
	}
	if got["duration"] != float64(75) {
		t.Errorf("duration = %v, want 75", got["duration"])
	}
}

func TestHub_ReplaysLatestAndFansOut(t *testing.T) {
	t.Parallel()

	h := NewHub()
	h.Publish(Snapshot{State: StateConnecting})

	a, cancelA := h.Subscribe()
	b, cancelB := h.Subscribe()
	defer cancelB()

	for _, ch := range []<-chan Snapshot{a, b} {
		select {
		case s := <-ch:
			if s.State != StateConnecting {
				t.Errorf("replayed %v, want connecting", s.State)
			}
		case <-time.After(time.Second):
			t.Fatal("no replay")
		}
	}

	cancelA()
	cancelA()
	if _, ok := <-a; ok {
		t.Error("cancelled channel still open")
	}
	if h.Subscribers() != 1 {
		t.Errorf("subscribers = %d, want 1", h.Subscribers())
	}

	h.Publish(Snapshot{State: StateActive})
	if s := <-b; s.State != StateActive {
		t.Errorf("got %v, want active", s.State)
	}
}

func TestHub_SlowSubscriberDoesNotBlock(t *testing.T) {
	t.Parallel()

	h := NewHub()
	_, cancel := h.Subscribe()
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := range 10 * defaultSubscriberBuffer {
			h.Publish(Snapshot{Duration: i})
		}
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}
}

func TestState_TextRoundTrip(t *testing.T) {
	t.Parallel()

	for st := StateIdle; st <= StateEnded; st++ {
		b, err := st.MarshalText()
		if err != nil {
			t.Fatalf("MarshalText(%v): %v", st, err)
		}
		var got State
		if err := got.UnmarshalText(b); err != nil || got != st {
			t.Errorf("UnmarshalText(%q) = %v, %v", b, got, err)
		}
	}
	var s State
	if err := s.UnmarshalText([]byte("ringing")); err == nil {
		t.Error("expected error for unknown state")
	}
}
