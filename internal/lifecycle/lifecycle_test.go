package lifecycle

import (
	"testing"
	"time"
)

func TestParseEvent(t *testing.T) {
	for _, s := range []string{"mounted", "unmounted", "focusRegained", "visibilityRegained"} {
		if _, err := ParseEvent(s); err != nil {
			t.Errorf("ParseEvent(%q) error: %v", s, err)
		}
	}
	if _, err := ParseEvent("blur"); err == nil {
		t.Error("ParseEvent(blur) should fail")
	}
}

func TestRegained(t *testing.T) {
	tests := map[Event]bool{
		Mounted:            true,
		FocusRegained:      true,
		VisibilityRegained: true,
		Unmounted:          false,
	}
	for e, want := range tests {
		if got := e.Regained(); got != want {
			t.Errorf("%s.Regained() = %v, want %v", e, got, want)
		}
	}
}

func TestBusDelivers(t *testing.T) {
	b := NewBus()
	ch1, unsub1 := b.Subscribe(4)
	defer unsub1()
	ch2, unsub2 := b.Subscribe(4)
	defer unsub2()

	b.Publish(FocusRegained)

	for i, ch := range []<-chan Event{ch1, ch2} {
		select {
		case e := <-ch:
			if e != FocusRegained {
				t.Errorf("subscriber %d got %s", i, e)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d got nothing", i)
		}
	}
}

func TestBusPublishNeverBlocks(t *testing.T) {
	b := NewBus()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			b.Publish(Mounted)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish() blocked on a full subscriber")
	}
	if len(ch) != 1 {
		t.Errorf("buffered events = %d, want 1", len(ch))
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := NewBus()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()

	if _, ok := <-ch; ok {
		t.Error("channel should be closed after unsubscribe")
	}
	// Publishing after unsubscribe must not panic on the closed channel.
	b.Publish(Mounted)
}
