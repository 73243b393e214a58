package capbroker

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/capone-project/cpn/internal/wire"
)

func TestPublishThenWaitDelivers(t *testing.T) {
	b := New()
	var cap wire.CapabilityMessage
	cap.Secret[0] = 0x42

	b.Publish(7, &cap)

	got, err := b.Wait(context.Background(), 7)
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if got.Secret != cap.Secret {
		t.Error("Wait() returned a different capability than was published")
	}
}

func TestWaitThenPublishDelivers(t *testing.T) {
	b := New()
	var cap wire.CapabilityMessage
	cap.Secret[0] = 0x99

	done := make(chan *wire.CapabilityMessage, 1)
	go func() {
		got, err := b.Wait(context.Background(), 11)
		if err != nil {
			t.Errorf("Wait() error = %v", err)
			return
		}
		done <- got
	}()

	time.Sleep(10 * time.Millisecond)
	b.Publish(11, &cap)

	select {
	case got := <-done:
		if got.Secret != cap.Secret {
			t.Error("Wait() returned a different capability than was published")
		}
	case <-time.After(time.Second):
		t.Fatal("Wait() did not return after Publish()")
	}
}

func TestWaitRespectsContextCancellation(t *testing.T) {
	b := New()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if _, err := b.Wait(ctx, 99); err == nil {
		t.Fatal("Wait() with no publish and an expiring context should fail")
	}
}

func TestParseRejectsUnknownAction(t *testing.T) {
	p := NewPlugin()
	if _, err := p.Parse([]string{"--action", "bogus", "--request-id", "1"}); err == nil {
		t.Fatal("Parse() with an unknown action should fail")
	}
}

func TestParseRoundTrip(t *testing.T) {
	p := NewPlugin()
	out, err := p.Parse([]string{"--action", "wait", "--request-id", "42"})
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if len(out) == 0 {
		t.Fatal("Parse() returned no bytes")
	}
}

func TestSaveLoadLogRoundTrip(t *testing.T) {
	b := New()
	var cap wire.CapabilityMessage
	cap.Secret[0] = 0x01
	b.Publish(1, &cap)
	b.Publish(2, &cap)

	path := filepath.Join(t.TempDir(), "registrants.yaml")
	b.SetLogPath(path)
	if err := b.SaveLog(); err != nil {
		t.Fatalf("SaveLog() error = %v", err)
	}

	loaded := New()
	if err := loaded.LoadLog(path); err != nil {
		t.Fatalf("LoadLog() error = %v", err)
	}
	if len(loaded.log) != 2 {
		t.Fatalf("LoadLog() restored %d records, want 2", len(loaded.log))
	}
	if loaded.log[0].RequestID != 1 || loaded.log[1].RequestID != 2 {
		t.Errorf("LoadLog() records = %+v, unexpected request IDs", loaded.log)
	}
}

func TestSaveLogNoopWithoutPath(t *testing.T) {
	b := New()
	var cap wire.CapabilityMessage
	b.Publish(5, &cap)
	if err := b.SaveLog(); err != nil {
		t.Fatalf("SaveLog() with no path set should be a no-op, got error = %v", err)
	}
}
