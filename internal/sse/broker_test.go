package sse

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/starford/snaparchive/internal/models"
)

func TestSubscribeUnsubscribe(t *testing.T) {
	b := NewBroker(100 * time.Millisecond)
	defer b.Close()
	if b.ClientCount() != 0 {
		t.Fatalf("expected 0 clients")
	}
	ch := b.Subscribe()
	if b.ClientCount() != 1 {
		t.Fatalf("expected 1 client")
	}
	b.Unsubscribe(ch)
	if b.ClientCount() != 0 {
		t.Fatalf("expected 0 clients after unsub")
	}
}

func TestPublishDelivery(t *testing.T) {
	b := NewBroker(100 * time.Millisecond)
	defer b.Close()
	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	b.Publish(Event{Type: TypeProgress, Data: map[string]string{"job_id": "a"}})

	select {
	case msg := <-ch:
		s := string(msg)
		if !strings.Contains(s, "event: ingestion.progress") {
			t.Errorf("missing event type in %q", s)
		}
		if !strings.Contains(s, `"job_id":"a"`) {
			t.Errorf("missing data in %q", s)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message")
	}
}

func TestPublishResult_ArchiveThrottle(t *testing.T) {
	b := NewBroker(500 * time.Millisecond)
	defer b.Close()
	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	// First successful result should trigger archive.updated.
	b.PublishResult(models.IngestionResult{JobID: "j1", ExportID: "e1", Outcome: models.OutcomeSuccess})
	// Second one immediately should NOT trigger another archive.updated.
	b.PublishResult(models.IngestionResult{JobID: "j2", ExportID: "e2", Outcome: models.OutcomeSuccessWithWarnings})
	// Failures never announce an archive change.
	b.PublishResult(models.IngestionResult{JobID: "j3", ExportID: "e3", Outcome: models.OutcomeFailure})

	// Drain and count events.
	time.Sleep(50 * time.Millisecond)
	archiveCount := 0
	resultCount := 0
loop:
	for {
		select {
		case msg := <-ch:
			s := string(msg)
			if strings.Contains(s, "event: "+TypeArchiveUpdated) {
				archiveCount++
			} else if strings.Contains(s, "event: "+TypeResult) {
				resultCount++
			}
		default:
			break loop
		}
	}

	if resultCount != 3 {
		t.Errorf("result events = %d, want 3", resultCount)
	}
	if archiveCount != 1 {
		t.Errorf("archive events = %d, want 1 (throttled)", archiveCount)
	}
}

func TestPublishProgress_Coalesces(t *testing.T) {
	b := NewBroker(time.Second)
	defer b.Close()
	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	b.PublishProgress(models.Progress{JobID: "j", Stage: models.StateParsing, Fraction: 0.20})
	b.PublishProgress(models.Progress{JobID: "j", Stage: models.StateParsing, Fraction: 0.201})
	b.PublishProgress(models.Progress{JobID: "j", Stage: models.StateParsing, Fraction: 0.25})
	b.PublishProgress(models.Progress{JobID: "j", Stage: models.StateLinking, Fraction: 0.2501})
	b.PublishProgress(models.Progress{JobID: "other", Stage: models.StateParsing, Fraction: 0.201})

	time.Sleep(50 * time.Millisecond)
	var got []string
loop:
	for {
		select {
		case msg := <-ch:
			got = append(got, string(msg))
		default:
			break loop
		}
	}
	if len(got) != 4 {
		t.Fatalf("progress events = %d, want 4: %q", len(got), got)
	}
	if !strings.Contains(got[0], "event: "+TypeProgress) || !strings.Contains(got[0], `"fraction":0.2`) {
		t.Errorf("unexpected first event %q", got[0])
	}
	if !strings.Contains(got[2], `"stage":"Linking"`) {
		t.Errorf("stage change not forwarded: %q", got[2])
	}
}

func TestSSEHandler(t *testing.T) {
	b := NewBroker(100 * time.Millisecond)
	defer b.Close()

	// Start handler in background.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req := httptest.NewRequest(http.MethodGet, "/api/events", nil)
	req = req.WithContext(ctx)
	w := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		b.ServeHTTP(w, req)
		close(done)
	}()

	// Give handler time to subscribe.
	time.Sleep(50 * time.Millisecond)
	if b.ClientCount() != 1 {
		t.Fatalf("expected 1 client from handler")
	}

	b.Publish(Event{Type: TypeArchiveUpdated, Data: map[string]string{"export_id": "x"}})
	time.Sleep(50 * time.Millisecond)

	// Cancel context to disconnect.
	cancel()
	<-done

	body := w.Body.String()
	if !strings.Contains(body, "event: archive.updated") {
		t.Errorf("handler output missing event: %q", body)
	}

	// Client should be cleaned up.
	time.Sleep(50 * time.Millisecond)
	if b.ClientCount() != 0 {
		t.Errorf("client not cleaned up after disconnect")
	}
}

func TestPublishDropsOnFullBuffer(t *testing.T) {
	b := NewBroker(time.Second)
	defer b.Close()
	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	// Fill buffer (capacity 64) and then one more should not block.
	for i := 0; i < 70; i++ {
		b.Publish(Event{Type: "test", Data: map[string]string{"i": "x"}})
	}
	// If we reach here without deadlock, the test passes.
}

func TestCloseClosesSubscribersAndStopsOperations(t *testing.T) {
	b := NewBroker(100 * time.Millisecond)
	ch := b.Subscribe()
	if b.ClientCount() != 1 {
		t.Fatalf("expected 1 client")
	}

	b.Close()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected subscriber channel to be closed")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for channel close")
	}

	if b.ClientCount() != 0 {
		t.Fatalf("expected 0 clients after close")
	}

	// Should be safe no-op after close.
	b.Publish(Event{Type: TypeArchiveUpdated, Data: map[string]string{"export_id": "x"}})
	b.PublishProgress(models.Progress{JobID: "x"})
	b.PublishResult(models.IngestionResult{JobID: "x"})
}
