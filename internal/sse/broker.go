// Package sse implements a Server-Sent Events broker for ingestion updates.
package sse

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/starford/snaparchive/internal/models"
)

// Event types sent to clients.
const (
	TypeProgress       = "ingestion.progress"
	TypeResult         = "ingestion.result"
	TypeArchiveUpdated = "archive.updated"
)

// Event represents an SSE event to broadcast.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Broker manages SSE client connections and broadcasts events.
//
// Concurrency model: a single internal event loop (goroutine) owns mutable state
// (clients, last progress per job, archive throttle timestamp). Public methods
// communicate with this loop through channels, so no mutexes are required.
type Broker struct {
	archiveMin time.Duration

	subscribeCh   chan chan []byte
	unsubscribeCh chan chan []byte
	publishCh     chan Event
	progressCh    chan models.Progress
	resultCh      chan models.IngestionResult
	countReqCh    chan chan int

	stopCh  chan struct{}
	stopped chan struct{}
	closed  atomic.Bool
}

// NewBroker creates a new SSE broker. archiveThrottle is the minimum gap
// between two archive.updated events.
func NewBroker(archiveThrottle time.Duration) *Broker {
	if archiveThrottle <= 0 {
		archiveThrottle = 2 * time.Second
	}

	b := &Broker{
		archiveMin:    archiveThrottle,
		subscribeCh:   make(chan chan []byte),
		unsubscribeCh: make(chan chan []byte),
		publishCh:     make(chan Event, 256),
		progressCh:    make(chan models.Progress, 256),
		resultCh:      make(chan models.IngestionResult, 16),
		countReqCh:    make(chan chan int),
		stopCh:        make(chan struct{}),
		stopped:       make(chan struct{}),
	}

	go b.run()
	return b
}

// progressStep is the smallest fraction change forwarded within a stage.
const progressStep = 0.01

func (b *Broker) run() {
	defer close(b.stopped)

	clients := make(map[chan []byte]struct{})
	last := make(map[string]models.Progress)
	var lastArchive time.Time

	broadcast := func(event Event) {
		payload, err := json.Marshal(event.Data)
		if err != nil {
			return
		}
		raw := fmt.Appendf(nil, "event: %s\ndata: %s\n\n", event.Type, payload)

		for ch := range clients {
			select {
			case ch <- raw:
			default:
				// Client buffer full; skip to avoid blocking broker loop.
			}
		}
	}

	for {
		select {
		case <-b.stopCh:
			for ch := range clients {
				close(ch)
			}
			return

		case ch := <-b.subscribeCh:
			clients[ch] = struct{}{}

		case ch := <-b.unsubscribeCh:
			if _, ok := clients[ch]; ok {
				delete(clients, ch)
				close(ch)
			}

		case event := <-b.publishCh:
			broadcast(event)

		case p := <-b.progressCh:
			prev, seen := last[p.JobID]
			if seen && prev.Stage == p.Stage && p.Fraction-prev.Fraction < progressStep && !p.Stage.Terminal() {
				continue
			}
			last[p.JobID] = p
			broadcast(Event{Type: TypeProgress, Data: p})

		case res := <-b.resultCh:
			delete(last, res.JobID)
			broadcast(Event{Type: TypeResult, Data: res})
			if res.Outcome != models.OutcomeSuccess && res.Outcome != models.OutcomeSuccessWithWarnings {
				continue
			}
			now := time.Now()
			if now.Sub(lastArchive) >= b.archiveMin {
				lastArchive = now
				broadcast(Event{Type: TypeArchiveUpdated, Data: map[string]string{"export_id": res.ExportID}})
			}

		case resp := <-b.countReqCh:
			resp <- len(clients)
		}
	}
}

// Close gracefully stops broker loop and closes all client channels.
func (b *Broker) Close() {
	if b.closed.CompareAndSwap(false, true) {
		close(b.stopCh)
	}
	<-b.stopped
}

// Subscribe adds a new client and returns its channel.
func (b *Broker) Subscribe() chan []byte {
	ch := make(chan []byte, 64)
	if b.closed.Load() {
		close(ch)
		return ch
	}

	select {
	case b.subscribeCh <- ch:
	case <-b.stopped:
		close(ch)
	}

	return ch
}

// Unsubscribe removes a client and closes its channel.
func (b *Broker) Unsubscribe(ch chan []byte) {
	if b.closed.Load() {
		return
	}
	select {
	case b.unsubscribeCh <- ch:
	case <-b.stopped:
	}
}

// ClientCount returns the number of connected clients.
func (b *Broker) ClientCount() int {
	if b.closed.Load() {
		return 0
	}

	resp := make(chan int, 1)
	select {
	case b.countReqCh <- resp:
	case <-b.stopped:
		return 0
	}

	select {
	case n := <-resp:
		return n
	case <-b.stopped:
		return 0
	}
}

// Publish sends an event to all connected clients.
func (b *Broker) Publish(event Event) {
	if b.closed.Load() {
		return
	}
	select {
	case b.publishCh <- event:
	case <-b.stopped:
	}
}

// PublishProgress forwards a job progress notification. Updates smaller than
// one percent within the same stage are coalesced. It never blocks the
// pipeline: when the queue is full the update is dropped, since a later one
// supersedes it.
func (b *Broker) PublishProgress(p models.Progress) {
	if b.closed.Load() {
		return
	}
	select {
	case b.progressCh <- p:
	default:
	}
}

// PublishResult publishes a terminal job result and, for successful runs, a
// throttled archive.updated event.
func (b *Broker) PublishResult(res models.IngestionResult) {
	if b.closed.Load() {
		return
	}
	select {
	case b.resultCh <- res:
	case <-b.stopped:
	}
}

// ServeHTTP is the SSE endpoint handler (GET /api/events).
func (b *Broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			_, _ = w.Write(msg)
			flusher.Flush()
		}
	}
}
