// Package sse streams file events to browsers as Server-Sent Events.
package sse

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/starford/crudfs/internal/crudfs"
)

// Event represents an SSE event to broadcast.
type Event struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// FileEvent is the payload of file.* events.
type FileEvent struct {
	Path      string `json:"path"`
	Key       string `json:"key"`
	CID       string `json:"cid,omitempty"`
	Timestamp uint64 `json:"timestamp,omitempty"`
}

type fileEventReq struct {
	kind string
	file FileEvent
}

// Broker manages SSE client connections and broadcasts events.
//
// A single loop goroutine owns the client set and the manifest throttle
// timestamp; public methods talk to it over channels.
type Broker struct {
	manifestMin time.Duration

	subscribeCh   chan chan []byte
	unsubscribeCh chan chan []byte
	publishCh     chan Event
	fileEventCh   chan fileEventReq
	countReqCh    chan chan int

	stopCh  chan struct{}
	stopped chan struct{}
	closed  atomic.Bool
}

// NewBroker starts a broker that emits at most one manifest.updated event
// per throttle interval.
func NewBroker(throttle time.Duration) *Broker {
	if throttle <= 0 {
		throttle = 2 * time.Second
	}

	b := &Broker{
		manifestMin:   throttle,
		subscribeCh:   make(chan chan []byte),
		unsubscribeCh: make(chan chan []byte),
		publishCh:     make(chan Event, 256),
		fileEventCh:   make(chan fileEventReq, 256),
		countReqCh:    make(chan chan int),
		stopCh:        make(chan struct{}),
		stopped:       make(chan struct{}),
	}

	go b.run()
	return b
}

func (b *Broker) run() {
	defer close(b.stopped)

	clients := make(map[chan []byte]struct{})
	var lastManifest time.Time

	broadcast := func(event Event) {
		payload, err := json.Marshal(event.Data)
		if err != nil {
			return
		}
		msg := fmt.Sprintf("event: %s\ndata: %s\n\n", event.Type, payload)
		raw := []byte(msg)

		for ch := range clients {
			select {
			case ch <- raw:
			default:
				// slow client, drop
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

		case req := <-b.fileEventCh:
			switch req.kind {
			case "created", "updated", "deleted", "recovered":
				broadcast(Event{Type: "file." + req.kind, Data: req.file})
			default:
				continue
			}

			now := time.Now()
			if now.Sub(lastManifest) >= b.manifestMin {
				lastManifest = now
				broadcast(Event{Type: "manifest.updated", Data: map[string]string{}})
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

// PublishFileEvent publishes file.<kind> and a throttled manifest.updated.
func (b *Broker) PublishFileEvent(kind string, file FileEvent) {
	if b.closed.Load() {
		return
	}
	select {
	case b.fileEventCh <- fileEventReq{kind: kind, file: file}:
	case <-b.stopped:
	}
}

var eventKinds = map[string]string{
	crudfs.OpCreate:  "created",
	crudfs.OpUpdate:  "updated",
	crudfs.OpDelete:  "deleted",
	crudfs.OpRecover: "recovered",
}

// Observe forwards successful mutations. It is meant to be passed to
// crudfs.WithObserver.
func (b *Broker) Observe(ev crudfs.Event) {
	kind, ok := eventKinds[ev.Op]
	if !ok || ev.Err != nil {
		return
	}
	fe := FileEvent{Path: ev.Path, Key: ev.Key.Hex()}
	if ev.Op != crudfs.OpDelete && ev.Record.CID.Defined() {
		fe.CID = ev.Record.CID.String()
		fe.Timestamp = ev.Record.Timestamp
	}
	b.PublishFileEvent(kind, fe)
}

// ServeHTTP streams events until the client goes away (GET /api/events).
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
