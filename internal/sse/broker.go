// Package sse streams card index changes to browsers as Server-Sent Events.
//
// Every frame carries a monotonically increasing id, an event name and a JSON
// payload. The names a client can expect are:
//
//	card.created, card.updated, card.merged, card.migrated, card.removed
//	    one card changed; payload names the CID and the document involved
//	document.removed
//	    a document left the vault; payload lists the locations dropped
//	index.rebuilt
//	    a full rebuild finished; payload carries its statistics
//	rebuild.progress
//	    periodic progress while a rebuild walks the vault
//	gallery.updated
//	    coalesced hint that card listings are stale, sent at most once per
//	    throttle window after any of the card or document events
//
// Idle streams receive a ": ping" comment line every keep-alive interval.
package sse

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"
)

// Event is one named payload for subscribers.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

const (
	TypeRebuildProgress = "rebuild.progress"
	TypeGalleryUpdated  = "gallery.updated"
)

const (
	defaultSummaryEvery = 2 * time.Second
	defaultKeepAlive    = 30 * time.Second
	subscriberBuffer    = 64
	queueSize           = 256
)

// Broker fans index events out to stream subscribers.
//
// All subscriber state lives in a single loop goroutine; exported methods talk
// to it over channels and return immediately once the broker is closed.
type Broker struct {
	summaryEvery time.Duration
	keepAlive    time.Duration

	join   chan chan []byte
	leave  chan chan []byte
	events chan Event
	cards  chan Event
	count  chan chan int

	stop    chan struct{}
	stopped chan struct{}
	closed  atomic.Bool
}

// NewBroker starts a broker. A non-positive galleryThrottle uses two seconds.
func NewBroker(galleryThrottle time.Duration) *Broker {
	if galleryThrottle <= 0 {
		galleryThrottle = defaultSummaryEvery
	}
	b := &Broker{
		summaryEvery: galleryThrottle,
		keepAlive:    defaultKeepAlive,
		join:         make(chan chan []byte),
		leave:        make(chan chan []byte),
		events:       make(chan Event, queueSize),
		cards:        make(chan Event, queueSize),
		count:        make(chan chan int),
		stop:         make(chan struct{}),
		stopped:      make(chan struct{}),
	}
	go b.loop()
	return b
}

// fanout is the state owned by the loop goroutine.
type fanout struct {
	subs        map[chan []byte]struct{}
	nextID      uint64
	lastSummary time.Time
}

// frame encodes ev as one text/event-stream record.
func frame(id uint64, ev Event) ([]byte, error) {
	payload, err := json.Marshal(ev.Data)
	if err != nil {
		return nil, err
	}
	return fmt.Appendf(nil, "id: %d\nevent: %s\ndata: %s\n\n", id, ev.Type, payload), nil
}

func (f *fanout) send(ev Event) {
	raw, err := frame(f.nextID+1, ev)
	if err != nil {
		return
	}
	f.nextID++
	for ch := range f.subs {
		select {
		case ch <- raw:
		default:
			// slow subscriber misses this frame
		}
	}
}

// sendCard delivers a card event and, outside the throttle window, a gallery hint.
func (f *fanout) sendCard(ev Event, every time.Duration) {
	f.send(ev)
	if now := time.Now(); now.Sub(f.lastSummary) >= every {
		f.lastSummary = now
		f.send(Event{Type: TypeGalleryUpdated, Data: map[string]string{}})
	}
}

func (b *Broker) loop() {
	defer close(b.stopped)
	f := &fanout{subs: make(map[chan []byte]struct{})}

	for {
		select {
		case <-b.stop:
			for ch := range f.subs {
				close(ch)
			}
			return
		case ch := <-b.join:
			f.subs[ch] = struct{}{}
		case ch := <-b.leave:
			if _, ok := f.subs[ch]; ok {
				delete(f.subs, ch)
				close(ch)
			}
		case ev := <-b.events:
			f.send(ev)
		case ev := <-b.cards:
			f.sendCard(ev, b.summaryEvery)
		case resp := <-b.count:
			resp <- len(f.subs)
		}
	}
}

// Close stops the loop and closes every subscriber channel. It is idempotent.
func (b *Broker) Close() {
	if b.closed.CompareAndSwap(false, true) {
		close(b.stop)
	}
	<-b.stopped
}

// Subscribe registers a subscriber. The channel is already closed when the
// broker is.
func (b *Broker) Subscribe() chan []byte {
	ch := make(chan []byte, subscriberBuffer)
	if b.closed.Load() {
		close(ch)
		return ch
	}
	select {
	case b.join <- ch:
	case <-b.stopped:
		close(ch)
	}
	return ch
}

// Unsubscribe drops ch and closes it.
func (b *Broker) Unsubscribe(ch chan []byte) {
	if b.closed.Load() {
		return
	}
	select {
	case b.leave <- ch:
	case <-b.stopped:
	}
}

// ClientCount returns the number of live subscribers.
func (b *Broker) ClientCount() int {
	if b.closed.Load() {
		return 0
	}
	resp := make(chan int, 1)
	select {
	case b.count <- resp:
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

func (b *Broker) enqueue(q chan Event, ev Event) {
	if b.closed.Load() {
		return
	}
	select {
	case q <- ev:
	case <-b.stopped:
	}
}

// Publish sends ev to every subscriber as is.
func (b *Broker) Publish(ev Event) {
	b.enqueue(b.events, ev)
}

// PublishCardEvent sends a card or document change, followed by a throttled
// gallery.updated.
func (b *Broker) PublishCardEvent(kind string, data any) {
	b.enqueue(b.cards, Event{Type: kind, Data: data})
}

// PublishProgress sends a rebuild.progress event.
func (b *Broker) PublishProgress(data any) {
	b.Publish(Event{Type: TypeRebuildProgress, Data: data})
}

// ServeHTTP streams events to one client until it disconnects or the broker
// closes.
func (b *Broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	ping := time.NewTicker(b.keepAlive)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ping.C:
			_, _ = w.Write([]byte(": ping\n\n"))
		case msg, ok := <-ch:
			if !ok {
				return
			}
			_, _ = w.Write(msg)
		}
		flusher.Flush()
	}
}
