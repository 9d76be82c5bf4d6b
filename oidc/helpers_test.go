package oidc

import (
	"net/url"
	"sync"
	"testing"
	"time"
)

type fixedClock struct {
	mu sync.Mutex
	at time.Time
}

func newFixedClock(at time.Time) *fixedClock { return &fixedClock{at: at} }

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.at
}

func (c *fixedClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.at = c.at.Add(d)
}

type fakeFrame struct {
	mu     sync.Mutex
	name   string
	src    string
	hidden bool
	msgs   chan FrameMessage
	posted []string
	closed bool
}

func (f *fakeFrame) Messages() <-chan FrameMessage { return f.msgs }

func (f *fakeFrame) PostMessage(message, targetOrigin string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.posted = append(f.posted, message)
	return nil
}

func (f *fakeFrame) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.msgs)
	}
}

func (f *fakeFrame) deliver(origin, data string) {
	f.msgs <- FrameMessage{Origin: origin, Data: data}
}

func (f *fakeFrame) postedMessages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.posted...)
}

type fakePopup struct {
	msgs      chan FrameMessage
	closedCh  chan struct{}
	closeOnce sync.Once
}

func newFakePopup() *fakePopup {
	return &fakePopup{
		msgs:     make(chan FrameMessage, 8),
		closedCh: make(chan struct{}),
	}
}

func (p *fakePopup) Messages() <-chan FrameMessage { return p.msgs }
func (p *fakePopup) Closed() <-chan struct{}       { return p.closedCh }
func (p *fakePopup) Close()                        {}

func (p *fakePopup) userCloses() {
	p.closeOnce.Do(func() { close(p.closedCh) })
}

type fakePlatform struct {
	mu            sync.Mutex
	location      *url.URL
	opened        []string
	replaced      []string
	frames        map[string]*fakeFrame
	popup         *fakePopup
	blockPopups   bool
	storageEvents chan StorageEvent
}

func newFakePlatform(t *testing.T, location string) *fakePlatform {
	t.Helper()
	var loc *url.URL
	if location != "" {
		parsed, err := url.Parse(location)
		if err != nil {
			t.Fatalf("invalid test location %q: %v", location, err)
		}
		loc = parsed
	}
	return &fakePlatform{
		location:      loc,
		frames:        map[string]*fakeFrame{},
		storageEvents: make(chan StorageEvent, 8),
	}
}

func (p *fakePlatform) OpenURL(uri string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.opened = append(p.opened, uri)
	return nil
}

func (p *fakePlatform) Location() *url.URL {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.location == nil {
		return nil
	}
	loc := *p.location
	return &loc
}

func (p *fakePlatform) ReplaceLocation(uri string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.replaced = append(p.replaced, uri)
	if parsed, err := url.Parse(uri); err == nil {
		p.location = parsed
	}
}

func (p *fakePlatform) CreateFrame(name, src string, hidden bool) (Frame, error) {
	frame := &fakeFrame{
		name:   name,
		src:    src,
		hidden: hidden,
		msgs:   make(chan FrameMessage, 8),
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if existing := p.frames[name]; existing != nil {
		existing.Close()
	}
	p.frames[name] = frame
	return frame, nil
}

func (p *fakePlatform) OpenPopup(uri string) (Popup, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.blockPopups {
		return nil, nil
	}
	if p.popup == nil {
		p.popup = newFakePopup()
	}
	p.opened = append(p.opened, uri)
	return p.popup, nil
}

func (p *fakePlatform) StorageEvents() <-chan StorageEvent { return p.storageEvents }

func (p *fakePlatform) openedUrls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.opened...)
}

func (p *fakePlatform) frame(name string) *fakeFrame {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.frames[name]
}

// waitForEvent reads events until one of the wanted type arrives or the
// timeout expires.
func waitForEvent(t *testing.T, events <-chan Event, want EventType) Event {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatalf("event channel closed while waiting for %q", want)
			}
			if ev.Type() == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event %q", want)
		}
	}
}

// drainEventTypes reads all currently buffered events.
func drainEventTypes(events <-chan Event) []EventType {
	var types []EventType
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return types
			}
			types = append(types, ev.Type())
		default:
			return types
		}
	}
}
