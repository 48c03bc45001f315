package simulator

import (
	"errors"
	"fmt"
	"sync"

	"github.com/chaz8081/medbox-link/internal/ble"
)

var errLinkClosed = errors.New("simulator: link closed")

// link is one central connection. Notifications are delivered in order on
// a dedicated goroutine so a write never calls back into its caller.
type link struct {
	box *Box

	mu           sync.Mutex
	closed       bool
	notifyCb     func([]byte)
	disconnectCb func()

	queue chan []byte
	done  chan struct{}
}

func newLink(b *Box) *link {
	l := &link{
		box:   b,
		queue: make(chan []byte, notifyQueue),
		done:  make(chan struct{}),
	}
	go l.deliver()
	return l
}

func (l *link) deliver() {
	for {
		select {
		case frame := <-l.queue:
			l.mu.Lock()
			cb := l.notifyCb
			l.mu.Unlock()
			if cb != nil {
				cb(frame)
			}
		case <-l.done:
			return
		}
	}
}

// push queues a notification. Frames for a closed link are dropped.
func (l *link) push(frame []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	select {
	case l.queue <- frame:
	default:
		// central stopped reading; a real radio drops too
	}
}

func (l *link) close() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	l.closed = true
	close(l.done)
	return true
}

func (l *link) fireDisconnect() {
	l.mu.Lock()
	cb := l.disconnectCb
	l.mu.Unlock()
	if cb != nil {
		cb()
	}
}

func (l *link) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

func (l *link) DiscoverCharacteristic(serviceUUID, charUUID string) (ble.Characteristic, error) {
	if l.isClosed() {
		return nil, errLinkClosed
	}
	if serviceUUID != ble.ServiceUUID {
		return nil, fmt.Errorf("simulator: service %s not found", serviceUUID)
	}
	switch charUUID {
	case ble.CommandCharUUID:
		return commandChar{l}, nil
	case ble.EventCharUUID:
		return eventChar{l}, nil
	}
	return nil, fmt.Errorf("simulator: characteristic %s not found", charUUID)
}

func (l *link) Disconnect() error {
	if l.close() {
		l.box.release(l)
	}
	return nil
}

func (l *link) OnDisconnect(cb func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.disconnectCb = cb
}

// commandChar is the write-only command channel.
type commandChar struct{ l *link }

func (c commandChar) Write(data []byte) error {
	if c.l.isClosed() {
		return errLinkClosed
	}
	c.l.box.handle(c.l, append([]byte(nil), data...))
	return nil
}

func (c commandChar) Subscribe(func([]byte)) error {
	return errors.New("simulator: command characteristic does not notify")
}

// eventChar is the notify-only event channel.
type eventChar struct{ l *link }

func (c eventChar) Write([]byte) error {
	return errors.New("simulator: event characteristic is not writable")
}

func (c eventChar) Subscribe(cb func([]byte)) error {
	c.l.mu.Lock()
	defer c.l.mu.Unlock()
	c.l.notifyCb = cb
	return nil
}
