package pocketz

import (
	"github.com/sirupsen/logrus"
)

// Receiver gets the full span list of a trace once its root has finished.
// Spans are in completion order, so the root comes last.
type Receiver interface {
	Receive(spans []Span) error
}

// ReceiverFunc adapts a function to the Receiver interface.
type ReceiverFunc func(spans []Span) error

// Receive calls f(spans).
func (f ReceiverFunc) Receive(spans []Span) error {
	return f(spans)
}

type receiverEntry struct {
	receiver Receiver
	id       uint64
}

// AddReceiver registers a receiver and returns its id.
// Receivers are called synchronously, in registration order.
func (t *Tracer) AddReceiver(receiver Receiver) uint64 {
	if receiver == nil {
		return 0
	}

	id := t.nextID.Add(1)

	t.receiversLock.Lock()
	defer t.receiversLock.Unlock()

	t.receivers = append(t.receivers, receiverEntry{
		id:       id,
		receiver: receiver,
	})

	return id
}

// RemoveReceiver removes a receiver by ID.
func (t *Tracer) RemoveReceiver(id uint64) {
	t.receiversLock.Lock()
	defer t.receiversLock.Unlock()

	// Preserve order
	for i, r := range t.receivers {
		if r.id == id {
			copy(t.receivers[i:], t.receivers[i+1:])
			t.receivers = t.receivers[:len(t.receivers)-1]
			return
		}
	}
}

// HasReceivers reports whether any receiver is registered.
func (t *Tracer) HasReceivers() bool {
	t.receiversLock.RLock()
	defer t.receiversLock.RUnlock()
	return len(t.receivers) > 0
}

// SetPanicHook sets a function to be called when a receiver panics.
func (t *Tracer) SetPanicHook(hook func(receiverID uint64, r interface{})) {
	t.receiversLock.Lock()
	defer t.receiversLock.Unlock()
	t.panicHook = hook
}

// deliver hands spans to every receiver. A failing receiver is logged and
// skipped; it never prevents delivery to the ones after it.
func (t *Tracer) deliver(spans []Span) {
	t.receiversLock.RLock()
	if len(t.receivers) == 0 {
		t.receiversLock.RUnlock()
		return
	}

	receivers := make([]receiverEntry, len(t.receivers))
	copy(receivers, t.receivers)
	hook := t.panicHook
	t.receiversLock.RUnlock()

	for _, r := range receivers {
		t.safeCall(r, hook, cloneSpans(spans))
	}
}

func (t *Tracer) safeCall(entry receiverEntry, hook func(uint64, interface{}), spans []Span) {
	log := t.logger.WithFields(logrus.Fields{
		"receiver": entry.id,
		"trace_id": spans[len(spans)-1].TraceID,
		"spans":    len(spans),
	})

	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Error("receiver panicked")
			if hook != nil {
				hook(entry.id, r)
			}
		}
	}()

	if err := entry.receiver.Receive(spans); err != nil {
		log.WithError(err).Error("receiver failed")
	}
}
