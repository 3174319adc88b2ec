package ws

import (
	"errors"
	"testing"
)

type fakeSubscriber struct {
	sent   [][]byte
	failOn int
	calls  int
}

func (f *fakeSubscriber) Send(payload []byte) error {
	f.calls++
	if f.failOn != 0 && f.calls >= f.failOn {
		return errors.New("send failed")
	}
	f.sent = append(f.sent, payload)
	return nil
}

func (f *fakeSubscriber) Close() {}

func TestBroadcastReachesAllSubscribers(t *testing.T) {
	h := NewHub()
	a, b := &fakeSubscriber{}, &fakeSubscriber{}
	h.Register(a)
	h.Register(b)

	h.Broadcast([]byte(`{"endpoint":"/x"}`))

	if len(a.sent) != 1 || len(b.sent) != 1 {
		t.Errorf("expected both subscribers to receive the frame, got a=%d b=%d", len(a.sent), len(b.sent))
	}
}

func TestBroadcastDropsFailingSubscriber(t *testing.T) {
	h := NewHub()
	bad := &fakeSubscriber{failOn: 1}
	h.Register(bad)

	h.Broadcast([]byte("frame-1"))
	if h.Count() != 0 {
		t.Error("expected a subscriber whose Send fails to be dropped from the hub")
	}

	h.Broadcast([]byte("frame-2"))
	if len(bad.sent) != 0 {
		t.Error("expected no frames delivered to an already-failed subscriber")
	}
}

func TestUnregisterRemovesSubscriber(t *testing.T) {
	h := NewHub()
	s := &fakeSubscriber{}
	h.Register(s)
	h.Unregister(s)
	if h.Count() != 0 {
		t.Errorf("expected count 0 after unregister, got %d", h.Count())
	}
}
