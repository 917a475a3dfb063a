package registry

import "testing"

type fakeTransport struct {
	closed bool
}

func (f *fakeTransport) Close() error {
	f.closed = true
	return nil
}

func TestConnectSupersedesPriorSession(t *testing.T) {
	r := New(50, 500)
	first := &fakeTransport{}
	second := &fakeTransport{}

	if ok := r.Connect("client-1", first); !ok {
		t.Fatal("expected Connect to return true")
	}
	if ok := r.Connect("client-1", second); !ok {
		t.Fatal("expected Connect to return true on supersede")
	}
	if !first.closed {
		t.Fatal("expected the superseded transport to be closed")
	}
	if r.Stats().ActiveConnections != 1 {
		t.Fatalf("expected exactly one active connection, got %d", r.Stats().ActiveConnections)
	}
}

func TestStartSendingRespectsCapAndIdempotence(t *testing.T) {
	r := New(1, 500)
	r.Connect("a", &fakeTransport{})
	r.Connect("b", &fakeTransport{})

	if !r.StartSending("a") {
		t.Fatal("expected first StartSending to succeed")
	}
	if r.StartSending("a") {
		t.Fatal("expected a second StartSending for the same client to fail")
	}
	if r.StartSending("b") {
		t.Fatal("expected StartSending to fail once MaxSending is reached")
	}

	r.StopSending("a")
	if !r.StartSending("b") {
		t.Fatal("expected StartSending to succeed after a slot is freed")
	}
}

func TestProcessingSlotsAreIndependentOfSending(t *testing.T) {
	r := New(50, 1)
	r.Connect("a", &fakeTransport{})

	if !r.StartSending("a") {
		t.Fatal("expected sending to succeed")
	}
	if !r.AcquireProcessingSlot() {
		t.Fatal("expected processing slot to be acquired")
	}
	if r.AcquireProcessingSlot() {
		t.Fatal("expected second processing slot to fail at MaxProcessing=1")
	}

	r.ReleaseProcessingSlot()
	if !r.AcquireProcessingSlot() {
		t.Fatal("expected processing slot to be available again after release")
	}
}

func TestReleaseProcessingSlotNeverGoesNegative(t *testing.T) {
	r := New(50, 500)
	r.ReleaseProcessingSlot()
	r.ReleaseProcessingSlot()
	if r.Stats().MessagesProcessing != 0 {
		t.Fatalf("expected processing count to stay at 0, got %d", r.Stats().MessagesProcessing)
	}
}

func TestDisconnectClearsSendingState(t *testing.T) {
	r := New(1, 500)
	tr := &fakeTransport{}
	r.Connect("a", tr)
	r.StartSending("a")
	r.Disconnect("a", tr)

	if !r.StartSending("a") {
		t.Fatal("expected StartSending to succeed again after disconnect cleared state")
	}
}

func TestDisconnectIsIdentityAwareAfterSupersede(t *testing.T) {
	r := New(50, 500)
	old := &fakeTransport{}
	r.Connect("a", old)

	newTr := &fakeTransport{}
	r.Connect("a", newTr)
	if !old.closed {
		t.Fatal("expected the superseded transport to already be closed by Connect")
	}

	// The superseded session's own deferred Disconnect must not delete
	// the reconnected client's live entry or touch the new transport.
	r.Disconnect("a", old)

	if r.Stats().ActiveConnections != 1 {
		t.Fatal("expected the reconnected session to remain registered")
	}
	if newTr.closed {
		t.Fatal("expected the new transport to be left open")
	}
}

func TestDisconnectIsIdempotent(t *testing.T) {
	r := New(50, 500)
	tr := &fakeTransport{}
	r.Connect("a", tr)

	r.Disconnect("a", tr)
	r.Disconnect("a", tr)

	if r.Stats().ActiveConnections != 0 {
		t.Fatal("expected registry state to stay empty after a second disconnect")
	}
}

func TestSnapshotAndEvict(t *testing.T) {
	r := New(50, 500)
	tr := &fakeTransport{}
	r.Connect("a", tr)

	snap := r.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("expected one entry in snapshot, got %d", len(snap))
	}
	r.Evict(snap[0])
	if r.Stats().ActiveConnections != 0 {
		t.Fatal("expected session to be evicted")
	}
}

func TestEvictDoesNotRemoveReconnectedSession(t *testing.T) {
	r := New(50, 500)
	old := &fakeTransport{}
	r.Connect("a", old)
	snap := r.Snapshot()

	newTr := &fakeTransport{}
	r.Connect("a", newTr)

	r.Evict(snap[0])
	if r.Stats().ActiveConnections != 1 {
		t.Fatal("expected the reconnected session to survive eviction of the stale snapshot")
	}
}
