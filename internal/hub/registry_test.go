package hub

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/rs/zerolog"
)

// fakeTransport is an in-memory Transport that records written frames and control messages.
type fakeTransport struct {
	mu       sync.Mutex
	frames   [][]byte
	controls []fakeControl
	closed   bool
	failWith error
}

type fakeControl struct {
	messageType int
	data        []byte
}

func (f *fakeTransport) WriteMessage(_ int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return f.failWith
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	f.frames = append(f.frames, buf)
	return nil
}

func (f *fakeTransport) WriteControl(messageType int, data []byte, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	buf := make([]byte, len(data))
	copy(buf, data)
	f.controls = append(f.controls, fakeControl{messageType: messageType, data: buf})
	return nil
}

func (f *fakeTransport) SetWriteDeadline(time.Time) error { return nil }

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failWith = err
}

func (f *fakeTransport) frameCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

func (f *fakeTransport) lastFrame() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.frames) == 0 {
		return nil
	}
	return f.frames[len(f.frames)-1]
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func newTestRegistry() *Registry {
	return NewRegistry(zerolog.Nop())
}

func TestRegisterAndGet(t *testing.T) {
	t.Parallel()

	r := newTestRegistry()
	tr := &fakeTransport{}
	r.Register(tr, "ea-1")

	info, ok := r.Get("ea-1")
	if !ok {
		t.Fatal("expected record for ea-1")
	}
	if info.Role != RoleUnknown {
		t.Errorf("fresh role = %q, want %q", info.Role, RoleUnknown)
	}
	if info.Authenticated {
		t.Error("fresh connection should not be authenticated")
	}
	if r.Count() != 1 {
		t.Errorf("Count = %d, want 1", r.Count())
	}
}

func TestRegisterDisplacesPrevious(t *testing.T) {
	t.Parallel()

	r := newTestRegistry()
	first := &fakeTransport{}
	second := &fakeTransport{}

	r.Register(first, "ea-1")
	r.Authenticate("ea-1", RoleExecutor)
	r.Register(second, "ea-1")

	if !first.isClosed() {
		t.Error("displaced transport should be closed")
	}
	if len(first.controls) != 1 {
		t.Fatalf("displaced transport got %d control messages, want 1", len(first.controls))
	}
	code := int(first.controls[0].data[0])<<8 | int(first.controls[0].data[1])
	if code != CloseReplaced {
		t.Errorf("close code = %d, want %d", code, CloseReplaced)
	}
	if r.Count() != 1 {
		t.Errorf("Count after displacement = %d, want 1", r.Count())
	}

	// The replacement starts over: unauthenticated, role unknown.
	info, _ := r.Get("ea-1")
	if info.Authenticated || info.Role != RoleUnknown {
		t.Errorf("replacement inherited state: authenticated=%v role=%q", info.Authenticated, info.Role)
	}
}

func TestDeregisterTransportSparesReplacement(t *testing.T) {
	t.Parallel()

	r := newTestRegistry()
	first := &fakeTransport{}
	second := &fakeTransport{}

	r.Register(first, "ea-1")
	r.Register(second, "ea-1")

	// The displaced driver's cleanup must not evict the new record.
	if r.DeregisterTransport("ea-1", first) {
		t.Error("stale transport deregistration should be a no-op")
	}
	if _, ok := r.Get("ea-1"); !ok {
		t.Fatal("replacement record was evicted")
	}

	if !r.DeregisterTransport("ea-1", second) {
		t.Error("current transport deregistration should succeed")
	}
	if r.Count() != 0 {
		t.Errorf("Count = %d, want 0", r.Count())
	}
}

func TestAuthenticateSetsRoleVerbatim(t *testing.T) {
	t.Parallel()

	r := newTestRegistry()
	r.Register(&fakeTransport{}, "ea-1")
	r.Authenticate("ea-1", "watcher")

	info, _ := r.Get("ea-1")
	if !info.Authenticated {
		t.Error("expected authenticated")
	}
	if info.Role != "watcher" {
		t.Errorf("role = %q, want %q", info.Role, "watcher")
	}
	if r.AuthenticatedCount() != 1 {
		t.Errorf("AuthenticatedCount = %d, want 1", r.AuthenticatedCount())
	}

	// Unknown identifier is a no-op.
	r.Authenticate("ghost", RoleAdmin)
	if _, ok := r.Get("ghost"); ok {
		t.Error("Authenticate must not create records")
	}
}

func TestSend(t *testing.T) {
	t.Parallel()

	r := newTestRegistry()
	tr := &fakeTransport{}
	r.Register(tr, "ea-1")

	if !r.Send("ea-1", []byte(`{"type":"ack"}`)) {
		t.Error("Send to connected peer should succeed")
	}
	if tr.frameCount() != 1 {
		t.Errorf("peer got %d frames, want 1", tr.frameCount())
	}
	if r.Send("ghost", []byte(`{}`)) {
		t.Error("Send to unknown peer should fail")
	}

	// A failed write reports false but does not evict the record.
	tr.fail(errors.New("broken pipe"))
	if r.Send("ea-1", []byte(`{}`)) {
		t.Error("Send over broken transport should fail")
	}
	if _, ok := r.Get("ea-1"); !ok {
		t.Error("failed Send must not evict the record")
	}
}

func TestSendOnTargetsGivenTransport(t *testing.T) {
	t.Parallel()

	r := newTestRegistry()
	first := &fakeTransport{}
	second := &fakeTransport{}
	r.Register(first, "ea-1")

	if !r.SendOn("ea-1", first, []byte(`{"type":"ack"}`)) {
		t.Error("SendOn to current transport should succeed")
	}
	if first.frameCount() != 1 {
		t.Errorf("transport got %d frames, want 1", first.frameCount())
	}

	// After displacement the reply still reaches the socket that sent the frame, never the replacement.
	r.Register(second, "ea-1")
	if !r.SendOn("ea-1", first, []byte(`{"type":"error"}`)) {
		t.Error("SendOn to displaced transport should still write")
	}
	if first.frameCount() != 2 {
		t.Errorf("displaced transport got %d frames, want 2", first.frameCount())
	}
	if second.frameCount() != 0 {
		t.Errorf("replacement got %d frames, want 0", second.frameCount())
	}

	first.fail(errors.New("broken pipe"))
	if r.SendOn("ea-1", first, []byte(`{}`)) {
		t.Error("SendOn over broken transport should fail")
	}
}

func TestBroadcastFiltersAndEvicts(t *testing.T) {
	t.Parallel()

	r := newTestRegistry()
	exec := &fakeTransport{}
	dash := &fakeTransport{}
	fresh := &fakeTransport{}
	dead := &fakeTransport{}

	r.Register(exec, "exec-1")
	r.Authenticate("exec-1", RoleExecutor)
	r.Register(dash, "dash-1")
	r.Authenticate("dash-1", RoleDashboard)
	r.Register(fresh, "fresh-1") // never authenticated
	r.Register(dead, "exec-2")
	r.Authenticate("exec-2", RoleExecutor)
	dead.fail(errors.New("broken pipe"))

	r.Broadcast([]byte(`{"type":"signal"}`), RoleExecutor, "")

	if exec.frameCount() != 1 {
		t.Errorf("executor got %d frames, want 1", exec.frameCount())
	}
	if dash.frameCount() != 0 {
		t.Errorf("dashboard got %d frames, want 0", dash.frameCount())
	}
	if fresh.frameCount() != 0 {
		t.Errorf("unauthenticated peer got %d frames, want 0", fresh.frameCount())
	}
	if _, ok := r.Get("exec-2"); ok {
		t.Error("dead peer should be evicted after broadcast")
	}
	if _, ok := r.Get("exec-1"); !ok {
		t.Error("healthy peer must survive broadcast")
	}
}

func TestBroadcastExcludesSender(t *testing.T) {
	t.Parallel()

	r := newTestRegistry()
	a := &fakeTransport{}
	b := &fakeTransport{}
	r.Register(a, "dash-1")
	r.Authenticate("dash-1", RoleDashboard)
	r.Register(b, "dash-2")
	r.Authenticate("dash-2", RoleDashboard)

	r.Broadcast([]byte(`{}`), RoleDashboard, "dash-1")

	if a.frameCount() != 0 {
		t.Error("sender must not receive its own broadcast")
	}
	if b.frameCount() != 1 {
		t.Errorf("peer got %d frames, want 1", b.frameCount())
	}
}

func TestByRoleRegistrationOrder(t *testing.T) {
	t.Parallel()

	r := newTestRegistry()
	for _, id := range []string{"exec-b", "exec-a", "exec-c"} {
		r.Register(&fakeTransport{}, id)
		r.Authenticate(id, RoleExecutor)
	}
	r.Register(&fakeTransport{}, "dash-1")
	r.Authenticate("dash-1", RoleDashboard)

	got := r.ByRole(RoleExecutor)
	want := []string{"exec-b", "exec-a", "exec-c"}
	if len(got) != len(want) {
		t.Fatalf("ByRole returned %d ids, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("ByRole[%d] = %q, want %q", i, got[i], want[i])
		}
	}
	if len(r.ByRole(RoleConnector)) != 0 {
		t.Error("ByRole for absent role should be empty")
	}
}

func TestCloseAll(t *testing.T) {
	t.Parallel()

	r := newTestRegistry()
	a := &fakeTransport{}
	b := &fakeTransport{}
	r.Register(a, "ea-1")
	r.Register(b, "ea-2")

	r.CloseAll()

	if r.Count() != 0 {
		t.Errorf("Count after CloseAll = %d, want 0", r.Count())
	}
	for name, tr := range map[string]*fakeTransport{"ea-1": a, "ea-2": b} {
		if !tr.isClosed() {
			t.Errorf("%s transport not closed", name)
		}
		if len(tr.controls) != 1 || tr.controls[0].messageType != websocket.CloseMessage {
			t.Errorf("%s did not receive a close control message", name)
		}
	}
}

func TestRegistryConcurrentChurn(t *testing.T) {
	t.Parallel()

	r := newTestRegistry()
	ids := []string{"ea-1", "ea-2", "ea-3", "ea-4"}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				r.Register(&fakeTransport{}, id)
				r.Authenticate(id, RoleExecutor)
				r.Broadcast([]byte(`{"type":"signal"}`), RoleExecutor, id)
				if i%5 == 0 {
					r.Deregister(id)
				}
			}
		}(id)
	}
	wg.Wait()

	// One record per identifier, never more, and the authenticated count never exceeds the total.
	if r.Count() > len(ids) {
		t.Errorf("Count = %d, want at most %d", r.Count(), len(ids))
	}
	if r.AuthenticatedCount() > r.Count() {
		t.Errorf("AuthenticatedCount %d exceeds Count %d", r.AuthenticatedCount(), r.Count())
	}
	seen := make(map[string]bool)
	for _, info := range r.List() {
		if seen[info.InstanceID] {
			t.Errorf("duplicate record for %q", info.InstanceID)
		}
		seen[info.InstanceID] = true
	}
}

func TestTouchUpdatesLastMessage(t *testing.T) {
	t.Parallel()

	r := newTestRegistry()
	r.Register(&fakeTransport{}, "ea-1")

	before, _ := r.Get("ea-1")
	if !before.LastMessageAt.IsZero() {
		t.Error("fresh record should have zero LastMessageAt")
	}

	r.Touch("ea-1")
	after, _ := r.Get("ea-1")
	if after.LastMessageAt.IsZero() {
		t.Error("Touch should stamp LastMessageAt")
	}
}
