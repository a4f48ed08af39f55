package coordinator_test

import (
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kimmoahokas/slicetime/internal/coordinator"
	"github.com/kimmoahokas/slicetime/internal/wire"
)

type fakeAddr string

func (a fakeAddr) Network() string { return "fake" }
func (a fakeAddr) String() string  { return string(a) }

type recordingSender struct {
	mu   sync.Mutex
	sent []sentGrant
}

type sentGrant struct {
	addr net.Addr
	perm wire.RunPermission
}

func (s *recordingSender) SendTo(addr net.Addr, buf []byte) error {
	_, perm, err := wire.DecodeRunPermission(buf)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, sentGrant{addr: addr, perm: perm})
	return nil
}

func (s *recordingSender) grantsTo(addr net.Addr) []wire.RunPermission {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []wire.RunPermission
	for _, g := range s.sent {
		if g.addr == addr {
			out = append(out, g.perm)
		}
	}
	return out
}

func newTestCoordinator(minClients int) *coordinator.Coordinator {
	return coordinator.New(coordinator.Config{
		SliceMicroseconds: 1000,
		MinClients:        minClients,
	}, nil)
}

// S6 — quorum: no grant until min-clients reached.
func TestQuorumBlocksGrantUntilMinClients(t *testing.T) {
	c := newTestCoordinator(2)
	sender := &recordingSender{}
	addr1 := fakeAddr("client-1")
	addr2 := fakeAddr("client-2")

	c.Register(sender, addr1, wire.RegisterClient{ClientID: 1})
	require.Empty(t, sender.grantsTo(addr1), "no grant should be sent before quorum")

	c.Register(sender, addr2, wire.RegisterClient{ClientID: 2})
	require.Len(t, sender.grantsTo(addr1), 1, "grant should fire once quorum is reached")
	require.Len(t, sender.grantsTo(addr2), 1)
	require.EqualValues(t, 1, sender.grantsTo(addr1)[0].PeriodID)
}

// S1 — single client, two slices.
func TestSingleClientTwoSlices(t *testing.T) {
	c := newTestCoordinator(1)
	sender := &recordingSender{}
	addr := fakeAddr("client-7")

	c.Register(sender, addr, wire.RegisterClient{ClientID: 7})
	require.Len(t, sender.grantsTo(addr), 1)
	require.EqualValues(t, 1, sender.grantsTo(addr)[0].PeriodID)

	c.Finished(sender, wire.Finished{ClientID: 7, PeriodID: 1, RunTimeMicros: 1000})
	require.Len(t, sender.grantsTo(addr), 2)
	require.EqualValues(t, 2, sender.grantsTo(addr)[1].PeriodID)
	require.EqualValues(t, 2, c.CurrentPeriod())
}

// S3 — two clients, one slow: coordinator only advances once all report.
func TestTwoClientsOneSlowBlocksAdvancement(t *testing.T) {
	c := newTestCoordinator(2)
	sender := &recordingSender{}
	addr1 := fakeAddr("client-1")
	addr2 := fakeAddr("client-2")
	c.Register(sender, addr1, wire.RegisterClient{ClientID: 1})
	c.Register(sender, addr2, wire.RegisterClient{ClientID: 2})

	c.Finished(sender, wire.Finished{ClientID: 1, PeriodID: 1, RunTimeMicros: 1000})
	require.EqualValues(t, 1, c.CurrentPeriod(), "must not advance until client 2 also reports")

	c.Finished(sender, wire.Finished{ClientID: 2, PeriodID: 1, RunTimeMicros: 1000})
	require.EqualValues(t, 2, c.CurrentPeriod())
}

// S5 — protocol violation (client ahead of server) is dropped silently.
func TestFinishedAheadOfServerIsDropped(t *testing.T) {
	c := newTestCoordinator(1)
	sender := &recordingSender{}
	addr := fakeAddr("client-3")
	c.Register(sender, addr, wire.RegisterClient{ClientID: 3})
	// server is now at period 1 (after the initial grant); a Finished for
	// a period beyond currentPeriod is a protocol violation.
	c.Finished(sender, wire.Finished{ClientID: 3, PeriodID: 12, RunTimeMicros: 1000})
	require.EqualValues(t, 1, c.CurrentPeriod())
	require.Len(t, sender.grantsTo(addr), 1, "no extra grant should be sent")
}

// Duplicate Finished for an already-recorded period is a no-op (idempotence).
func TestDuplicateFinishedIsNoOp(t *testing.T) {
	c := newTestCoordinator(2)
	sender := &recordingSender{}
	addr1 := fakeAddr("client-1")
	addr2 := fakeAddr("client-2")
	c.Register(sender, addr1, wire.RegisterClient{ClientID: 1})
	c.Register(sender, addr2, wire.RegisterClient{ClientID: 2})

	c.Finished(sender, wire.Finished{ClientID: 1, PeriodID: 1, RunTimeMicros: 1000})
	c.Finished(sender, wire.Finished{ClientID: 1, PeriodID: 1, RunTimeMicros: 1000}) // duplicate
	require.EqualValues(t, 1, c.CurrentPeriod(), "duplicate finished must not contribute twice")

	c.Finished(sender, wire.Finished{ClientID: 2, PeriodID: 1, RunTimeMicros: 1000})
	require.EqualValues(t, 2, c.CurrentPeriod())
}

func TestRegisterRefusesDuplicate(t *testing.T) {
	c := newTestCoordinator(1)
	sender := &recordingSender{}
	addr := fakeAddr("client-1")
	c.Register(sender, addr, wire.RegisterClient{ClientID: 1})
	require.Equal(t, 1, c.RegisteredCount())
	c.Register(sender, addr, wire.RegisterClient{ClientID: 1})
	require.Equal(t, 1, c.RegisteredCount(), "duplicate register must be ignored")
}

func TestUnregisterDoesNotRebroadcast(t *testing.T) {
	c := newTestCoordinator(1)
	sender := &recordingSender{}
	addr := fakeAddr("client-1")
	c.Register(sender, addr, wire.RegisterClient{ClientID: 1})
	grantsBefore := len(sender.grantsTo(addr))

	c.Unregister(wire.UnregisterClient{ClientID: 1, Reason: wire.UnregisterRegular})
	require.Equal(t, 0, c.RegisteredCount())
	require.Len(t, sender.grantsTo(addr), grantsBefore, "unregister must not trigger a new grant")
}

// A client joining after others have advanced starts at the current period.
func TestLateJoinerStartsAtCurrentPeriod(t *testing.T) {
	c := newTestCoordinator(1)
	sender := &recordingSender{}
	addr1 := fakeAddr("client-1")
	c.Register(sender, addr1, wire.RegisterClient{ClientID: 1})
	c.Finished(sender, wire.Finished{ClientID: 1, PeriodID: 1, RunTimeMicros: 1000})
	require.EqualValues(t, 2, c.CurrentPeriod())

	addr2 := fakeAddr("client-2")
	c.Register(sender, addr2, wire.RegisterClient{ClientID: 2})
	grants := sender.grantsTo(addr2)
	require.Len(t, grants, 1)
	require.EqualValues(t, 2, grants[0].PeriodID, "joiner must receive the current period, not period 1")
}
