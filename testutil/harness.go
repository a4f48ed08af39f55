// Package testutil provides a loopback coordinator+client harness for
// package-level tests (currently the coordinator's end-to-end tests), so the
// end-to-end scenarios of spec.md §8 can run over a real UDP socket pair
// without flaking on shared ports.
package testutil

import (
	"context"
	"net"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/kimmoahokas/slicetime/internal/coordinator"
	"github.com/kimmoahokas/slicetime/internal/syncclient"
	"github.com/kimmoahokas/slicetime/internal/wire"
)

// Harness runs one coordinator over a loopback UDP socket, reachable by
// clients created with NewClient.
type Harness struct {
	t      *testing.T
	conn   net.PacketConn
	coord  *coordinator.Coordinator
	cancel context.CancelFunc
	done   chan error
}

// NewHarness starts a coordinator bound to 127.0.0.1:0 with the given
// quorum/slice configuration, and returns once it is accepting packets.
func NewHarness(t *testing.T, minClients int, sliceMicroseconds uint32) *Harness {
	t.Helper()
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	log := logrus.NewEntry(logrus.New())
	log.Logger.SetLevel(logrus.WarnLevel)

	coord := coordinator.New(coordinator.Config{
		SliceMicroseconds: sliceMicroseconds,
		MinClients:        minClients,
	}, log)

	ctx, cancel := context.WithCancel(context.Background())
	h := &Harness{t: t, conn: conn, coord: coord, cancel: cancel, done: make(chan error, 1)}
	go func() { h.done <- coord.Run(ctx, conn) }()

	t.Cleanup(h.Stop)
	return h
}

// Addr returns the coordinator's loopback address and port.
func (h *Harness) Addr() *net.UDPAddr {
	return h.conn.LocalAddr().(*net.UDPAddr)
}

// Coordinator returns the running coordinator, for assertions on
// CurrentPeriod/RegisteredCount.
func (h *Harness) Coordinator() *coordinator.Coordinator {
	return h.coord
}

// Stop cancels the coordinator's run loop and waits for it to exit.
func (h *Harness) Stop() {
	h.cancel()
	<-h.done
}

// NewClient creates and connects a syncclient.Client against the harness's
// coordinator, registering it under clientID.
func (h *Harness) NewClient(clientID uint16) *syncclient.Client {
	h.t.Helper()
	addr := h.Addr()
	c := syncclient.New(syncclient.Config{
		ServerAddress:     addr.IP.String(),
		ServerPort:        addr.Port,
		ClientAddress:     "127.0.0.1",
		ClientID:          clientID,
		ClientType:        wire.ClientTypeTest,
		ClientDescription: "harness client",
	})
	require.NoError(h.t, c.ConnectAndRegister())
	h.t.Cleanup(func() { c.UnregisterAndDisconnect() })
	return c
}
