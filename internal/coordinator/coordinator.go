// Package coordinator implements the barrier-synchronization server: it
// registers participants, tracks the period each has reported Finished for,
// and broadcasts the next RunPermission once every registered client has
// caught up. Grounded in synchronizer.cpp's handle_pkt_register /
// handle_pkt_unregisterClient / handle_pkt_finished / srv_sendRunPermission.
package coordinator

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/kimmoahokas/slicetime/internal/wire"
)

// MaxClients bounds the participant table, mirroring the original
// reference's fixed-size MAX_CLIENTS array. Registration for an id outside
// this range is refused, per spec.md invariant 3.
const MaxClients = 1 << 16

type clientState struct {
	registered  bool
	clientType  wire.ClientType
	description string
	period      uint32
	addr        net.Addr
}

// Config are the barrier parameters fixed for the coordinator's lifetime.
type Config struct {
	SliceMicroseconds uint32
	MinClients        int
	// MaxPeriod, when nonzero, causes Run to return once CurrentPeriod
	// reaches it (used for bounded test/demo runs).
	MaxPeriod uint32
}

// AuditSink receives a record of every accepted protocol event, for optional
// durable logging. Implementations must not block the barrier; Coordinator
// calls sinks synchronously but treats sink errors as non-fatal.
type AuditSink interface {
	RecordEvent(kind string, clientID uint16, period uint32) error
}

// Coordinator holds the full barrier state machine of spec.md §4.3.
type Coordinator struct {
	cfg Config
	log *logrus.Entry

	mu            sync.Mutex
	clients       map[uint16]*clientState
	registered    int
	currentPeriod uint32

	seqNr atomic.Uint32

	audit AuditSink
}

// New creates a Coordinator starting at period 1 (period 0 means "not yet
// synchronized" per spec.md's data model, so the first grant is period 1).
func New(cfg Config, log *logrus.Entry) *Coordinator {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Coordinator{
		cfg:           cfg,
		log:           log,
		clients:       make(map[uint16]*clientState),
		currentPeriod: 1,
	}
}

// SetAuditSink installs an optional durable event sink. Pass nil to disable.
func (c *Coordinator) SetAuditSink(a AuditSink) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.audit = a
}

// CurrentPeriod returns the period the coordinator is currently waiting to
// complete (the period named in the most recent grant).
func (c *Coordinator) CurrentPeriod() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentPeriod
}

// RegisteredCount returns the number of currently registered clients.
func (c *Coordinator) RegisteredCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registered
}

// Sender abstracts datagram delivery so the coordinator can be driven by a
// real net.PacketConn or an in-process fake for tests.
type Sender interface {
	SendTo(addr net.Addr, buf []byte) error
}

// packetConnSender adapts a net.PacketConn to Sender.
type packetConnSender struct{ conn net.PacketConn }

func (s packetConnSender) SendTo(addr net.Addr, buf []byte) error {
	_, err := s.conn.WriteTo(buf, addr)
	return err
}

// Register implements spec.md's Register transition: a RegisterClient
// datagram, from a known source address, processed per invariants 2 and 3.
// If this brings the registered count to the configured quorum, the current
// grant is broadcast immediately so joining (and rejoining) clients start.
func (c *Coordinator) Register(sender Sender, from net.Addr, reg wire.RegisterClient) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if uint32(reg.ClientID) > MaxClients-1 {
		c.log.WithField("client", reg.ClientID).Warn("register: client id exceeds participant table, dropping")
		return
	}
	if st, ok := c.clients[reg.ClientID]; ok && st.registered {
		c.log.WithField("client", reg.ClientID).Warn("register: already registered, dropping duplicate")
		return
	}

	c.clients[reg.ClientID] = &clientState{
		registered:  true,
		clientType:  reg.ClientType,
		description: reg.Description,
		// Seeded one behind currentPeriod: this client has not yet reported
		// Finished for the period the barrier is waiting to complete, so the
		// quorum check in Finished must not treat it as caught up until it
		// actually reports.
		period: c.currentPeriod - 1,
		addr:   from,
	}
	c.registered++
	c.log.WithFields(logrus.Fields{
		"client": reg.ClientID,
		"type":   reg.ClientType,
		"total":  c.registered,
	}).Info("client registered")
	c.recordAudit("register", reg.ClientID, c.currentPeriod)

	if c.registered >= c.cfg.MinClients {
		c.broadcastGrantLocked(sender)
	}
}

// Unregister implements spec.md's Unregister transition: no re-broadcast.
func (c *Coordinator) Unregister(ureg wire.UnregisterClient) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st, ok := c.clients[ureg.ClientID]
	if !ok || !st.registered {
		return
	}
	st.registered = false
	st.description = ""
	c.registered--
	c.log.WithFields(logrus.Fields{
		"client": ureg.ClientID,
		"reason": ureg.Reason,
		"total":  c.registered,
	}).Info("client unregistered")
	c.recordAudit("unregister", ureg.ClientID, c.currentPeriod)
}

// Finished implements spec.md's Finished transition and global invariant 1:
// a grant for period P is sent iff every registered client has reported
// Finished(P-1).
func (c *Coordinator) Finished(sender Sender, fin wire.Finished) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if fin.PeriodID > c.currentPeriod {
		c.log.WithFields(logrus.Fields{"client": fin.ClientID, "period": fin.PeriodID, "current": c.currentPeriod}).
			Warn("finished: protocol violation, client ahead of server, dropping")
		return
	}
	st, ok := c.clients[fin.ClientID]
	if !ok || !st.registered {
		c.log.WithField("client", fin.ClientID).Warn("finished: unregistered client, dropping")
		return
	}
	if fin.PeriodID < st.period {
		c.log.WithFields(logrus.Fields{"client": fin.ClientID, "period": fin.PeriodID}).
			Debug("finished: late duplicate, dropping")
		return
	}

	st.period = fin.PeriodID
	c.recordAudit("finished", fin.ClientID, fin.PeriodID)

	for _, other := range c.clients {
		if other.registered && other.period != c.currentPeriod {
			return
		}
	}

	c.currentPeriod++
	c.log.WithField("period", c.currentPeriod).Info("quorum reached, advancing period")
	c.broadcastGrantLocked(sender)
}

// broadcastGrantLocked sends the current grant to every registered client's
// last-known source address. Must be called with c.mu held.
func (c *Coordinator) broadcastGrantLocked(sender Sender) {
	seq := c.seqNr.Add(1)
	buf := wire.EncodeRunPermission(seq, wire.RunPermission{
		PeriodID:      c.currentPeriod,
		RunTimeMicros: c.cfg.SliceMicroseconds,
	})
	for id, st := range c.clients {
		if !st.registered || st.addr == nil {
			continue
		}
		if err := sender.SendTo(st.addr, buf); err != nil {
			c.log.WithError(err).WithField("client", id).Warn("failed to send grant")
		}
	}
	c.recordAudit("grant", 0, c.currentPeriod)
}

func (c *Coordinator) recordAudit(kind string, clientID uint16, period uint32) {
	if c.audit == nil {
		return
	}
	if err := c.audit.RecordEvent(kind, clientID, period); err != nil {
		c.log.WithError(err).Warn("audit sink write failed")
	}
}

// Run drives the coordinator from a live socket until ctx is cancelled, the
// configured MaxPeriod is reached (if nonzero), or a fatal read error
// occurs. Malformed or unrecognized datagrams are logged and dropped.
func (c *Coordinator) Run(ctx context.Context, conn net.PacketConn) error {
	sender := packetConnSender{conn: conn}
	buf := make([]byte, wire.MaxPacketLen)

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		if c.cfg.MaxPeriod > 0 && c.CurrentPeriod() >= c.cfg.MaxPeriod {
			c.log.WithField("period", c.CurrentPeriod()).Info("reached configured max period, stopping")
			return nil
		}

		n, from, err := conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("coordinator: read failed: %w", err)
			}
		}
		c.dispatch(sender, from, buf[:n])
	}
}

func (c *Coordinator) dispatch(sender Sender, from net.Addr, raw []byte) {
	hdr, err := wire.DecodeHeader(raw)
	if err != nil {
		c.log.WithError(err).Warn("dropping malformed packet")
		return
	}
	switch hdr.Type {
	case wire.PacketRegisterClient:
		_, reg, err := wire.DecodeRegisterClient(raw)
		if err != nil {
			c.log.WithError(err).Warn("dropping malformed register packet")
			return
		}
		c.Register(sender, from, reg)
	case wire.PacketUnregisterClient:
		_, ureg, err := wire.DecodeUnregisterClient(raw)
		if err != nil {
			c.log.WithError(err).Warn("dropping malformed unregister packet")
			return
		}
		c.Unregister(ureg)
	case wire.PacketFinished:
		_, fin, err := wire.DecodeFinished(raw)
		if err != nil {
			c.log.WithError(err).Warn("dropping malformed finished packet")
			return
		}
		c.Finished(sender, fin)
	default:
		c.log.WithField("type", hdr.Type).Warn("dropping unknown packet type")
	}
}
