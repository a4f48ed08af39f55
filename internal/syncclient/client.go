// Package syncclient implements the participant side of the barrier
// protocol: register, wait for a run permission, report finished, and
// unregister. Grounded in sync-client.cc's ConnectAndSendRegister /
// SendFinished / WaitForRunPermission / SendUnregAndDisconnect.
package syncclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"time"

	"github.com/kimmoahokas/slicetime/internal/wire"
)

// Config describes one client session's identity and transport parameters.
type Config struct {
	ServerAddress string
	ServerPort    int
	ClientAddress string
	ClientPort    int

	ClientID          uint16
	ClientType        wire.ClientType
	ClientDescription string

	// RecvTimeout, when nonzero, enables timed retransmit of the last
	// outbound datagram while waiting for a run permission. Zero disables
	// retransmission (pure blocking receive).
	RecvTimeout time.Duration
}

// Client is one participant's session state. Its lifetime runs from
// ConnectAndRegister to UnregisterAndDisconnect; a new Client must be
// constructed for each Run.
type Client struct {
	cfg  Config
	conn *net.UDPConn
	dest *net.UDPAddr

	seqNr uint32
	// periodID is the last accepted (strictly increasing) period.
	periodID uint32

	lastPacket []byte
}

// New creates a Client in the disconnected state.
func New(cfg Config) *Client {
	return &Client{cfg: cfg}
}

// Period returns the last accepted period id (0 before any grant arrives).
func (c *Client) Period() uint32 {
	return c.periodID
}

// ConnectAndRegister opens a UDP socket bound to the client's configured
// address/port with SO_REUSEADDR set (so co-hosted clients can share a
// broadcast receive address, per spec.md §4.2), then sends RegisterClient.
func (c *Client) ConnectAndRegister() error {
	laddr := &net.UDPAddr{IP: net.ParseIP(c.cfg.ClientAddress), Port: c.cfg.ClientPort}
	if laddr.IP == nil {
		laddr.IP = net.IPv4zero
	}

	lc := net.ListenConfig{Control: setReuseAddr}
	pc, err := lc.ListenPacket(context.Background(), "udp", laddr.String())
	if err != nil {
		return fmt.Errorf("syncclient: listen failed: %w", err)
	}
	conn, ok := pc.(*net.UDPConn)
	if !ok {
		pc.Close()
		return errors.New("syncclient: expected a UDP connection")
	}
	c.conn = conn

	c.dest = &net.UDPAddr{IP: net.ParseIP(c.cfg.ServerAddress), Port: c.cfg.ServerPort}
	if c.dest.IP == nil {
		return fmt.Errorf("syncclient: invalid server address %q", c.cfg.ServerAddress)
	}

	buf := wire.EncodeRegisterClient(c.nextSeq(), wire.RegisterClient{
		ClientID:    c.cfg.ClientID,
		ClientType:  c.cfg.ClientType,
		Description: c.cfg.ClientDescription,
	})
	return c.send(buf)
}

// UnregisterAndDisconnect sends UnregisterClient with reason=regular, closes
// the socket, and resets sequence/period counters.
func (c *Client) UnregisterAndDisconnect() error {
	if c.conn == nil {
		return errors.New("syncclient: not connected")
	}
	buf := wire.EncodeUnregisterClient(c.nextSeq(), wire.UnregisterClient{
		ClientID: c.cfg.ClientID,
		Reason:   wire.UnregisterRegular,
	})
	sendErr := c.send(buf)
	closeErr := c.conn.Close()
	c.conn = nil
	c.seqNr = 0
	c.periodID = 0
	if sendErr != nil {
		return sendErr
	}
	return closeErr
}

// SendFinished reports completion of the most-recently-granted period.
func (c *Client) SendFinished(runTimeMicros, realTimeMicros uint32) error {
	buf := wire.EncodeFinished(c.nextSeq(), wire.Finished{
		PeriodID:       c.periodID,
		RunTimeMicros:  runTimeMicros,
		RealTimeMicros: realTimeMicros,
		ClientID:       c.cfg.ClientID,
	})
	return c.send(buf)
}

// WaitForRunPermission blocks until a fresh RunPermission arrives (one
// whose period is strictly greater than the last accepted period) and
// returns its run-time in microseconds. Duplicate or stale grants, and
// malformed or unrelated packets, are silently dropped. If RecvTimeout is
// nonzero, a read timeout triggers a verbatim resend of the last outbound
// packet before resuming the wait.
func (c *Client) WaitForRunPermission() (uint32, error) {
	buf := make([]byte, wire.MaxPacketLen)
	for {
		if c.cfg.RecvTimeout > 0 {
			if err := c.conn.SetReadDeadline(time.Now().Add(c.cfg.RecvTimeout)); err != nil {
				return 0, fmt.Errorf("syncclient: set deadline: %w", err)
			}
		}

		n, err := c.conn.Read(buf)
		if err != nil {
			if c.cfg.RecvTimeout > 0 && isTimeout(err) {
				if resendErr := c.resend(); resendErr != nil {
					return 0, resendErr
				}
				continue
			}
			return 0, fmt.Errorf("syncclient: read failed: %w", err)
		}

		_, perm, err := wire.DecodeRunPermission(buf[:n])
		if err != nil {
			continue // wrong type or wrong length: ignore per spec.md §4.2
		}
		if perm.PeriodID > c.periodID {
			c.periodID = perm.PeriodID
			return perm.RunTimeMicros, nil
		}
		// duplicate/stale grant: freshness rule drops it silently.
	}
}

func (c *Client) resend() error {
	if c.lastPacket == nil {
		return nil
	}
	_, err := c.conn.Write(c.lastPacket)
	return err
}

func (c *Client) nextSeq() uint32 {
	c.seqNr++
	return c.seqNr
}

func (c *Client) send(buf []byte) error {
	if _, err := c.conn.WriteTo(buf, c.dest); err != nil {
		return fmt.Errorf("syncclient: send failed: %w", err)
	}
	c.lastPacket = buf
	return nil
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// setReuseAddr enables SO_REUSEADDR on the listening socket so that
// multiple co-hosted client instances can share a broadcast receive
// address, mirroring ConnectAndSendRegister's setsockopt call in the
// original reference implementation.
func setReuseAddr(network, address string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		sockErr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}
