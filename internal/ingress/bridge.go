// Package ingress implements the bridge between externally-arrived network
// traffic and the synchronized event loop: a dedicated goroutine that reads
// length-prefixed tunnel datagrams and schedules them into the scheduler's
// current time slice, per spec.md §4.6's ingress placement policy.
package ingress

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"

	"github.com/sirupsen/logrus"

	"github.com/kimmoahokas/slicetime/internal/scheduler"
)

// Injector is the subset of *scheduler.Scheduler the bridge needs: the
// ability to place an event within the slice currently in flight. Declared
// as an interface, rather than a concrete *scheduler.Scheduler parameter, so
// bridge tests can substitute a recording fake.
type Injector interface {
	ScheduleInCurrentSlice(fn func()) scheduler.EventID
}

// Decoder turns one tunnel datagram's payload into a scheduled action. It
// must not block; any protocol decoding happens synchronously in the bridge
// goroutine before the result is handed to the scheduler.
type Decoder interface {
	// Decode parses payload (addressed at flowID) and returns a closure to
	// run inside the scheduler, or ok=false if the datagram carries nothing
	// actionable (e.g. a protocol packet type this decoder ignores).
	Decode(flowID int32, payload []byte) (fn func(), ok bool)
}

const (
	headerSize      = 8 // int32 flow-id + int32 length, big-endian
	maxPayloadBytes = 1 << 20
)

// Bridge owns the dedicated goroutine that reads tunnel datagrams from conn
// and injects decoded events into an Injector. Grounded in spec.md §4.6's
// description of the ingress bridge as an async thread distinct from the
// scheduler's own event loop.
type Bridge struct {
	conn     net.PacketConn
	injector Injector
	decoder  Decoder
	log      *logrus.Entry
}

// New creates a Bridge reading tunnel datagrams from conn, decoding them
// with decoder, and injecting the result into injector.
func New(conn net.PacketConn, injector Injector, decoder Decoder, log *logrus.Entry) *Bridge {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Bridge{conn: conn, injector: injector, decoder: decoder, log: log}
}

// Run reads datagrams until ctx is cancelled or the connection is closed.
// Each datagram is expected to carry a single tunnel frame: a 4-byte
// big-endian flow id, a 4-byte big-endian payload length, and the payload
// itself (spec.md §6). Malformed frames are logged and dropped; the loop
// never exits on a decode error.
func (b *Bridge) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		b.conn.Close()
	}()

	buf := make([]byte, 64*1024)
	for {
		n, _, err := b.conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("ingress: read failed: %w", err)
			}
		}
		b.handleFrame(buf[:n])
	}
}

func (b *Bridge) handleFrame(raw []byte) {
	flowID, payload, err := parseFrame(raw)
	if err != nil {
		b.log.WithError(err).Warn("dropping malformed tunnel frame")
		return
	}
	fn, ok := b.decoder.Decode(flowID, payload)
	if !ok {
		return
	}
	b.injector.ScheduleInCurrentSlice(fn)
}

// parseFrame validates and splits a single tunnel datagram: int32 flow-id,
// int32 length, bytes[length] payload, all big-endian.
func parseFrame(raw []byte) (flowID int32, payload []byte, err error) {
	if len(raw) < headerSize {
		return 0, nil, fmt.Errorf("ingress: frame shorter than header (%d bytes)", len(raw))
	}
	flowID = int32(binary.BigEndian.Uint32(raw[0:4]))
	length := int32(binary.BigEndian.Uint32(raw[4:8]))
	if length < 0 || length > maxPayloadBytes {
		return 0, nil, fmt.Errorf("ingress: implausible payload length %d", length)
	}
	want := headerSize + int(length)
	if len(raw) != want {
		return 0, nil, fmt.Errorf("ingress: frame length %d does not match header-declared %d", len(raw), want)
	}
	return flowID, raw[headerSize:], nil
}
