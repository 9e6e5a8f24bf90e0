package dtl

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"

	"github.com/cuemby/vdisk/pkg/log"
	"github.com/cuemby/vdisk/pkg/metrics"
	"github.com/cuemby/vdisk/pkg/types"
	"github.com/rs/zerolog"
)

// MaxInFlight bounds how many unacknowledged entries a Client will queue
// before Send blocks — the volume's write path must feel this backpressure
// rather than let an unresponsive DTL peer grow memory without limit.
const MaxInFlight = 256

// pendingAck tracks one sent-but-unacknowledged entry.
type pendingAck struct {
	seqNum uint64
	done   chan error
}

// Client replicates a volume's writes to a peer's DTL Server.
type Client struct {
	conn     net.Conn
	fw       *frameWriter
	fr       *frameReader
	logger   zerolog.Logger
	volumeID string
	mode     types.DtlMode

	mu       sync.Mutex
	inFlight []pendingAck
	sem      chan struct{}
	closed   bool
}

// Dial opens a DTL stream to addr for volumeID, fenced by ownerTag.
func Dial(ctx context.Context, addr string, tlsConfig *tls.Config, volumeID string, cfg types.VolumeConfiguration, ownerTag types.OwnerTag, mode types.DtlMode) (*Client, error) {
	dialer := &tls.Dialer{Config: tlsConfig}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dtl: dial %s: %w", addr, err)
	}

	c := &Client{
		conn:     conn,
		fw:       newFrameWriter(conn),
		fr:       newFrameReader(conn),
		logger:   log.WithVolumeID(volumeID),
		volumeID: volumeID,
		mode:     mode,
		sem:      make(chan struct{}, MaxInFlight),
	}

	if err := c.fw.write(frame{Kind: frameOpen, Open: &openFrame{
		VolumeID: volumeID,
		Config:   cfg,
		OwnerTag: ownerTag,
	}}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("dtl: send open: %w", err)
	}

	ack, err := c.fr.read()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("dtl: read open ack: %w", err)
	}
	if ack.Kind != frameOpenAck || ack.OpenAck == nil || !ack.OpenAck.Accepted {
		reason := "rejected"
		if ack.OpenAck != nil {
			reason = ack.OpenAck.Reason
		}
		conn.Close()
		return nil, types.NewError(types.ErrInvalidOperation, "dtl open rejected: %s", reason)
	}

	go c.readAcks()

	return c, nil
}

func (c *Client) readAcks() {
	for {
		f, err := c.fr.read()
		if err != nil {
			c.failAll(err)
			return
		}
		if f.Kind != frameAck || f.Ack == nil {
			continue
		}
		c.resolve(f.Ack.SeqNum, nil)
	}
}

func (c *Client) resolve(seqNum uint64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	kept := c.inFlight[:0]
	for _, p := range c.inFlight {
		if p.seqNum <= seqNum {
			p.done <- err
			close(p.done)
			select {
			case <-c.sem:
			default:
			}
			continue
		}
		kept = append(kept, p)
	}
	c.inFlight = kept
}

func (c *Client) failAll(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range c.inFlight {
		p.done <- err
		close(p.done)
	}
	c.inFlight = nil
}

// Send replicates one write. In DtlSynchronous mode it blocks until the
// peer acknowledges durable receipt; in DtlAsynchronous mode it returns
// once the entry has been written to the socket, without waiting for the
// ack (the ack is still consumed in the background to keep the in-flight
// window accurate).
func (c *Client) Send(ctx context.Context, seqNum uint64, addr types.ClusterAddress, loc types.ClusterLocation, hash types.ContentHash, data []byte) error {
	select {
	case c.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	done := make(chan error, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		<-c.sem
		return fmt.Errorf("dtl: client closed")
	}
	c.inFlight = append(c.inFlight, pendingAck{seqNum: seqNum, done: done})
	c.mu.Unlock()

	if err := c.fw.write(frame{Kind: frameEntry, Entry: &entryFrame{
		SeqNum:  seqNum,
		Address: addr, Location: loc, Hash: hash, Data: data,
	}}); err != nil {
		return fmt.Errorf("dtl: send entry: %w", err)
	}

	if c.mode == types.DtlAsynchronous {
		return nil
	}

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.DtlRoundTripDuration)

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// QueueDepth reports the current number of unacknowledged entries, for
// the vdisk_dtl_queue_depth gauge.
func (c *Client) QueueDepth() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inFlight)
}

// Close ends the DTL session.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	_ = c.fw.write(frame{Kind: frameClose})
	return c.conn.Close()
}

// ReportQueueDepth publishes c's current queue depth to metrics under its
// volume ID label — intended to be called from a periodic ticker.
func (c *Client) ReportQueueDepth() {
	metrics.DtlQueueDepth.WithLabelValues(c.volumeID).Set(float64(c.QueueDepth()))
}
