package dtl

import (
	"crypto/tls"
	"fmt"
	"net"
	"sync"

	"github.com/cuemby/vdisk/pkg/log"
	"github.com/cuemby/vdisk/pkg/metrics"
	"github.com/cuemby/vdisk/pkg/types"
	"github.com/rs/zerolog"
)

// MaxBufferedEntries bounds how many entries the server retains per volume
// before the oldest are dropped to make room — the DTL is a recovery aid
// for in-flight writes, not a durable archive; anything older than this is
// already assumed to be on the backend.
const MaxBufferedEntries = 4096

// Entry is a replicated write, as handed to recovery callers.
type Entry struct {
	SeqNum   uint64
	Address  types.ClusterAddress
	Location types.ClusterLocation
	Hash     types.ContentHash
	Data     []byte
}

type volumeLog struct {
	mu       sync.Mutex
	ownerTag types.OwnerTag
	entries  []Entry
	nextSeq  uint64
}

// Server accepts DTL connections from volume owners and buffers their
// replicated writes per volume, oldest first, keeping at most
// MaxBufferedEntries of them. A later write at the same address does not
// replace an older buffered entry.
type Server struct {
	tlsConfig *tls.Config
	logger    zerolog.Logger

	mu     sync.Mutex
	logs   map[string]*volumeLog // keyed by volume ID
	ln     net.Listener
	stopCh chan struct{}
}

// NewServer creates a Server that will listen with tlsConfig.
func NewServer(tlsConfig *tls.Config) *Server {
	return &Server{
		tlsConfig: tlsConfig,
		logger:    log.WithComponent("dtl-server"),
		logs:      make(map[string]*volumeLog),
		stopCh:    make(chan struct{}),
	}
}

// Serve listens on addr and accepts connections until Stop is called.
func (s *Server) Serve(addr string) error {
	ln, err := tls.Listen("tcp", addr, s.tlsConfig)
	if err != nil {
		return fmt.Errorf("dtl: listen on %s: %w", addr, err)
	}
	s.ln = ln

	s.logger.Info().Str("addr", addr).Msg("dtl server listening")

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.stopCh:
				return nil
			default:
				s.logger.Error().Err(err).Msg("dtl accept failed")
				continue
			}
		}
		go s.handleConn(conn)
	}
}

// Stop closes the listener, ending Serve.
func (s *Server) Stop() {
	close(s.stopCh)
	if s.ln != nil {
		s.ln.Close()
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	fr := newFrameReader(conn)
	fw := newFrameWriter(conn)

	f, err := fr.read()
	if err != nil || f.Kind != frameOpen || f.Open == nil {
		s.logger.Warn().Err(err).Msg("dtl: expected open frame")
		return
	}

	vlog, accepted, reason := s.openVolume(f.Open.VolumeID, f.Open.OwnerTag)

	ackErr := fw.write(frame{Kind: frameOpenAck, OpenAck: &openAckFrame{Accepted: accepted, Reason: reason}})
	if ackErr != nil || !accepted {
		return
	}

	metrics.DtlStateTransitionsTotal.WithLabelValues(string(types.DtlOk)).Inc()

	for {
		f, err := fr.read()
		if err != nil {
			return
		}

		switch f.Kind {
		case frameEntry:
			if f.Entry == nil {
				continue
			}
			seq := s.appendEntry(vlog, f.Entry)
			if err := fw.write(frame{Kind: frameAck, Ack: &ackFrame{SeqNum: seq}}); err != nil {
				return
			}
		case frameClose:
			return
		}
	}
}

// openVolume registers (or reattaches to) the log for volumeID, enforcing
// fencing: a lower ownerTag than one already seen is rejected outright.
func (s *Server) openVolume(volumeID string, tag types.OwnerTag) (*volumeLog, bool, string) {
	s.mu.Lock()
	vlog, ok := s.logs[volumeID]
	if !ok {
		vlog = &volumeLog{}
		s.logs[volumeID] = vlog
	}
	s.mu.Unlock()

	vlog.mu.Lock()
	defer vlog.mu.Unlock()

	if tag.Less(vlog.ownerTag) {
		return vlog, false, "fenced: a newer owner has already opened this volume's DTL"
	}
	vlog.ownerTag = tag
	return vlog, true, ""
}

func (s *Server) appendEntry(vlog *volumeLog, e *entryFrame) uint64 {
	vlog.mu.Lock()
	defer vlog.mu.Unlock()

	vlog.nextSeq++
	vlog.entries = append(vlog.entries, Entry{
		SeqNum:   vlog.nextSeq,
		Address:  e.Address,
		Location: e.Location,
		Hash:     e.Hash,
		Data:     e.Data,
	})
	if len(vlog.entries) > MaxBufferedEntries {
		vlog.entries = vlog.entries[len(vlog.entries)-MaxBufferedEntries:]
	}

	return e.SeqNum
}

// Entries returns every buffered entry for volumeID, oldest first — used
// by pkg/recovery to replay in-flight writes after the owner crashes.
func (s *Server) Entries(volumeID string) []Entry {
	s.mu.Lock()
	vlog, ok := s.logs[volumeID]
	s.mu.Unlock()
	if !ok {
		return nil
	}

	vlog.mu.Lock()
	defer vlog.mu.Unlock()
	out := make([]Entry, len(vlog.entries))
	copy(out, vlog.entries)
	return out
}

// Clear drops the buffered log for volumeID — called once its writes are
// confirmed durable on the backend.
func (s *Server) Clear(volumeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.logs, volumeID)
}
