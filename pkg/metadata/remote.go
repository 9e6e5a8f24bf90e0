package metadata

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"

	"github.com/cuemby/vdisk/pkg/types"
)

// RemoteStore forwards every call to a peer's RemoteServer, which itself
// wraps that peer's LocalStore. Used by a Replicated store to keep a
// secondary copy of a volume's metadata on the node that would take over
// ownership next.
type RemoteStore struct {
	mu   sync.Mutex
	conn net.Conn
	wr   *wireReader
	ww   *wireWriter
}

// DialRemoteStore connects to a RemoteServer at addr.
func DialRemoteStore(ctx context.Context, addr string, tlsConfig *tls.Config) (*RemoteStore, error) {
	dialer := &tls.Dialer{Config: tlsConfig}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metadata: dial %s: %w", addr, err)
	}
	return &RemoteStore{
		conn: conn,
		wr:   newWireReader(conn),
		ww:   newWireWriter(conn),
	}, nil
}

func (s *RemoteStore) roundTrip(req request) (response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ww.write(req); err != nil {
		return response{}, fmt.Errorf("metadata: remote: send: %w", err)
	}
	var resp response
	if err := s.wr.read(&resp); err != nil {
		return response{}, fmt.Errorf("metadata: remote: recv: %w", err)
	}
	return resp, nil
}

func (s *RemoteStore) Get(_ context.Context, addr types.ClusterAddress) (types.ClusterLocationAndHash, bool, error) {
	resp, err := s.roundTrip(request{Op: opGet, Addr: addr})
	if err != nil {
		return types.ClusterLocationAndHash{}, false, err
	}
	if err := resp.asError(); err != nil {
		return types.ClusterLocationAndHash{}, false, err
	}
	return resp.CLH, resp.Found, nil
}

func (s *RemoteStore) Put(_ context.Context, addr types.ClusterAddress, clh types.ClusterLocationAndHash) error {
	resp, err := s.roundTrip(request{Op: opPut, Addr: addr, CLH: clh})
	if err != nil {
		return err
	}
	return resp.asError()
}

func (s *RemoteStore) Cork() error {
	resp, err := s.roundTrip(request{Op: opCork})
	if err != nil {
		return err
	}
	return resp.asError()
}

func (s *RemoteStore) Uncork(_ context.Context) error {
	resp, err := s.roundTrip(request{Op: opUncork})
	if err != nil {
		return err
	}
	return resp.asError()
}

func (s *RemoteStore) Corked() bool {
	resp, err := s.roundTrip(request{Op: opCorked})
	if err != nil {
		return false
	}
	return resp.Corked
}

func (s *RemoteStore) Close() error {
	return s.conn.Close()
}
