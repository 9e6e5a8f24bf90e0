package metadata

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"

	"github.com/cuemby/vdisk/pkg/log"
	"github.com/rs/zerolog"
)

// RemoteServer exposes a LocalStore over the network for a RemoteStore peer
// to forward calls to — used while this node owns a volume and a peer holds
// it only as a Replicated fallback.
type RemoteServer struct {
	store     *LocalStore
	tlsConfig *tls.Config
	logger    zerolog.Logger

	ln     net.Listener
	stopCh chan struct{}
}

// NewRemoteServer wraps store for network access secured by tlsConfig.
func NewRemoteServer(store *LocalStore, tlsConfig *tls.Config) *RemoteServer {
	return &RemoteServer{
		store:     store,
		tlsConfig: tlsConfig,
		logger:    log.WithComponent("metadata-remote-server"),
		stopCh:    make(chan struct{}),
	}
}

// Serve listens on addr until Stop is called.
func (s *RemoteServer) Serve(addr string) error {
	ln, err := tls.Listen("tcp", addr, s.tlsConfig)
	if err != nil {
		return fmt.Errorf("metadata: listen on %s: %w", addr, err)
	}
	s.ln = ln

	s.logger.Info().Str("addr", addr).Msg("metadata remote server listening")

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.stopCh:
				return nil
			default:
				s.logger.Error().Err(err).Msg("metadata remote accept failed")
				continue
			}
		}
		go s.handleConn(conn)
	}
}

// Stop closes the listener, ending Serve.
func (s *RemoteServer) Stop() {
	close(s.stopCh)
	if s.ln != nil {
		s.ln.Close()
	}
}

func (s *RemoteServer) handleConn(conn net.Conn) {
	defer conn.Close()

	wr := newWireReader(conn)
	ww := newWireWriter(conn)
	ctx := context.Background()

	for {
		var req request
		if err := wr.read(&req); err != nil {
			return
		}

		resp := s.handle(ctx, req)
		if err := ww.write(resp); err != nil {
			return
		}
	}
}

func (s *RemoteServer) handle(ctx context.Context, req request) response {
	switch req.Op {
	case opGet:
		clh, ok, err := s.store.Get(ctx, req.Addr)
		if err != nil {
			return response{ErrText: err.Error()}
		}
		return response{CLH: clh, Found: ok}
	case opPut:
		if err := s.store.Put(ctx, req.Addr, req.CLH); err != nil {
			return response{ErrText: err.Error()}
		}
		return response{}
	case opCork:
		if err := s.store.Cork(); err != nil {
			return response{ErrText: err.Error()}
		}
		return response{}
	case opUncork:
		if err := s.store.Uncork(ctx); err != nil {
			return response{ErrText: err.Error()}
		}
		return response{}
	case opCorked:
		return response{Corked: s.store.Corked()}
	default:
		return response{ErrText: fmt.Sprintf("unknown op %d", req.Op)}
	}
}
