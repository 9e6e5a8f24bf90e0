package metadata

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"

	"github.com/cuemby/vdisk/pkg/types"
)

// maxWireFrameBytes bounds a single request/response frame, guarding
// against a corrupt or hostile length prefix.
const maxWireFrameBytes = 16 << 20

type opKind uint8

const (
	opGet opKind = iota + 1
	opPut
	opCork
	opUncork
	opCorked
)

// request is sent from a RemoteStore to a RemoteServer.
type request struct {
	Op   opKind
	Addr types.ClusterAddress
	CLH  types.ClusterLocationAndHash
}

// response is sent back for every request.
type response struct {
	CLH     types.ClusterLocationAndHash
	Found   bool
	Corked  bool
	ErrText string
}

func (r response) asError() error {
	if r.ErrText == "" {
		return nil
	}
	return fmt.Errorf("metadata: remote: %s", r.ErrText)
}

type wireWriter struct {
	w io.Writer
}

func newWireWriter(w io.Writer) *wireWriter { return &wireWriter{w: w} }

func (w *wireWriter) write(v interface{}) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return fmt.Errorf("metadata: encode frame: %w", err)
	}

	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(buf.Len()))
	if _, err := w.w.Write(lenPrefix[:]); err != nil {
		return fmt.Errorf("metadata: write frame length: %w", err)
	}
	if _, err := w.w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("metadata: write frame body: %w", err)
	}
	return nil
}

type wireReader struct {
	r io.Reader
}

func newWireReader(r io.Reader) *wireReader { return &wireReader{r: r} }

func (r *wireReader) read(v interface{}) error {
	var lenPrefix [4]byte
	if _, err := io.ReadFull(r.r, lenPrefix[:]); err != nil {
		return err
	}
	n := binary.BigEndian.Uint32(lenPrefix[:])
	if n > maxWireFrameBytes {
		return fmt.Errorf("metadata: frame of %d bytes exceeds limit", n)
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(r.r, body); err != nil {
		return fmt.Errorf("metadata: read frame body: %w", err)
	}
	return gob.NewDecoder(bytes.NewReader(body)).Decode(v)
}
