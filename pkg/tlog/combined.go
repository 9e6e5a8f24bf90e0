package tlog

import (
	"fmt"

	"github.com/cuemby/vdisk/pkg/types"
)

// Locator resolves a TLogID to an openable directory and filename — local
// disk, or a backend download staged to a temp file, depending on where the
// log currently lives.
type Locator func(id types.TLogID) (dir, filename string, err error)

// Exists reports whether id can be located at all, locally or on the
// backend, without opening it.
type Exists func(id types.TLogID) bool

// CombinedReader replays a chain of TLogs in order, presenting them to the
// caller as a single logical stream. It stops before any TLog that cannot
// be located either locally or on the backend, rather than erroring, since
// an unreplayable tail is an expected outcome of a crash.
type CombinedReader struct {
	ids     []types.TLogID
	locate  Locator
	exists  Exists
}

// NewCombinedReader builds a reader over ids in order.
func NewCombinedReader(ids []types.TLogID, locate Locator, exists Exists) *CombinedReader {
	return &CombinedReader{ids: ids, locate: locate, exists: exists}
}

// Replay runs h over every located TLog in order, stopping (without error)
// at the first TLog that exists() reports as missing. Every log but the
// last is required to end in a verified TLog-CRC; violations return
// ErrWithoutFinalCRC/ErrWrongCRC.
func (c *CombinedReader) Replay(h Handler) (replayed []types.TLogID, err error) {
	for i, id := range c.ids {
		if !c.exists(id) {
			break
		}

		dir, filename, err := c.locate(id)
		if err != nil {
			return replayed, fmt.Errorf("tlog: locate %s: %w", id, err)
		}

		r, err := Open(dir, filename, id)
		if err != nil {
			return replayed, fmt.Errorf("tlog: open %s: %w", id, err)
		}

		replayErr := r.Replay(h)
		isLast := i == len(c.ids)-1
		if replayErr == nil && !isLast {
			replayErr = r.RequireSealed()
		}
		closeErr := r.Close()

		if replayErr != nil {
			return replayed, replayErr
		}
		if closeErr != nil {
			return replayed, fmt.Errorf("tlog: close %s: %w", id, closeErr)
		}

		replayed = append(replayed, id)
	}
	return replayed, nil
}
