// Package snapshot implements the Snapshot Manager and the Snapshot
// Persistor: the single serialised document (snapshots.xml) that enumerates
// a volume's snapshots and its current, unsnapshotted TLogs. The document
// is kept both locally and in the backend; the backend copy is the
// authoritative history a fresh node reads on backend restart.
//
// encoding/xml is used deliberately rather than one of the teacher's or
// pack's serialisation libraries: the document's name and shape
// (snapshots.xml) are fixed by the on-disk format this subsystem inherited,
// and nothing else in the corpus reaches for a structured-document format
// for this kind of small, human-inspectable manifest — see DESIGN.md.
package snapshot

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cuemby/vdisk/pkg/backend"
	"github.com/cuemby/vdisk/pkg/types"
)

// PersistorObjectName is the fixed backend object name for a volume
// namespace's Snapshot Persistor document.
const PersistorObjectName = "snapshots.xml"

type xmlMetadataEntry struct {
	Key   string `xml:"key,attr"`
	Value string `xml:",chardata"`
}

type xmlSnapshot struct {
	UUID         string             `xml:"uuid,attr"`
	Name         string             `xml:"name,attr"`
	CreatedAt    time.Time          `xml:"created_at,attr"`
	BackendSize  uint64             `xml:"backend_size,attr"`
	InBackend    bool               `xml:"in_backend,attr"`
	Tombstoned   bool               `xml:"tombstoned,attr"`
	Metadata     []xmlMetadataEntry `xml:"metadata>entry,omitempty"`
	TLogs        []string           `xml:"tlogs>tlog"`
	DurableTLogs []string           `xml:"durable_tlogs>tlog,omitempty"`
}

type xmlDocument struct {
	XMLName      xml.Name      `xml:"snapshots"`
	Snapshots    []xmlSnapshot `xml:"snapshot"`
	CurrentTLogs []string      `xml:"current_tlogs>tlog"`
}

func toXML(s types.Snapshot) xmlSnapshot {
	x := xmlSnapshot{
		UUID:        s.UUID,
		Name:        s.Name,
		CreatedAt:   s.CreatedAt,
		BackendSize: s.BackendSize,
		InBackend:   s.InBackend,
		Tombstoned:  s.Tombstoned,
	}
	for k, v := range s.Metadata {
		x.Metadata = append(x.Metadata, xmlMetadataEntry{Key: k, Value: v})
	}
	for _, id := range s.TLogs {
		x.TLogs = append(x.TLogs, string(id))
	}
	for _, id := range s.DurableTLogs {
		x.DurableTLogs = append(x.DurableTLogs, string(id))
	}
	return x
}

func fromXML(x xmlSnapshot) types.Snapshot {
	s := types.Snapshot{
		UUID:        x.UUID,
		Name:        x.Name,
		CreatedAt:   x.CreatedAt,
		BackendSize: x.BackendSize,
		InBackend:   x.InBackend,
		Tombstoned:  x.Tombstoned,
	}
	if len(x.Metadata) > 0 {
		s.Metadata = make(map[string]string, len(x.Metadata))
		for _, e := range x.Metadata {
			s.Metadata[e.Key] = e.Value
		}
	}
	for _, id := range x.TLogs {
		s.TLogs = append(s.TLogs, types.TLogID(id))
	}
	for _, id := range x.DurableTLogs {
		s.DurableTLogs = append(s.DurableTLogs, types.TLogID(id))
	}
	return s
}

// Document is the in-memory form of snapshots.xml.
type Document struct {
	Snapshots    []types.Snapshot
	CurrentTLogs []types.TLogID
}

func (d Document) marshal() ([]byte, error) {
	x := xmlDocument{CurrentTLogs: make([]string, 0, len(d.CurrentTLogs))}
	for _, s := range d.Snapshots {
		x.Snapshots = append(x.Snapshots, toXML(s))
	}
	for _, id := range d.CurrentTLogs {
		x.CurrentTLogs = append(x.CurrentTLogs, string(id))
	}

	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := enc.Encode(x); err != nil {
		return nil, fmt.Errorf("snapshot: marshal document: %w", err)
	}
	return buf.Bytes(), nil
}

func unmarshalDocument(data []byte) (Document, error) {
	var x xmlDocument
	if err := xml.Unmarshal(data, &x); err != nil {
		return Document{}, fmt.Errorf("snapshot: unmarshal document: %w", err)
	}
	d := Document{}
	for _, xs := range x.Snapshots {
		d.Snapshots = append(d.Snapshots, fromXML(xs))
	}
	for _, id := range x.CurrentTLogs {
		d.CurrentTLogs = append(d.CurrentTLogs, types.TLogID(id))
	}
	return d, nil
}

// Persistor reads and writes the Snapshot Persistor document, locally and
// to the backend.
type Persistor struct {
	localPath string
	be        backend.Backend

	mu  sync.Mutex
	doc Document
}

// NewPersistor opens (or initialises) the persistor for one volume
// namespace, with its local copy at localDir/snapshots.xml.
func NewPersistor(localDir string, be backend.Backend) *Persistor {
	return &Persistor{
		localPath: filepath.Join(localDir, PersistorObjectName),
		be:        be,
	}
}

// LoadLocal reads the local copy, if present. A missing local file yields
// an empty Document rather than an error — the common case on a brand new
// volume.
func (p *Persistor) LoadLocal() error {
	data, err := os.ReadFile(p.localPath)
	if os.IsNotExist(err) {
		p.mu.Lock()
		p.doc = Document{}
		p.mu.Unlock()
		return nil
	}
	if err != nil {
		return fmt.Errorf("snapshot: read %s: %w", p.localPath, err)
	}

	doc, err := unmarshalDocument(data)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.doc = doc
	p.mu.Unlock()
	return nil
}

// LoadBackend downloads and parses the backend's authoritative copy,
// overwriting this Persistor's in-memory state — used on backend restart.
func (p *Persistor) LoadBackend(ctx context.Context) error {
	r, err := p.be.Get(ctx, PersistorObjectName)
	if err != nil {
		return fmt.Errorf("snapshot: get %s from backend: %w", PersistorObjectName, err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("snapshot: read %s from backend: %w", PersistorObjectName, err)
	}

	doc, err := unmarshalDocument(data)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.doc = doc
	p.mu.Unlock()
	return nil
}

// Snapshot returns a copy of the current document state.
func (p *Persistor) Snapshot() Document {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := Document{CurrentTLogs: append([]types.TLogID(nil), p.doc.CurrentTLogs...)}
	out.Snapshots = append(out.Snapshots, p.doc.Snapshots...)
	return out
}

// Update applies fn to the document under lock and persists the result
// locally, then to the backend.
func (p *Persistor) Update(ctx context.Context, fn func(*Document)) error {
	p.mu.Lock()
	fn(&p.doc)
	doc := p.doc
	p.mu.Unlock()

	data, err := doc.marshal()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(p.localPath), 0o755); err != nil {
		return fmt.Errorf("snapshot: mkdir for %s: %w", p.localPath, err)
	}
	if err := os.WriteFile(p.localPath, data, 0o644); err != nil {
		return fmt.Errorf("snapshot: write %s: %w", p.localPath, err)
	}

	if err := p.be.Put(ctx, PersistorObjectName, bytes.NewReader(data), false); err != nil {
		return fmt.Errorf("snapshot: upload %s: %w", PersistorObjectName, err)
	}
	return nil
}
