// Package documenttest provides an in-memory document engine for tests.
//
// Its documents are sets of the update payloads they have seen, which makes
// merges trivially commutative and idempotent. Snapshots are the sorted
// members, each prefixed with a big-endian uint32 length.
package documenttest

import (
	"bytes"
	"encoding/binary"
	"errors"
	"sort"
	"sync"

	"github.com/Git-HimanshuRathi/Real-Time-Collaborative-Circuit-Editor/pkg/document"
)

// Reject makes Merge fail for any update starting with this byte.
const Reject byte = 0xFF

type Engine struct {
	mu     sync.Mutex
	merges int
}

func (e *Engine) Name() string { return "fake" }

func (e *Engine) New() (document.Document, error) {
	return &Doc{engine: e, seen: make(map[string]struct{})}, nil
}

// Merges counts Merge calls across every document of this engine, including
// rejected ones.
func (e *Engine) Merges() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.merges
}

type Doc struct {
	engine *Engine
	seen   map[string]struct{}
}

func (d *Doc) Merge(update []byte) error {
	d.engine.mu.Lock()
	d.engine.merges++
	d.engine.mu.Unlock()

	if len(update) > 0 && update[0] == Reject {
		return errors.Join(document.ErrMalformedUpdate, errors.New("rejected by test engine"))
	}
	d.seen[string(update)] = struct{}{}
	return nil
}

func (d *Doc) Snapshot() ([]byte, error) {
	members := make([]string, 0, len(d.seen))
	for m := range d.seen {
		members = append(members, m)
	}
	sort.Strings(members)

	var buf bytes.Buffer
	for _, m := range members {
		var n [4]byte
		binary.BigEndian.PutUint32(n[:], uint32(len(m)))
		buf.Write(n[:])
		buf.WriteString(m)
	}
	return buf.Bytes(), nil
}
