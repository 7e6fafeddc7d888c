// Package automerge backs session documents with automerge.
package automerge

import (
	"fmt"

	"github.com/automerge/automerge-go"

	"github.com/Git-HimanshuRathi/Real-Time-Collaborative-Circuit-Editor/pkg/document"
)

type Engine struct{}

func New() *Engine { return &Engine{} }

func (e *Engine) Name() string { return "automerge" }

func (e *Engine) New() (document.Document, error) {
	return &doc{d: automerge.New()}, nil
}

type doc struct {
	d *automerge.Doc
}

// Merge accepts either a saved document or incremental changes. Changes the
// document already holds are skipped by automerge, so re-delivery is harmless.
func (d *doc) Merge(update []byte) error {
	if err := d.d.LoadIncremental(update); err != nil {
		return fmt.Errorf("%w: %v", document.ErrMalformedUpdate, err)
	}
	return nil
}

func (d *doc) Snapshot() ([]byte, error) {
	return d.d.Save(), nil
}
