// Package ner extracts named entities from free text.
package ner

import (
	"context"
	"errors"
	"sync/atomic"
)

// Entity is one recognised span, in document order.
type Entity struct {
	Text  string `json:"text"`
	Label string `json:"label"`
}

type Annotator interface {
	Annotate(ctx context.Context, text string) ([]Entity, error)
}

var ErrNotLoaded = errors.New("ner model not loaded")

// Model is the process-wide annotation model: either loaded or absent with the
// reason it could not be loaded. The zero value is absent.
type Model struct {
	annotator Annotator
	reason    error
}

func Loaded(a Annotator) Model { return Model{annotator: a} }

func Unavailable(reason error) Model {
	if reason == nil { reason = ErrNotLoaded }
	return Model{reason: reason}
}

// Annotator returns the loaded annotator or an error wrapping ErrNotLoaded.
func (m Model) Annotator() (Annotator, error) {
	if m.annotator != nil { return m.annotator, nil }
	if m.reason == nil || errors.Is(m.reason, ErrNotLoaded) { return nil, ErrNotLoaded }
	return nil, errors.Join(ErrNotLoaded, m.reason)
}

// Slot holds the Model the server consults. The loader may replace it after
// the server has started serving.
type Slot struct {
	m atomic.Pointer[Model]
}

func NewSlot(initial Model) *Slot {
	s := &Slot{}
	s.Set(initial)
	return s
}

func (s *Slot) Set(m Model) { s.m.Store(&m) }

func (s *Slot) Annotator() (Annotator, error) {
	if m := s.m.Load(); m != nil { return m.Annotator() }
	return nil, ErrNotLoaded
}
