package domain

import (
	"bytes"
	"encoding/json"
	"errors"
)

var ErrElementNoID = errors.New("whiteboard element without id")

// Element is one drawable item of the whiteboard scene.
// The drawing surface owns its schema; only id and version are read here,
// the rest is carried through untouched.
type Element struct {
	ID      string
	Version int64
	raw     json.RawMessage
}

// NewElement builds an element from its raw JSON form.
func NewElement(raw []byte) (Element, error) {
	var head struct {
		ID      string `json:"id"`
		Version int64  `json:"version"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return Element{}, err
	}
	if head.ID == "" {
		return Element{}, ErrElementNoID
	}
	return Element{ID: head.ID, Version: head.Version, raw: bytes.Clone(raw)}, nil
}

func (e Element) Raw() json.RawMessage { return e.raw }

func (e Element) MarshalJSON() ([]byte, error) {
	if len(e.raw) > 0 {
		return e.raw, nil
	}
	return json.Marshal(struct {
		ID      string `json:"id"`
		Version int64  `json:"version"`
	}{e.ID, e.Version})
}

func (e *Element) UnmarshalJSON(data []byte) error {
	el, err := NewElement(data)
	if err != nil {
		return err
	}
	*e = el
	return nil
}

type Zoom struct {
	Value float64 `json:"value"`
}

// AppState is the persisted and broadcast subset of the surface view/style state.
type AppState struct {
	ViewBackgroundColor        string  `json:"viewBackgroundColor,omitempty"`
	CurrentItemStrokeColor     string  `json:"currentItemStrokeColor,omitempty"`
	CurrentItemBackgroundColor string  `json:"currentItemBackgroundColor,omitempty"`
	CurrentItemFillStyle       string  `json:"currentItemFillStyle,omitempty"`
	CurrentItemStrokeWidth     float64 `json:"currentItemStrokeWidth,omitempty"`
	CurrentItemRoughness       float64 `json:"currentItemRoughness,omitempty"`
	CurrentItemOpacity         float64 `json:"currentItemOpacity,omitempty"`
	ScrollX                    float64 `json:"scrollX"`
	ScrollY                    float64 `json:"scrollY"`
	Zoom                       Zoom    `json:"zoom"`
}

// Snapshot is the persisted whiteboard shape.
type Snapshot struct {
	Elements []Element `json:"elements"`
	AppState AppState  `json:"appState"`
}

// IsEmpty reports whether there is nothing to seed a surface with.
func (s Snapshot) IsEmpty() bool {
	return len(s.Elements) == 0 && s.AppState == AppState{}
}
