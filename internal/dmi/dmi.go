// Package dmi reads and writes BYOND icon files: PNG sprite sheets whose
// layout is described by a "Description" text chunk.
package dmi

import (
	"fmt"
	"image"
)

// Direction order used by the format. A state with N dirs uses the first N.
var Directions = []string{"S", "N", "E", "W", "SE", "SW", "NE", "NW"}

// StateKey identifies one state across two versions of a file. States may
// share a name; Dup is the position of the state among same-named states.
type StateKey struct {
	Dup  int
	Name string
}

func (k StateKey) String() string {
	return fmt.Sprintf("%s (%d)", k.Name, k.Dup)
}

// State is one metadata record of the description block.
type State struct {
	Name     string
	Dirs     int
	Frames   int
	Delays   []float64 // in ticks (1/10 s), one per frame when present
	Loop     int
	Rewind   bool
	Movement bool
	Hotspots []string
	Extra    []string // unrecognized "key = value" lines, kept verbatim
}

// Cells returns the number of icon cells the state occupies in the sheet.
func (s State) Cells() int {
	return s.Dirs * s.Frames
}

// Delay returns the delay of frame i in ticks, defaulting to 1.
func (s State) Delay(i int) float64 {
	if i < len(s.Delays) && s.Delays[i] > 0 {
		return s.Delays[i]
	}
	return 1
}

// Metadata is the decoded description block.
type Metadata struct {
	Version string
	Width   int
	Height  int
	States  []State // in file order, duplicates preserved
}

// Keys returns the identity of every state in file order.
func (m *Metadata) Keys() []StateKey {
	seen := make(map[string]int, len(m.States))
	keys := make([]StateKey, 0, len(m.States))
	for _, s := range m.States {
		keys = append(keys, StateKey{Dup: seen[s.Name], Name: s.Name})
		seen[s.Name]++
	}
	return keys
}

// Lookup finds the state with the given identity and returns its index in
// States.
func (m *Metadata) Lookup(key StateKey) (State, int, bool) {
	dup := 0
	for i, s := range m.States {
		if s.Name != key.Name {
			continue
		}
		if dup == key.Dup {
			return s, i, true
		}
		dup++
	}
	return State{}, -1, false
}

// Offset returns the index of the first cell used by States[index].
func (m *Metadata) Offset(index int) int {
	off := 0
	for i := 0; i < index && i < len(m.States); i++ {
		off += m.States[i].Cells()
	}
	return off
}

// Icon is a decoded sprite sheet.
type Icon struct {
	Metadata Metadata
	Image    *image.NRGBA
}

// Cell returns the sub-image of the given cell index, or false when the
// sheet is too small to contain it.
func (ic *Icon) Cell(index int) (*image.NRGBA, bool) {
	w, h := ic.Metadata.Width, ic.Metadata.Height
	if w <= 0 || h <= 0 || index < 0 {
		return nil, false
	}
	b := ic.Image.Bounds()
	cols := b.Dx() / w
	if cols == 0 {
		return nil, false
	}
	x := b.Min.X + (index%cols)*w
	y := b.Min.Y + (index/cols)*h
	r := image.Rect(x, y, x+w, y+h)
	if !r.In(b) {
		return nil, false
	}
	return ic.Image.SubImage(r).(*image.NRGBA), true
}
