// Package testutil builds sprite sheet and repository fixtures for tests.
package testutil

import (
	"image"
	"image/color"
	"testing"

	"github.com/schaermu/icondiffd/internal/dmi"
)

// CellSize is the width and height of every fixture cell.
const CellSize = 4

// Common fixture colors.
var (
	Red   = color.NRGBA{R: 255, A: 255}
	Green = color.NRGBA{G: 255, A: 255}
	Blue  = color.NRGBA{B: 255, A: 255}
	White = color.NRGBA{R: 255, G: 255, B: 255, A: 255}
)

// State describes one fixture state. Colors holds one solid color per
// cell; when shorter than dirs*frames the last color repeats.
type State struct {
	Name   string
	Dirs   int
	Frames int
	Delays []float64
	Rewind bool
	Colors []color.NRGBA
}

func (s State) record() dmi.State {
	dirs, frames := s.Dirs, s.Frames
	if dirs == 0 {
		dirs = 1
	}
	if frames == 0 {
		frames = 1
	}
	return dmi.State{Name: s.Name, Dirs: dirs, Frames: frames, Delays: s.Delays, Rewind: s.Rewind}
}

// Icon builds a sheet holding states in order, one cell per column.
func Icon(states ...State) *dmi.Icon {
	meta := dmi.Metadata{Version: "4.0", Width: CellSize, Height: CellSize}
	var fills []color.NRGBA
	for _, s := range states {
		rec := s.record()
		meta.States = append(meta.States, rec)
		for i := 0; i < rec.Cells(); i++ {
			c := White
			if len(s.Colors) > 0 {
				c = s.Colors[min(i, len(s.Colors)-1)]
			}
			fills = append(fills, c)
		}
	}

	cols := max(len(fills), 1)
	img := image.NewNRGBA(image.Rect(0, 0, cols*CellSize, CellSize))
	for i, c := range fills {
		for y := 0; y < CellSize; y++ {
			for x := 0; x < CellSize; x++ {
				img.SetNRGBA(i*CellSize+x, y, c)
			}
		}
	}
	return &dmi.Icon{Metadata: meta, Image: img}
}

// IconBytes encodes Icon(states...) into DMI bytes.
func IconBytes(tb testing.TB, states ...State) []byte {
	tb.Helper()
	data, err := dmi.Encode(Icon(states...))
	if err != nil {
		tb.Fatalf("encode fixture icon: %v", err)
	}
	return data
}
