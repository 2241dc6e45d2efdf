// Package render turns icon states into PNG stills or animated GIFs.
package render

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/color/palette"
	"image/draw"
	"image/gif"
	"image/png"
	"io"

	"github.com/schaermu/icondiffd/internal/dmi"
)

// Kind is the image format of a rendered state.
type Kind int

const (
	KindPNG Kind = iota + 1
	KindGIF
)

// Ext returns the file extension for the kind, without the dot.
func (k Kind) Ext() string {
	switch k {
	case KindGIF:
		return "gif"
	default:
		return "png"
	}
}

// ContentType returns the MIME type for the kind.
func (k Kind) ContentType() string {
	return "image/" + k.Ext()
}

// Frame is one composed animation frame: every direction side by side.
type Frame struct {
	Image *image.NRGBA
	Delay int // hundredths of a second
}

// Artifact is the encoded result of rendering one state.
type Artifact struct {
	Kind Kind
	Data []byte
}

// Error is a render failure for a single state.
type Error struct {
	Key dmi.StateKey
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("render state %s: %v", e.Key, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsRenderError reports whether err is or wraps a *Error.
func IsRenderError(err error) bool {
	var re *Error
	return errors.As(err, &re)
}

// Renderer renders states of one icon. It is safe for concurrent use.
type Renderer struct {
	icon *dmi.Icon
}

// New creates a renderer for icon.
func New(icon *dmi.Icon) *Renderer {
	return &Renderer{icon: icon}
}

// Kind reports whether the state renders to a still or an animation
// without rendering it.
func (r *Renderer) Kind(key dmi.StateKey) (Kind, error) {
	s, _, ok := r.icon.Metadata.Lookup(key)
	if !ok {
		return 0, &Error{Key: key, Err: errors.New("no such state")}
	}
	if s.Frames > 1 {
		return KindGIF, nil
	}
	return KindPNG, nil
}

// Frames composes the frames of a state in playback order. Rewinding
// states include the backwards pass. Composition stops with ctx's error
// once ctx is done.
func (r *Renderer) Frames(ctx context.Context, key dmi.StateKey) ([]Frame, error) {
	s, idx, ok := r.icon.Metadata.Lookup(key)
	if !ok {
		return nil, &Error{Key: key, Err: errors.New("no such state")}
	}
	w, h := r.icon.Metadata.Width, r.icon.Metadata.Height
	offset := r.icon.Metadata.Offset(idx)

	var frames []Frame
	for f := 0; f < s.Frames; f++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		canvas := image.NewNRGBA(image.Rect(0, 0, w*s.Dirs, h))
		for d := 0; d < s.Dirs; d++ {
			cell, ok := r.icon.Cell(offset + f*s.Dirs + d)
			if !ok {
				return nil, &Error{Key: key, Err: fmt.Errorf("frame %d dir %s outside of sheet", f, dmi.Directions[d])}
			}
			dst := image.Rect(d*w, 0, (d+1)*w, h)
			draw.Draw(canvas, dst, cell, cell.Bounds().Min, draw.Src)
		}
		frames = append(frames, Frame{Image: canvas, Delay: int(s.Delay(f)*10 + 0.5)})
	}

	if s.Rewind && len(frames) > 2 {
		for i := len(frames) - 2; i > 0; i-- {
			frames = append(frames, frames[i])
		}
	}
	return frames, nil
}

// RenderTo encodes the state to w and returns the kind it wrote.
func (r *Renderer) RenderTo(ctx context.Context, w io.Writer, key dmi.StateKey) (Kind, error) {
	kind, err := r.Kind(key)
	if err != nil {
		return 0, err
	}
	frames, err := r.Frames(ctx, key)
	if err != nil {
		return 0, err
	}
	if len(frames) == 0 {
		return 0, &Error{Key: key, Err: errors.New("state has no frames")}
	}
	s, _, _ := r.icon.Metadata.Lookup(key)

	bw := bufio.NewWriter(w)
	switch kind {
	case KindPNG:
		err = png.Encode(bw, frames[0].Image)
	case KindGIF:
		err = gif.EncodeAll(bw, animation(frames, s.Loop))
	}
	if err != nil {
		return 0, &Error{Key: key, Err: err}
	}
	if err := bw.Flush(); err != nil {
		return 0, &Error{Key: key, Err: err}
	}
	return kind, nil
}

// Render encodes the state into memory.
func (r *Renderer) Render(ctx context.Context, key dmi.StateKey) (Artifact, error) {
	var buf bytes.Buffer
	kind, err := r.RenderTo(ctx, &buf, key)
	if err != nil {
		return Artifact{}, err
	}
	return Artifact{Kind: kind, Data: buf.Bytes()}, nil
}

// SamePixels reports whether two frame sequences show the same pixels.
// Timing is ignored.
func SamePixels(a, b []Frame) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !sameImage(a[i].Image, b[i].Image) {
			return false
		}
	}
	return true
}

func sameImage(a, b *image.NRGBA) bool {
	ab, bb := a.Bounds(), b.Bounds()
	if ab.Size() != bb.Size() {
		return false
	}
	rowLen := ab.Dx() * 4
	for y := 0; y < ab.Dy(); y++ {
		ao := a.PixOffset(ab.Min.X, ab.Min.Y+y)
		bo := b.PixOffset(bb.Min.X, bb.Min.Y+y)
		if !bytes.Equal(a.Pix[ao:ao+rowLen], b.Pix[bo:bo+rowLen]) {
			return false
		}
	}
	return true
}

// SameCells compares the raw sheet cells of two states with identical
// metadata records, skipping frame composition.
func SameCells(ctx context.Context, a, b *dmi.Icon, key dmi.StateKey) (bool, error) {
	sa, ia, ok := a.Metadata.Lookup(key)
	if !ok {
		return false, &Error{Key: key, Err: errors.New("no such state")}
	}
	_, ib, ok := b.Metadata.Lookup(key)
	if !ok {
		return false, &Error{Key: key, Err: errors.New("no such state")}
	}
	if a.Metadata.Width != b.Metadata.Width || a.Metadata.Height != b.Metadata.Height {
		return false, nil
	}
	oa, ob := a.Metadata.Offset(ia), b.Metadata.Offset(ib)
	for i := 0; i < sa.Cells(); i++ {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		ca, okA := a.Cell(oa + i)
		cb, okB := b.Cell(ob + i)
		if !okA || !okB {
			return false, &Error{Key: key, Err: fmt.Errorf("cell %d outside of sheet", i)}
		}
		if !sameImage(ca, cb) {
			return false, nil
		}
	}
	return true, nil
}

func animation(frames []Frame, loop int) *gif.GIF {
	pal := buildPalette(frames)
	g := &gif.GIF{
		Image:    make([]*image.Paletted, 0, len(frames)),
		Delay:    make([]int, 0, len(frames)),
		Disposal: make([]byte, 0, len(frames)),
	}
	switch {
	case loop == 0:
		g.LoopCount = 0
	case loop == 1:
		g.LoopCount = -1
	default:
		g.LoopCount = loop - 1
	}
	for _, f := range frames {
		p := image.NewPaletted(f.Image.Bounds(), pal)
		draw.Draw(p, p.Bounds(), f.Image, f.Image.Bounds().Min, draw.Src)
		g.Image = append(g.Image, p)
		g.Delay = append(g.Delay, f.Delay)
		g.Disposal = append(g.Disposal, gif.DisposalBackground)
	}
	return g
}

// buildPalette collects the exact colors of the animation when they fit a
// GIF palette, falling back to a fixed web palette otherwise. Index 0 is
// reserved for full transparency.
func buildPalette(frames []Frame) color.Palette {
	pal := color.Palette{color.NRGBA{}}
	seen := map[color.NRGBA]bool{{}: true}
	for _, f := range frames {
		pix := f.Image.Pix
		for i := 0; i+3 < len(pix); i += 4 {
			c := color.NRGBA{R: pix[i], G: pix[i+1], B: pix[i+2], A: pix[i+3]}
			if c.A == 0 {
				continue
			}
			c.A = 255
			if seen[c] {
				continue
			}
			if len(pal) == 256 {
				return append(color.Palette{color.NRGBA{}}, palette.WebSafe...)
			}
			seen[c] = true
			pal = append(pal, c)
		}
	}
	return pal
}
