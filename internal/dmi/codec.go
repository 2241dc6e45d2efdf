package dmi

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"hash/crc32"
	"image"
	"image/draw"
	"image/png"
	"io"
)

const descriptionKeyword = "Description"

// maxDescription caps the inflated size of the description chunk.
const maxDescription = 8 << 20

// maxPixels caps the decoded sheet size.
const maxPixels = 1 << 26

var pngSignature = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}

type chunk struct {
	typ  string
	data []byte
}

// Decode parses an icon file. Malformed input yields a *ParseError.
func Decode(data []byte) (*Icon, error) {
	chunks, err := readChunks(data)
	if err != nil {
		return nil, err
	}

	text, err := findDescription(chunks)
	if err != nil {
		return nil, err
	}

	meta, err := ParseMetadata(text)
	if err != nil {
		return nil, err
	}

	cfg, err := png.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, &ParseError{Reason: "invalid png header", Err: err}
	}
	if cfg.Width <= 0 || cfg.Height <= 0 || int64(cfg.Width)*int64(cfg.Height) > maxPixels {
		return nil, parseErrorf(0, "image %dx%d exceeds %d pixels", cfg.Width, cfg.Height, maxPixels)
	}
	if cfg.Width < meta.Width || cfg.Height < meta.Height {
		return nil, parseErrorf(0, "image %dx%d smaller than icon size %dx%d", cfg.Width, cfg.Height, meta.Width, meta.Height)
	}
	if err := checkLayout(meta, cfg.Width, cfg.Height); err != nil {
		return nil, err
	}

	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, &ParseError{Reason: "invalid png image", Err: err}
	}
	return &Icon{Metadata: *meta, Image: toNRGBA(img)}, nil
}

// checkLayout verifies that every state's cells lie within the sheet grid.
func checkLayout(meta *Metadata, width, height int) error {
	if meta.Width <= 0 || meta.Height <= 0 {
		return parseErrorf(0, "invalid icon size %dx%d", meta.Width, meta.Height)
	}
	remaining := (width / meta.Width) * (height / meta.Height)
	for _, s := range meta.States {
		if s.Dirs <= 0 || s.Frames <= 0 || s.Frames > remaining/s.Dirs {
			return parseErrorf(0, "state %q does not fit in a %dx%d sheet", s.Name, width, height)
		}
		remaining -= s.Dirs * s.Frames
	}
	return nil
}

// Encode serializes an icon as PNG with the description stored in a zTXt
// chunk right after IHDR.
func Encode(icon *Icon) ([]byte, error) {
	var img bytes.Buffer
	if err := png.Encode(&img, icon.Image); err != nil {
		return nil, err
	}
	raw := img.Bytes()

	var z bytes.Buffer
	z.WriteString(descriptionKeyword)
	z.WriteByte(0) // keyword terminator
	z.WriteByte(0) // compression method: deflate
	zw := zlib.NewWriter(&z)
	if _, err := io.WriteString(zw, icon.Metadata.Text()); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}

	// signature + IHDR (length, type, 13 bytes of data, crc)
	ihdrEnd := len(pngSignature) + 4 + 4 + 13 + 4

	var out bytes.Buffer
	out.Grow(len(raw) + z.Len() + 12)
	out.Write(raw[:ihdrEnd])
	writeChunk(&out, "zTXt", z.Bytes())
	out.Write(raw[ihdrEnd:])
	return out.Bytes(), nil
}

func readChunks(data []byte) ([]chunk, error) {
	if len(data) < len(pngSignature) || !bytes.Equal(data[:len(pngSignature)], pngSignature) {
		return nil, parseErrorf(0, "not a png file")
	}

	var chunks []chunk
	pos := len(pngSignature)
	for pos < len(data) {
		if len(data)-pos < 12 {
			return nil, parseErrorf(0, "truncated chunk header at offset %d", pos)
		}
		length := binary.BigEndian.Uint32(data[pos:])
		typ := string(data[pos+4 : pos+8])
		if uint64(length) > uint64(len(data)-pos-12) {
			return nil, parseErrorf(0, "chunk %q length %d overruns file", typ, length)
		}
		body := data[pos+8 : pos+8+int(length)]
		sum := binary.BigEndian.Uint32(data[pos+8+int(length):])
		if crc32.ChecksumIEEE(data[pos+4:pos+8+int(length)]) != sum {
			return nil, parseErrorf(0, "chunk %q has a bad checksum", typ)
		}
		chunks = append(chunks, chunk{typ: typ, data: body})
		pos += 12 + int(length)
		if typ == "IEND" {
			break
		}
	}
	if len(chunks) == 0 || chunks[0].typ != "IHDR" {
		return nil, parseErrorf(0, "first chunk is not IHDR")
	}
	return chunks, nil
}

func findDescription(chunks []chunk) (string, error) {
	for _, c := range chunks {
		switch c.typ {
		case "tEXt":
			key, text, ok := bytes.Cut(c.data, []byte{0})
			if ok && string(key) == descriptionKeyword {
				return string(text), nil
			}
		case "zTXt":
			key, rest, ok := bytes.Cut(c.data, []byte{0})
			if !ok || string(key) != descriptionKeyword {
				continue
			}
			if len(rest) < 1 || rest[0] != 0 {
				return "", parseErrorf(0, "unsupported zTXt compression method")
			}
			return inflate(rest[1:])
		case "iTXt":
			key, rest, ok := bytes.Cut(c.data, []byte{0})
			if !ok || string(key) != descriptionKeyword {
				continue
			}
			if len(rest) < 2 {
				return "", parseErrorf(0, "truncated iTXt chunk")
			}
			compressed := rest[0] == 1
			rest = rest[2:]
			// language tag and translated keyword
			for i := 0; i < 2; i++ {
				_, after, ok := bytes.Cut(rest, []byte{0})
				if !ok {
					return "", parseErrorf(0, "truncated iTXt chunk")
				}
				rest = after
			}
			if compressed {
				return inflate(rest)
			}
			return string(rest), nil
		}
	}
	return "", parseErrorf(0, "no %s text chunk", descriptionKeyword)
}

func inflate(data []byte) (string, error) {
	zr, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return "", &ParseError{Reason: "invalid compressed description", Err: err}
	}
	defer zr.Close()
	out, err := io.ReadAll(io.LimitReader(zr, maxDescription+1))
	if err != nil {
		return "", &ParseError{Reason: "invalid compressed description", Err: err}
	}
	if len(out) > maxDescription {
		return "", parseErrorf(0, "description exceeds %d bytes", maxDescription)
	}
	return string(out), nil
}

func writeChunk(w *bytes.Buffer, typ string, data []byte) {
	var hdr [8]byte
	binary.BigEndian.PutUint32(hdr[:4], uint32(len(data)))
	copy(hdr[4:], typ)
	w.Write(hdr[:])
	w.Write(data)

	crc := crc32.NewIEEE()
	crc.Write(hdr[4:])
	crc.Write(data)
	var sum [4]byte
	binary.BigEndian.PutUint32(sum[:], crc.Sum32())
	w.Write(sum[:])
}

func toNRGBA(img image.Image) *image.NRGBA {
	if n, ok := img.(*image.NRGBA); ok && n.Bounds().Min == (image.Point{}) {
		return n
	}
	b := img.Bounds()
	out := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(out, out.Bounds(), img, b.Min, draw.Src)
	return out
}
