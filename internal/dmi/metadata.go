package dmi

import (
	"strconv"
	"strings"
)

const (
	beginMarker = "# BEGIN DMI"
	endMarker   = "# END DMI"

	defaultVersion = "4.0"
	defaultSize    = 32
)

// ParseMetadata parses the text of a description block.
func ParseMetadata(text string) (*Metadata, error) {
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")

	m := &Metadata{Width: defaultSize, Height: defaultSize}
	var cur *State
	begun, ended := false, false

	for i, raw := range lines {
		lineNo := i + 1
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}
		if !begun {
			if line != beginMarker {
				return nil, parseErrorf(lineNo, "expected %q, got %q", beginMarker, line)
			}
			begun = true
			continue
		}
		if line == endMarker {
			ended = true
			break
		}
		if strings.HasPrefix(line, "#") {
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return nil, parseErrorf(lineNo, "expected key = value, got %q", line)
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		switch key {
		case "version":
			if m.Version != "" || cur != nil {
				return nil, parseErrorf(lineNo, "unexpected version line")
			}
			m.Version = value
			continue
		case "state":
			name, err := unquote(value)
			if err != nil {
				return nil, parseErrorf(lineNo, "invalid state name %s", value)
			}
			if err := finishState(cur); err != nil {
				return nil, parseErrorf(lineNo, "%s", err.Reason)
			}
			m.States = append(m.States, State{Name: name, Dirs: 1, Frames: 1})
			cur = &m.States[len(m.States)-1]
			continue
		}

		if m.Version == "" {
			return nil, parseErrorf(lineNo, "%q before version", key)
		}
		if cur == nil {
			if err := m.setHeader(key, value); err != nil {
				return nil, parseErrorf(lineNo, "%s", err.Reason)
			}
			continue
		}
		if err := cur.set(key, value); err != nil {
			return nil, parseErrorf(lineNo, "state %q: %s", cur.Name, err.Reason)
		}
	}

	if !begun {
		return nil, parseErrorf(0, "empty description")
	}
	if !ended {
		return nil, parseErrorf(0, "missing %q", endMarker)
	}
	if m.Version == "" {
		return nil, parseErrorf(0, "missing version")
	}
	if err := finishState(cur); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metadata) setHeader(key, value string) *ParseError {
	n, err := strconv.Atoi(value)
	if err != nil || n <= 0 {
		return &ParseError{Reason: key + " must be a positive integer, got " + strconv.Quote(value)}
	}
	switch key {
	case "width":
		m.Width = n
	case "height":
		m.Height = n
	default:
		return &ParseError{Reason: "unknown header key " + strconv.Quote(key)}
	}
	return nil
}

func (s *State) set(key, value string) *ParseError {
	switch key {
	case "dirs":
		n, err := strconv.Atoi(value)
		if err != nil || (n != 1 && n != 4 && n != 8) {
			return &ParseError{Reason: "dirs must be 1, 4 or 8, got " + strconv.Quote(value)}
		}
		s.Dirs = n
	case "frames":
		n, err := strconv.Atoi(value)
		if err != nil || n < 1 {
			return &ParseError{Reason: "frames must be a positive integer, got " + strconv.Quote(value)}
		}
		s.Frames = n
	case "delay":
		parts := strings.Split(value, ",")
		delays := make([]float64, 0, len(parts))
		for _, p := range parts {
			d, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
			if err != nil || d < 0 {
				return &ParseError{Reason: "invalid delay " + strconv.Quote(p)}
			}
			delays = append(delays, d)
		}
		s.Delays = delays
	case "loop":
		n, err := strconv.Atoi(value)
		if err != nil || n < 0 {
			return &ParseError{Reason: "invalid loop " + strconv.Quote(value)}
		}
		s.Loop = n
	case "rewind":
		s.Rewind = value == "1"
	case "movement":
		s.Movement = value == "1"
	case "hotspot":
		s.Hotspots = append(s.Hotspots, value)
	default:
		s.Extra = append(s.Extra, key+" = "+value)
	}
	return nil
}

func finishState(s *State) *ParseError {
	if s == nil {
		return nil
	}
	if len(s.Delays) > s.Frames {
		// BYOND tolerates trailing delays; they carry no frames.
		s.Delays = s.Delays[:s.Frames]
	}
	return nil
}

func unquote(v string) (string, error) {
	if s, err := strconv.Unquote(v); err == nil {
		return s, nil
	}
	if len(v) >= 2 && v[0] == '"' && v[len(v)-1] == '"' {
		return v[1 : len(v)-1], nil
	}
	return "", strconv.ErrSyntax
}

// Text renders the metadata back into description block form.
func (m *Metadata) Text() string {
	var b strings.Builder
	b.WriteString(beginMarker + "\n")
	version := m.Version
	if version == "" {
		version = defaultVersion
	}
	b.WriteString("version = " + version + "\n")
	b.WriteString("\twidth = " + strconv.Itoa(m.Width) + "\n")
	b.WriteString("\theight = " + strconv.Itoa(m.Height) + "\n")
	for _, s := range m.States {
		b.WriteString(s.Record())
	}
	b.WriteString(endMarker + "\n")
	return b.String()
}

// Record is the description text of a single state. Two states with equal
// records have identical geometry and timing.
func (s State) Record() string {
	var b strings.Builder
	b.WriteString("state = " + strconv.Quote(s.Name) + "\n")
	b.WriteString("\tdirs = " + strconv.Itoa(s.Dirs) + "\n")
	b.WriteString("\tframes = " + strconv.Itoa(s.Frames) + "\n")
	if len(s.Delays) > 0 {
		parts := make([]string, len(s.Delays))
		for i, d := range s.Delays {
			parts[i] = strconv.FormatFloat(d, 'f', -1, 64)
		}
		b.WriteString("\tdelay = " + strings.Join(parts, ",") + "\n")
	}
	if s.Loop != 0 {
		b.WriteString("\tloop = " + strconv.Itoa(s.Loop) + "\n")
	}
	if s.Rewind {
		b.WriteString("\trewind = 1\n")
	}
	if s.Movement {
		b.WriteString("\tmovement = 1\n")
	}
	for _, h := range s.Hotspots {
		b.WriteString("\thotspot = " + h + "\n")
	}
	for _, e := range s.Extra {
		b.WriteString("\t" + e + "\n")
	}
	return b.String()
}
