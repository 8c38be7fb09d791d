// Package diagnostics turns compiler output into per-line error annotations.
package diagnostics

import (
	"strconv"
	"strings"
)

// Annotations maps a 1-based source line to its message.
type Annotations map[int]string

// Report is the parsed form of one diagnostics stream.
type Report struct {
	Lines Annotations
	// General holds chunks that follow a marker but carry no line number.
	General []string
}

// Mapper splits diagnostics on the source path marker, usually the path
// handed to the compiler followed by ':'.
type Mapper struct {
	marker string
}

func NewMapper(marker string) *Mapper {
	return &Mapper{marker: marker}
}

// MarkerFor is the split key for a compiler invoked on sourcePath.
func MarkerFor(sourcePath string) string {
	return sourcePath + ":"
}

func (m *Mapper) Marker() string { return m.marker }

func (m *Mapper) Parse(text string) Annotations {
	return m.ParseReport(text).Lines
}

// ParseReport keeps chunks whose leading token, up to the first colon, is
// purely numeric. A later chunk for the same line replaces an earlier one.
func (m *Mapper) ParseReport(text string) Report {
	r := Report{Lines: Annotations{}}
	if m.marker == "" || text == "" {
		return r
	}
	chunks := strings.Split(text, m.marker)
	for i, chunk := range chunks {
		head, rest, _ := strings.Cut(chunk, ":")
		if line, ok := parseLine(head); ok {
			r.Lines[line] = strings.TrimSpace(rest)
			continue
		}
		if i == 0 {
			// text before the first marker is compiler chatter
			continue
		}
		if msg := strings.TrimSpace(chunk); msg != "" {
			r.General = append(r.General, msg)
		}
	}
	return r
}

func parseLine(s string) (int, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, false
		}
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return n, true
}
