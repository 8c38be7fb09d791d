// Package project holds the single-file document the editor works on.
package project

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const (
	BeginDocument = `\begin{document}`
	EndDocument   = `\end{document}`

	DefaultPreamble = "\\documentclass[12pt]{article}\n" + BeginDocument
)

// Project is a working file plus the preamble that wraps the edited body.
// With an empty preamble the buffer is written verbatim.
type Project struct {
	path string

	mu       sync.Mutex
	preamble string
	body     string
}

func New(path string) *Project {
	return &Project{path: path}
}

// NewWithTemplate seeds the default article preamble.
func NewWithTemplate(path string) *Project {
	p := New(path)
	p.preamble = DefaultPreamble
	return p
}

func (p *Project) WorkingFilePath() string { return p.path }

func (p *Project) Preamble() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.preamble
}

func (p *Project) Body() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.body
}

// Persist stores text as the body and writes the working file.
func (p *Project) Persist(text string) (int, error) {
	p.mu.Lock()
	p.body = text
	content := p.render()
	p.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(p.path), 0o755); err != nil {
		return 0, fmt.Errorf("persist %s: %w", p.path, err)
	}
	if err := os.WriteFile(p.path, []byte(content), 0o644); err != nil {
		return 0, fmt.Errorf("persist %s: %w", p.path, err)
	}
	return len(content), nil
}

// Save writes only when overwrite is set or no file exists yet. It returns
// the bytes written, zero when the existing file was kept.
func (p *Project) Save(text string, overwrite bool) (int, error) {
	if !overwrite {
		if _, err := os.Stat(p.path); err == nil {
			p.mu.Lock()
			p.body = text
			p.mu.Unlock()
			return 0, nil
		} else if !errors.Is(err, os.ErrNotExist) {
			return 0, err
		}
	}
	return p.Persist(text)
}

// Open loads the working file and splits it into preamble and body.
func (p *Project) Open() (string, error) {
	b, err := os.ReadFile(p.path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", p.path, err)
	}
	data := string(b)
	pre, body := split(data)

	p.mu.Lock()
	p.preamble = pre
	p.body = body
	p.mu.Unlock()
	return data, nil
}

// Reset truncates the working file.
func (p *Project) Reset() error {
	p.mu.Lock()
	p.body = ""
	p.mu.Unlock()
	if err := os.WriteFile(p.path, nil, 0o644); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// BufferLine converts a working-file line into a body line. It reports false
// for lines inside the preamble or the closing wrapper.
func (p *Project) BufferLine(fileLine int) (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.preamble == "" {
		return fileLine, fileLine > 0
	}
	offset := strings.Count(p.preamble, "\n") + 1
	line := fileLine - offset
	bodyLines := strings.Count(p.body, "\n") + 1
	if line < 1 || line > bodyLines {
		return 0, false
	}
	return line, true
}

func (p *Project) render() string {
	if p.preamble == "" {
		return p.body
	}
	return p.preamble + "\n" + p.body + "\n" + EndDocument
}

func split(data string) (string, string) {
	i := strings.Index(data, BeginDocument)
	if i < 0 {
		return "", data
	}
	pre := data[:i+len(BeginDocument)]
	body := data[i+len(BeginDocument):]
	if j := strings.LastIndex(body, EndDocument); j >= 0 {
		body = body[:j]
	}
	body = strings.TrimPrefix(body, "\n")
	body = strings.TrimSuffix(body, "\n")
	return pre, body
}

// Stats are the word and character counts shown for a buffer.
type Stats struct {
	Words      int `json:"words"`
	Characters int `json:"characters"`
}

func Count(text string) Stats {
	return Stats{
		Words:      len(strings.Fields(text)),
		Characters: len([]rune(text)),
	}
}
