package previewapi

import "time"

type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeAborted Outcome = "aborted"
)

// FailureKind says which stage of a cycle failed.
type FailureKind string

const (
	FailureCompile     FailureKind = "compile"
	FailureProcessBusy FailureKind = "process_busy"
	FailureRasterize   FailureKind = "rasterize"
	FailureIO          FailureKind = "io"
)

type Status string

const (
	StatusIdle       Status = "idle"
	StatusKilling    Status = "killing"
	StatusSaving     Status = "saving"
	StatusCompiling  Status = "compiling"
	StatusRelocating Status = "relocating"
	StatusRendering  Status = "rendering"
	StatusVerifying  Status = "verifying"
)

// CompileResult is produced once per admitted compile request. Exactly one
// of the variant groups is meaningful, selected by Outcome.
type CompileResult struct {
	Generation uint64  `json:"generation"`
	Outcome    Outcome `json:"outcome"`

	// success
	Pages      []string `json:"pages,omitempty"`
	Thumbnails []string `json:"thumbnails,omitempty"`

	// failure
	Kind        FailureKind `json:"kind,omitempty"`
	Diagnostics string      `json:"diagnostics,omitempty"`

	// failure detail or abort reason
	Reason string `json:"reason,omitempty"`

	Duration time.Duration `json:"duration"`
}

func Success(gen uint64, pages, thumbs []string, d time.Duration) CompileResult {
	return CompileResult{Generation: gen, Outcome: OutcomeSuccess, Pages: pages, Thumbnails: thumbs, Duration: d}
}

func Failure(gen uint64, kind FailureKind, diagnostics, reason string, d time.Duration) CompileResult {
	return CompileResult{Generation: gen, Outcome: OutcomeFailure, Kind: kind, Diagnostics: diagnostics, Reason: reason, Duration: d}
}

func Aborted(gen uint64, reason string) CompileResult {
	return CompileResult{Generation: gen, Outcome: OutcomeAborted, Reason: reason}
}

// Annotates reports whether r should replace the error annotations.
func (r CompileResult) Annotates() bool {
	return r.Outcome == OutcomeFailure && r.Kind == FailureCompile && r.Diagnostics != ""
}

type PreviewResponse struct {
	SessionID      string            `json:"session_id"`
	Generation     uint64            `json:"generation"`
	Published      uint64            `json:"published_generation"`
	Status         Status            `json:"status"`
	Pages          []string          `json:"pages"`
	Thumbnails     []string          `json:"thumbnails,omitempty"`
	Errors         map[string]string `json:"errors"`
	General        []string          `json:"general,omitempty"`
	DurationMillis int64             `json:"duration_millis"`
	Words          int               `json:"words"`
	Characters     int               `json:"characters"`
	UpdatedAt      string            `json:"updated_at,omitempty"`
}

type SubmitSourceResponse struct {
	Generation uint64 `json:"generation"`
	Immediate  bool   `json:"immediate"`
}
