package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	SettingsFile string

	ProjectDir      string
	WorkingFileName string
	// WrapPreamble makes the buffer a document body wrapped in the default
	// article preamble.
	WrapPreamble bool
	CacheDir        string
	BuildDir        string

	Compiler       string
	CompilerArgs   []string
	JobName        string
	ProcessNames   []string
	CompileTimeout time.Duration

	DebounceInterval time.Duration
	PollInterval     time.Duration
	Resolution       int

	PdfInfo        string
	PdfToPPM       string
	ThumbnailWidth int

	// DiagnosticsMarker overrides the split key used to map diagnostics to
	// lines. Empty means "derive from the source path passed to the compiler".
	DiagnosticsMarker string

	ArtifactBackend string
	MinIOEndpoint   string
	MinIOAccessKey  string
	MinIOSecretKey  string
	MinIOBucket     string
	MinIOUseSSL     bool

	ListenAddr    string
	WatchFile     string
	WatchInterval time.Duration
}

func FromEnv() Config {
	home := getenv("ABUELA_HOME", ".")
	compiler := getenv("ABUELA_COMPILER", "xelatex")
	jobName := getenv("ABUELA_JOB_NAME", "compile")

	cfg := Config{
		SettingsFile:      getenv("ABUELA_SETTINGS_FILE", filepath.Join(home, "resources", "settings.yaml")),
		ProjectDir:        getenv("ABUELA_PROJECT_DIR", filepath.Join(home, "project")),
		WorkingFileName:   getenv("ABUELA_WORKING_FILE", "current.tex"),
		WrapPreamble:      getenvBool("ABUELA_WRAP_PREAMBLE", false),
		CacheDir:          getenv("ABUELA_CACHE_DIR", filepath.Join(home, "compile")),
		BuildDir:          getenv("ABUELA_BUILD_DIR", filepath.Join(home, "build")),
		Compiler:          compiler,
		CompilerArgs:      getenvList("ABUELA_COMPILER_ARGS", DefaultCompilerArgs(jobName)),
		JobName:           jobName,
		ProcessNames:      getenvList("ABUELA_GUARD_PROCESSES", []string{filepath.Base(compiler)}),
		CompileTimeout:    getenvDuration("ABUELA_COMPILE_TIMEOUT", 60*time.Second),
		DebounceInterval:  getenvDuration("ABUELA_LIVE_UPDATE", 500*time.Millisecond),
		PollInterval:      getenvDuration("ABUELA_LIVE_THREAD_REFRESH", 50*time.Millisecond),
		Resolution:        getenvInt("ABUELA_LIVE_QUALITY", 100),
		PdfInfo:           getenv("ABUELA_PDFINFO", "pdfinfo"),
		PdfToPPM:          getenv("ABUELA_PDFTOPPM", "pdftoppm"),
		ThumbnailWidth:    getenvInt("ABUELA_THUMBNAIL_WIDTH", 0),
		DiagnosticsMarker: getenv("ABUELA_DIAGNOSTICS_MARKER", ""),
		ArtifactBackend:   getenv("ABUELA_ARTIFACT_BACKEND", "local"),
		MinIOEndpoint:     getenv("ABUELA_MINIO_ENDPOINT", ""),
		MinIOAccessKey:    getenv("ABUELA_MINIO_ACCESS_KEY", ""),
		MinIOSecretKey:    getenv("ABUELA_MINIO_SECRET_KEY", ""),
		MinIOBucket:       getenv("ABUELA_MINIO_BUCKET", "abuela-previews"),
		MinIOUseSSL:       getenvBool("ABUELA_MINIO_USE_SSL", false),
		ListenAddr:        getenv("ABUELA_LISTEN_ADDR", "127.0.0.1:8765"),
		WatchFile:         getenv("ABUELA_WATCH_FILE", ""),
		WatchInterval:     getenvDuration("ABUELA_WATCH_INTERVAL", 200*time.Millisecond),
	}
	return cfg.Absolute()
}

// Absolute resolves the directory and file settings against the current
// working directory. The compiler runs inside BuildDir, so a relative source
// path would not point at the working file.
func (c Config) Absolute() Config {
	for _, p := range []*string{&c.SettingsFile, &c.ProjectDir, &c.CacheDir, &c.BuildDir, &c.WatchFile} {
		if *p == "" || filepath.IsAbs(*p) {
			continue
		}
		if abs, err := filepath.Abs(*p); err == nil {
			*p = abs
		}
	}
	return c
}

// DefaultCompilerArgs are non-interactive TeX flags that keep the output base
// name fixed and print errors as "file:line: message".
func DefaultCompilerArgs(jobName string) []string {
	return []string{
		"-interaction=nonstopmode",
		"-file-line-error",
		"-jobname=" + jobName,
	}
}

// WorkingFilePath is the file the compiler is pointed at.
func (c Config) WorkingFilePath() string {
	return filepath.Join(c.ProjectDir, c.WorkingFileName)
}

func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Compiler) == "" {
		errs = append(errs, errors.New("compiler is required"))
	}
	if strings.TrimSpace(c.JobName) == "" {
		errs = append(errs, errors.New("job name is required"))
	}
	if c.DebounceInterval <= 0 {
		errs = append(errs, fmt.Errorf("live_update must be positive, got %s", c.DebounceInterval))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("live_thread_refresh must be positive, got %s", c.PollInterval))
	}
	if c.Resolution <= 0 {
		errs = append(errs, fmt.Errorf("live_quality must be positive, got %d", c.Resolution))
	}
	if c.CompileTimeout <= 0 {
		errs = append(errs, fmt.Errorf("compile timeout must be positive, got %s", c.CompileTimeout))
	}
	if c.CacheDir == "" || c.ProjectDir == "" || c.BuildDir == "" {
		errs = append(errs, errors.New("project, cache and build directories are required"))
	}
	return errors.Join(errs...)
}

func getenv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getenvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getenvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	switch v {
	case "1", "true", "TRUE", "yes", "YES":
		return true
	case "0", "false", "FALSE", "no", "NO":
		return false
	default:
		return fallback
	}
}

// getenvDuration accepts Go durations ("750ms") or bare seconds ("0.5").
func getenvDuration(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(f * float64(time.Second))
	}
	return fallback
}

func getenvList(key string, fallback []string) []string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	out := make([]string, 0)
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
