package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Settings mirrors the user-editable settings file. Durations are seconds.
type Settings struct {
	LiveUpdate        *float64 `yaml:"live_update,omitempty"`
	LiveThreadRefresh *float64 `yaml:"live_thread_refresh,omitempty"`
	LiveQuality       *int     `yaml:"live_quality,omitempty"`
	CompileTimeout    *float64 `yaml:"compile_timeout,omitempty"`

	Compiler          string   `yaml:"compiler,omitempty"`
	CompilerArgs      []string `yaml:"compiler_args,omitempty"`
	JobName           string   `yaml:"job_name,omitempty"`
	GuardProcesses    []string `yaml:"guard_processes,omitempty"`
	DiagnosticsMarker string   `yaml:"diagnostics_marker,omitempty"`

	ProjectDir  string `yaml:"project_dir,omitempty"`
	WorkingFile string `yaml:"working_file,omitempty"`
	CacheDir    string `yaml:"cache_dir,omitempty"`
	BuildDir    string `yaml:"build_dir,omitempty"`

	PdfInfo        string `yaml:"pdfinfo,omitempty"`
	PdfToPPM       string `yaml:"pdftoppm,omitempty"`
	ThumbnailWidth *int   `yaml:"thumbnail_width,omitempty"`

	ArtifactBackend string `yaml:"artifact_backend,omitempty"`
	MinIOEndpoint   string `yaml:"minio_endpoint,omitempty"`
	MinIOBucket     string `yaml:"minio_bucket,omitempty"`
	MinIOUseSSL     *bool  `yaml:"minio_use_ssl,omitempty"`

	ListenAddr string `yaml:"listen_addr,omitempty"`
	WatchFile  string `yaml:"watch_file,omitempty"`
}

// Load returns FromEnv overlaid with the settings file, if one exists.
func Load() (Config, error) {
	cfg := FromEnv()
	s, err := ReadSettings(cfg.SettingsFile)
	if err != nil {
		return cfg, err
	}
	if s != nil {
		cfg = s.Apply(cfg)
	}
	return cfg, cfg.Validate()
}

// ReadSettings returns nil, nil when path does not exist.
func ReadSettings(path string) (*Settings, error) {
	if strings.TrimSpace(path) == "" {
		return nil, nil
	}
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read settings file: %w", err)
	}
	var s Settings
	if err := yaml.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("parse settings file: %w", err)
	}
	return &s, nil
}

func SaveSettings(path string, s Settings) error {
	b, err := yaml.Marshal(&s)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

func (s Settings) Apply(cfg Config) Config {
	if s.LiveUpdate != nil {
		cfg.DebounceInterval = seconds(*s.LiveUpdate)
	}
	if s.LiveThreadRefresh != nil {
		cfg.PollInterval = seconds(*s.LiveThreadRefresh)
	}
	if s.LiveQuality != nil {
		cfg.Resolution = *s.LiveQuality
	}
	if s.CompileTimeout != nil {
		cfg.CompileTimeout = seconds(*s.CompileTimeout)
	}
	if s.Compiler != "" {
		cfg.Compiler = s.Compiler
		if len(s.GuardProcesses) == 0 {
			cfg.ProcessNames = []string{filepath.Base(s.Compiler)}
		}
	}
	if s.JobName != "" {
		cfg.JobName = s.JobName
		if len(s.CompilerArgs) == 0 {
			cfg.CompilerArgs = DefaultCompilerArgs(s.JobName)
		}
	}
	if len(s.CompilerArgs) > 0 {
		cfg.CompilerArgs = append([]string(nil), s.CompilerArgs...)
	}
	if len(s.GuardProcesses) > 0 {
		cfg.ProcessNames = append([]string(nil), s.GuardProcesses...)
	}
	setString(&cfg.DiagnosticsMarker, s.DiagnosticsMarker)
	setString(&cfg.ProjectDir, s.ProjectDir)
	setString(&cfg.WorkingFileName, s.WorkingFile)
	setString(&cfg.CacheDir, s.CacheDir)
	setString(&cfg.BuildDir, s.BuildDir)
	setString(&cfg.PdfInfo, s.PdfInfo)
	setString(&cfg.PdfToPPM, s.PdfToPPM)
	if s.ThumbnailWidth != nil {
		cfg.ThumbnailWidth = *s.ThumbnailWidth
	}
	setString(&cfg.ArtifactBackend, s.ArtifactBackend)
	setString(&cfg.MinIOEndpoint, s.MinIOEndpoint)
	setString(&cfg.MinIOBucket, s.MinIOBucket)
	if s.MinIOUseSSL != nil {
		cfg.MinIOUseSSL = *s.MinIOUseSSL
	}
	setString(&cfg.ListenAddr, s.ListenAddr)
	setString(&cfg.WatchFile, s.WatchFile)
	return cfg.Absolute()
}

// SettingsFrom captures the tunables of cfg that belong in the settings file.
func SettingsFrom(cfg Config) Settings {
	live := cfg.DebounceInterval.Seconds()
	refresh := cfg.PollInterval.Seconds()
	quality := cfg.Resolution
	timeout := cfg.CompileTimeout.Seconds()
	return Settings{
		LiveUpdate:        &live,
		LiveThreadRefresh: &refresh,
		LiveQuality:       &quality,
		CompileTimeout:    &timeout,
		Compiler:          cfg.Compiler,
		CompilerArgs:      cfg.CompilerArgs,
		JobName:           cfg.JobName,
		GuardProcesses:    cfg.ProcessNames,
		DiagnosticsMarker: cfg.DiagnosticsMarker,
	}
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

func setString(dst *string, v string) {
	if strings.TrimSpace(v) != "" {
		*dst = v
	}
}
