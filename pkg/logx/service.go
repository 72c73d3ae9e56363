package logx

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Output formats for the stdout sink. The file sink is always JSON.
const (
	FormatConsole = "console"
	FormatJSON    = "json"
)

const defaultFilePath = "./extractd.log"

type Config struct {
	Level string
	// Format selects how stdout is written: "console" (default) or "json".
	Format  string
	Console bool
	File    FileConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

// ValidFormat reports whether f names a known stdout format. Empty is valid.
func ValidFormat(f string) bool {
	switch strings.ToLower(strings.TrimSpace(f)) {
	case "", FormatConsole, FormatJSON:
		return true
	}
	return false
}

// Service owns the active sinks. Loggers derived from it pick up changes
// made by Apply without being rebuilt.
type Service struct {
	stdout io.Writer

	mu       sync.Mutex
	file     *os.File
	filePath string

	root atomic.Pointer[zerolog.Logger]
}

// New builds the service from cfg and returns it with its root Logger.
func New(cfg Config) (*Service, Logger) {
	return newService(cfg, os.Stdout)
}

func newService(cfg Config, stdout io.Writer) (*Service, Logger) {
	zerolog.ErrorFieldName = "err"
	zerolog.TimeFieldFormat = timeFormat
	s := &Service{stdout: stdout}
	s.Apply(cfg)
	return s, Logger{svc: s}
}

func (s *Service) current() zerolog.Logger {
	if zl := s.root.Load(); zl != nil {
		return *zl
	}
	return zerolog.Nop()
}

// Apply swaps level, format and sinks. The log file stays open across calls
// unless its path changes or it gets disabled.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sinks []io.Writer
	if cfg.Console {
		sinks = append(sinks, s.stdoutSink(cfg.Format))
	}

	path := ""
	if cfg.File.Enabled {
		path = strings.TrimSpace(cfg.File.Path)
		if path == "" {
			path = defaultFilePath
		}
	}
	if path != s.filePath {
		s.closeFileLocked()
		if path != "" {
			if err := s.openFileLocked(path); err != nil {
				fmt.Fprintf(os.Stderr, "logx: %v\n", err)
			}
		}
	}
	if s.file != nil {
		sinks = append(sinks, zerolog.SyncWriter(s.file))
	}

	// Never go silent: with no sink configured, fall back to stdout.
	if len(sinks) == 0 {
		sinks = append(sinks, s.stdoutSink(cfg.Format))
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(sinks...)).
		Level(parseLevel(cfg.Level, zerolog.InfoLevel)).
		With().Timestamp().Logger()
	s.root.Store(&zl)
}

func (s *Service) stdoutSink(format string) io.Writer {
	if strings.EqualFold(strings.TrimSpace(format), FormatJSON) {
		return s.stdout
	}
	cw := zerolog.ConsoleWriter{Out: s.stdout, TimeFormat: timeFormat}
	cw.FormatCaller = func(i any) string {
		c, _ := i.(string)
		return c
	}
	return cw
}

func (s *Service) openFileLocked(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open log file %q: %w", path, err)
	}
	s.file, s.filePath = f, path
	return nil
}

func (s *Service) closeFileLocked() {
	if s.file != nil {
		_ = s.file.Close()
	}
	s.file, s.filePath = nil, ""
}

// Close closes the log file, if any. Loggers keep working on stdout sinks.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f := s.file
	s.file, s.filePath = nil, ""
	if f == nil {
		return nil
	}
	return f.Close()
}
