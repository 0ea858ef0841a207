package audioio

import (
	"fmt"
	"log/slog"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
)

// NewSource creates a new audio source with the given configuration.
// If cfg.Backend is BackendAuto, the command backend is used when a
// recorder is installed and the mock backend otherwise.
func NewSource(cfg Config, logger *slog.Logger) (Source, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}

	backend := cfg.Backend
	if backend == BackendAuto || backend == "" {
		backend = detectBestBackend(cfg)
	}

	logger.Info("creating audio source",
		"backend", backend,
		"sample_rate", cfg.SampleRate,
		"channels", cfg.Channels,
		"buffer_ms", cfg.BufferDuration.Milliseconds(),
	)

	switch backend {
	case BackendMock:
		return NewMockSource(cfg, logger), nil
	case BackendCommand:
		return NewCommandSource(cfg, logger)
	default:
		return nil, fmt.Errorf("unsupported backend: %s", backend)
	}
}

// detectBestBackend picks the command backend when its recorder exists.
func detectBestBackend(cfg Config) Backend {
	argv := RecorderCommand(cfg)
	if len(argv) == 0 {
		return BackendMock
	}
	if _, err := exec.LookPath(argv[0]); err != nil {
		return BackendMock
	}
	return BackendCommand
}

// RecorderCommand returns the recorder argv for cfg: the configured
// command, or arecord on Linux and sox elsewhere.
func RecorderCommand(cfg Config) []string {
	line := cfg.Command
	if line == "" {
		switch runtime.GOOS {
		case "linux":
			line = "arecord -q -t raw -f S16_LE -r {rate} -c {channels}"
		default:
			line = "sox -q -d -t raw -b 16 -e signed-integer -L -r {rate} -c {channels} -"
		}
	}
	return expand(line, map[string]string{
		"{rate}":     strconv.Itoa(cfg.SampleRate),
		"{channels}": strconv.Itoa(cfg.Channels),
	})
}

// PlayerCommand returns the default player argv for WAV on stdin.
func PlayerCommand() []string {
	switch runtime.GOOS {
	case "darwin":
		// afplay cannot read stdin; CommandPlayer writes a temp file for {file}.
		return []string{"afplay", "{file}"}
	default:
		return []string{"aplay", "-q", "-"}
	}
}

func expand(line string, vars map[string]string) []string {
	fields := strings.Fields(line)
	for i, f := range fields {
		for k, v := range vars {
			f = strings.ReplaceAll(f, k, v)
		}
		fields[i] = f
	}
	return fields
}

// AvailableBackends returns the list of backends available on this host.
func AvailableBackends() []Backend {
	backends := []Backend{BackendMock}
	if detectBestBackend(DefaultConfig()) == BackendCommand {
		backends = append(backends, BackendCommand)
	}
	return backends
}
