package config

import (
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mattn/go-isatty"
)

const (
	defaultListenAddr        = ":8000"
	defaultDBPath            = "kiln.db"
	defaultModelDir          = "/workspace/models"
	defaultWorkspace         = "/opt/ComfyUI"
	defaultPython            = "python3"
	defaultEnginePort        = 8188
	defaultOutputDir         = "/dev/shm/comfy_output"
	defaultTempDir           = "/dev/shm/comfy_temp"
	defaultInputDir          = "/dev/shm/comfy_input"
	defaultStartupTimeout    = 300 * time.Second
	defaultCompletionTimeout = 30 * time.Minute
	defaultDeviceMode        = DeviceAuto
	defaultLogFormat         = "json"
	noEntryScript            = "-"
	entryScriptName          = "main.py"

	envListenAddr         = "KILN_LISTEN_ADDR"
	envDBPath             = "KILN_DB_PATH"
	envLogLevel           = "KILN_LOG_LEVEL"
	envLogFormat          = "KILN_LOG_FORMAT"
	envLogSilent          = "KILN_LOG_SILENT"
	envModelDir           = "KILN_MODEL_DIR"
	envWorkspace          = "KILN_ENGINE_WORKSPACE"
	envPython             = "KILN_ENGINE_PYTHON"
	envEntry              = "KILN_ENGINE_ENTRY"
	envEnginePort         = "KILN_ENGINE_PORT"
	envOutputDir          = "KILN_ENGINE_OUTPUT_DIR"
	envTempDir            = "KILN_ENGINE_TEMP_DIR"
	envInputDir           = "KILN_ENGINE_INPUT_DIR"
	envStartupTimeout     = "KILN_STARTUP_TIMEOUT"
	envCompletionTimeout  = "KILN_COMPLETION_TIMEOUT"
	envDeviceMode         = "KILN_DEVICE_MODE"
	envForceCPU           = "KILN_FORCE_CPU"
	envAutostart          = "KILN_AUTOSTART"
	envNoHistory          = "KILN_NO_HISTORY"
	envEncryptionRequired = "KILN_ENCRYPTION_REQUIRED"
	envDryRun             = "KILN_DRY_RUN"
	envPrivateKey         = "KILN_WORKER_PRIVATE_KEY_B64"
	envSentryDSN          = "KILN_SENTRY_DSN"

	// EnvFile names an extra .env file to load before the defaults.
	EnvFile = "KILN_ENV_FILE"
)

// Device modes for the engine process.
const (
	DeviceAuto = "auto"
	DeviceCPU  = "cpu"
	DeviceGPU  = "gpu"
)

// DefaultEnvFiles are the .env locations tried by LoadDotenv, in order.
var DefaultEnvFiles = []string{".env", "/opt/app/.env"}

// Config holds application configuration loaded from environment variables.
// It is built once at startup and handed to each component.
type Config struct {
	ListenAddr string
	DBPath     string
	LogLevel   slog.Level
	LogFormat  string
	SentryDSN  string

	Engine EngineConfig

	NoHistory          bool
	EncryptionRequired bool
	DryRun             bool
	PrivateKeyB64      string
	CompletionTimeout  time.Duration
}

// EngineConfig describes how the engine process is launched and reached.
type EngineConfig struct {
	ModelDir       string
	Workspace      string
	Python         string
	Entry          string
	Port           int
	OutputDir      string
	TempDir        string
	InputDir       string
	StartupTimeout time.Duration
	DeviceMode     string
	ForceCPU       bool
	Silent         bool
	Autostart      bool
}

// Load reads configuration from environment variables with sensible defaults.
func Load() Config {
	cfg := Config{
		ListenAddr:         defaultListenAddr,
		DBPath:             defaultDBPath,
		LogLevel:           slog.LevelInfo,
		LogFormat:          defaultLogFormat,
		EncryptionRequired: true,
		CompletionTimeout:  defaultCompletionTimeout,
		Engine: EngineConfig{
			ModelDir:       defaultModelDir,
			Workspace:      defaultWorkspace,
			Python:         defaultPython,
			Port:           defaultEnginePort,
			OutputDir:      defaultOutputDir,
			TempDir:        defaultTempDir,
			InputDir:       defaultInputDir,
			StartupTimeout: defaultStartupTimeout,
			DeviceMode:     defaultDeviceMode,
			Silent:         true,
			Autostart:      true,
		},
	}

	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envDBPath); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}
	if v := os.Getenv(envLogFormat); v != "" {
		cfg.LogFormat = strings.ToLower(v)
	}
	cfg.SentryDSN = os.Getenv(envSentryDSN)
	cfg.PrivateKeyB64 = strings.TrimSpace(os.Getenv(envPrivateKey))

	cfg.NoHistory = envBool(envNoHistory, false)
	cfg.EncryptionRequired = envBool(envEncryptionRequired, true)
	cfg.DryRun = envBool(envDryRun, false)
	if v, ok := envSeconds(envCompletionTimeout); ok {
		cfg.CompletionTimeout = v
	}

	e := &cfg.Engine
	if v := os.Getenv(envModelDir); v != "" {
		e.ModelDir = v
	}
	if v := os.Getenv(envWorkspace); v != "" {
		e.Workspace = v
	}
	if v := os.Getenv(envPython); v != "" {
		e.Python = v
	}
	e.Entry = filepath.Join(e.Workspace, entryScriptName)
	if v := os.Getenv(envEntry); v != "" {
		e.Entry = v
		if v == noEntryScript {
			e.Entry = ""
		}
	}
	if v := os.Getenv(envEnginePort); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 && port < 65536 {
			e.Port = port
		}
	}
	if v := os.Getenv(envOutputDir); v != "" {
		e.OutputDir = v
	}
	if v := os.Getenv(envTempDir); v != "" {
		e.TempDir = v
	}
	if v := os.Getenv(envInputDir); v != "" {
		e.InputDir = v
	}
	if v, ok := envSeconds(envStartupTimeout); ok && v > 0 {
		e.StartupTimeout = v
	}
	if v := os.Getenv(envDeviceMode); v != "" {
		e.DeviceMode = parseDeviceMode(v)
	}
	e.ForceCPU = envBool(envForceCPU, false)
	e.Silent = envBool(envLogSilent, true)
	e.Autostart = envBool(envAutostart, true)

	return cfg
}

// LoadDotenv loads KEY=value pairs from the first-listed .env files that exist.
// Variables already present in the environment are never overridden, and a
// key set by an earlier file wins over later files. It returns the files read.
func LoadDotenv(paths ...string) ([]string, error) {
	if len(paths) == 0 {
		paths = DefaultEnvFiles
		if extra := os.Getenv(EnvFile); extra != "" {
			paths = append([]string{extra}, paths...)
		}
	}

	var loaded []string
	for _, p := range paths {
		if _, err := os.Stat(p); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return loaded, err
		}
		loaded = append(loaded, p)
	}
	return loaded, nil
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func parseDeviceMode(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case DeviceCPU:
		return DeviceCPU
	case DeviceGPU:
		return DeviceGPU
	default:
		return DeviceAuto
	}
}

// ParseBool interprets the truthy spellings accepted by every boolean setting:
// 1, true and yes, in any case.
func ParseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes":
		return true
	default:
		return false
	}
}

func envBool(key string, def bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return def
	}
	return ParseBool(v)
}

func envSeconds(key string) (time.Duration, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, false
	}
	return time.Duration(n) * time.Second, true
}

// NewLogger creates a structured logger writing to w at the configured level.
// format is "json", "text", or "auto"; auto picks text when w is a terminal.
func NewLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if format == "text" || (format == "auto" && isTerminal(w)) {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
