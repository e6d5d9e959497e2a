// Package config provides configuration management for vidseg.
// Values come from defaults, an optional vidseg.toml in the data directory
// and VIDSEG_* environment variables, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	// Default values
	DefaultPort             = 8787
	DefaultLogLevel         = "info"
	DefaultDataDir          = ".vidseg"
	DefaultMaxDurationSec   = 60.0
	DefaultMaxFrames        = 900
	DefaultDirection        = "both"
	DefaultPredictor        = "subprocess"
	DefaultPredictorModule  = "sam3_worker"
	DefaultDoctorTimeoutSec = 30

	// EnvPrefix is prepended to every key, e.g. VIDSEG_PORT.
	EnvPrefix = "VIDSEG"

	// Config file looked up in the data directory
	FileName = "vidseg"
	FileType = "toml"

	// Database filename
	DBFilename = "vidseg.db"
)

// Keys
const (
	KeyPort               = "port"
	KeyLogLevel           = "log_level"
	KeyDataDir            = "data_dir"
	KeyTmpDir             = "tmp_dir"
	KeyExportsDir         = "exports_dir"
	KeyMaxDurationSec     = "max_duration_sec"
	KeyMaxFrames          = "max_frames"
	KeyDefaultDirection   = "default_propagation_direction"
	KeyLoadModelOnStartup = "load_model_on_startup"
	KeyPredictor          = "predictor"
	KeyPredictorPython    = "predictor_python"
	KeyPredictorModule    = "predictor_module"
	KeyDoctorTimeoutSec   = "doctor_timeout_sec"
	KeyAllowedOrigins     = "allowed_origins"
	KeyFFmpegPath         = "ffmpeg_path"
	KeyFFprobePath        = "ffprobe_path"
)

// Config defines the application configuration interface
type Config interface {
	Port() int
	LogLevel() string
	DataDir() string
	DBPath() string
	UploadsDir() string
	FramesDir() string
	ExportsDir() string
	MaxDurationSec() float64
	MaxFrames() int
	DefaultDirection() string
	LoadModelOnStartup() bool
	Predictor() string
	PredictorPython() string
	PredictorModule() string
	DoctorTimeout() time.Duration
	AllowedOrigins() []string
	FFmpegPath() string
	FFprobePath() string
}

// EnvConfig is a Config resolved once at startup.
type EnvConfig struct {
	port               int
	logLevel           string
	dataDir            string
	tmpDir             string
	exportsDir         string
	maxDurationSec     float64
	maxFrames          int
	defaultDirection   string
	loadModelOnStartup bool
	predictor          string
	predictorPython    string
	predictorModule    string
	doctorTimeout      time.Duration
	allowedOrigins     []string
	ffmpegPath         string
	ffprobePath        string
	configFile         string
}

// New loads the configuration with a fresh viper instance.
func New() (*EnvConfig, error) {
	return Load(viper.New())
}

// Load resolves the configuration from v. Defaults and environment bindings
// are registered on v, so callers may bind flags to it beforehand.
func Load(v *viper.Viper) (*EnvConfig, error) {
	if v == nil {
		v = viper.New()
	}
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetConfigName(FileName)
	v.SetConfigType(FileType)
	v.AddConfigPath(v.GetString(KeyDataDir))
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	cfg := &EnvConfig{
		port:               v.GetInt(KeyPort),
		logLevel:           strings.ToLower(strings.TrimSpace(v.GetString(KeyLogLevel))),
		dataDir:            v.GetString(KeyDataDir),
		tmpDir:             v.GetString(KeyTmpDir),
		exportsDir:         strings.TrimSpace(v.GetString(KeyExportsDir)),
		maxDurationSec:     v.GetFloat64(KeyMaxDurationSec),
		maxFrames:          v.GetInt(KeyMaxFrames),
		defaultDirection:   strings.ToLower(strings.TrimSpace(v.GetString(KeyDefaultDirection))),
		loadModelOnStartup: v.GetBool(KeyLoadModelOnStartup),
		predictor:          strings.ToLower(strings.TrimSpace(v.GetString(KeyPredictor))),
		predictorPython:    v.GetString(KeyPredictorPython),
		predictorModule:    v.GetString(KeyPredictorModule),
		doctorTimeout:      time.Duration(v.GetInt(KeyDoctorTimeoutSec)) * time.Second,
		allowedOrigins:     splitList(v.GetStringSlice(KeyAllowedOrigins)),
		ffmpegPath:         v.GetString(KeyFFmpegPath),
		ffprobePath:        v.GetString(KeyFFprobePath),
		configFile:         v.ConfigFileUsed(),
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault(KeyPort, DefaultPort)
	v.SetDefault(KeyLogLevel, DefaultLogLevel)
	v.SetDefault(KeyDataDir, defaultDataDir())
	v.SetDefault(KeyTmpDir, filepath.Join(os.TempDir(), "vidseg"))
	v.SetDefault(KeyExportsDir, "")
	v.SetDefault(KeyMaxDurationSec, DefaultMaxDurationSec)
	v.SetDefault(KeyMaxFrames, DefaultMaxFrames)
	v.SetDefault(KeyDefaultDirection, DefaultDirection)
	v.SetDefault(KeyLoadModelOnStartup, true)
	v.SetDefault(KeyPredictor, DefaultPredictor)
	v.SetDefault(KeyPredictorPython, "")
	v.SetDefault(KeyPredictorModule, DefaultPredictorModule)
	v.SetDefault(KeyDoctorTimeoutSec, DefaultDoctorTimeoutSec)
	v.SetDefault(KeyAllowedOrigins, []string{"http://localhost:5173", "http://127.0.0.1:5173"})
	v.SetDefault(KeyFFmpegPath, "ffmpeg")
	v.SetDefault(KeyFFprobePath, "ffprobe")
}

func (c *EnvConfig) validate() error {
	if c.port < 1 || c.port > 65535 {
		return fmt.Errorf("invalid %s: port must be between 1 and 65535", KeyPort)
	}
	if c.maxDurationSec <= 0 {
		return fmt.Errorf("invalid %s: must be positive", KeyMaxDurationSec)
	}
	if c.maxFrames <= 0 {
		return fmt.Errorf("invalid %s: must be positive", KeyMaxFrames)
	}
	switch c.defaultDirection {
	case "forward", "backward", "both":
	default:
		return fmt.Errorf("invalid %s: %q is not forward, backward or both", KeyDefaultDirection, c.defaultDirection)
	}
	switch c.predictor {
	case "subprocess", "stub":
	default:
		return fmt.Errorf("invalid %s: %q is not subprocess or stub", KeyPredictor, c.predictor)
	}
	if c.dataDir == "" {
		return fmt.Errorf("invalid %s: empty", KeyDataDir)
	}
	return nil
}

// splitList accepts both TOML arrays and comma-separated environment values.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, s := range strings.Split(item, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

// Port returns the HTTP server port
func (c *EnvConfig) Port() int {
	return c.port
}

// LogLevel returns the log level (debug, info, warn, error)
func (c *EnvConfig) LogLevel() string {
	return c.logLevel
}

// DataDir returns the data directory path
func (c *EnvConfig) DataDir() string {
	return c.dataDir
}

// DBPath returns the full path to the SQLite database file
func (c *EnvConfig) DBPath() string {
	return filepath.Join(c.dataDir, DBFilename)
}

// UploadsDir is where uploaded videos are stored.
func (c *EnvConfig) UploadsDir() string {
	return filepath.Join(c.dataDir, "uploads")
}

// FramesDir holds the extracted frames of the active session.
func (c *EnvConfig) FramesDir() string {
	return filepath.Join(c.tmpDir, "frames")
}

// ExportsDir is where finished archives are also written. Empty disables it.
func (c *EnvConfig) ExportsDir() string {
	return c.exportsDir
}

func (c *EnvConfig) MaxDurationSec() float64 {
	return c.maxDurationSec
}

func (c *EnvConfig) MaxFrames() int {
	return c.maxFrames
}

func (c *EnvConfig) DefaultDirection() string {
	return c.defaultDirection
}

func (c *EnvConfig) LoadModelOnStartup() bool {
	return c.loadModelOnStartup
}

// Predictor is "subprocess" for the Python worker or "stub" for the
// in-process predictor.
func (c *EnvConfig) Predictor() string {
	return c.predictor
}

func (c *EnvConfig) PredictorPython() string {
	return c.predictorPython
}

func (c *EnvConfig) PredictorModule() string {
	if c.predictorModule != "" {
		return c.predictorModule
	}
	return DefaultPredictorModule
}

func (c *EnvConfig) DoctorTimeout() time.Duration {
	if c.doctorTimeout <= 0 {
		return DefaultDoctorTimeoutSec * time.Second
	}
	return c.doctorTimeout
}

func (c *EnvConfig) AllowedOrigins() []string {
	return c.allowedOrigins
}

func (c *EnvConfig) FFmpegPath() string {
	return c.ffmpegPath
}

func (c *EnvConfig) FFprobePath() string {
	return c.ffprobePath
}

// ConfigFile returns the config file that was read, or "".
func (c *EnvConfig) ConfigFile() string {
	return c.configFile
}

// defaultDataDir returns the default data directory path
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		// Fallback to current directory if home is not available
		return DefaultDataDir
	}
	return filepath.Join(home, DefaultDataDir)
}

// Version information (set at build time via ldflags)
var (
	Version   = "0.1.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)
