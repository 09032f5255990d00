package config

import (
	"crypto/ecdsa"
	"os"
	"os/user"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/rifflock/lfshook"
	"github.com/sirupsen/logrus"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"

	"github.com/purpleprotocol/weave/src/common"
)

// Default filenames.
const (
	// DefaultKeyfile is the default name of the file containing the node's
	// private key
	DefaultKeyfile = "priv_key"

	// DefaultBadgerFile is the default name of the folder containing the Badger
	// database
	DefaultBadgerFile = "badger_db"

	// DefaultLogFile is the default name of the debug log file written to the
	// data directory.
	DefaultLogFile = "weave_debug.log"
)

// Default configuration values.
const (
	DefaultLogLevel         = "debug"
	DefaultServiceAddr      = "127.0.0.1:8000"
	DefaultCacheSize        = 10000
	DefaultPendingLimit     = 1000
	DefaultMaxCandidateAge  = 100
	DefaultRetentionWindow  = 10000
	DefaultFinalityInterval = 200 * time.Millisecond
	DefaultStore            = false
)

// Config contains all the configuration properties of a weave node.
type Config struct {
	// DataDir is the top-level directory containing weave configuration and
	// data
	DataDir string `mapstructure:"datadir"`

	// LogLevel determines the chattiness of the log output.
	LogLevel string `mapstructure:"log"`

	// NoService disables the HTTP API service.
	NoService bool `mapstructure:"no-service"`

	// ServiceAddr is the address:port of the HTTP query service. The handlers
	// are registered with the DefaultServerMux of the http package, so another
	// server in the same process may share the endpoint.
	ServiceAddr string `mapstructure:"service-listen"`

	// Store activates persistent storage.
	Store bool `mapstructure:"store"`

	// DatabaseDir is the directory containing database files.
	DatabaseDir string `mapstructure:"db"`

	// CacheSize is the max number of items in in-memory caches.
	CacheSize int `mapstructure:"cache-size"`

	// Bootstrap determines whether to replay the DAG from an existing
	// database file. Forces Store, ie. bootstrap only works with a persistent
	// database store.
	Bootstrap bool `mapstructure:"bootstrap"`

	// PendingLimit bounds the buffer of events waiting for unknown parents.
	PendingLimit int `mapstructure:"pending-limit"`

	// MaxCandidateAge is the number of finalization passes an admitted event
	// can sit behind a stale frontier tip before being promoted anyway. 0
	// disables the fallback.
	MaxCandidateAge int `mapstructure:"max-candidate-age"`

	// RetentionWindow is how many finalized events stay in the finality
	// working set before being forgotten.
	RetentionWindow int `mapstructure:"retention-window"`

	// FinalityInterval is the period of the finalization timer.
	FinalityInterval time.Duration `mapstructure:"finality-interval"`

	// Moniker defines the friendly name of this node
	Moniker string `mapstructure:"moniker"`

	// Key is the private key of the node.
	Key *ecdsa.PrivateKey

	logger *logrus.Logger
}

// NewDefaultConfig returns a config object with default values.
func NewDefaultConfig() *Config {
	config := &Config{
		DataDir:          DefaultDataDir(),
		LogLevel:         DefaultLogLevel,
		ServiceAddr:      DefaultServiceAddr,
		CacheSize:        DefaultCacheSize,
		PendingLimit:     DefaultPendingLimit,
		MaxCandidateAge:  DefaultMaxCandidateAge,
		RetentionWindow:  DefaultRetentionWindow,
		FinalityInterval: DefaultFinalityInterval,
		Store:            DefaultStore,
		DatabaseDir:      DefaultDatabaseDir(),
	}

	return config
}

// NewTestConfig returns a config object with default values and a special
// logger for debugging tests.
func NewTestConfig(t testing.TB) *Config {
	config := NewDefaultConfig()
	config.logger = common.NewTestLogger(t)
	return config
}

// SetDataDir sets the top-level weave directory, and updates the database
// directory if it is currently set to the default value. If the database
// directory is not currently the default, it means the user has explicitly set
// it to something else, so avoid changing it again here.
func (c *Config) SetDataDir(dataDir string) {
	c.DataDir = dataDir
	if c.DatabaseDir == DefaultDatabaseDir() {
		c.DatabaseDir = filepath.Join(dataDir, DefaultBadgerFile)
	}
}

// Keyfile returns the full path of the file containing the private key.
func (c *Config) Keyfile() string {
	return filepath.Join(c.DataDir, DefaultKeyfile)
}

// Logger returns a formatted logrus Entry, with prefix set to "weave". Debug
// output is duplicated to a log file in the data directory when one can be
// created.
func (c *Config) Logger() *logrus.Entry {
	if c.logger == nil {
		c.logger = logrus.New()
		c.logger.Level = LogLevel(c.LogLevel)
		c.logger.Formatter = new(prefixed.TextFormatter)

		logFile := filepath.Join(c.DataDir, DefaultLogFile)
		if f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666); err == nil {
			f.Close()
			c.logger.Hooks.Add(lfshook.NewHook(
				lfshook.PathMap{
					logrus.DebugLevel: logFile,
					logrus.InfoLevel:  logFile,
					logrus.WarnLevel:  logFile,
					logrus.ErrorLevel: logFile,
				},
				&logrus.TextFormatter{},
			))
		}
	}
	return c.logger.WithField("prefix", "weave")
}

// DefaultDatabaseDir returns the default path for the badger database files.
func DefaultDatabaseDir() string {
	return filepath.Join(DefaultDataDir(), DefaultBadgerFile)
}

// DefaultDataDir return the default directory name for top-level weave config
// based on the underlying OS, attempting to respect conventions.
func DefaultDataDir() string {
	// Try to place the data folder in the user's home dir
	home := HomeDir()
	if home != "" {
		if runtime.GOOS == "darwin" {
			return filepath.Join(home, ".Weave")
		} else if runtime.GOOS == "windows" {
			return filepath.Join(home, "AppData", "Roaming", "Weave")
		} else {
			return filepath.Join(home, ".weave")
		}
	}
	// As we cannot guess a stable location, return empty and handle later
	return ""
}

// HomeDir returns the user's home directory.
func HomeDir() string {
	if home := os.Getenv("HOME"); home != "" {
		return home
	}
	if usr, err := user.Current(); err == nil {
		return usr.HomeDir
	}
	return ""
}

// LogLevel parses a string into a Logrus log level.
func LogLevel(l string) logrus.Level {
	switch l {
	case "debug":
		return logrus.DebugLevel
	case "info":
		return logrus.InfoLevel
	case "warn":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	case "fatal":
		return logrus.FatalLevel
	case "panic":
		return logrus.PanicLevel
	default:
		return logrus.DebugLevel
	}
}
