// Copyright 2023 The Rift Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"flag"
	"os"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Config is the server configuration, read once at startup.
type Config interface {
	GetName() string
	GetDataDir() string
	GetLogger() *LoggerConfig
	GetMetrics() *MetricsConfig
	GetSession() *SessionConfig
	GetDatabase() *DatabaseConfig
	GetRuntime() *RuntimeConfig
	GetMatch() *MatchConfig
	GetMatchmaker() *MatchmakerConfig
	GetTracker() *TrackerConfig
}

// ParseArgs loads the configuration, optionally from a YAML file named by
// the --config flag, then validates it. Invalid configuration is fatal.
func ParseArgs(tmpLogger *zap.Logger, args []string) Config {
	configFilePath := ""
	flags := flag.NewFlagSet("rift", flag.ExitOnError)
	flags.StringVar(&configFilePath, "config", "", "The absolute file path to configuration YAML file.")
	if err := flags.Parse(args); err != nil {
		tmpLogger.Fatal("Could not parse command line arguments", zap.Error(err))
	}

	config := NewConfig(tmpLogger)
	if configFilePath != "" {
		data, err := os.ReadFile(configFilePath)
		if err != nil {
			tmpLogger.Fatal("Could not read config file", zap.String("path", configFilePath), zap.Error(err))
		}
		if err := yaml.Unmarshal(data, config); err != nil {
			tmpLogger.Fatal("Could not parse config file", zap.String("path", configFilePath), zap.Error(err))
		}
		tmpLogger.Info("Successfully loaded config file", zap.String("path", configFilePath))
	}

	config.Validate(tmpLogger)
	return config
}

type config struct {
	Name       string            `yaml:"name" json:"name" usage:"Server node name."`
	DataDir    string            `yaml:"data_dir" json:"data_dir" usage:"An absolute path to a writeable folder where the server will store its data."`
	Logger     *LoggerConfig     `yaml:"logger" json:"logger" usage:"Logger levels and output."`
	Metrics    *MetricsConfig    `yaml:"metrics" json:"metrics" usage:"Metrics settings."`
	Session    *SessionConfig    `yaml:"session" json:"session" usage:"Session authentication settings."`
	Database   *DatabaseConfig   `yaml:"database" json:"database" usage:"Database connection settings."`
	Runtime    *RuntimeConfig    `yaml:"runtime" json:"runtime" usage:"Runtime settings."`
	Match      *MatchConfig      `yaml:"match" json:"match" usage:"Authoritative realtime match properties."`
	Matchmaker *MatchmakerConfig `yaml:"matchmaker" json:"matchmaker" usage:"Matchmaker settings."`
	Tracker    *TrackerConfig    `yaml:"tracker" json:"tracker" usage:"Presence tracker properties."`
}

// NewConfig constructs a Config struct which represents server settings,
// and populates it with default values.
func NewConfig(logger *zap.Logger) *config {
	cwd, err := os.Getwd()
	if err != nil {
		logger.Fatal("Error getting current working directory", zap.Error(err))
	}
	return &config{
		Name:       "rift",
		DataDir:    cwd,
		Logger:     NewLoggerConfig(),
		Metrics:    NewMetricsConfig(),
		Session:    NewSessionConfig(),
		Database:   NewDatabaseConfig(),
		Runtime:    NewRuntimeConfig(),
		Match:      NewMatchConfig(),
		Matchmaker: NewMatchmakerConfig(),
		Tracker:    NewTrackerConfig(),
	}
}

// Validate checks the current configuration and fails fast on bad values.
func (c *config) Validate(logger *zap.Logger) {
	if c.Name == "" {
		logger.Fatal("Name must be set", zap.String("param", "name"))
	}
	if c.GetSession().TokenExpirySec < 1 {
		logger.Fatal("Token expiry seconds must be >= 1", zap.String("param", "session.token_expiry_sec"))
	}
	if c.GetSession().EncryptionKey == "" {
		logger.Fatal("Encryption key must be set", zap.String("param", "session.encryption_key"))
	}
	if c.GetMatch().InputQueueSize < 1 {
		logger.Fatal("Match input queue size must be >= 1", zap.String("param", "match.input_queue_size"))
	}
	if c.GetMatch().CallQueueSize < 1 {
		logger.Fatal("Match call queue size must be >= 1", zap.String("param", "match.call_queue_size"))
	}
	if c.GetMatch().SignalQueueSize < 1 {
		logger.Fatal("Match signal queue size must be >= 1", zap.String("param", "match.signal_queue_size"))
	}
	if c.GetMatch().JoinAttemptQueueSize < 1 {
		logger.Fatal("Match join attempt queue size must be >= 1", zap.String("param", "match.join_attempt_queue_size"))
	}
	if c.GetMatch().DeferredQueueSize < 1 {
		logger.Fatal("Match deferred queue size must be >= 1", zap.String("param", "match.deferred_queue_size"))
	}
	if c.GetMatch().JoinMarkerDeadlineMs < 1 {
		logger.Fatal("Match join marker deadline must be >= 1", zap.String("param", "match.join_marker_deadline_ms"))
	}
	if c.GetMatch().MaxEmptySec < 0 {
		logger.Fatal("Match max empty seconds must be >= 0", zap.String("param", "match.max_empty_sec"))
	}
	if c.GetMatch().LabelUpdateIntervalMs < 1 {
		logger.Fatal("Match label update interval must be > 0", zap.String("param", "match.label_update_interval_ms"))
	}
	if c.GetMatchmaker().MaxTickets < 1 {
		logger.Fatal("Matchmaker max tickets must be >= 1", zap.String("param", "matchmaker.max_tickets"))
	}
	if c.GetMatchmaker().IntervalSec < 1 {
		logger.Fatal("Matchmaker interval time seconds must be >= 1", zap.String("param", "matchmaker.interval_sec"))
	}
	if c.GetMatchmaker().MaxIntervals < 1 {
		logger.Fatal("Matchmaker max intervals must be >= 1", zap.String("param", "matchmaker.max_intervals"))
	}
	if c.GetTracker().EventQueueSize < 1 {
		logger.Fatal("Tracker event queue size must be >= 1", zap.String("param", "tracker.event_queue_size"))
	}

	// The runtime environment is parsed once here so bad entries are fatal
	// at startup rather than at first hook invocation.
	c.Runtime.Environment = convertRuntimeEnv(logger, c.Runtime.Env)
}

func convertRuntimeEnv(logger *zap.Logger, runtimeEnv []string) map[string]string {
	envMap := make(map[string]string, len(runtimeEnv))
	for _, e := range runtimeEnv {
		if !strings.Contains(e, "=") {
			logger.Fatal("Invalid runtime environment value", zap.String("value", e))
		}
		kv := strings.SplitN(e, "=", 2)
		if len(kv) == 1 {
			envMap[kv[0]] = ""
		} else {
			envMap[kv[0]] = kv[1]
		}
	}
	return envMap
}

func (c *config) GetName() string                  { return c.Name }
func (c *config) GetDataDir() string               { return c.DataDir }
func (c *config) GetLogger() *LoggerConfig         { return c.Logger }
func (c *config) GetMetrics() *MetricsConfig       { return c.Metrics }
func (c *config) GetSession() *SessionConfig       { return c.Session }
func (c *config) GetDatabase() *DatabaseConfig     { return c.Database }
func (c *config) GetRuntime() *RuntimeConfig       { return c.Runtime }
func (c *config) GetMatch() *MatchConfig           { return c.Match }
func (c *config) GetMatchmaker() *MatchmakerConfig { return c.Matchmaker }
func (c *config) GetTracker() *TrackerConfig       { return c.Tracker }

// LoggerConfig is configuration relevant to logging levels and output.
type LoggerConfig struct {
	Level      string `yaml:"level" json:"level" usage:"Log level to set. Valid values are 'debug', 'info', 'warn', 'error'. Default 'info'."`
	Stdout     bool   `yaml:"stdout" json:"stdout" usage:"Log to standard console output (as well as to a file if set). Default true."`
	File       string `yaml:"file" json:"file" usage:"Log output to a file (as well as stdout if set). Make sure that the directory and the file is writable."`
	Rotation   bool   `yaml:"rotation" json:"rotation" usage:"Rotate log files. Default is false."`
	MaxSize    int    `yaml:"max_size" json:"max_size" usage:"The maximum size in megabytes of the log file before it gets rotated. It defaults to 100 megabytes."`
	MaxAge     int    `yaml:"max_age" json:"max_age" usage:"The maximum number of days to retain old log files based on the timestamp encoded in their filename. The default is not to remove old log files based on age."`
	MaxBackups int    `yaml:"max_backups" json:"max_backups" usage:"The maximum number of old log files to retain. The default is to retain all old log files (though max_age may still cause them to get deleted.)"`
	LocalTime  bool   `yaml:"local_time" json:"local_time" usage:"This determines if the time used for formatting the timestamps in backup files is the computer's local time. The default is to use UTC time."`
	Compress   bool   `yaml:"compress" json:"compress" usage:"This determines if the rotated log files should be compressed using gzip."`
	Format     string `yaml:"format" json:"format" usage:"Set logging output format. Can either be 'JSON' or 'Stackdriver'. Default is 'JSON'."`
}

func NewLoggerConfig() *LoggerConfig {
	return &LoggerConfig{
		Level:      "info",
		Stdout:     true,
		File:       "",
		Rotation:   false,
		MaxSize:    100,
		MaxAge:     0,
		MaxBackups: 0,
		LocalTime:  false,
		Compress:   false,
		Format:     "json",
	}
}

// MetricsConfig is configuration relevant to metrics capturing and output.
type MetricsConfig struct {
	ReportingFreqSec int    `yaml:"reporting_freq_sec" json:"reporting_freq_sec" usage:"Frequency of metrics exports. Default is 60 seconds."`
	Namespace        string `yaml:"namespace" json:"namespace" usage:"Namespace for metrics emitted. Default is empty."`
	Prefix           string `yaml:"prefix" json:"prefix" usage:"Prefix for metric names. Default is 'rift', empty string '' disables the prefix."`
}

func NewMetricsConfig() *MetricsConfig {
	return &MetricsConfig{
		ReportingFreqSec: 60,
		Namespace:        "",
		Prefix:           "rift",
	}
}

// SessionConfig is configuration relevant to the session tokens.
type SessionConfig struct {
	EncryptionKey  string `yaml:"encryption_key" json:"encryption_key" usage:"The encryption key used to produce the client token."`
	TokenExpirySec int64  `yaml:"token_expiry_sec" json:"token_expiry_sec" usage:"Token expiry in seconds. Default 60."`
	SingleSession  bool   `yaml:"single_session" json:"single_session" usage:"Only allow one session per user. Default false."`
}

func NewSessionConfig() *SessionConfig {
	return &SessionConfig{
		EncryptionKey:  "defaultencryptionkey",
		TokenExpirySec: 60,
		SingleSession:  false,
	}
}

// DatabaseConfig is configuration relevant to the database connection.
type DatabaseConfig struct {
	Address           []string `yaml:"address" json:"address" usage:"List of database nodes to connect to. It should follow the form of 'username:password@address:port/dbname'."`
	ConnMaxLifetimeMs int      `yaml:"conn_max_lifetime_ms" json:"conn_max_lifetime_ms" usage:"Time in milliseconds to reuse a database connection before the connection is killed and a new one is created. Default 3600000 (1 hour)."`
	MaxOpenConns      int      `yaml:"max_open_conns" json:"max_open_conns" usage:"Maximum number of allowed open connections to the database. Default 100."`
	MaxIdleConns      int      `yaml:"max_idle_conns" json:"max_idle_conns" usage:"Maximum number of allowed open but unused connections to the database. Default 100."`
}

func NewDatabaseConfig() *DatabaseConfig {
	return &DatabaseConfig{
		Address:           []string{"root@localhost:26257/rift"},
		ConnMaxLifetimeMs: 3600000,
		MaxOpenConns:      100,
		MaxIdleConns:      100,
	}
}

// RuntimeConfig is configuration relevant to the runtime environment.
type RuntimeConfig struct {
	Env         []string          `yaml:"env" json:"env" usage:"Values to pass into the runtime as environment variables."`
	Environment map[string]string `yaml:"-" json:"-"`
}

func NewRuntimeConfig() *RuntimeConfig {
	return &RuntimeConfig{
		Env:         make([]string, 0),
		Environment: make(map[string]string),
	}
}

// MatchConfig is configuration relevant to authoritative realtime matches.
type MatchConfig struct {
	InputQueueSize        int `yaml:"input_queue_size" json:"input_queue_size" usage:"Size of the authoritative match buffer that stores client messages until they can be processed by the next tick. Default 128."`
	CallQueueSize         int `yaml:"call_queue_size" json:"call_queue_size" usage:"Size of the authoritative match buffer that sequences calls to match handler callbacks to ensure no overlaps. Default 128."`
	SignalQueueSize       int `yaml:"signal_queue_size" json:"signal_queue_size" usage:"Size of the authoritative match buffer that sequences signal operations to match handler callbacks to ensure no overlaps. Default 10."`
	JoinAttemptQueueSize  int `yaml:"join_attempt_queue_size" json:"join_attempt_queue_size" usage:"Size of the authoritative match buffer that limits the number of in-progress join attempts. Default 128."`
	DeferredQueueSize     int `yaml:"deferred_queue_size" json:"deferred_queue_size" usage:"Size of the authoritative match buffer that holds deferred message broadcasts until the end of each loop execution. Default 128."`
	JoinMarkerDeadlineMs  int `yaml:"join_marker_deadline_ms" json:"join_marker_deadline_ms" usage:"Deadline in milliseconds that client authoritative match joins will wait for match handlers to acknowledge joins. Default 15000."`
	MaxEmptySec           int `yaml:"max_empty_sec" json:"max_empty_sec" usage:"Maximum number of consecutive seconds that authoritative matches are allowed to be empty before they are stopped. 0 indicates no maximum. Default 0."`
	LabelUpdateIntervalMs int `yaml:"label_update_interval_ms" json:"label_update_interval_ms" usage:"Time in milliseconds between match label update batch processes. Default 1000."`
}

func NewMatchConfig() *MatchConfig {
	return &MatchConfig{
		InputQueueSize:        128,
		CallQueueSize:         128,
		SignalQueueSize:       10,
		JoinAttemptQueueSize:  128,
		DeferredQueueSize:     128,
		JoinMarkerDeadlineMs:  15000,
		MaxEmptySec:           0,
		LabelUpdateIntervalMs: 1000,
	}
}

// MatchmakerConfig is configuration relevant to the matchmaker.
type MatchmakerConfig struct {
	MaxTickets   int `yaml:"max_tickets" json:"max_tickets" usage:"Maximum number of concurrent matchmaking tickets allowed per session. Default 3."`
	IntervalSec  int `yaml:"interval_sec" json:"interval_sec" usage:"How quickly the matchmaker attempts to form matches, in seconds. Default 15."`
	MaxIntervals int `yaml:"max_intervals" json:"max_intervals" usage:"How many matchmaker intervals a ticket is allowed to wait before it expires and its owner is notified. Default 10."`
}

func NewMatchmakerConfig() *MatchmakerConfig {
	return &MatchmakerConfig{
		MaxTickets:   3,
		IntervalSec:  15,
		MaxIntervals: 10,
	}
}

// TrackerConfig is configuration relevant to the presence tracker.
type TrackerConfig struct {
	EventQueueSize int `yaml:"event_queue_size" json:"event_queue_size" usage:"Size of the tracker presence event buffer. Increase if the server is expected to generate a large number of presence events in a short time. Default 1024."`
}

func NewTrackerConfig() *TrackerConfig {
	return &TrackerConfig{
		EventQueueSize: 1024,
	}
}
