package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

// WatcherConfig holds the configuration for the telemetry watcher.
type WatcherConfig struct {
	Environment

	Server
	Realtime
	LogTail
	Watch
}

// Server holds the connection details of the s3desk server.
type Server struct {
	BaseURL        string        `envconfig:"S3DESK_BASE_URL" default:"http://localhost:8080"`
	APIToken       string        `envconfig:"S3DESK_API_TOKEN"`
	ProfileID      string        `envconfig:"S3DESK_PROFILE_ID"`
	RequestTimeout time.Duration `envconfig:"S3DESK_REQUEST_TIMEOUT" default:"10s"`
}

// Realtime holds the timing knobs of the push channel.
type Realtime struct {
	ConnectTimeout time.Duration `envconfig:"S3DESK_REALTIME_CONNECT_TIMEOUT" default:"1500ms"`
	ProbeInterval  time.Duration `envconfig:"S3DESK_REALTIME_PROBE_INTERVAL" default:"15s"`
	BackoffBase    time.Duration `envconfig:"S3DESK_REALTIME_BACKOFF_BASE" default:"1s"`
	BackoffMax     time.Duration `envconfig:"S3DESK_REALTIME_BACKOFF_MAX" default:"20s"`
	BackoffJitter  time.Duration `envconfig:"S3DESK_REALTIME_BACKOFF_JITTER" default:"250ms"`
}

// LogTail holds the polling policy of the log tailer.
type LogTail struct {
	PollBase       time.Duration `envconfig:"S3DESK_LOGTAIL_POLL_BASE" default:"1500ms"`
	PollMax        time.Duration `envconfig:"S3DESK_LOGTAIL_POLL_MAX" default:"20s"`
	PauseThreshold int           `envconfig:"S3DESK_LOGTAIL_PAUSE_THRESHOLD" default:"3"`
	SnapshotBytes  int64         `envconfig:"S3DESK_LOGTAIL_SNAPSHOT_BYTES" default:"262144"`
	ChunkBytes     int64         `envconfig:"S3DESK_LOGTAIL_CHUNK_BYTES" default:"131072"`
}

// Watch holds the optional job whose log the watcher tails on startup.
type Watch struct {
	JobID string `envconfig:"S3DESK_WATCH_JOB_ID"`
}

// InitWatcherConfig initializes the telemetry watcher configuration.
func InitWatcherConfig() (*WatcherConfig, error) {
	var cfg WatcherConfig
	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
