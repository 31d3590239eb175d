package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration
type Config struct {
	// HTTP Server
	HTTPAddr        string
	ShutdownTimeout time.Duration

	// Camera
	DefaultCameraPort int
	ProbePaths        []string
	ProbeTimeout      time.Duration
	UpstreamHints     bool

	// Upstream connections
	ConnectTimeout        time.Duration
	ReadTimeout           time.Duration // 0 waits indefinitely
	ChunkSize             int
	MaxFrameSize          int
	PoolMaxStreamsPerHost int
	PoolIdleTTL           time.Duration

	// Limits
	MaxConcurrentSessions int
	ScanRateLimit         float64 // scans per second
	ScanBurst             int

	// Auth
	APIToken               string // admin key for the control API, empty disables auth
	DefaultTokenExpiration time.Duration
	MaxTokenExpiration     time.Duration

	// Storage
	StorageType           string // "local" or "gcs"
	StorageDir            string
	GCSProjectID          string
	GCSBucketName         string
	GCSBaseDir            string
	SnapshotMaxPerSession int

	// Logging
	LogLevel  string
	LogFormat string // "text" or "json"
}

// Load loads configuration from environment variables with defaults
func Load() *Config {
	return &Config{
		HTTPAddr:               getEnv("HTTP_ADDR", ":8084"),
		ShutdownTimeout:        getDurationEnv("SHUTDOWN_TIMEOUT", 10*time.Second),
		DefaultCameraPort:      getIntEnv("DEFAULT_CAMERA_PORT", 4747),
		ProbePaths:             getListEnv("PROBE_PATHS", []string{"/video", "/mjpegfeed", "/cam/1/stream", "/cam/1/mjpeg", "/stream", "/"}),
		ProbeTimeout:           getDurationEnv("PROBE_TIMEOUT", 3*time.Second),
		UpstreamHints:          getBoolEnv("UPSTREAM_HINTS", false),
		ConnectTimeout:         getDurationEnv("CONNECT_TIMEOUT", 5*time.Second),
		ReadTimeout:            getDurationEnv("READ_TIMEOUT", 30*time.Second),
		ChunkSize:              getIntEnv("CHUNK_SIZE", 16384),
		MaxFrameSize:           getIntEnv("MAX_FRAME_SIZE", 4<<20),
		PoolMaxStreamsPerHost:  getIntEnv("POOL_MAX_STREAMS_PER_HOST", 30),
		PoolIdleTTL:            getDurationEnv("POOL_IDLE_TTL", 30*time.Second),
		MaxConcurrentSessions:  getIntEnv("MAX_CONCURRENT_SESSIONS", 100),
		ScanRateLimit:          getFloatEnv("SCAN_RATE_LIMIT", 2),
		ScanBurst:              getIntEnv("SCAN_BURST", 5),
		APIToken:               getEnv("API_TOKEN", ""),
		DefaultTokenExpiration: getDurationEnv("DEFAULT_TOKEN_EXPIRATION", 1*time.Hour),
		MaxTokenExpiration:     getDurationEnv("MAX_TOKEN_EXPIRATION", 24*time.Hour),
		StorageType:            getEnv("STORAGE_TYPE", "local"),
		StorageDir:             getEnv("STORAGE_DIR", "./data"),
		GCSProjectID:           getEnv("GCS_PROJECT_ID", ""),
		GCSBucketName:          getEnv("GCS_BUCKET_NAME", ""),
		GCSBaseDir:             getEnv("GCS_BASE_DIR", "camrelay"),
		SnapshotMaxPerSession:  getIntEnv("SNAPSHOT_MAX_PER_SESSION", 20),
		LogLevel:               getEnv("LOG_LEVEL", "info"),
		LogFormat:              getEnv("LOG_FORMAT", "text"),
	}
}

// Helper functions to get environment variables with defaults

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// getListEnv reads a comma-separated list, ignoring empty entries
func getListEnv(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var list []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			list = append(list, item)
		}
	}
	if len(list) == 0 {
		return defaultValue
	}
	return list
}
