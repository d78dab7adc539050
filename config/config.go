package config

import (
	"fmt"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Config is the root application configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Log      LogConfig      `mapstructure:"log"`
	DB       DBConfig       `mapstructure:"db"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Detector DetectorConfig `mapstructure:"detector"`
	OpenCV   OpenCVConfig   `mapstructure:"opencv"`
	Matcher  MatcherConfig  `mapstructure:"matcher"`
	Settings SettingsConfig `mapstructure:"settings"`
	MQTT     MQTTConfig     `mapstructure:"mqtt"`
	Cleanup  CleanupConfig  `mapstructure:"cleanup"`
	I18n     I18nConfig     `mapstructure:"i18n"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	DataDir    string `mapstructure:"data_dir"`
	CaptureDir string `mapstructure:"capture_dir"` // where uploaded frames are spooled
	CaptureURL string `mapstructure:"capture_url"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

// DBConfig holds database settings (SQLite file).
type DBConfig struct {
	File string `mapstructure:"file"`
}

// AuthConfig holds wallet session settings.
type AuthConfig struct {
	SessionSecret string `mapstructure:"session_secret"`
	SessionName   string `mapstructure:"session_name"`
}

// DetectorConfig holds settings for the external detector/embedder service.
// The service wraps the frozen detection+embedding model; the pipeline only
// consumes its output.
type DetectorConfig struct {
	URL              string  `mapstructure:"url"`
	TimeoutSeconds   int     `mapstructure:"timeout_seconds"`
	DetProbThreshold float64 `mapstructure:"det_prob_threshold"`
	ModelVersion     string  `mapstructure:"model_version"`
}

// OpenCVConfig holds settings for the local OpenCV face prefilter.
type OpenCVConfig struct {
	Enabled       bool    `mapstructure:"enabled"`
	CascadeFile   string  `mapstructure:"cascade_file"`
	ScaleFactor   float64 `mapstructure:"scale_factor"`
	MinNeighbors  int     `mapstructure:"min_neighbors"`
	MinSizeWidth  int     `mapstructure:"min_size_width"`
	MinSizeHeight int     `mapstructure:"min_size_height"`
}

// MatcherConfig holds settings for descriptor matching.
type MatcherConfig struct {
	// Threshold is the maximum Euclidean distance still considered the same
	// person for the embedding model in use.
	Threshold float64 `mapstructure:"threshold"`
	// Epsilon is the distance band within which candidates count as tied.
	Epsilon       float64 `mapstructure:"epsilon"`
	EmbeddingSize int     `mapstructure:"embedding_size"`
	// ANNMinDescriptors switches the gallery scan to the HNSW index once the
	// stored descriptor count exceeds it. 0 disables the index entirely.
	ANNMinDescriptors int `mapstructure:"ann_min_descriptors"`
	// Backend selects "local" matching or the "remote" verification endpoint.
	Backend              string `mapstructure:"backend"`
	RemoteURL            string `mapstructure:"remote_url"`
	RemoteTimeoutSeconds int    `mapstructure:"remote_timeout_seconds"`
}

// SettingsConfig holds settings for the privacy-settings collaborator.
type SettingsConfig struct {
	URL            string `mapstructure:"url"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	RefreshSeconds int    `mapstructure:"refresh_seconds"`
}

// MQTTConfig holds the configuration for the MQTT capture source.
type MQTTConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Broker   string `mapstructure:"broker"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	ClientID string `mapstructure:"client_id"`
	Topic    string `mapstructure:"topic"`
}

// CleanupConfig holds capture retention settings. RetentionDays is only the
// fallback; the effective value comes from the privacy configuration.
type CleanupConfig struct {
	RetentionDays int `mapstructure:"retention_days"`
}

// I18nConfig holds localization settings for user-visible statuses.
type I18nConfig struct {
	DefaultLanguage string `mapstructure:"default_language"`
	LocalesDir      string `mapstructure:"locales_dir"`
}

// Load reads the configuration from file, environment variables and defaults.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			log.Warnf("Config file %s does not exist, using defaults", configPath)
		} else {
			v.SetConfigFile(configPath)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
			log.Infof("Config loaded from %s", configPath)
		}
	}

	// Environment variables override the file.
	v.AutomaticEnv()
	v.SetEnvPrefix("PRIVACYCAM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := ensureDirectories(&cfg); err != nil {
		return nil, fmt.Errorf("failed to create required directories: %w", err)
	}

	return &cfg, nil
}

// setDefaults registers default values for the configuration.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 3000)
	v.SetDefault("server.data_dir", "/data")
	v.SetDefault("server.capture_dir", "/data/captures")
	v.SetDefault("server.capture_url", "/captures")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "/data/logs/privacycam.log")

	v.SetDefault("db.file", "/data/privacycam.db")

	v.SetDefault("auth.session_name", "privacycam_session")

	v.SetDefault("detector.url", "http://localhost:18081")
	v.SetDefault("detector.timeout_seconds", 10)
	v.SetDefault("detector.det_prob_threshold", 0.5)
	v.SetDefault("detector.model_version", "face_recognition_v1")

	v.SetDefault("opencv.enabled", false)
	v.SetDefault("opencv.cascade_file", "/app/models/haarcascade_frontalface_default.xml")
	v.SetDefault("opencv.scale_factor", 1.1)
	v.SetDefault("opencv.min_neighbors", 4)
	v.SetDefault("opencv.min_size_width", 30)
	v.SetDefault("opencv.min_size_height", 30)

	v.SetDefault("matcher.threshold", 0.6)
	v.SetDefault("matcher.epsilon", 1e-6)
	v.SetDefault("matcher.embedding_size", 128)
	v.SetDefault("matcher.ann_min_descriptors", 512)
	v.SetDefault("matcher.backend", "local")
	v.SetDefault("matcher.remote_timeout_seconds", 5)

	v.SetDefault("settings.url", "http://localhost:3002")
	v.SetDefault("settings.timeout_seconds", 5)
	v.SetDefault("settings.refresh_seconds", 60)

	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.broker", "localhost")
	v.SetDefault("mqtt.port", 1883)
	v.SetDefault("mqtt.client_id", "privacycam-go")
	v.SetDefault("mqtt.topic", "privacycam/captures")

	v.SetDefault("cleanup.retention_days", 30)

	v.SetDefault("i18n.default_language", "en")
	v.SetDefault("i18n.locales_dir", "./web/locales")
}

// ensureDirectories creates directories the server writes to.
func ensureDirectories(cfg *Config) error {
	dirs := []string{
		cfg.Server.DataDir,
		cfg.Server.CaptureDir,
	}
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0750); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}
