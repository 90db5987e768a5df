// agora/config/config.go
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"agora/utils"

	"gopkg.in/yaml.v3"
)

const (
	AppVersion = "0.9.0"

	// Listing & paging
	TopicsPerPage = 20
	PostsPerPage  = 20

	// Form & Post Limits
	MaxTitleLen   = 255
	MaxContentLen = 32767
	MaxHandleLen  = 75

	// Thumbnail Upload Limits
	MaxFileSize     = 5 * 1024 * 1024 // 5MB
	MaxWidth        = 8000
	MaxHeight       = 8000
	ThumbnailWidth  = 320
	ThumbnailHeight = 320

	// Rate Limiting Defaults
	DefaultRateLimitEvery  = "10s"
	DefaultRateLimitBurst  = 5
	DefaultRateLimitPrune  = "1h"
	DefaultRateLimitExpire = "24h"

	DefaultSessionTTL = 14 * 24 * time.Hour

	// Teaser selection
	TeaserLastPost  = "last-post"
	TeaserLastReply = "last-reply"
	TeaserFirst     = "first"

	AnonymousAvatar = "/assets/images/anonymous-avatar.png"
)

// Config is the runtime configuration threaded into every service entry point.
type Config struct {
	Port      string `yaml:"port"`
	DBPath    string `yaml:"db_path"`
	BackupDir string `yaml:"backup_dir"`
	UploadDir string `yaml:"upload_dir"`

	// RelativePath prefixes generated asset URLs, e.g. the anonymous avatar.
	RelativePath string `yaml:"relative_path"`
	HideFullname bool   `yaml:"hide_fullname"`
	DefaultLang  string `yaml:"default_lang"`

	// WordListPath points at a YAML or JSON file with "adjectives" and "animals".
	WordListPath string `yaml:"wordlist"`

	TeaserPost           string   `yaml:"teaser_post"`
	MaximumRelatedTopics int      `yaml:"related_topics"`
	PostSharing          []string `yaml:"post_sharing"`

	RateLimitEvery  time.Duration `yaml:"-"`
	RateLimitBurst  int           `yaml:"rate_burst"`
	RateLimitPrune  time.Duration `yaml:"-"`
	RateLimitExpire time.Duration `yaml:"-"`

	S3 S3Config `yaml:"s3"`
}

type S3Config struct {
	Enabled   bool   `yaml:"enabled"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	PublicURL string `yaml:"public_url"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// Default returns the built-in configuration.
func Default() *Config {
	every, _ := time.ParseDuration(DefaultRateLimitEvery)
	prune, _ := time.ParseDuration(DefaultRateLimitPrune)
	expire, _ := time.ParseDuration(DefaultRateLimitExpire)
	return &Config{
		Port:                 "4567",
		DBPath:               "./agora.db?_journal_mode=WAL&_foreign_keys=on",
		BackupDir:            "./backups",
		UploadDir:            "./uploads",
		DefaultLang:          "en-GB",
		TeaserPost:           TeaserLastPost,
		MaximumRelatedTopics: 5,
		PostSharing:          []string{},
		RateLimitEvery:       every,
		RateLimitBurst:       DefaultRateLimitBurst,
		RateLimitPrune:       prune,
		RateLimitExpire:      expire,
		S3:                   S3Config{Region: "us-east-1", UseSSL: true},
	}
}

// AnonymousAvatarURL is the fixed picture used for masked identities.
func (c *Config) AnonymousAvatarURL() string {
	return c.RelativePath + AnonymousAvatar
}

// Load reads an optional YAML file and then applies AGORA_* environment overrides.
func Load(path string, logger *slog.Logger) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("could not read config file %s: %w", path, err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("could not parse config file %s: %w", path, err)
			}
		}
	}

	cfg.Port = utils.GetEnv("AGORA_PORT", cfg.Port)
	cfg.DBPath = utils.GetEnv("AGORA_DB_PATH", cfg.DBPath)
	cfg.BackupDir = utils.GetEnv("AGORA_BACKUP_DIR", cfg.BackupDir)
	cfg.UploadDir = utils.GetEnv("AGORA_UPLOAD_DIR", cfg.UploadDir)
	cfg.RelativePath = strings.TrimSuffix(utils.GetEnv("AGORA_RELATIVE_PATH", cfg.RelativePath), "/")
	cfg.WordListPath = utils.GetEnv("AGORA_WORDLIST", cfg.WordListPath)
	cfg.HideFullname = utils.GetEnv("AGORA_HIDE_FULLNAME", strconv.FormatBool(cfg.HideFullname)) == "true"

	switch teaser := utils.GetEnv("AGORA_TEASER_POST", cfg.TeaserPost); teaser {
	case TeaserLastPost, TeaserLastReply, TeaserFirst:
		cfg.TeaserPost = teaser
	default:
		logger.Warn("Invalid AGORA_TEASER_POST, using default", "value", teaser, "default", TeaserLastPost)
		cfg.TeaserPost = TeaserLastPost
	}

	if v := utils.GetEnv("AGORA_RELATED_TOPICS", ""); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			logger.Warn("Invalid AGORA_RELATED_TOPICS integer, using default", "value", v, "default", cfg.MaximumRelatedTopics)
		} else {
			cfg.MaximumRelatedTopics = n
		}
	}
	if v := utils.GetEnv("AGORA_POST_SHARING", ""); v != "" {
		cfg.PostSharing = strings.Split(v, ",")
	}

	if v := utils.GetEnv("AGORA_RATE_EVERY", ""); v != "" {
		if d, err := time.ParseDuration(v); err != nil {
			logger.Warn("Invalid AGORA_RATE_EVERY duration, using default", "value", v, "default", cfg.RateLimitEvery)
		} else {
			cfg.RateLimitEvery = d
		}
	}
	if v := utils.GetEnv("AGORA_RATE_BURST", ""); v != "" {
		if n, err := strconv.Atoi(v); err != nil {
			logger.Warn("Invalid AGORA_RATE_BURST integer, using default", "value", v, "default", cfg.RateLimitBurst)
		} else {
			cfg.RateLimitBurst = n
		}
	}
	if v := utils.GetEnv("AGORA_RATE_PRUNE", ""); v != "" {
		if d, err := time.ParseDuration(v); err != nil {
			logger.Warn("Invalid AGORA_RATE_PRUNE duration, using default", "value", v, "default", cfg.RateLimitPrune)
		} else {
			cfg.RateLimitPrune = d
		}
	}
	if v := utils.GetEnv("AGORA_RATE_EXPIRE", ""); v != "" {
		if d, err := time.ParseDuration(v); err != nil {
			logger.Warn("Invalid AGORA_RATE_EXPIRE duration, using default", "value", v, "default", cfg.RateLimitExpire)
		} else {
			cfg.RateLimitExpire = d
		}
	}

	cfg.S3.Enabled = utils.GetEnv("AGORA_S3_ENABLED", strconv.FormatBool(cfg.S3.Enabled)) == "true"
	cfg.S3.Endpoint = utils.GetEnv("AGORA_S3_ENDPOINT", cfg.S3.Endpoint)
	cfg.S3.AccessKey = utils.GetEnv("AGORA_S3_ACCESS_KEY", cfg.S3.AccessKey)
	cfg.S3.SecretKey = utils.GetEnv("AGORA_S3_SECRET_KEY", cfg.S3.SecretKey)
	cfg.S3.Bucket = utils.GetEnv("AGORA_S3_BUCKET", cfg.S3.Bucket)
	cfg.S3.Region = utils.GetEnv("AGORA_S3_REGION", cfg.S3.Region)
	cfg.S3.PublicURL = utils.GetEnv("AGORA_S3_PUBLIC_URL", cfg.S3.PublicURL)
	cfg.S3.UseSSL = utils.GetEnv("AGORA_S3_USE_SSL", strconv.FormatBool(cfg.S3.UseSSL)) == "true"

	return cfg, nil
}
