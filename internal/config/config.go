package config

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration.
type Config struct {
	Repository RepositoryConfig `yaml:"repository"`
	Committer  CommitterConfig  `yaml:"committer"`
	Feed       FeedConfig       `yaml:"feed"`
	Calendar   CalendarConfig   `yaml:"calendar"`
	Schedule   ScheduleConfig   `yaml:"schedule"`
	Retry      RetryConfig      `yaml:"retry"`
	Daemon     *DaemonConfig    `yaml:"daemon,omitempty"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// RepositoryConfig identifies the Git repository the calendar is published into.
type RepositoryConfig struct {
	URL    string      `yaml:"url"`
	Branch string      `yaml:"branch,omitempty"`
	Auth   *AuthConfig `yaml:"auth,omitempty"`
}

// AuthConfig represents authentication configuration.
type AuthConfig struct {
	Type     string `yaml:"type"` // "none", "ssh", "token", "basic"
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
	Token    string `yaml:"token,omitempty"`
	KeyPath  string `yaml:"key_path,omitempty"`
}

// CommitterConfig is the fixed identity used for automated commits.
type CommitterConfig struct {
	Name    string `yaml:"name"`
	Email   string `yaml:"email"`
	Message string `yaml:"message,omitempty"`
}

// FeedConfig points at the upstream events feed.
type FeedConfig struct {
	URL     string `yaml:"url"`
	Timeout string `yaml:"timeout,omitempty"` // Go duration string
}

// ParsedTimeout returns the feed timeout as a duration, defaulting when unset/invalid.
func (f FeedConfig) ParsedTimeout() time.Duration {
	d, err := time.ParseDuration(f.Timeout)
	if err != nil || d <= 0 {
		return 30 * time.Second
	}
	return d
}

// CalendarConfig controls the generated artifact and its published location.
type CalendarConfig struct {
	ArtifactName  string `yaml:"artifact_name,omitempty"`  // file written by the generator
	PublishedPath string `yaml:"published_path,omitempty"` // destination inside the repository
	UIDDomain     string `yaml:"uid_domain,omitempty"`     // suffix for event UIDs
	ProdID        string `yaml:"prodid,omitempty"`
	DigestPath    string `yaml:"digest_path,omitempty"` // HTML digest page, empty disables
	DigestTitle   string `yaml:"digest_title,omitempty"`
}

// ScheduleConfig controls the daily trigger in daemon mode.
type ScheduleConfig struct {
	At string `yaml:"at,omitempty"` // "HH:MM" in UTC
}

// ParsedAt returns the scheduled hour and minute.
func (s ScheduleConfig) ParsedAt() (hour, minute int, err error) {
	if _, perr := fmt.Sscanf(s.At, "%d:%d", &hour, &minute); perr != nil {
		return 0, 0, fmt.Errorf("invalid schedule time %q: %w", s.At, perr)
	}
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("schedule time %q out of range", s.At)
	}
	return hour, minute, nil
}

// RetryConfig tunes backoff for transient feed and push failures.
type RetryConfig struct {
	Backoff      string `yaml:"backoff,omitempty"` // fixed|linear|exponential
	InitialDelay string `yaml:"initial_delay,omitempty"`
	MaxDelay     string `yaml:"max_delay,omitempty"`
	MaxRetries   int    `yaml:"max_retries,omitempty"`
}

// DaemonConfig holds daemon-mode settings.
type DaemonConfig struct {
	Listen    string          `yaml:"listen,omitempty"`
	HistoryDB string          `yaml:"history_db,omitempty"`
	Announce  *AnnounceConfig `yaml:"announce,omitempty"`
}

// AnnounceConfig enables publishing run outcomes to NATS.
type AnnounceConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url,omitempty"`
	Subject string `yaml:"subject,omitempty"`
}

// LoggingConfig controls slog output.
type LoggingConfig struct {
	Level  string `yaml:"level,omitempty"`
	Format string `yaml:"format,omitempty"`
}

// Load loads configuration from the specified file.
func Load(configPath string) (*Config, error) {
	// Load .env file if it exists
	loadEnvFiles()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("configuration file not found: %s", configPath)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Expand environment variables in the YAML content
	expandedData := os.ExpandEnv(string(data))

	var config Config
	if err := yaml.Unmarshal([]byte(expandedData), &config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Repository.Branch == "" {
		c.Repository.Branch = "main"
	}
	if c.Committer.Name == "" {
		c.Committer.Name = "calendar-bot"
	}
	if c.Committer.Email == "" {
		c.Committer.Email = "calendar-bot@users.noreply.local"
	}
	if c.Committer.Message == "" {
		c.Committer.Message = "Update concert schedule"
	}
	if c.Calendar.ArtifactName == "" {
		c.Calendar.ArtifactName = "concert_schedule.ics"
	}
	if c.Calendar.PublishedPath == "" {
		c.Calendar.PublishedPath = "docs/concert_schedule.ics"
	}
	if c.Calendar.UIDDomain == "" {
		c.Calendar.UIDDomain = "thenationalva.com"
	}
	if c.Calendar.ProdID == "" {
		c.Calendar.ProdID = "-//TheNationalVA//ConcertSchedule//EN"
	}
	if c.Calendar.DigestTitle == "" {
		c.Calendar.DigestTitle = "Upcoming Shows"
	}
	if c.Schedule.At == "" {
		c.Schedule.At = "06:30"
	}
	if c.Feed.Timeout == "" {
		c.Feed.Timeout = "30s"
	}
	if c.Retry.Backoff == "" {
		c.Retry.Backoff = "exponential"
	}
	if c.Retry.InitialDelay == "" {
		c.Retry.InitialDelay = "2s"
	}
	if c.Retry.MaxDelay == "" {
		c.Retry.MaxDelay = "1m"
	}
	if c.Retry.MaxRetries == 0 {
		c.Retry.MaxRetries = 3
	}
	if c.Daemon != nil {
		if c.Daemon.Listen == "" {
			c.Daemon.Listen = ":8085"
		}
		if c.Daemon.HistoryDB == "" {
			c.Daemon.HistoryDB = "concertcal-history.db"
		}
		if c.Daemon.Announce != nil && c.Daemon.Announce.Subject == "" {
			c.Daemon.Announce.Subject = "concertcal.runs"
		}
	}
}

// Validate checks fields that have no sensible default.
func (c *Config) Validate() error {
	if c.Repository.URL == "" {
		return fmt.Errorf("repository.url is required")
	}
	if c.Feed.URL == "" {
		return fmt.Errorf("feed.url is required")
	}
	if _, err := url.Parse(c.Feed.URL); err != nil {
		return fmt.Errorf("feed.url is invalid: %w", err)
	}
	if _, _, err := c.Schedule.ParsedAt(); err != nil {
		return err
	}
	if c.Daemon != nil && c.Daemon.Announce != nil && c.Daemon.Announce.Enabled && c.Daemon.Announce.URL == "" {
		return fmt.Errorf("daemon.announce.url is required when announce is enabled")
	}
	return nil
}

// Init creates a new configuration file with example content.
func Init(configPath string, force bool) error {
	if _, err := os.Stat(configPath); err == nil && !force {
		return fmt.Errorf("configuration file already exists: %s (use --force to overwrite)", configPath)
	}

	example := `# concertcal configuration
repository:
  url: https://github.com/example/concert-calendar.git
  branch: main
  auth:
    type: token
    token: ${GIT_TOKEN}

committer:
  name: calendar-bot
  email: calendar-bot@users.noreply.github.com
  message: Update concert schedule

feed:
  url: https://aegwebprod.blob.core.windows.net/json/events/51/events.json
  timeout: 30s

calendar:
  artifact_name: concert_schedule.ics
  published_path: docs/concert_schedule.ics
  uid_domain: thenationalva.com
  digest_path: docs/index.html

schedule:
  at: "06:30" # daily, UTC

retry:
  backoff: exponential
  initial_delay: 2s
  max_delay: 1m
  max_retries: 3

daemon:
  listen: :8085
  history_db: concertcal-history.db
  # announce:
  #   enabled: true
  #   url: nats://localhost:4222
  #   subject: concertcal.runs

logging:
  level: info
  format: text
`

	if err := os.WriteFile(configPath, []byte(example), 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
