package mirror

import (
	"errors"
	"log/slog"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"gopkg.in/ini.v1"
)

const (
	defaultWorkers = 6
)

type tomlURL struct {
	*url.URL
}

func (u *tomlURL) UnmarshalText(text []byte) error {
	parsedURL, err := url.Parse(string(text))
	if err != nil {
		return err
	}
	switch parsedURL.Scheme {
	case "http":
	case "https":
	default:
		return errors.New("unsupported scheme: " + parsedURL.Scheme)
	}

	// for URL.ResolveReference
	if !strings.HasSuffix(parsedURL.Path, "/") {
		parsedURL.Path += "/"
		parsedURL.RawPath += "/"
	}

	u.URL = parsedURL
	return nil
}

// RepoConfig configures one repository target.
type RepoConfig struct {
	URL tomlURL `toml:"url"`

	// Filters prunes the package list before planning downloads.
	Filters *PackageFilters `toml:"filters,omitempty"`
}

// PackageFilters defines filtering rules for packages.
type PackageFilters struct {
	KeepVersions    int      `toml:"keep_versions,omitempty"`
	ExcludePatterns []string `toml:"exclude_patterns,omitempty"`
}

// Check validates the repository configuration.
func (rc *RepoConfig) Check() error {
	if rc.URL.URL == nil {
		return errors.New("url is not set")
	}
	return nil
}

// Resolve returns *url.URL for a path relative to the repository base URL.
func (rc *RepoConfig) Resolve(p string) *url.URL {
	return rc.URL.ResolveReference(&url.URL{Path: p})
}

// LogConfig represents slog configuration options.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Apply configures the global slog logger based on the configuration.
func (logConfig *LogConfig) Apply() error {
	var level slog.Level
	switch strings.ToLower(logConfig.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info", "":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return errors.New("invalid log level: " + logConfig.Level)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	switch strings.ToLower(logConfig.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	case "plain", "", "text":
		handler = slog.NewTextHandler(os.Stderr, opts)
	default:
		return errors.New("invalid log format: " + logConfig.Format)
	}

	slog.SetDefault(slog.New(handler))
	return nil
}

// Config is a struct to read TOML configurations.
//
// Use https://github.com/BurntSushi/toml as follows:
//
//	config := mirror.NewConfig()
//	md, err := toml.DecodeFile("/path/to/config.toml", config)
//	if err != nil {
//	    ...
//	}
type Config struct {
	// Dir is the mirror root; each repository is mirrored under
	// Dir/<repo-id>.
	Dir string `toml:"dir"`

	// Workers bounds download concurrency per repository.
	Workers int `toml:"workers"`

	// RepoDir optionally names a directory of yum-style *.repo ini
	// files; each enabled section contributes one repository target.
	RepoDir string `toml:"repo_dir"`

	Log   LogConfig              `toml:"log"`
	Repos map[string]*RepoConfig `toml:"repos"`
}

// Check validates the configuration.
func (c *Config) Check() error {
	if c.Dir == "" {
		return errors.New("dir is not set")
	}
	if !path.IsAbs(c.Dir) {
		return errors.New("dir must be an absolute path")
	}
	if c.Workers <= 0 {
		return errors.New("workers must be positive")
	}
	return nil
}

// NewConfig creates Config with default values.
func NewConfig() *Config {
	return &Config{
		Workers: defaultWorkers,
		Repos:   make(map[string]*RepoConfig),
	}
}

// LoadRepoDir merges repository targets from yum-style *.repo ini files
// into c.Repos.  Section names become repository IDs; sections with
// enabled=0 or without a baseurl are skipped.  Targets already present in
// the TOML configuration win over ini sections of the same name.
func (c *Config) LoadRepoDir() error {
	if c.RepoDir == "" {
		return nil
	}

	repoFiles, err := filepath.Glob(filepath.Join(c.RepoDir, "*.repo"))
	if err != nil {
		return err
	}

	if c.Repos == nil {
		c.Repos = make(map[string]*RepoConfig)
	}

	for _, repoFile := range repoFiles {
		cfg, err := ini.Load(repoFile)
		if err != nil {
			return err
		}

		for _, section := range cfg.Sections() {
			if section.Name() == ini.DefaultSection {
				continue
			}
			id := section.Name()
			if _, ok := c.Repos[id]; ok {
				slog.Debug("repo file section shadowed by toml config", "repo", id, "file", repoFile)
				continue
			}
			if !section.Key("enabled").MustBool(true) {
				continue
			}
			baseURL := section.Key("baseurl").String()
			if baseURL == "" {
				slog.Warn("repo file section has no baseurl, skipping", "repo", id, "file", repoFile)
				continue
			}

			var u tomlURL
			if err := u.UnmarshalText([]byte(baseURL)); err != nil {
				return errors.New("invalid baseurl in " + repoFile + " [" + id + "]: " + err.Error())
			}
			c.Repos[id] = &RepoConfig{URL: u}
		}
	}
	return nil
}
