// Package config loads the analyzer configuration from YAML and sets up
// logging to match.
package config

import (
	"bytes"
	"io"
	"io/ioutil"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/ntfs_recovery/pkg/logfile"
	"github.com/ntfs_recovery/pkg/ntfs"
)

// Collation names accepted besides those of ntfs.ParseCollation. The
// upcase collation needs the volume's $UpCase table.
const CollationUpcase = "upcase"

type CacheConfig struct {
	Size int           `yaml:"size"`
	TTL  time.Duration `yaml:"ttl"`
}

type LogFileConfig struct {
	// StartPage is a ring page number, or -1 for the page after the
	// restart LSN.
	StartPage int `yaml:"start_page"`

	// TailPages between restart pages and ring, or -1 for the version
	// default.
	TailPages int `yaml:"tail_pages"`
}

type ReplayConfig struct {
	Snapshots bool `yaml:"snapshots"`
	Workers   int  `yaml:"workers"`
}

type ScanConfig struct {
	Workers        int  `yaml:"workers"`
	IncludeSystem  bool `yaml:"include_system"`
	IncludeDeleted bool `yaml:"include_deleted"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config is the analyzer configuration.
type Config struct {
	Fixup      string `yaml:"fixup"`
	SectorSize int    `yaml:"sector_size"`
	Collation  string `yaml:"collation"`
	Mmap       bool   `yaml:"mmap"`

	Cache   CacheConfig   `yaml:"cache"`
	LogFile LogFileConfig `yaml:"logfile"`
	Replay  ReplayConfig  `yaml:"replay"`
	Scan    ScanConfig    `yaml:"scan"`
	Logging LoggingConfig `yaml:"logging"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Fixup:      ntfs.FixupStrict.String(),
		SectorSize: 512,
		Collation:  "binary",
		Cache: CacheConfig{
			Size: 4096,
			TTL:  10 * time.Minute,
		},
		LogFile: LogFileConfig{
			StartPage: logfile.AutoStartPage,
			TailPages: -1,
		},
		Replay: ReplayConfig{
			Snapshots: true,
			Workers:   1,
		},
		Scan: ScanConfig{
			Workers: 4,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads a YAML file over the defaults. An empty path returns the
// defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}
	fd, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "unable to open config")
	}
	defer fd.Close()

	data, err := ioutil.ReadAll(fd)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to read config %v", path)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, errors.Wrapf(err, "config %v", path)
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults. Unknown keys are rejected.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return nil, errors.Wrap(err, "unable to decode config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every enumerated field.
func (c *Config) Validate() error {
	if _, err := c.FixupPolicy(); err != nil {
		return err
	}
	if !strings.EqualFold(c.Collation, CollationUpcase) {
		if _, err := ntfs.ParseCollation(c.Collation); err != nil {
			return err
		}
	}
	switch c.SectorSize {
	case 512, 1024, 2048, 4096:
	default:
		return errors.Errorf("invalid sector size %d", c.SectorSize)
	}
	if c.Cache.Size < 0 {
		return errors.Errorf("invalid cache size %d", c.Cache.Size)
	}
	if c.LogFile.StartPage < logfile.AutoStartPage {
		return errors.Errorf("invalid log start page %d", c.LogFile.StartPage)
	}
	if _, err := logrus.ParseLevel(c.Logging.Level); err != nil {
		return errors.Wrap(err, "logging level")
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		return errors.Errorf("unknown log format %q", c.Logging.Format)
	}
	return nil
}

func (c *Config) FixupPolicy() (ntfs.FixupPolicy, error) {
	return ntfs.ParseFixupPolicy(c.Fixup)
}

// UseUpcase reports whether names should collate through $UpCase.
func (c *Config) UseUpcase() bool {
	return strings.EqualFold(c.Collation, CollationUpcase)
}

// NameCollation returns the configured collation. For upcase it falls
// back to binary; callers holding a volume should build the table
// collation instead.
func (c *Config) NameCollation() ntfs.NameCollation {
	if c.UseUpcase() {
		return ntfs.BinaryCollation{}
	}
	collation, err := ntfs.ParseCollation(c.Collation)
	if err != nil {
		return ntfs.BinaryCollation{}
	}
	return collation
}

func (c *Config) MFTOptions(logger logrus.FieldLogger) ntfs.MFTOptions {
	policy, _ := c.FixupPolicy()
	return ntfs.MFTOptions{
		SectorSize: c.SectorSize,
		Fixup:      policy,
		Collation:  c.NameCollation(),
		CacheSize:  c.Cache.Size,
		CacheTTL:   c.Cache.TTL,
		Logger:     logger,
	}
}

func (c *Config) LogFileOptions(logger logrus.FieldLogger) logfile.Options {
	policy, _ := c.FixupPolicy()
	return logfile.Options{
		Fixup:      policy,
		SectorSize: c.SectorSize,
		StartPage:  c.LogFile.StartPage,
		TailPages:  c.LogFile.TailPages,
		Logger:     logger,
	}
}

func (c *Config) ScanOptions(logger logrus.FieldLogger) ntfs.ScanOptions {
	return ntfs.ScanOptions{
		Workers:        c.Scan.Workers,
		IncludeSystem:  c.Scan.IncludeSystem,
		IncludeDeleted: c.Scan.IncludeDeleted,
		Logger:         logger,
	}
}

// ConfigureLogging applies level and format to logger.
func (c *Config) ConfigureLogging(logger *logrus.Logger) error {
	level, err := logrus.ParseLevel(c.Logging.Level)
	if err != nil {
		return errors.Wrap(err, "logging level")
	}
	logger.SetLevel(level)

	switch strings.ToLower(c.Logging.Format) {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return nil
}
