package config

import (
	"io/ioutil"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ntfs_recovery/pkg/logfile"
	"github.com/ntfs_recovery/pkg/ntfs"
)

func TestDefault(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	policy, err := cfg.FixupPolicy()
	require.NoError(t, err)
	assert.Equal(t, ntfs.FixupStrict, policy)
	assert.Equal(t, ntfs.BinaryCollation{}, cfg.NameCollation())

	opts := cfg.LogFileOptions(nil)
	assert.Equal(t, logfile.AutoStartPage, opts.StartPage)
	assert.Equal(t, -1, opts.TailPages)
	assert.Equal(t, 512, opts.SectorSize)

	mftOpts := cfg.MFTOptions(nil)
	assert.Equal(t, 4096, mftOpts.CacheSize)
	assert.Equal(t, 10*time.Minute, mftOpts.CacheTTL)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ntfsanalyze.yaml")
	require.NoError(t, ioutil.WriteFile(path, []byte(`
fixup: tolerant
collation: casefold
cache:
  size: 128
  ttl: 30s
logfile:
  start_page: 3
replay:
  workers: 8
logging:
  level: debug
  format: json
`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	policy, err := cfg.FixupPolicy()
	require.NoError(t, err)
	assert.Equal(t, ntfs.FixupTolerant, policy)
	assert.Equal(t, ntfs.CaseFoldCollation{}, cfg.NameCollation())
	assert.Equal(t, 128, cfg.Cache.Size)
	assert.Equal(t, 30*time.Second, cfg.Cache.TTL)
	assert.Equal(t, 3, cfg.LogFileOptions(nil).StartPage)
	assert.Equal(t, 8, cfg.Replay.Workers)

	// Unset keys keep their defaults.
	assert.Equal(t, -1, cfg.LogFile.TailPages)
	assert.True(t, cfg.Replay.Snapshots)

	logger := logrus.New()
	require.NoError(t, cfg.ConfigureLogging(logger))
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, logger.Formatter)
}

func TestParseRejects(t *testing.T) {
	for _, doc := range []string{
		"fixup: sloppy\n",
		"collation: klingon\n",
		"sector_size: 513\n",
		"logfile:\n  start_page: -2\n",
		"logging:\n  level: loud\n",
		"logging:\n  format: xml\n",
		"unknown_key: 1\n",
		"cache: [1, 2]\n",
	} {
		_, err := Parse([]byte(doc))
		assert.Error(t, err, doc)
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestUpcaseCollation(t *testing.T) {
	cfg, err := Parse([]byte("collation: UpCase\n"))
	require.NoError(t, err)
	assert.True(t, cfg.UseUpcase())
	assert.Equal(t, ntfs.BinaryCollation{}, cfg.NameCollation())
}
