package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/Velocidex/json"
	"github.com/sirupsen/logrus"
	kingpin "gopkg.in/alecthomas/kingpin.v2"

	"github.com/ntfs_recovery/pkg/config"
	"github.com/ntfs_recovery/pkg/ntfs"
)

type CommandHandler func(command string) bool

var (
	app = kingpin.New("ntfsanalyze",
		"Recover MFT records and replay the $LogFile of NTFS images.")

	config_path = app.Flag("config", "YAML configuration file.").Short('c').
			Envar("NTFSANALYZE_CONFIG").String()

	verbose_flag = app.Flag("verbose", "Log at debug level.").Short('v').Bool()

	fixup_flag = app.Flag("fixup", "Fixup policy: strict or tolerant.").String()

	mmap_flag = app.Flag("mmap", "Memory map single file images.").Bool()

	partition_offset = app.Flag("offset", "Partition offset in bytes.").Int64()

	command_handlers []CommandHandler
)

func load_config() *config.Config {
	cfg, err := config.Load(*config_path)
	kingpin.FatalIfError(err, "Unable to load config")

	if *fixup_flag != "" {
		cfg.Fixup = *fixup_flag
	}
	if *verbose_flag {
		cfg.Logging.Level = "debug"
	}
	if *mmap_flag {
		cfg.Mmap = true
	}
	kingpin.FatalIfError(cfg.Validate(), "Invalid config")
	kingpin.FatalIfError(cfg.ConfigureLogging(logrus.StandardLogger()), "Logging")
	return cfg
}

// install_sig_handler cancels the context on the first interrupt.
func install_sig_handler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt)
	go func() {
		select {
		case <-quit:
			logrus.Warn("Cancellation requested, stopping")
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

type volumeContext struct {
	volume *ntfs.NTFSVolume
	mft    *ntfs.MFT
}

func (self *volumeContext) Close() {
	if self.mft != nil {
		self.mft.Close()
	}
	if self.volume != nil {
		self.volume.Close()
	}
}

func open_volume(cfg *config.Config, path string) *volumeContext {
	logger := logrus.StandardLogger()
	volume, err := ntfs.OpenVolume(path, ntfs.VolumeOptions{
		Mmap:            cfg.Mmap,
		PartitionOffset: *partition_offset,
		Logger:          logger,
	})
	kingpin.FatalIfError(err, "Can not open volume")

	mft, err := volume.MFT(cfg.MFTOptions(logger))
	kingpin.FatalIfError(err, "Can not open $MFT")

	if cfg.UseUpcase() {
		collation, err := volume.UpcaseCollation(mft)
		kingpin.FatalIfError(err, "Can not read $UpCase")

		mftOpts := cfg.MFTOptions(logger)
		mftOpts.Collation = collation
		mft.Close()
		mft, err = volume.MFT(mftOpts)
		kingpin.FatalIfError(err, "Can not open $MFT")
	}

	logger.WithFields(logrus.Fields{
		"cluster_size": volume.Geometry().ClusterSize,
		"record_size":  volume.Geometry().RecordSize,
		"records":      mft.RecordCount(),
	}).Debug("Opened volume")

	return &volumeContext{volume: volume, mft: mft}
}

// open_file opens a raw file such as an extracted $LogFile.
func open_file(path string) (*os.File, int64) {
	fd, err := os.Open(path)
	kingpin.FatalIfError(err, "Can not open file")

	stat, err := fd.Stat()
	kingpin.FatalIfError(err, "Can not stat file")
	return fd, stat.Size()
}

func dump_json(out io.Writer, v interface{}) {
	serialized, err := json.Marshal(v)
	kingpin.FatalIfError(err, "Can not encode output")

	var buf bytes.Buffer
	kingpin.FatalIfError(json.Indent(&buf, serialized, "", " "), "Can not encode output")
	buf.WriteByte('\n')
	_, err = buf.WriteTo(out)
	kingpin.FatalIfError(err, "Can not write output")
}

func progress(processed, total int64, status string) {
	if total <= 0 {
		return
	}
	fmt.Fprintf(os.Stderr, "\r%-70s\r%s - %.1f%% complete", "", status,
		float64(processed)/float64(total)*100)
	if processed >= total {
		fmt.Fprintln(os.Stderr)
	}
}

func main() {
	app.HelpFlag.Short('h')
	app.UsageTemplate(kingpin.CompactUsageTemplate).DefaultEnvars()
	app.Version(ntfs.Version)

	command := kingpin.MustParse(app.Parse(os.Args[1:]))

	for _, command_handler := range command_handlers {
		if command_handler(command) {
			break
		}
	}
}
