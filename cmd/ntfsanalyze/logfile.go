package main

import (
	"io"
	"os"

	"github.com/Velocidex/ordereddict"
	"github.com/sirupsen/logrus"
	kingpin "gopkg.in/alecthomas/kingpin.v2"

	"github.com/ntfs_recovery/pkg/config"
	"github.com/ntfs_recovery/pkg/logfile"
	"github.com/ntfs_recovery/pkg/ntfs"
)

var (
	restart_command = app.Command("restart", "Show the $LogFile restart area.")
	restart_image   = restart_command.Arg("image", "NTFS image").Required().String()
	restart_raw     = restart_command.Flag("raw", "The input is an extracted $LogFile.").Bool()

	records_command    = app.Command("records", "List $LogFile records.")
	records_image      = records_command.Arg("image", "NTFS image").Required().String()
	records_raw        = records_command.Flag("raw", "The input is an extracted $LogFile.").Bool()
	records_start_page = records_command.Flag("start_page", "First ring page to read.").
				Default("-1").Int()

	replay_command  = app.Command("replay", "Replay the $LogFile against the MFT.")
	replay_image    = replay_command.Arg("image", "NTFS image").Required().String()
	replay_raw      = replay_command.Flag("raw", "The input is an extracted $LogFile; records start zero filled.").Bool()
	replay_timeline = replay_command.Flag("timeline", "Emit the change timeline instead of final records.").Bool()
	replay_names    = replay_command.Flag("names", "Emit file names recovered from index operations.").Bool()
	replay_workers  = replay_command.Flag("workers", "Parallel replay workers.").Int()
)

// logSource is an opened $LogFile with the MFT it belongs to, if any.
type logSource struct {
	log    *logfile.LogFile
	vol    *volumeContext
	closer io.Closer
}

func (self *logSource) Close() {
	if self.closer != nil {
		self.closer.Close()
	}
	if self.vol != nil {
		self.vol.Close()
	}
}

func open_log(cfg *config.Config, path string, raw bool) *logSource {
	logger := logrus.StandardLogger()
	result := &logSource{}

	var (
		reader io.ReaderAt
		size   int64
	)
	if raw {
		fd, fd_size := open_file(path)
		result.closer = fd
		reader, size = fd, fd_size
	} else {
		result.vol = open_volume(cfg, path)
		stream, stream_size, err := result.vol.volume.LogFile(result.vol.mft)
		kingpin.FatalIfError(err, "Can not open $LogFile")
		reader, size = stream, stream_size
	}

	log, err := logfile.Open(reader, size, cfg.LogFileOptions(logger))
	kingpin.FatalIfError(err, "Can not parse $LogFile")
	result.log = log
	return result
}

func doRestart() {
	cfg := load_config()
	src := open_log(cfg, *restart_image, *restart_raw)
	defer src.Close()

	dump_json(os.Stdout, restart_row(src.log.Restart))
}

func doRecords() {
	cfg := load_config()
	cfg.LogFile.StartPage = *records_start_page
	src := open_log(cfg, *records_image, *records_raw)
	defer src.Close()

	ctx, cancel := install_sig_handler()
	defer cancel()

	records, skipped, err := src.log.ReadAll(ctx)
	kingpin.FatalIfError(err, "Reading $LogFile")

	rows := make([]*ordereddict.Dict, 0, len(records))
	for _, rec := range records {
		rows = append(rows, log_record_row(rec))
	}
	dump_json(os.Stdout, ordereddict.NewDict().
		Set("Records", rows).
		Set("Skipped", errors_to_strings(skipped)))
}

func doReplay() {
	cfg := load_config()
	logger := logrus.StandardLogger()
	src := open_log(cfg, *replay_image, *replay_raw)
	defer src.Close()

	ctx, cancel := install_sig_handler()
	defer cancel()

	interp_opts := logfile.InterpreterOptions{Logger: logger}
	var decoder *ntfs.Decoder
	if src.vol != nil {
		geometry := src.vol.volume.Geometry()
		interp_opts.ClusterSize = geometry.ClusterSize
		interp_opts.RecordSize = geometry.RecordSize
		interp_opts.Source = src.vol.mft
		decoder = src.vol.mft.Decoder()
	}
	interp := logfile.NewInterpreter(interp_opts)

	records, skipped, err := src.log.ReadAll(ctx)
	kingpin.FatalIfError(err, "Reading $LogFile")

	state := logfile.NewReplayState(cfg.Replay.Snapshots || *replay_timeline)
	workers := cfg.Replay.Workers
	if *replay_workers > 0 {
		workers = *replay_workers
	}
	stats, err := logfile.ParallelReplay(ctx, state, interp, records, workers)
	kingpin.FatalIfError(err, "Replay")
	stats.Errors = append(skipped, stats.Errors...)
	logger.Info(stats.String())

	if *replay_names {
		rows := []*ordereddict.Dict{}
		for _, name := range logfile.RecoverFileNames(records) {
			rows = append(rows, recovered_name_row(name))
		}
		dump_json(os.Stdout, rows)
		return
	}

	if *replay_timeline {
		// Replayed images decode against each other.
		timeline_decoder := ntfs.NewDecoder(ntfs.DecoderOptions{
			Collation: cfg.NameCollation(),
			Source:    state,
			Logger:    logger,
		})
		generator := logfile.NewTimelineGenerator(state, logfile.TimelineOptions{
			Decoder: timeline_decoder,
			Names:   logfile.RecoverFileNames(records),
			Logger:  logger,
		})
		generator.SetProgressCallback(progress)
		entries, err := generator.Generate(ctx)
		kingpin.FatalIfError(err, "Timeline")

		rows := make([]*ordereddict.Dict, 0, len(entries))
		for _, entry := range entries {
			rows = append(rows, entry.Row())
		}
		dump_json(os.Stdout, rows)
		return
	}

	if decoder == nil {
		decoder = ntfs.NewDecoder(ntfs.DecoderOptions{
			Collation: cfg.NameCollation(),
			Source:    state,
			Logger:    logger,
		})
	}
	rows := make([]*ordereddict.Dict, 0, state.Len())
	for _, number := range state.Records() {
		target := state.Get(number)
		row := ordereddict.NewDict().
			Set("Record", number).
			Set("Lifecycle", target.Lifecycle.String()).
			Set("LastLSN", target.LastLSN).
			Set("Applied", target.Applied)

		record, err := decoder.DecodeImage(target.Image)
		if err != nil {
			row.Set("Error", err.Error())
		} else {
			row.Set("Decoded", record_row(record))
		}
		rows = append(rows, row)
	}
	dump_json(os.Stdout, ordereddict.NewDict().
		Set("Stats", stats.String()).
		Set("Errors", errors_to_strings(stats.Errors)).
		Set("Records", rows))
}

func init() {
	command_handlers = append(command_handlers, func(command string) bool {
		switch command {
		case restart_command.FullCommand():
			doRestart()
		case records_command.FullCommand():
			doRecords()
		case replay_command.FullCommand():
			doReplay()
		default:
			return false
		}
		return true
	})
}
