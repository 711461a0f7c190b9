package main

import (
	"os"
	"path/filepath"

	"github.com/Velocidex/ordereddict"
	"github.com/sirupsen/logrus"

	"github.com/ntfs_recovery/pkg/ntfs"
)

var (
	scan_command = app.Command("scan", "Decode every MFT record.")
	scan_image   = scan_command.Arg("image", "NTFS image").Required().String()
	scan_deleted = scan_command.Flag("deleted", "Only records no longer in use.").Bool()
	scan_system  = scan_command.Flag("system", "Include $-named metadata files.").Bool()
	scan_pattern = scan_command.Flag("pattern", "Glob the file name must match.").String()
	scan_limit   = scan_command.Flag("limit", "Maximum number of records.").Int()
)

func doScan() {
	cfg := load_config()
	logger := logrus.StandardLogger()
	vol := open_volume(cfg, *scan_image)
	defer vol.Close()

	ctx, cancel := install_sig_handler()
	defer cancel()

	opts := cfg.ScanOptions(logger)
	opts.IncludeDeleted = opts.IncludeDeleted || *scan_deleted
	opts.DeletedOnly = *scan_deleted
	opts.IncludeSystem = opts.IncludeSystem || *scan_system
	opts.MaxResults = *scan_limit
	opts.ProgressCallback = progress

	records, errs := ntfs.NewScanner(vol.mft, opts).Scan(ctx)

	rows := make([]*ordereddict.Dict, 0, len(records))
	for _, record := range records {
		if *scan_pattern != "" {
			fn := record.FileName()
			if fn == nil {
				continue
			}
			matched, err := filepath.Match(*scan_pattern, fn.Name)
			if err != nil || !matched {
				continue
			}
		}
		rows = append(rows, record_row(record))
	}

	logger.WithFields(logrus.Fields{
		"records": len(rows),
		"errors":  len(errs),
	}).Info("Scan complete")

	dump_json(os.Stdout, ordereddict.NewDict().
		Set("Records", rows).
		Set("Errors", errors_to_strings(errs)))
}

func init() {
	command_handlers = append(command_handlers, func(command string) bool {
		if command == scan_command.FullCommand() {
			doScan()
			return true
		}
		return false
	})
}
