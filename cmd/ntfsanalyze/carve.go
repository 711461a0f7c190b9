package main

import (
	"os"

	"github.com/Velocidex/ordereddict"
	"github.com/sirupsen/logrus"
	kingpin "gopkg.in/alecthomas/kingpin.v2"

	"github.com/ntfs_recovery/pkg/logfile"
	"github.com/ntfs_recovery/pkg/ntfs"
)

var (
	carve_command     = app.Command("carve", "Carve MFT records and $LogFile pages from raw data.")
	carve_input       = carve_command.Arg("input", "Raw file or unallocated space dump").Required().String()
	carve_kinds       = carve_command.Flag("kind", "Structure kinds: FILE, RCRD or RSTR.").Strings()
	carve_record_size = carve_command.Flag("record_size", "MFT record size.").Default("1024").Int64()
	carve_page_size   = carve_command.Flag("page_size", "$LogFile page size.").Default("4096").Int64()
	carve_limit       = carve_command.Flag("limit", "Maximum number of structures.").Int()
)

func doCarve() {
	cfg := load_config()
	logger := logrus.StandardLogger()
	fd, size := open_file(*carve_input)
	defer fd.Close()

	ctx, cancel := install_sig_handler()
	defer cancel()

	var kinds []ntfs.StructureKind
	for _, kind := range *carve_kinds {
		kinds = append(kinds, ntfs.StructureKind(kind))
	}

	carver := ntfs.NewCarver(fd, size, ntfs.CarveOptions{
		Kinds:      kinds,
		RecordSize: *carve_record_size,
		PageSize:   *carve_page_size,
		SectorSize: cfg.SectorSize,
		Workers:    cfg.Scan.Workers,
		MaxResults: *carve_limit,
		Logger:     logger,
		OnProgress: progress,
	})
	found, err := carver.Carve(ctx)
	if err != nil {
		logger.WithError(err).Warn("Carving stopped early")
	}

	decoder := ntfs.NewDecoder(ntfs.DecoderOptions{
		Collation:  cfg.NameCollation(),
		SectorSize: cfg.SectorSize,
		Logger:     logger,
	})
	policy, _ := cfg.FixupPolicy()

	rows := make([]*ordereddict.Dict, 0, len(found))
	for _, item := range found {
		row := ordereddict.NewDict().
			Set("Kind", string(item.Kind)).
			Set("Offset", item.Offset)

		switch item.Kind {
		case ntfs.KindFileRecord:
			header, err := ntfs.ParseRecordHeader(item.Data)
			if err != nil {
				row.Set("Error", err.Error())
				break
			}
			record, err := decoder.DecodeImage(&ntfs.RecordImage{
				Number: uint64(header.RecordNumber),
				Data:   item.Data,
			})
			if err != nil {
				row.Set("Error", err.Error())
				break
			}
			row.Set("Record", record_row(record))

		case ntfs.KindLogPage:
			// Fragment parsing wants the page as it was on disk.
			raw := make([]byte, *carve_page_size)
			_, err := fd.ReadAt(raw, item.Offset)
			kingpin.FatalIfError(err, "Reading carved page")

			records, errs := logfile.RecordsFromPage(raw, logfile.FragmentOptions{
				Fixup:      policy,
				SectorSize: cfg.SectorSize,
			})
			log_rows := make([]*ordereddict.Dict, 0, len(records))
			for _, rec := range records {
				log_rows = append(log_rows, log_record_row(rec))
			}
			row.Set("LogRecords", log_rows).
				Set("Errors", errors_to_strings(errs))
		}
		rows = append(rows, row)
	}
	dump_json(os.Stdout, rows)
}

func init() {
	command_handlers = append(command_handlers, func(command string) bool {
		if command == carve_command.FullCommand() {
			doCarve()
			return true
		}
		return false
	})
}
