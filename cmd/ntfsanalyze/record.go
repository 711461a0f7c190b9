package main

import (
	"os"

	"github.com/Velocidex/ordereddict"
	kingpin "gopkg.in/alecthomas/kingpin.v2"
)

var (
	record_command = app.Command("record", "Decode MFT records by number.")

	record_command_image = record_command.Arg(
		"image", "NTFS image (raw or split .001)").Required().String()

	record_command_numbers = record_command.Arg(
		"number", "Record numbers to decode").Required().Uint64List()
)

func doRecord() {
	cfg := load_config()
	vol := open_volume(cfg, *record_command_image)
	defer vol.Close()

	rows := make([]*ordereddict.Dict, 0, len(*record_command_numbers))
	for _, number := range *record_command_numbers {
		record, err := vol.mft.Record(number)
		kingpin.FatalIfError(err, "Decoding record %d", number)
		rows = append(rows, record_row(record))
	}
	dump_json(os.Stdout, rows)
}

func init() {
	command_handlers = append(command_handlers, func(command string) bool {
		if command == record_command.FullCommand() {
			doRecord()
			return true
		}
		return false
	})
}
