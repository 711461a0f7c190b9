package main

import (
	"io"
	"os"

	"github.com/Velocidex/ordereddict"
	"github.com/sirupsen/logrus"
	kingpin "gopkg.in/alecthomas/kingpin.v2"

	"github.com/ntfs_recovery/pkg/ntfs"
)

var (
	extract_command = app.Command("extract", "Copy a record's data stream out of the image, deleted or not.")
	extract_image   = extract_command.Arg("image", "NTFS image").Required().String()
	extract_record  = extract_command.Arg("number", "Record number").Required().Uint64()
	extract_output  = extract_command.Arg("output", "Output file").Required().String()
	extract_stream  = extract_command.Flag("stream", "Alternate data stream name.").String()
)

func doExtract() {
	cfg := load_config()
	vol := open_volume(cfg, *extract_image)
	defer vol.Close()

	record, err := vol.mft.Record(*extract_record)
	kingpin.FatalIfError(err, "Decoding record %d", *extract_record)

	if !record.InUse() {
		logrus.WithField("record", record.Number).
			Warn("Record is not in use, clusters may have been reallocated")
	}

	stream, size, err := record.Stream(ntfs.ATTR_DATA, *extract_stream)
	kingpin.FatalIfError(err, "No data stream")

	out, err := os.OpenFile(*extract_output, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0600)
	kingpin.FatalIfError(err, "Can not create output")
	defer out.Close()

	n, err := io.Copy(out, io.NewSectionReader(stream, 0, size))
	kingpin.FatalIfError(err, "Copying stream")

	dump_json(os.Stdout, ordereddict.NewDict().
		Set("Record", record.Number).
		Set("Stream", *extract_stream).
		Set("Size", size).
		Set("Written", n).
		Set("Output", *extract_output))
}

func init() {
	command_handlers = append(command_handlers, func(command string) bool {
		if command == extract_command.FullCommand() {
			doExtract()
			return true
		}
		return false
	})
}
