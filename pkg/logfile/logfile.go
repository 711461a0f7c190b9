package logfile

import (
	"context"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/ntfs_recovery/pkg/ntfs"
)

// Options configures Open.
type Options struct {
	Fixup      ntfs.FixupPolicy
	SectorSize int

	// StartPage is the ring page to start reading at, or AutoStartPage.
	StartPage int

	// TailPages between the restart pages and the ring; negative
	// selects the default for the log version.
	TailPages int

	Logger logrus.FieldLogger
}

// DefaultOptions start after the restart page with version dependent
// tail pages.
func DefaultOptions() Options {
	return Options{
		StartPage: AutoStartPage,
		TailPages: -1,
	}
}

// LogFile is an opened $LogFile: its chosen restart area and the ring
// geometry derived from it.
type LogFile struct {
	reader  io.ReaderAt
	size    int64
	opts    Options
	Restart *Restart
	Layout  Layout
}

// Open parses the restart pages. It fails only with NoValidRestartArea
// or an I/O error.
func Open(reader io.ReaderAt, size int64, opts Options) (*LogFile, error) {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}

	restart, err := ParseRestart(reader, size, RestartOptions{
		Fixup:      opts.Fixup,
		SectorSize: opts.SectorSize,
		Logger:     opts.Logger,
	})
	if err != nil {
		return nil, err
	}

	layout := NewLayout(restart.Area, size, opts.TailPages)
	opts.Logger.WithFields(logrus.Fields{
		"current_lsn": restart.Area.CurrentLSN,
		"seq_bits":    layout.SeqNumberBits,
		"page_size":   layout.LogPageSize,
		"ring_start":  layout.RingStart,
		"ring_pages":  layout.RingPages(),
		"clean":       restart.Area.Clean(),
	}).Debug("Opened $LogFile")

	return &LogFile{
		reader:  reader,
		size:    size,
		opts:    opts,
		Restart: restart,
		Layout:  layout,
	}, nil
}

// Pages starts a new lap of the ring.
func (l *LogFile) Pages() (*PageReader, error) {
	return NewPageReader(l.reader, l.Layout, l.Restart.Area.CurrentLSN, PageReaderOptions{
		StartPage:  l.opts.StartPage,
		Fixup:      l.opts.Fixup,
		SectorSize: l.opts.SectorSize,
		Logger:     l.opts.Logger,
	})
}

// Records starts a new lap of the ring at record level.
func (l *LogFile) Records() (*RecordReader, error) {
	pages, err := l.Pages()
	if err != nil {
		return nil, err
	}
	return NewRecordReader(pages, RecordReaderOptions{Logger: l.opts.Logger}), nil
}

// ReadAll returns every record of one lap, with the problems met on
// the way.
func (l *LogFile) ReadAll(ctx context.Context) ([]*LogRecord, []error, error) {
	reader, err := l.Records()
	if err != nil {
		return nil, nil, err
	}
	return ReadRecords(ctx, reader)
}
