package logfile

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/Velocidex/ordereddict"
	"github.com/sirupsen/logrus"

	"github.com/ntfs_recovery/pkg/ntfs"
)

// Timeline event types
const (
	EventCreated  = "Created"
	EventModified = "Modified"
	EventRenamed  = "Renamed"
	EventDeleted  = "Deleted"
	EventIndexAdd = "IndexAdd"
	EventIndexDel = "IndexDelete"
)

// TimelineEntry is one change to a record as seen through replay.
type TimelineEntry struct {
	LSN          uint64
	Record       uint64
	EventType    string
	Op           OpCode
	Name         string
	PreviousName string
	InUse        bool
	Modified     time.Time
	Details      string
}

// Row renders the entry with stable column order.
func (e TimelineEntry) Row() *ordereddict.Dict {
	row := ordereddict.NewDict().
		Set("LSN", fmt.Sprintf("0x%x", e.LSN)).
		Set("Record", e.Record).
		Set("Event", e.EventType).
		Set("Op", e.Op.String()).
		Set("Name", e.Name)
	if e.PreviousName != "" {
		row.Set("PreviousName", e.PreviousName)
	}
	row.Set("InUse", e.InUse)
	if !e.Modified.IsZero() {
		row.Set("Modified", e.Modified.Format(time.RFC3339Nano))
	}
	if e.Details != "" {
		row.Set("Details", e.Details)
	}
	return row
}

// TimelineOptions configures a TimelineGenerator.
type TimelineOptions struct {
	// Decoder decodes snapshot images; a binary-collation decoder is
	// used when nil.
	Decoder *ntfs.Decoder

	// Names recovered from index operations are merged in as events.
	Names []RecoveredName

	Logger logrus.FieldLogger
}

// TimelineGenerator turns replay history into per-record events.
type TimelineGenerator struct {
	state *ReplayState
	opts  TimelineOptions

	progressCallback func(processed, total int64, status string)
}

func NewTimelineGenerator(state *ReplayState, opts TimelineOptions) *TimelineGenerator {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Decoder == nil {
		opts.Decoder = ntfs.NewDecoder(ntfs.DecoderOptions{Logger: opts.Logger})
	}
	return &TimelineGenerator{state: state, opts: opts}
}

// SetProgressCallback sets a callback function for progress reporting
func (t *TimelineGenerator) SetProgressCallback(callback func(processed, total int64, status string)) {
	t.progressCallback = callback
}

func (t *TimelineGenerator) reportProgress(processed, total int64, status string) {
	if t.progressCallback != nil {
		t.progressCallback(processed, total, status)
	}
}

// snapshotInfo is what the timeline needs from one decoded image.
type snapshotInfo struct {
	name     string
	inUse    bool
	modified time.Time
}

func (t *TimelineGenerator) describe(img *ntfs.RecordImage) (snapshotInfo, bool) {
	record, err := t.opts.Decoder.DecodeImage(img)
	if err != nil {
		return snapshotInfo{}, false
	}
	info := snapshotInfo{inUse: record.InUse()}
	if fn := record.FileName(); fn != nil {
		info.name = fn.Name
	}
	if si, err := record.StandardInformation(); err == nil {
		info.modified = si.Modified
	}
	return info, true
}

// Generate walks the snapshots of every replayed record in LSN order. It
// needs a state that kept history.
func (t *TimelineGenerator) Generate(ctx context.Context) ([]TimelineEntry, error) {
	numbers := t.state.Records()
	total := int64(len(numbers))
	var entries []TimelineEntry

	for i, number := range numbers {
		if err := ctx.Err(); err != nil {
			return entries, err
		}
		entries = append(entries, t.recordEvents(number)...)
		t.reportProgress(int64(i+1), total, fmt.Sprintf("Processed %d of %d records", i+1, total))
	}

	for _, name := range t.opts.Names {
		entry := TimelineEntry{
			LSN:       name.LSN,
			Record:    name.File.Record,
			EventType: EventIndexAdd,
			Op:        name.Op,
			Name:      name.Name.Name,
			Modified:  name.Name.Modified,
			Details:   fmt.Sprintf("parent %v", name.Name.Parent),
		}
		if name.Deleted {
			entry.EventType = EventIndexDel
		}
		entries = append(entries, entry)
	}

	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].LSN != entries[j].LSN {
			return entries[i].LSN < entries[j].LSN
		}
		return entries[i].Record < entries[j].Record
	})
	return entries, nil
}

func (t *TimelineGenerator) recordEvents(number uint64) []TimelineEntry {
	var entries []TimelineEntry
	var previous snapshotInfo
	havePrevious := false

	for _, snap := range t.state.History(number) {
		info, ok := t.describe(snap.Image)
		if snap.LSN == 0 {
			previous, havePrevious = info, ok
			continue
		}

		entry := TimelineEntry{
			LSN:       snap.LSN,
			Record:    number,
			EventType: EventModified,
			Op:        snap.RedoOp,
			Name:      info.name,
			InUse:     info.inUse,
			Modified:  info.modified,
		}
		switch {
		case snap.RedoOp == InitializeFileRecordSegment:
			entry.EventType = EventCreated
		case snap.RedoOp == DeallocateFileRecordSegment || (havePrevious && previous.inUse && !info.inUse):
			entry.EventType = EventDeleted
		case havePrevious && previous.name != "" && info.name != "" && previous.name != info.name:
			entry.EventType = EventRenamed
			entry.PreviousName = previous.name
		}
		if !ok {
			entry.Details = "image does not decode"
			t.opts.Logger.WithFields(logrus.Fields{
				"record": number,
				"lsn":    snap.LSN,
			}).Debug("Snapshot does not decode")
		}

		entries = append(entries, entry)
		if ok {
			previous, havePrevious = info, true
		}
	}
	return entries
}
