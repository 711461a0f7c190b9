package logfile

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/alitto/pond/v2"
	"github.com/sirupsen/logrus"

	"github.com/ntfs_recovery/pkg/ntfs"
)

// Lifecycle of a record during replay.
type Lifecycle int

const (
	Unseen Lifecycle = iota
	Materialized
	Updated
)

func (l Lifecycle) String() string {
	switch l {
	case Unseen:
		return "Unseen"
	case Materialized:
		return "Materialized"
	case Updated:
		return "Updated"
	}
	return fmt.Sprintf("Lifecycle(%d)", int(l))
}

// Snapshot is a record image as it stood after one LSN. The snapshot
// taken when a record is first materialized has LSN 0.
type Snapshot struct {
	LSN           uint64
	RedoOp        OpCode
	TransactionID uint32
	Image         *ntfs.RecordImage
}

// TargetState is the replay state of one MFT record.
type TargetState struct {
	Number    uint64
	Image     *ntfs.RecordImage
	LastLSN   uint64
	Lifecycle Lifecycle
	Applied   int

	history []Snapshot
}

func (t *TargetState) clone() *TargetState {
	c := *t
	c.Image = t.Image.Clone()
	c.history = append([]Snapshot(nil), t.history...)
	return &c
}

// ReplayState maps record numbers to their replayed images. It is not
// safe for concurrent use; ParallelReplay works on clones.
type ReplayState struct {
	targets     map[uint64]*TargetState
	keepHistory bool
}

// NewReplayState creates an empty state. With keepHistory every applied
// LSN leaves a snapshot behind for History and At.
func NewReplayState(keepHistory bool) *ReplayState {
	return &ReplayState{
		targets:     make(map[uint64]*TargetState),
		keepHistory: keepHistory,
	}
}

func (s *ReplayState) target(number uint64) *TargetState {
	return s.targets[number]
}

func (s *ReplayState) materialize(number uint64, base *ntfs.RecordImage) *TargetState {
	img := base.Clone()
	img.Number = number
	t := &TargetState{
		Number:    number,
		Image:     img,
		Lifecycle: Materialized,
	}
	if s.keepHistory {
		t.history = append(t.history, Snapshot{Image: img.Clone()})
	}
	s.targets[number] = t
	return t
}

func (s *ReplayState) commit(t *TargetState, work *ntfs.RecordImage, rec *LogRecord) {
	work.Number = t.Number
	t.Image = work
	t.LastLSN = rec.LSN
	t.Lifecycle = Updated
	t.Applied++
	if s.keepHistory {
		t.history = append(t.history, Snapshot{
			LSN:           rec.LSN,
			RedoOp:        rec.RedoOp,
			TransactionID: rec.TransactionID,
			Image:         work.Clone(),
		})
	}
}

// Get returns the state of a record, or nil while it is Unseen.
func (s *ReplayState) Get(number uint64) *TargetState {
	return s.targets[number]
}

func (s *ReplayState) Lifecycle(number uint64) Lifecycle {
	if t, ok := s.targets[number]; ok {
		return t.Lifecycle
	}
	return Unseen
}

// Records lists the record numbers touched by replay in ascending order.
func (s *ReplayState) Records() []uint64 {
	result := make([]uint64, 0, len(s.targets))
	for number := range s.targets {
		result = append(result, number)
	}
	sort.Slice(result, func(i, j int) bool { return result[i] < result[j] })
	return result
}

func (s *ReplayState) Len() int { return len(s.targets) }

// History returns the snapshots of a record in LSN order.
func (s *ReplayState) History(number uint64) []Snapshot {
	t, ok := s.targets[number]
	if !ok {
		return nil
	}
	return append([]Snapshot(nil), t.history...)
}

// At returns the record image as of lsn: the last snapshot whose LSN is
// not greater. Without history only the current image is available.
func (s *ReplayState) At(number uint64, lsn uint64) *ntfs.RecordImage {
	t, ok := s.targets[number]
	if !ok {
		return nil
	}
	if !s.keepHistory {
		if lsn >= t.LastLSN {
			return t.Image.Clone()
		}
		return nil
	}
	idx := sort.Search(len(t.history), func(i int) bool {
		return t.history[i].LSN > lsn
	})
	if idx == 0 {
		return nil
	}
	return t.history[idx-1].Image.Clone()
}

// RecordImage serves replayed images to an ntfs.Decoder.
func (s *ReplayState) RecordImage(number uint64) (*ntfs.RecordImage, error) {
	t, ok := s.targets[number]
	if !ok {
		return nil, ntfs.NewError(ntfs.InvalidRecord, "ReplayState.RecordImage", 0,
			"record not replayed").WithRecord(number)
	}
	return t.Image.Clone(), nil
}

// Clone deep copies the state.
func (s *ReplayState) Clone() *ReplayState {
	c := NewReplayState(s.keepHistory)
	for number, t := range s.targets {
		c.targets[number] = t.clone()
	}
	return c
}

// Subset deep copies the state of the given records only.
func (s *ReplayState) Subset(numbers []uint64) *ReplayState {
	c := NewReplayState(s.keepHistory)
	for _, number := range numbers {
		if t, ok := s.targets[number]; ok {
			c.targets[number] = t.clone()
		}
	}
	return c
}

// Merge takes over every record held by other.
func (s *ReplayState) Merge(other *ReplayState) {
	for number, t := range other.targets {
		s.targets[number] = t
	}
}

// ReplayStats counts what replay did with each record.
type ReplayStats struct {
	Records       int
	Applied       int
	NoChange      int
	NotApplicable int
	Unsupported   int
	Stale         int

	// Errors are edits that failed, plus anything that went wrong while
	// reading the log.
	Errors []error
}

func (s *ReplayStats) add(other *ReplayStats) {
	s.Records += other.Records
	s.Applied += other.Applied
	s.NoChange += other.NoChange
	s.NotApplicable += other.NotApplicable
	s.Unsupported += other.Unsupported
	s.Stale += other.Stale
	s.Errors = append(s.Errors, other.Errors...)
}

func (s *ReplayStats) String() string {
	return fmt.Sprintf("%d records: %d applied, %d no change, %d not applicable, %d unsupported, %d stale, %d errors",
		s.Records, s.Applied, s.NoChange, s.NotApplicable, s.Unsupported, s.Stale, len(s.Errors))
}

func sortByLSN(records []*LogRecord) []*LogRecord {
	sorted := append([]*LogRecord(nil), records...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].LSN < sorted[j].LSN
	})
	return sorted
}

// Replay applies records to state in ascending LSN order. Replaying the
// same records again changes nothing: each comes back as stale. On
// cancellation the state holds every record applied so far.
func Replay(ctx context.Context, state *ReplayState, interp *Interpreter,
	records []*LogRecord) (*ReplayStats, error) {
	stats := &ReplayStats{}
	logger := interp.opts.Logger

	for _, rec := range sortByLSN(records) {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		stats.Records++

		result, err := interp.Apply(state, rec)
		switch {
		case ntfs.CodeOf(err) == ntfs.StaleLSN:
			stats.Stale++
			logger.WithFields(logrus.Fields{
				"lsn":    rec.LSN,
				"record": interp.TargetRecord(rec),
			}).Debug("Skipping stale log record")
		case err != nil:
			stats.Errors = append(stats.Errors, err)
			logger.WithFields(logrus.Fields{
				"lsn":   rec.LSN,
				"op":    rec.RedoOp,
				"error": err,
			}).Warn("Redo failed")
		default:
			stats.count(result)
			if result == Unsupported {
				logger.WithFields(logrus.Fields{
					"lsn": rec.LSN,
					"op":  rec.RedoOp,
				}).Debug("No redo handler for MFT operation")
			}
		}
	}
	return stats, nil
}

func (s *ReplayStats) count(result ApplyResult) {
	switch result {
	case Applied:
		s.Applied++
	case NoChange:
		s.NoChange++
	case Unsupported:
		s.Unsupported++
	default:
		s.NotApplicable++
	}
}

// ReadRecords drains a RecordReader. Skipped records and pages are
// returned as errors alongside the records; the final error is set only
// when reading had to stop early.
func ReadRecords(ctx context.Context, reader *RecordReader) ([]*LogRecord, []error, error) {
	var records []*LogRecord
	var skipped []error
	for {
		rec, err := reader.Next(ctx)
		if err == io.EOF {
			return records, skipped, nil
		}
		if err != nil {
			if ntfs.CodeOf(err) == 0 {
				return records, skipped, err
			}
			skipped = append(skipped, err)
			continue
		}
		records = append(records, rec)
	}
}

// ReplayLog reads every record of the lap and replays them. When reading
// stops early the records read so far are still applied and the read
// error is returned.
func ReplayLog(ctx context.Context, state *ReplayState, interp *Interpreter,
	reader *RecordReader) (*ReplayStats, error) {
	records, skipped, readErr := ReadRecords(ctx, reader)

	replayCtx := ctx
	if readErr != nil {
		replayCtx = context.WithoutCancel(ctx)
	}
	stats, err := Replay(replayCtx, state, interp, records)
	stats.Errors = append(skipped, stats.Errors...)
	if readErr != nil {
		return stats, readErr
	}
	return stats, err
}

// ParallelReplay partitions records by target record and replays each
// partition on its own clone of the state, merging the results back.
// Records of one target keep their LSN order, so the outcome is the same
// as Replay.
func ParallelReplay(ctx context.Context, state *ReplayState, interp *Interpreter,
	records []*LogRecord, workers int) (*ReplayStats, error) {
	if workers <= 1 {
		return Replay(ctx, state, interp, records)
	}

	stats := &ReplayStats{}
	groups := make(map[uint64][]*LogRecord)
	var order []uint64
	for _, rec := range records {
		if rec.IsClientRestart() {
			stats.Records++
			stats.NoChange++
			continue
		}
		if !interp.Handles(rec.RedoOp) {
			stats.Records++
			stats.count(interp.classify(rec.RedoOp))
			continue
		}
		number := interp.TargetRecord(rec)
		if _, ok := groups[number]; !ok {
			order = append(order, number)
		}
		groups[number] = append(groups[number], rec)
	}

	var (
		mu       sync.Mutex
		firstErr error
		pool     = pond.NewPool(workers)
	)
	for _, number := range order {
		number := number
		group := groups[number]
		mu.Lock()
		sub := state.Subset([]uint64{number})
		mu.Unlock()

		pool.Submit(func() {
			groupStats, err := Replay(ctx, sub, interp, group)

			mu.Lock()
			defer mu.Unlock()
			stats.add(groupStats)
			state.Merge(sub)
			if err != nil && firstErr == nil {
				firstErr = err
			}
		})
	}
	pool.StopAndWait()

	return stats, firstErr
}
