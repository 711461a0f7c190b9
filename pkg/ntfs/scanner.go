package ntfs

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/alitto/pond/v2"
	"github.com/sirupsen/logrus"
)

// ScanOptions defines options for scanning
type ScanOptions struct {
	Workers        int    // Maximum number of concurrent decoders
	IncludeSystem  bool   // Include $-named metadata files
	IncludeDeleted bool   // Include records without the in-use flag
	DeletedOnly    bool   // Only records without the in-use flag
	MaxResults     int    // Maximum number of results to return (0 for unlimited)
	First, Last    uint64 // Record range; Last 0 means the whole MFT

	// ProgressCallback is called from worker goroutines.
	ProgressCallback func(processed, total int64, status string)

	Logger logrus.FieldLogger
}

// Scanner decodes every record of an MFT in parallel.
type Scanner struct {
	mft  *MFT
	opts ScanOptions
}

// NewScanner creates a new scanner instance
func NewScanner(mft *MFT, opts ScanOptions) *Scanner {
	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU() * 2
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &Scanner{mft: mft, opts: opts}
}

// SetProgressCallback sets a callback function for progress reporting
func (s *Scanner) SetProgressCallback(callback func(processed, total int64, status string)) {
	s.opts.ProgressCallback = callback
}

func (s *Scanner) reportProgress(processed, total int64, status string) {
	if s.opts.ProgressCallback != nil {
		s.opts.ProgressCallback(processed, total, status)
	}
}

// Scan decodes the selected record range and returns the matching records
// ordered by record number. Unwritten slots are skipped silently; other
// per-record failures are returned alongside the results. Cancelling ctx
// stops submitting work and returns what was decoded so far.
func (s *Scanner) Scan(ctx context.Context) ([]*Record, []error) {
	first, last := s.opts.First, s.opts.Last
	if last == 0 || last > s.mft.RecordCount() {
		last = s.mft.RecordCount()
	}
	if first > last {
		first = last
	}
	total := int64(last - first)

	var (
		results    []*Record
		errs       []error
		mu         sync.Mutex
		processed  atomic.Int64
		pool       = pond.NewPool(s.opts.Workers)
		reportStep = total/100 + 1
	)

	for number := first; number < last; number++ {
		if ctx.Err() != nil {
			break
		}
		number := number
		pool.Submit(func() {
			defer func() {
				n := processed.Add(1)
				if n%reportStep == 0 || n == total {
					s.reportProgress(n, total,
						fmt.Sprintf("Processed %d of %d MFT records", n, total))
				}
			}()

			if ctx.Err() != nil {
				return
			}

			record, err := s.mft.Record(number)
			if err != nil {
				if CodeOf(err) == InvalidRecord {
					return
				}
				s.opts.Logger.WithFields(logrus.Fields{
					"record": number,
				}).Debugf("Scan: %v", err)
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
				return
			}

			if !s.shouldInclude(record) {
				return
			}
			mu.Lock()
			results = append(results, record)
			mu.Unlock()
		})
	}
	pool.StopAndWait()

	sort.Slice(results, func(i, j int) bool {
		return results[i].Number < results[j].Number
	})
	sort.Slice(errs, func(i, j int) bool {
		return errorRecord(errs[i]) < errorRecord(errs[j])
	})

	if s.opts.MaxResults > 0 && len(results) > s.opts.MaxResults {
		results = results[:s.opts.MaxResults]
	}
	return results, errs
}

// ListDeleted returns only records that are no longer in use.
func (s *Scanner) ListDeleted(ctx context.Context) ([]*Record, []error) {
	opts := s.opts
	opts.DeletedOnly = true
	return (&Scanner{mft: s.mft, opts: opts}).Scan(ctx)
}

// shouldInclude checks if a record should be included in results
func (s *Scanner) shouldInclude(record *Record) bool {
	// Extension records are reached through their base record.
	if !record.Header.IsBase() {
		return false
	}

	deleted := !record.InUse()
	if s.opts.DeletedOnly && !deleted {
		return false
	}
	if deleted && !s.opts.IncludeDeleted && !s.opts.DeletedOnly {
		return false
	}

	if !s.opts.IncludeSystem {
		if fn := record.FileName(); fn != nil && isSystemFile(fn.Name) && record.Number < 24 {
			return false
		}
	}
	return true
}

func isSystemFile(name string) bool {
	return len(name) > 0 && name[0] == '$'
}

func errorRecord(err error) uint64 {
	if e, ok := err.(*Error); ok {
		return e.Record
	}
	return NoRecord
}
