package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/DeadshotOMEGA/sentinel-sub000/internal/logging"
	"github.com/DeadshotOMEGA/sentinel-sub000/internal/metrics"
	"github.com/DeadshotOMEGA/sentinel-sub000/internal/sentinel/store"
	"github.com/DeadshotOMEGA/sentinel-sub000/internal/sentinel/types"
)

// bulkItem is a request item that passed field and timestamp validation.
type bulkItem struct {
	index      int
	serial     string
	kioskID    string
	eventID    string
	ts         time.Time
	sequence   *uint64
	flagged    bool
	flagReason string
}

// bulkBatch holds everything loaded up front for one replay.
type bulkBatch struct {
	badges  map[string]types.Badge
	persons map[string]types.Person
	latest  map[string]store.ScanRecord
	kiosks  map[string]error // nil for admitted kiosks
}

// ProcessBulkScans replays a batch of queued scans. Items are validated,
// flagged for clock drift, sorted by claimed time, deduplicated per badge
// and kiosk, then committed one at a time. A failing item never stops the
// batch. The returned outcomes are in request order.
func (s *CheckinService) ProcessBulkScans(ctx context.Context, items []types.BulkScanInput) (types.BulkScanResult, error) {
	if len(items) == 0 {
		return types.BulkScanResult{}, newError(KindValidation, CodeMissingField, "items must not be empty")
	}

	start := time.Now()
	metrics.BulkBatchSize.Observe(float64(len(items)))
	defer func() { metrics.BulkDuration.Observe(time.Since(start).Seconds()) }()

	now := s.opts.Now().UTC()
	outcomes := make([]types.BulkScanOutcome, len(items))
	fail := func(index int, err error) {
		se := classify(err)
		o := &outcomes[index]
		o.OK = false
		o.Code = se.Code
		o.Message = se.Message
	}

	live := make([]*bulkItem, 0, len(items))
	for i, in := range items {
		outcomes[i].Index = i
		it, err := s.prepareItem(i, in, now)
		if it != nil {
			outcomes[i].Flagged = it.flagged
			outcomes[i].FlagReason = it.flagReason
		}
		if err != nil {
			fail(i, err)
			continue
		}
		live = append(live, it)
	}

	sort.SliceStable(live, func(a, b int) bool { return lessItem(live[a], live[b]) })
	live = s.dedup(live, outcomes)

	var committed []store.ScanRecord
	batch, err := s.loadBatch(ctx, live)
	if err != nil {
		logging.Ctx(ctx).Error().Err(err).Int("items", len(live)).Msg("bulk lookup failed")
		for _, it := range live {
			fail(it.index, err)
		}
		live = nil
	}

	for k, it := range live {
		if err := ctx.Err(); err != nil {
			for _, rest := range live[k:] {
				fail(rest.index, err)
			}
			logging.Ctx(ctx).Warn().Int("remaining", len(live)-k).Msg("bulk replay cancelled")
			break
		}

		rec, err := s.applyItem(ctx, it, batch)
		if err != nil {
			fail(it.index, err)
			continue
		}
		committed = append(committed, rec)
		o := &outcomes[it.index]
		o.OK = true
		o.RecordID = rec.ID
		o.PersonID = rec.PersonID
		o.Direction = rec.Direction
	}

	s.afterCommit(ctx, committed)

	res := types.BulkScanResult{Outcomes: outcomes}
	for _, o := range outcomes {
		metrics.RecordScan("bulk", o.OK, o.Code)
		if o.OK {
			res.Processed++
		} else {
			res.Failed++
		}
		if o.Flagged {
			res.Flagged++
			if o.OK {
				metrics.ScansFlagged.Inc()
			}
		}
	}

	logging.Ctx(ctx).Info().
		Int("items", len(items)).
		Int("processed", res.Processed).
		Int("failed", res.Failed).
		Int("flagged", res.Flagged).
		Dur("elapsed", time.Since(start)).
		Msg("bulk replay finished")
	return res, nil
}

// prepareItem checks required fields and the timestamp window, and flags
// clock drift. The item is returned even on error so its flag is reported.
func (s *CheckinService) prepareItem(index int, in types.BulkScanInput, now time.Time) (*bulkItem, error) {
	it := &bulkItem{
		index:    index,
		serial:   strings.TrimSpace(in.BadgeSerial),
		kioskID:  strings.TrimSpace(in.KioskID),
		eventID:  strings.TrimSpace(in.EventID),
		sequence: in.Sequence,
	}

	switch {
	case it.serial == "":
		return nil, newError(KindValidation, CodeMissingField, "badge_serial is required")
	case it.kioskID == "":
		return nil, newError(KindValidation, CodeMissingField, "kiosk_id is required")
	case strings.TrimSpace(in.Timestamp) == "":
		return nil, newError(KindValidation, CodeMissingField, "timestamp is required")
	}

	ts, err := parseTimestamp(in.Timestamp)
	if err != nil {
		return nil, err
	}
	if err := s.checkWindow(ts, now); err != nil {
		return nil, err
	}
	it.ts = ts

	if local := strings.TrimSpace(in.LocalTimestamp); local != "" {
		lt, err := time.Parse(time.RFC3339Nano, local)
		if err != nil {
			it.flagged = true
			it.flagReason = fmt.Sprintf("unreadable kiosk clock reading %q", local)
		} else if drift := now.Sub(lt).Abs(); drift > s.opts.DriftThreshold {
			it.flagged = true
			it.flagReason = fmt.Sprintf("kiosk clock off by %s (threshold %s)", drift.Round(time.Second), s.opts.DriftThreshold)
		}
	}
	return it, nil
}

// lessItem orders by claimed time, then by client sequence (items that
// carry one first), then by kiosk and badge serial, then by request index.
// Only exact duplicates fall through to the index.
func lessItem(a, b *bulkItem) bool {
	if !a.ts.Equal(b.ts) {
		return a.ts.Before(b.ts)
	}
	switch {
	case a.sequence != nil && b.sequence != nil:
		if *a.sequence != *b.sequence {
			return *a.sequence < *b.sequence
		}
	case a.sequence != nil:
		return true
	case b.sequence != nil:
		return false
	}
	if a.kioskID != b.kioskID {
		return a.kioskID < b.kioskID
	}
	if a.serial != b.serial {
		return a.serial < b.serial
	}
	return a.index < b.index
}

type dedupKey struct {
	serial  string
	kioskID string
}

// dedup drops every item that falls within the dedup window of an earlier
// surviving item for the same badge and kiosk. live must be sorted.
func (s *CheckinService) dedup(live []*bulkItem, outcomes []types.BulkScanOutcome) []*bulkItem {
	kept := make([]*bulkItem, 0, len(live))
	lastKept := make(map[dedupKey]*bulkItem)
	for _, it := range live {
		k := dedupKey{serial: it.serial, kioskID: it.kioskID}
		// Survivors for a key are in time order, so the newest one is the
		// only candidate within the window.
		if prev, ok := lastKept[k]; ok && it.ts.Sub(prev.ts) < s.opts.DedupWindow {
			survivor := prev.index
			o := &outcomes[it.index]
			o.OK = false
			o.Code = CodeDuplicateInBatch
			o.Message = fmt.Sprintf("duplicate of item %d within %s", survivor, s.opts.DedupWindow)
			o.DuplicateOf = &survivor
			continue
		}
		lastKept[k] = it
		kept = append(kept, it)
	}
	return kept
}

// loadBatch resolves all badges and kiosks, then all persons and their
// latest records, with one call per kind.
func (s *CheckinService) loadBatch(ctx context.Context, live []*bulkItem) (*bulkBatch, error) {
	b := &bulkBatch{kiosks: make(map[string]error)}
	if len(live) == 0 {
		return b, nil
	}

	serials := distinct(live, func(it *bulkItem) string { return it.serial })
	kioskIDs := distinct(live, func(it *bulkItem) string { return it.kioskID })

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		opCtx, cancel := s.opContext(gctx)
		defer cancel()
		badges, err := s.dir.ResolveBadgesBatch(opCtx, serials)
		if err != nil {
			return fmt.Errorf("resolve badges: %w", err)
		}
		b.badges = badges
		return nil
	})
	if s.kiosks != nil {
		g.Go(func() error {
			for _, id := range kioskIDs {
				opCtx, cancel := s.opContext(gctx)
				err := s.kiosks.Admit(opCtx, id)
				cancel()
				if _, ok := AsScanError(err); err != nil && !ok {
					return fmt.Errorf("admit kiosk %s: %w", id, err)
				}
				b.kiosks[id] = err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	personIDs := make([]string, 0, len(b.badges))
	seen := make(map[string]struct{}, len(b.badges))
	for _, badge := range b.badges {
		if badge.PersonID == "" {
			continue
		}
		if _, ok := seen[badge.PersonID]; !ok {
			seen[badge.PersonID] = struct{}{}
			personIDs = append(personIDs, badge.PersonID)
		}
	}
	sort.Strings(personIDs)

	g, gctx = errgroup.WithContext(ctx)
	g.Go(func() error {
		opCtx, cancel := s.opContext(gctx)
		defer cancel()
		persons, err := s.dir.ResolvePersonsBatch(opCtx, personIDs)
		if err != nil {
			return fmt.Errorf("resolve persons: %w", err)
		}
		b.persons = persons
		return nil
	})
	g.Go(func() error {
		opCtx, cancel := s.opContext(gctx)
		defer cancel()
		latest, err := s.checkins.LatestForBatch(opCtx, personIDs)
		if err != nil {
			return fmt.Errorf("load latest records: %w", err)
		}
		b.latest = latest
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return b, nil
}

// applyItem commits one item against the batch state and advances the
// person's latest record on success.
func (s *CheckinService) applyItem(ctx context.Context, it *bulkItem, b *bulkBatch) (store.ScanRecord, error) {
	if err := b.kiosks[it.kioskID]; err != nil {
		return store.ScanRecord{}, err
	}
	badge, ok := b.badges[it.serial]
	if !ok {
		return store.ScanRecord{}, newError(KindNotFound, CodeBadgeNotFound, "badge %q not found", it.serial)
	}
	if err := validateBadge(badge); err != nil {
		return store.ScanRecord{}, err
	}
	person, ok := b.persons[badge.PersonID]
	if !ok {
		return store.ScanRecord{}, newError(KindNotFound, CodePersonNotFound, "person %q not found", badge.PersonID)
	}

	var latest *store.ScanRecord
	if rec, ok := b.latest[person.ID]; ok {
		latest = &rec
	}

	rec, decidedOn, err := s.commit(ctx, pendingScan{
		badge:      badge,
		person:     person,
		ts:         it.ts,
		kioskID:    it.kioskID,
		eventID:    it.eventID,
		synced:     true,
		flagged:    it.flagged,
		flagReason: it.flagReason,
	}, latest)
	if decidedOn != nil {
		b.latest[person.ID] = *decidedOn
	}
	if err != nil {
		return store.ScanRecord{}, err
	}
	b.latest[person.ID] = rec
	return rec, nil
}

func distinct(items []*bulkItem, key func(*bulkItem) string) []string {
	seen := make(map[string]struct{}, len(items))
	out := make([]string, 0, len(items))
	for _, it := range items {
		k := key(it)
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}
