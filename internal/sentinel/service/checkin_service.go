package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/DeadshotOMEGA/sentinel-sub000/internal/config"
	"github.com/DeadshotOMEGA/sentinel-sub000/internal/logging"
	"github.com/DeadshotOMEGA/sentinel-sub000/internal/metrics"
	"github.com/DeadshotOMEGA/sentinel-sub000/internal/sentinel/cache"
	"github.com/DeadshotOMEGA/sentinel-sub000/internal/sentinel/store"
	"github.com/DeadshotOMEGA/sentinel-sub000/internal/sentinel/types"
)

// maxAppendAttempts bounds the retries of a conditional append that lost a
// race with another writer for the same person.
const maxAppendAttempts = 3

// Broadcaster receives notifications for committed scans. Implementations
// must return without blocking.
type Broadcaster interface {
	PublishScan(ev types.ScanEvent)
	// StatsChanged asks for fresh presence stats to be published.
	StatsChanged()
}

type StatsInvalidator interface {
	Invalidate()
}

type Options struct {
	MaxPast        time.Duration // oldest accepted claimed timestamp, relative to now
	MaxFuture      time.Duration // newest accepted claimed timestamp, relative to now
	DedupWindow    time.Duration
	DriftThreshold time.Duration
	OpTimeout      time.Duration // per store or lookup call
	Now            func() time.Time
}

func OptionsFromConfig(c config.ScanConfig) Options {
	return Options{
		MaxPast:        c.MaxPast,
		MaxFuture:      c.MaxFuture,
		DedupWindow:    c.DedupWindow,
		DriftThreshold: c.DriftThreshold,
		OpTimeout:      c.OpTimeout,
		Now:            time.Now,
	}
}

type Deps struct {
	Directory store.Directory
	Checkins  store.CheckinStore
	Cache     cache.DirectionCache
	Kiosks    *KioskRegistry
	Stats     StatsInvalidator
	Broadcast Broadcaster
}

// CheckinService decides the direction of live and replayed scans and
// commits them. The check-in store is the only source of truth; the
// direction cache is consulted as a hint and repaired after each commit.
type CheckinService struct {
	dir       store.Directory
	checkins  store.CheckinStore
	cache     cache.DirectionCache
	kiosks    *KioskRegistry
	stats     StatsInvalidator
	broadcast Broadcaster
	opts      Options
}

func NewCheckinService(d Deps, o Options) *CheckinService {
	if d.Cache == nil {
		d.Cache = cache.Noop{}
	}
	if d.Stats == nil {
		d.Stats = nopInvalidator{}
	}
	if d.Broadcast == nil {
		d.Broadcast = nopBroadcaster{}
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return &CheckinService{
		dir:       d.Directory,
		checkins:  d.Checkins,
		cache:     d.Cache,
		kiosks:    d.Kiosks,
		stats:     d.Stats,
		broadcast: d.Broadcast,
		opts:      o,
	}
}

// ScanResult is a committed single scan.
type ScanResult struct {
	Record    store.ScanRecord
	Person    types.Person
	Direction types.Direction
}

// pendingScan is a validated scan waiting to be committed.
type pendingScan struct {
	badge      types.Badge
	person     types.Person
	ts         time.Time
	kioskID    string
	eventID    string
	synced     bool
	flagged    bool
	flagReason string
}

// ProcessSingleScan validates and commits one live scan. Any failure aborts
// the scan and is returned as a *ScanError. Cache, stats and broadcast work
// after the commit is best-effort.
func (s *CheckinService) ProcessSingleScan(ctx context.Context, req types.ScanRequest) (ScanResult, error) {
	res, err := s.processSingle(ctx, req)
	if err != nil {
		se := classify(err)
		metrics.RecordScan("single", false, se.Code)
		logging.Ctx(ctx).Debug().
			Str("badge_serial", req.BadgeSerial).
			Str("kiosk_id", req.KioskID).
			Str("code", se.Code).
			Msg("scan rejected")
		return ScanResult{}, se
	}

	metrics.RecordScan("single", true, "")
	logging.Ctx(ctx).Info().
		Str("person_id", res.Person.ID).
		Str("kiosk_id", res.Record.KioskID).
		Str("direction", string(res.Direction)).
		Time("timestamp", res.Record.Timestamp).
		Msg("scan accepted")

	s.afterCommit(ctx, []store.ScanRecord{res.Record})
	return res, nil
}

func (s *CheckinService) processSingle(ctx context.Context, req types.ScanRequest) (ScanResult, error) {
	now := s.opts.Now().UTC()

	serial := strings.TrimSpace(req.BadgeSerial)
	kioskID := strings.TrimSpace(req.KioskID)
	if serial == "" {
		return ScanResult{}, newError(KindValidation, CodeMissingField, "badge_serial is required")
	}
	if kioskID == "" {
		return ScanResult{}, newError(KindValidation, CodeMissingField, "kiosk_id is required")
	}

	ts := now
	if strings.TrimSpace(req.Timestamp) != "" {
		var err error
		if ts, err = parseTimestamp(req.Timestamp); err != nil {
			return ScanResult{}, err
		}
	}
	if err := s.checkWindow(ts, now); err != nil {
		return ScanResult{}, err
	}

	if s.kiosks != nil {
		if err := s.kiosks.Admit(ctx, kioskID); err != nil {
			return ScanResult{}, err
		}
	}

	badge, person, err := s.resolve(ctx, serial)
	if err != nil {
		return ScanResult{}, err
	}

	hint, hinted := s.cacheHint(ctx, person.ID)

	latest, err := s.latestFor(ctx, person.ID)
	if err != nil {
		return ScanResult{}, err
	}
	if hinted {
		s.checkHint(ctx, person.ID, hint, latest)
	}

	rec, _, err := s.commit(ctx, pendingScan{
		badge:   badge,
		person:  person,
		ts:      ts,
		kioskID: kioskID,
		eventID: strings.TrimSpace(req.EventID),
	}, latest)
	if err != nil {
		return ScanResult{}, err
	}
	return ScanResult{Record: rec, Person: person, Direction: rec.Direction}, nil
}

// resolve looks up the badge and its holder and checks both are usable.
func (s *CheckinService) resolve(ctx context.Context, serial string) (types.Badge, types.Person, error) {
	opCtx, cancel := s.opContext(ctx)
	badge, err := s.dir.ResolveBadge(opCtx, serial)
	cancel()
	if errors.Is(err, store.ErrNotFound) {
		return types.Badge{}, types.Person{}, newError(KindNotFound, CodeBadgeNotFound, "badge %q not found", serial)
	}
	if err != nil {
		return types.Badge{}, types.Person{}, err
	}
	if err := validateBadge(badge); err != nil {
		return types.Badge{}, types.Person{}, err
	}

	opCtx, cancel = s.opContext(ctx)
	person, err := s.dir.ResolvePerson(opCtx, badge.PersonID)
	cancel()
	if errors.Is(err, store.ErrNotFound) {
		return types.Badge{}, types.Person{}, newError(KindNotFound, CodePersonNotFound, "person %q not found", badge.PersonID)
	}
	if err != nil {
		return types.Badge{}, types.Person{}, err
	}
	return badge, person, nil
}

func validateBadge(b types.Badge) error {
	switch b.AssignmentType {
	case types.AssignmentMember, types.AssignmentVisitor:
	case types.AssignmentUnassigned, "":
		return newError(KindValidation, CodeBadgeNotAssigned, "badge %q is not assigned", b.Serial)
	default:
		return newError(KindValidation, CodeUnsupportedBadgeType, "badge %q has unsupported assignment %q", b.Serial, b.AssignmentType)
	}
	if b.PersonID == "" {
		return newError(KindValidation, CodeBadgeNotAssigned, "badge %q is not assigned", b.Serial)
	}
	if b.Status != types.StatusActive {
		return newError(KindValidation, CodeBadgeInactive, "badge %q is %s", b.Serial, b.Status)
	}
	return nil
}

func parseTimestamp(v string) (time.Time, error) {
	v = strings.TrimSpace(v)
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, newError(KindValidation, CodeInvalidTimestamp, "timestamp %q is not RFC 3339", v)
	}
	return t.UTC(), nil
}

func (s *CheckinService) checkWindow(ts, now time.Time) error {
	if ts.Before(now.Add(-s.opts.MaxPast)) {
		return newError(KindValidation, CodeInvalidTimestamp, "timestamp %s is more than %s in the past", ts.Format(time.RFC3339), s.opts.MaxPast)
	}
	if ts.After(now.Add(s.opts.MaxFuture)) {
		return newError(KindValidation, CodeInvalidTimestamp, "timestamp %s is more than %s in the future", ts.Format(time.RFC3339), s.opts.MaxFuture)
	}
	return nil
}

// guard refuses a scan too close to, or earlier than, the person's latest
// committed record.
func (s *CheckinService) guard(ts time.Time, latest *store.ScanRecord) error {
	if latest == nil {
		return nil
	}
	diff := ts.Sub(latest.Timestamp)
	if diff.Abs() < s.opts.DedupWindow {
		return newError(KindConflict, CodeDuplicateScan, "scan within %s of previous scan at %s", s.opts.DedupWindow, latest.Timestamp.Format(time.RFC3339))
	}
	if diff < 0 {
		return newError(KindValidation, CodeOutOfOrderScan, "scan at %s is earlier than latest scan at %s", ts.Format(time.RFC3339), latest.Timestamp.Format(time.RFC3339))
	}
	return nil
}

// commit appends ps conditionally on latest still being the person's most
// recent record. When another writer got there first, latest is re-read and
// the guard and direction are evaluated again. It returns the committed
// record and the latest record it was decided against.
func (s *CheckinService) commit(ctx context.Context, ps pendingScan, latest *store.ScanRecord) (store.ScanRecord, *store.ScanRecord, error) {
	for attempt := 1; ; attempt++ {
		if err := s.guard(ps.ts, latest); err != nil {
			return store.ScanRecord{}, latest, err
		}

		var last types.Direction
		var prevID string
		if latest != nil {
			last, prevID = latest.Direction, latest.ID
		}

		rec := store.ScanRecord{
			PersonID:         ps.person.ID,
			BadgeSerial:      ps.badge.Serial,
			Direction:        types.NextDirection(last),
			Timestamp:        ps.ts,
			KioskID:          ps.kioskID,
			EventID:          ps.eventID,
			Synced:           ps.synced,
			FlaggedForReview: ps.flagged,
			FlagReason:       ps.flagReason,
			CreatedAt:        s.opts.Now().UTC(),
		}

		opCtx, cancel := s.opContext(ctx)
		saved, err := s.checkins.Append(opCtx, rec, prevID)
		cancel()
		if err == nil {
			return saved, latest, nil
		}
		if !errors.Is(err, store.ErrStaleLatest) {
			return store.ScanRecord{}, latest, err
		}
		if attempt >= maxAppendAttempts {
			return store.ScanRecord{}, latest, newError(KindConflict, CodeConcurrentScan, "person %s is being scanned concurrently", ps.person.ID)
		}

		metrics.AppendRetries.Inc()
		if latest, err = s.latestFor(ctx, ps.person.ID); err != nil {
			return store.ScanRecord{}, nil, err
		}
	}
}

func (s *CheckinService) latestFor(ctx context.Context, personID string) (*store.ScanRecord, error) {
	opCtx, cancel := s.opContext(ctx)
	defer cancel()
	return s.checkins.LatestFor(opCtx, personID)
}

func (s *CheckinService) cacheHint(ctx context.Context, personID string) (types.Direction, bool) {
	opCtx, cancel := s.opContext(ctx)
	defer cancel()
	d, ok, err := s.cache.Get(opCtx, personID)
	switch {
	case err != nil:
		metrics.CacheLookups.WithLabelValues("error").Inc()
		logging.Ctx(ctx).Warn().Err(err).Str("person_id", personID).Str("component", "direction_cache").Msg("cache read failed")
		return "", false
	case ok:
		metrics.CacheLookups.WithLabelValues("hit").Inc()
	default:
		metrics.CacheLookups.WithLabelValues("miss").Inc()
	}
	return d, ok
}

// checkHint counts a cached direction that disagrees with the store. The
// entry is overwritten after the commit.
func (s *CheckinService) checkHint(ctx context.Context, personID string, hint types.Direction, latest *store.ScanRecord) {
	var stored types.Direction
	if latest != nil {
		stored = latest.Direction
	}
	if hint == stored {
		return
	}
	metrics.CacheDivergence.Inc()
	logging.Ctx(ctx).Warn().
		Str("person_id", personID).
		Str("cached", string(hint)).
		Str("stored", string(stored)).
		Msg("direction cache diverged from store")
}

// afterCommit runs the best-effort side effects for committed records, in
// commit order: cache writes, one stats invalidation, one stats broadcast
// and one scan broadcast per record. Nothing here can fail the caller.
func (s *CheckinService) afterCommit(ctx context.Context, recs []store.ScanRecord) {
	if len(recs) == 0 {
		return
	}
	bg := context.WithoutCancel(ctx)
	log := logging.Ctx(ctx)

	for _, rec := range recs {
		opCtx, cancel := s.opContext(bg)
		if err := s.cache.Set(opCtx, rec.PersonID, rec.Direction); err != nil {
			log.Warn().Err(err).
				Str("person_id", rec.PersonID).
				Str("kiosk_id", rec.KioskID).
				Str("component", "direction_cache").
				Msg("cache write failed")
		}
		cancel()
	}

	s.stats.Invalidate()

	for _, rec := range recs {
		s.broadcast.PublishScan(types.ScanEvent{
			RecordID:  rec.ID,
			PersonID:  rec.PersonID,
			Direction: rec.Direction,
			Timestamp: rec.Timestamp,
			KioskID:   rec.KioskID,
			EventID:   rec.EventID,
			Synced:    rec.Synced,
		})
	}
	s.broadcast.StatsChanged()
}

func (s *CheckinService) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.opts.OpTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.opts.OpTimeout)
}

type nopInvalidator struct{}

func (nopInvalidator) Invalidate() {}

type nopBroadcaster struct{}

func (nopBroadcaster) PublishScan(types.ScanEvent) {}
func (nopBroadcaster) StatsChanged()               {}
