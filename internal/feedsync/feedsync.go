// Package feedsync imports the iCalendar exports of channel managers into
// the store as external events, once or on a cron schedule.
package feedsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"aptcal/internal/config"
	"aptcal/internal/ics"
	"aptcal/internal/interval"
	appLog "aptcal/internal/log"
	"aptcal/internal/model"
)

type importer interface {
	ReplaceImported(ctx context.Context, unitID, feedID string, events []model.Event) error
}

type fetcher interface {
	FetchOne(ctx context.Context, src ics.Source) (ics.FetchResult, error)
}

type Config struct {
	Sources []ics.Source
	Zone    *time.Location
	Horizon time.Duration
	// MaxOccurrencesPerEvent caps rrule expansion; zero uses the codec
	// default.
	MaxOccurrencesPerEvent int
}

// ConfigFrom derives the sync configuration from the application config.
func ConfigFrom(cfg *config.Config) (Config, error) {
	loc, err := cfg.Location()
	if err != nil {
		return Config{}, fmt.Errorf("load timezone: %w", err)
	}

	var sources []ics.Source
	for _, p := range cfg.Properties {
		for _, u := range p.Units {
			for _, f := range u.Feeds {
				sources = append(sources, ics.Source{ID: f.ID, UnitID: u.ID, URL: f.URL})
			}
		}
	}

	return Config{Sources: sources, Zone: loc, Horizon: cfg.Horizon()}, nil
}

type Syncer struct {
	conf    Config
	fetcher fetcher
	codec   *ics.Codec
	store   importer
	now     func() time.Time

	// mu serializes runs so a manual sync and a cron tick never interleave.
	mu sync.Mutex
}

func New(conf Config, f fetcher, codec *ics.Codec, store importer) *Syncer {
	if conf.Zone == nil {
		conf.Zone = time.UTC
	}
	return &Syncer{
		conf:    conf,
		fetcher: f,
		codec:   codec,
		store:   store,
		now:     time.Now,
	}
}

// Report summarizes one sync run.
type Report struct {
	Feeds     int      `json:"feeds"`
	Imported  int      `json:"imported"`
	Events    int      `json:"events"`
	Skipped   int      `json:"skipped"`
	Truncated []string `json:"truncated_uids,omitempty"`
	Errors    []string `json:"errors,omitempty"`
}

// Window is the expansion window of a run starting at now: from the
// current local wall-clock time up to the horizon.
func (s *Syncer) Window(now time.Time) (interval.Interval, error) {
	start := interval.Naive(now.In(s.conf.Zone).Truncate(time.Second))
	return interval.New(start, start.Add(s.conf.Horizon))
}

// Run fetches, expands and stores every feed. A feed that fails keeps the
// events imported by the last successful run; the returned error joins
// the per-feed failures.
func (s *Syncer) Run(ctx context.Context) (Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rep Report

	window, err := s.Window(s.now())
	if err != nil {
		return rep, fmt.Errorf("expansion window: %w", err)
	}

	expandCfg := ics.ExpandConfig{
		Zone:                   s.conf.Zone,
		Window:                 window,
		MaxOccurrencesPerEvent: s.conf.MaxOccurrencesPerEvent,
	}

	var errs []error
	for _, src := range s.conf.Sources {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		rep.Feeds++

		n, res, err := s.syncOne(ctx, src, expandCfg)
		if err != nil {
			errs = append(errs, fmt.Errorf("feed %s: %w", src.ID, err))
			rep.Errors = append(rep.Errors, fmt.Sprintf("%s: %v", src.ID, err))
			appLog.Error("feed sync failed", err, "feed", src.ID, "unit", src.UnitID)
			continue
		}
		rep.Imported++
		rep.Events += n
		rep.Skipped += res.Skipped
		rep.Truncated = append(rep.Truncated, res.TruncatedUIDs...)
	}

	appLog.Info("feed sync finished",
		"feeds", rep.Feeds, "imported", rep.Imported, "events", rep.Events,
		"skipped", rep.Skipped, "errors", len(errs), "window", window.String())

	return rep, errors.Join(errs...)
}

func (s *Syncer) syncOne(ctx context.Context, src ics.Source, cfg ics.ExpandConfig) (int, ics.ExpandResult, error) {
	fetched, err := s.fetcher.FetchOne(ctx, src)
	if err != nil {
		return 0, ics.ExpandResult{}, fmt.Errorf("fetch: %w", err)
	}

	res, err := s.codec.Expand(string(fetched.Body), cfg)
	if err != nil {
		return 0, ics.ExpandResult{}, fmt.Errorf("expand: %w", err)
	}

	if err := s.store.ReplaceImported(ctx, src.UnitID, src.ID, res.Events); err != nil {
		return 0, ics.ExpandResult{}, fmt.Errorf("store: %w", err)
	}

	appLog.Debug("feed imported", "feed", src.ID, "unit", src.UnitID,
		"events", len(res.Events), "from_cache", fetched.FromCache)

	return len(res.Events), res, nil
}

// Schedule registers Run on spec (standard five-field cron) evaluated in
// the property zone. The caller starts and stops the returned cron.
func (s *Syncer) Schedule(ctx context.Context, spec string) (*cron.Cron, error) {
	l := appLog.CronLogger{}
	c := cron.New(
		cron.WithLocation(s.conf.Zone),
		cron.WithLogger(l),
		cron.WithChain(cron.Recover(l), cron.SkipIfStillRunning(l)),
	)

	_, err := c.AddFunc(spec, func() {
		if _, err := s.Run(ctx); err != nil {
			appLog.Warn("scheduled feed sync finished with errors", "error", err.Error())
		}
	})
	if err != nil {
		return nil, fmt.Errorf("schedule %q: %w", spec, err)
	}

	return c, nil
}
