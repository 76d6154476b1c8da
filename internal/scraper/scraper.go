// Package scraper fetches the Hospital Authority AED wait-time feed and
// appends snapshots to a dataset store.
package scraper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/itchyny/gojq"
	"github.com/tastythames/aedwt-runner/internal/dataset"
	"github.com/tastythames/aedwt-runner/internal/logging"
)

const (
	DefaultSourceURL = "https://www.ha.org.hk/aedwt/data/aedWtData.json"
	DefaultQuery     = "[.result.hospData[] | {hospNameGb, topWait, hospTimeEn}]"

	readmePath = "README.md"

	// hospTimeEn, e.g. "16/10/2026 9:08AM"
	hospTimeLayout = "2/1/2006 3:04PM"
)

var ErrEmptyFeed = errors.New("feed returned no hospitals")

type Mode string

const (
	ModeNormal Mode = "NORMAL"
	ModeCheck  Mode = "CHECK"
)

// ParseMode accepts NORMAL or CHECK in any case; empty means NORMAL.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToUpper(strings.TrimSpace(s))) {
	case "", ModeNormal:
		return ModeNormal, nil
	case ModeCheck:
		return ModeCheck, nil
	default:
		return "", fmt.Errorf("unknown scrape mode %q (want NORMAL or CHECK)", s)
	}
}

type Hospital struct {
	HospNameGb string `json:"hospNameGb"`
	TopWait    string `json:"topWait"`
	HospTimeEn string `json:"hospTimeEn"`
}

type Config struct {
	SourceURL  string
	Query      string
	Location   *time.Location
	StaleAfter time.Duration

	// HTTPClient defaults to a client with a 30s timeout.
	HTTPClient *http.Client
}

type Scraper struct {
	cfg   Config
	store dataset.Store
	code  *gojq.Code
}

// Outcome describes what a scrape did.
type Outcome struct {
	Mode      Mode
	Scraped   bool
	Path      string
	Hospitals int

	// LastUpdate is the feed time of the newest stored snapshot (CHECK only).
	LastUpdate time.Time
}

func New(cfg Config, store dataset.Store) (*Scraper, error) {
	if cfg.SourceURL == "" {
		cfg.SourceURL = DefaultSourceURL
	}
	if cfg.Query == "" {
		cfg.Query = DefaultQuery
	}
	if cfg.Location == nil {
		loc, err := time.LoadLocation("Asia/Hong_Kong")
		if err != nil {
			return nil, err
		}
		cfg.Location = loc
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 15 * time.Minute
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}

	query, err := gojq.Parse(cfg.Query)
	if err != nil {
		return nil, fmt.Errorf("failed to parse query %s: %w", cfg.Query, err)
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return nil, fmt.Errorf("failed to compile query %s: %w", cfg.Query, err)
	}

	return &Scraper{cfg: cfg, store: store, code: code}, nil
}

// Fetch downloads the feed and projects it to one record per hospital.
func (s *Scraper) Fetch(ctx context.Context) ([]Hospital, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.SourceURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch data: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var feed any
	if err := json.Unmarshal(body, &feed); err != nil {
		return nil, fmt.Errorf("decode feed: %w", err)
	}

	iter := s.code.RunWithContext(ctx, feed)
	v, ok := iter.Next()
	if !ok {
		return nil, fmt.Errorf("query %s returned no results", s.cfg.Query)
	}
	if err, ok := v.(error); ok {
		return nil, fmt.Errorf("error evaluating query %s: %w", s.cfg.Query, err)
	}

	// re-encode the query output into the record shape
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out []Hospital
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("query output is not a list of hospitals: %w", err)
	}
	if len(out) == 0 {
		return nil, ErrEmptyFeed
	}
	return out, nil
}

// Normal fetches and stores one snapshot unconditionally.
func (s *Scraper) Normal(ctx context.Context, now time.Time) (Outcome, error) {
	now = now.In(s.cfg.Location)
	out, err := s.scrape(ctx, now)
	if err != nil {
		return out, s.fail(ctx, now, fmt.Errorf("failed to fetch and update data: %w", err))
	}
	logging.L.Info().WithMessage("data updated").
		WithField("path", out.Path).
		WithField("hospitals", out.Hospitals).
		Write()
	return out, nil
}

// Check scrapes only when the newest snapshot in the partition of
// now-StaleAfter is older than now-StaleAfter, or when there is none.
func (s *Scraper) Check(ctx context.Context, now time.Time) (Outcome, error) {
	now = now.In(s.cfg.Location)
	cutoff := now.Add(-s.cfg.StaleAfter)

	last, found, err := s.lastUpdate(ctx, cutoff)
	if err != nil {
		return Outcome{Mode: ModeCheck}, s.fail(ctx, now, fmt.Errorf("error checking or updating data: %w", err))
	}
	if found && !last.Before(cutoff) {
		logging.L.Info().WithMessage("data is up to date").
			WithField("last_update", last.Format(time.RFC3339)).Write()
		return Outcome{Mode: ModeCheck, LastUpdate: last}, nil
	}

	logging.L.Info().WithMessage("data missing for the last window; fetching").
		WithField("window", s.cfg.StaleAfter.String()).Write()

	out, err := s.scrape(ctx, now)
	out.Mode = ModeCheck
	out.LastUpdate = last
	if err != nil {
		return out, s.fail(ctx, now, fmt.Errorf("error checking or updating data: %w", err))
	}
	logging.L.Info().WithMessage("data updated").
		WithField("path", out.Path).
		WithField("hospitals", out.Hospitals).
		Write()
	return out, nil
}

// lastUpdate reads the feed time of the newest snapshot in at's partition.
func (s *Scraper) lastUpdate(ctx context.Context, at time.Time) (time.Time, bool, error) {
	files, err := s.store.List(ctx, PartitionPrefix("data", at))
	if err != nil {
		return time.Time{}, false, err
	}
	if len(files) == 0 {
		return time.Time{}, false, nil
	}

	b, err := s.store.Get(ctx, files[len(files)-1])
	if err != nil {
		return time.Time{}, false, err
	}
	var hosps []Hospital
	if err := json.Unmarshal(b, &hosps); err != nil {
		return time.Time{}, false, fmt.Errorf("decode %s: %w", files[len(files)-1], err)
	}
	if len(hosps) == 0 {
		return time.Time{}, false, nil
	}

	t, err := ParseHospTime(hosps[0].HospTimeEn, s.cfg.Location)
	if err != nil {
		return time.Time{}, false, err
	}
	return t, true, nil
}

func (s *Scraper) scrape(ctx context.Context, now time.Time) (Outcome, error) {
	out := Outcome{Mode: ModeNormal}

	hosps, err := s.Fetch(ctx)
	if err != nil {
		return out, err
	}
	b, err := json.MarshalIndent(hosps, "", "  ")
	if err != nil {
		return out, err
	}

	path := SnapshotPath(now)
	if err := s.store.Put(ctx, path, b, "Add AED wait time snapshot "+now.Format(time.RFC3339)); err != nil {
		return out, err
	}
	if err := s.store.Put(ctx, readmePath, Readme(now), "Update README"); err != nil {
		return out, err
	}

	out.Scraped = true
	out.Path = path
	out.Hospitals = len(hosps)
	return out, nil
}

type errorRecord struct {
	Timestamp string `json:"timestamp"`
	Error     string `json:"error"`
}

// fail appends an error record to the store and returns err.
func (s *Scraper) fail(ctx context.Context, now time.Time, err error) error {
	logging.L.Error(err).WithMessage("scrape failed").Write()

	b, merr := json.Marshal(errorRecord{Timestamp: now.Format(time.RFC3339), Error: err.Error()})
	if merr != nil {
		return errors.Join(err, merr)
	}
	if perr := s.store.Put(ctx, ErrorPath(now), b, "Log scrape error"); perr != nil {
		logging.L.Error(perr).WithMessage("failed to log scrape error").Write()
		return errors.Join(err, perr)
	}
	return err
}

// PartitionPrefix is <root>/<YYYY-MM>/<DD>.
func PartitionPrefix(root string, t time.Time) string {
	return fmt.Sprintf("%s/%s/%s", root, t.Format("2006-01"), t.Format("02"))
}

func SnapshotPath(t time.Time) string {
	return PartitionPrefix("data", t) + "/" + t.Format("20060102T150405") + ".json"
}

func ErrorPath(t time.Time) string {
	return PartitionPrefix("errors", t) + "/" + t.Format("20060102T150405") + ".json"
}

func Readme(now time.Time) []byte {
	return []byte("# AED Wait Time Data\n\nLast updated: " + now.Format(time.RFC3339) +
		"\n\nThis dataset contains AED wait time data for Hong Kong public hospitals.\n")
}

// ParseHospTime parses the feed's hospTimeEn in loc.
func ParseHospTime(s string, loc *time.Location) (time.Time, error) {
	v := strings.ToUpper(strings.TrimSpace(s))
	v = strings.Replace(v, " AM", "AM", 1)
	v = strings.Replace(v, " PM", "PM", 1)
	t, err := time.ParseInLocation(hospTimeLayout, v, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse hospTimeEn %q: %w", s, err)
	}
	return t, nil
}
