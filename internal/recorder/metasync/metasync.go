// Package metasync buffers location and sensor samples and stamps finished
// clips with the samples that overlap the clip window.
package metasync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mikeyg42/dashcam/internal/recorder/admission"
	"github.com/mikeyg42/dashcam/internal/recorder/buffer"
	"github.com/mikeyg42/dashcam/internal/recorder/recorderlog"
	"github.com/mikeyg42/dashcam/internal/telemetry"
)

// ErrCorrupted is returned by Build for clips below the minimum size.
var ErrCorrupted = errors.New("clip below minimum size")

// FinishedClip is an annotated clip ready for handoff.
type FinishedClip struct {
	SessionID      string
	Path           string
	Size           int64
	StartAt        time.Time
	EndAt          time.Time
	Duration       time.Duration
	DurationSource string // container or estimate
	Label          string
	Metadata       map[string]string
	Locations      []telemetry.LocationSample
	Sensors        []telemetry.SensorSample
}

// Handoff takes ownership of finished clips.
type Handoff interface {
	Enqueue(ctx context.Context, clip *FinishedClip) error
}

// ZoneResolver maps a position to a surge zone or boundary id.
type ZoneResolver interface {
	Resolve(lat, lon float64) (string, bool)
}

// ThermalSource exposes the latest device temperature.
type ThermalSource interface {
	LastReading() (float64, bool)
}

// Config controls clip windowing. Lookback is how far before its start
// boundary a clip may reach, the pre-roll held by the encoder.
type Config struct {
	WindowSlack       time.Duration
	MinClipBytes      int64
	LargeClipBytes    int64
	LargeClipDuration time.Duration
	SmallClipDuration time.Duration
	Lookback          time.Duration
	HandoffTimeout    time.Duration
}

func (c *Config) withDefaults() {
	if c.WindowSlack <= 0 {
		c.WindowSlack = time.Second
	}
	if c.MinClipBytes <= 0 {
		c.MinClipBytes = 2 << 20
	}
	if c.LargeClipBytes <= 0 {
		c.LargeClipBytes = 4 << 20
	}
	if c.LargeClipDuration <= 0 {
		c.LargeClipDuration = 10 * time.Second
	}
	if c.SmallClipDuration <= 0 {
		c.SmallClipDuration = time.Second
	}
	if c.Lookback <= 0 {
		c.Lookback = 15 * time.Second
	}
	if c.HandoffTimeout <= 0 {
		c.HandoffTimeout = 30 * time.Second
	}
}

// Options are the optional collaborators of a Synchronizer.
type Options struct {
	Zones   ZoneResolver
	Thermal ThermalSource
	Handoff Handoff
	Logger  recorderlog.Logger

	// overridable for tests
	Probe      func(path string) (*buffer.ClipInfo, error)
	AppendTags func(path string, kv map[string]string) error
}

// Synchronizer owns the two sample buffers.
type Synchronizer struct {
	cfg     Config
	zones   ZoneResolver
	thermal ThermalSource
	handoff Handoff
	logger  recorderlog.Logger
	probe   func(string) (*buffer.ClipInfo, error)
	tag     func(string, map[string]string) error

	mu        sync.Mutex
	locations []telemetry.LocationSample
	sensors   []telemetry.SensorSample

	// start boundaries of windows not yet ended, oldest first
	open []time.Time

	clamped   atomic.Uint64
	purged    atomic.Uint64
	finalized atomic.Uint64
	estimated atomic.Uint64
	tagErrors atomic.Uint64
}

// New creates a Synchronizer.
func New(cfg Config, opts Options) *Synchronizer {
	cfg.withDefaults()
	s := &Synchronizer{
		cfg:     cfg,
		zones:   opts.Zones,
		thermal: opts.Thermal,
		handoff: opts.Handoff,
		logger:  recorderlog.OrGlobal(opts.Logger, "metasync"),
		probe:   opts.Probe,
		tag:     opts.AppendTags,
	}
	if s.probe == nil {
		s.probe = buffer.ProbeClip
	}
	if s.tag == nil {
		s.tag = buffer.AppendTags
	}
	return s
}

// AddLocation appends l. A timestamp older than the newest sample is clamped
// to it so the buffer stays ordered.
func (s *Synchronizer) AddLocation(l telemetry.LocationSample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n := len(s.locations); n > 0 && l.Timestamp.Before(s.locations[n-1].Timestamp) {
		l.Timestamp = s.locations[n-1].Timestamp
		s.clamped.Add(1)
	}
	s.locations = append(s.locations, l)
}

// AddSensor appends r with the same ordering rule as AddLocation.
func (s *Synchronizer) AddSensor(r telemetry.SensorSample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n := len(s.sensors); n > 0 && r.Timestamp.Before(s.sensors[n-1].Timestamp) {
		r.Timestamp = s.sensors[n-1].Timestamp
		s.clamped.Add(1)
	}
	s.sensors = append(s.sensors, r)
}

// BeginWindow opens a recording window at start. Samples no clip starting
// at or after the oldest open window can reach are purged.
func (s *Synchronizer) BeginWindow(start time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := sort.Search(len(s.open), func(i int) bool { return s.open[i].After(start) })
	s.open = append(s.open, time.Time{})
	copy(s.open[i+1:], s.open[i:])
	s.open[i] = start
	s.purgeLocked()
}

// EndWindow closes the window opened at start, whatever the clip outcome.
func (s *Synchronizer) EndWindow(start time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, t := range s.open {
		if t.Equal(start) {
			s.open = append(s.open[:i], s.open[i+1:]...)
			return
		}
	}
}

// Slice returns the samples in [from, to] and purges each buffer through its
// last returned sample, then drops samples older than any open window needs.
func (s *Synchronizer) Slice(from, to time.Time) ([]telemetry.LocationSample, []telemetry.SensorSample) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var locs []telemetry.LocationSample
	locs, s.locations = sliceAndPurge(s.locations, from, to, func(l telemetry.LocationSample) time.Time { return l.Timestamp })
	var sens []telemetry.SensorSample
	sens, s.sensors = sliceAndPurge(s.sensors, from, to, func(r telemetry.SensorSample) time.Time { return r.Timestamp })
	s.purgeLocked()
	return locs, sens
}

// purgeLocked drops samples strictly older than the reach of the oldest open
// window. Without an open window only Slice consumes samples.
func (s *Synchronizer) purgeLocked() {
	if len(s.open) == 0 {
		return
	}
	cut := s.open[0].Add(-(s.cfg.Lookback + s.cfg.WindowSlack))
	var n int
	s.locations, n = purgeBefore(s.locations, cut, func(l telemetry.LocationSample) time.Time { return l.Timestamp })
	s.purged.Add(uint64(n))
	s.sensors, n = purgeBefore(s.sensors, cut, func(r telemetry.SensorSample) time.Time { return r.Timestamp })
	s.purged.Add(uint64(n))
}

func purgeBefore[T any](buf []T, cut time.Time, ts func(T) time.Time) ([]T, int) {
	n := sort.Search(len(buf), func(i int) bool { return !ts(buf[i]).Before(cut) })
	if n == 0 {
		return buf, 0
	}
	return compact(buf, n), n
}

// Len returns the buffered sample counts.
func (s *Synchronizer) Len() (locations, sensors int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.locations), len(s.sensors)
}

func sliceAndPurge[T any](buf []T, from, to time.Time, ts func(T) time.Time) ([]T, []T) {
	lo := sort.Search(len(buf), func(i int) bool { return !ts(buf[i]).Before(from) })
	hi := sort.Search(len(buf), func(i int) bool { return ts(buf[i]).After(to) })
	if lo >= hi {
		return nil, buf
	}
	out := make([]T, hi-lo)
	copy(out, buf[lo:hi])
	return out, compact(buf, hi)
}

// compact drops the first n elements into a fresh backing array no larger
// than the remainder.
func compact[T any](buf []T, n int) []T {
	if n >= len(buf) {
		return nil
	}
	out := make([]T, len(buf)-n)
	copy(out, buf[n:])
	return out
}

// Finalize implements admission.Finalizer: it annotates the clip and hands
// it off. Failures are logged; the clip file is left in place.
func (s *Synchronizer) Finalize(c admission.Completed) {
	clip, err := s.Build(c)
	if err != nil {
		s.logger.Warn("Clip not finalized", recorderlog.String("session", c.Session.ID), recorderlog.Error(err))
		return
	}
	s.finalized.Add(1)

	if s.handoff == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.HandoffTimeout)
	defer cancel()
	if err := s.handoff.Enqueue(ctx, clip); err != nil {
		s.logger.Error("Clip handoff failed", recorderlog.String("path", clip.Path), recorderlog.Error(err))
	}
}

// Build computes the true clip window, slices the samples in it and appends
// the metadata block to the clip file.
func (s *Synchronizer) Build(c admission.Completed) (*FinishedClip, error) {
	res := c.Save
	size := res.Size
	if size <= 0 {
		st, err := os.Stat(res.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to stat clip: %w", err)
		}
		size = st.Size()
	}
	if size < s.cfg.MinClipBytes {
		return nil, ErrCorrupted
	}

	completedAt := res.CompletedAt
	if completedAt.IsZero() {
		completedAt = time.Now()
	}

	dur, source := s.duration(res.Path, size)
	startAt := completedAt.Add(-dur)
	locs, sens := s.Slice(startAt.Add(-s.cfg.WindowSlack), completedAt)

	clip := &FinishedClip{
		SessionID:      c.Session.ID,
		Path:           res.Path,
		Size:           size,
		StartAt:        startAt,
		EndAt:          completedAt,
		Duration:       dur,
		DurationSource: source,
		Label:          c.Session.Request.Label,
		Locations:      locs,
		Sensors:        sens,
	}
	clip.Metadata = s.metadata(c, clip)

	if err := s.tag(res.Path, clip.Metadata); err != nil {
		s.tagErrors.Add(1)
		s.logger.Warn("Failed to embed clip metadata", recorderlog.String("path", res.Path), recorderlog.Error(err))
	}
	return clip, nil
}

func (s *Synchronizer) duration(path string, size int64) (time.Duration, string) {
	info, err := s.probe(path)
	if err == nil && info.Duration > 0 {
		return info.Duration, "container"
	}
	s.estimated.Add(1)
	s.logger.Debug("Clip duration unreadable, estimating from size", recorderlog.String("path", path), recorderlog.Error(err))
	if size > s.cfg.LargeClipBytes {
		return s.cfg.LargeClipDuration, "estimate"
	}
	return s.cfg.SmallClipDuration, "estimate"
}

func (s *Synchronizer) metadata(c admission.Completed, clip *FinishedClip) map[string]string {
	req := c.Session.Request
	md := map[string]string{
		"session_id":      clip.SessionID,
		"timestamp_utc":   clip.StartAt.UTC().Format(time.RFC3339Nano),
		"timestamp_local": clip.StartAt.Local().Format(time.RFC3339Nano),
		"end_utc":         clip.EndAt.UTC().Format(time.RFC3339Nano),
		"duration_ms":     strconv.FormatInt(clip.Duration.Milliseconds(), 10),
		"duration_source": clip.DurationSource,
		"manual":          strconv.FormatBool(req.Manual),
	}
	if req.Label != "" {
		md["label"] = req.Label
		md["confidence"] = strconv.FormatFloat(req.Confidence, 'f', 3, 64)
	}
	if req.WorkflowMetadata != "" {
		md["workflow_metadata"] = req.WorkflowMetadata
	}
	if !req.RequestedAt.IsZero() {
		md["requested_at"] = req.RequestedAt.UTC().Format(time.RFC3339Nano)
	}

	res := c.Save
	if !res.FirstFrame.IsZero() {
		md["preroll_start"] = res.FirstFrame.UTC().Format(time.RFC3339Nano)
	}
	if !res.TriggeredAt.IsZero() {
		md["trigger_at"] = res.TriggeredAt.UTC().Format(time.RFC3339Nano)
	}
	if !res.LastFrame.IsZero() {
		md["postroll_end"] = res.LastFrame.UTC().Format(time.RFC3339Nano)
	}

	if s.thermal != nil {
		if t, ok := s.thermal.LastReading(); ok {
			md["thermal_c"] = strconv.FormatFloat(t, 'f', 1, 64)
		}
	}

	if n := len(clip.Locations); n > 0 {
		l := clip.Locations[n-1]
		md["lat"] = strconv.FormatFloat(l.Lat, 'f', 6, 64)
		md["lon"] = strconv.FormatFloat(l.Lon, 'f', 6, 64)
		md["altitude"] = strconv.FormatFloat(l.Altitude, 'f', 1, 64)
		md["speed"] = strconv.FormatFloat(l.Speed, 'f', 2, 64)
		if l.Country != "" {
			md["country"] = l.Country
		}
		if l.Address != "" {
			md["address"] = l.Address
		}
		if s.zones != nil {
			if id, ok := s.resolveZone(l.Lat, l.Lon); ok {
				md["zone_id"] = id
			}
		}
		if b, err := json.Marshal(clip.Locations); err == nil {
			md["location_history"] = string(b)
		}
	}
	if len(clip.Sensors) > 0 {
		if b, err := json.Marshal(clip.Sensors); err == nil {
			md["sensor_history"] = string(b)
		}
	}
	return md
}

// resolveZone is best effort; a panicking resolver only loses the field.
func (s *Synchronizer) resolveZone(lat, lon float64) (id string, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Warn("Zone lookup failed", recorderlog.Any("panic", r))
			id, ok = "", false
		}
	}()
	return s.zones.Resolve(lat, lon)
}

// Metrics returns synchronizer statistics
func (s *Synchronizer) Metrics() map[string]interface{} {
	locs, sens := s.Len()
	s.mu.Lock()
	open := len(s.open)
	s.mu.Unlock()
	return map[string]interface{}{
		"open_windows":       open,
		"locations_buffered": locs,
		"sensors_buffered":   sens,
		"clamped":            s.clamped.Load(),
		"purged":             s.purged.Load(),
		"finalized":          s.finalized.Load(),
		"estimated_duration": s.estimated.Load(),
		"tag_errors":         s.tagErrors.Load(),
	}
}
