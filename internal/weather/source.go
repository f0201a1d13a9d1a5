package weather

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/goccy/go-json"
	"go.uber.org/zap"
)

// Source supplies snapshots for the requested locations. Unknown locations are
// skipped rather than reported as errors. The result preserves request order:
// zip codes first, then cities.
type Source interface {
	Fetch(ctx context.Context, zipcodes, cities []string) ([]LocationSnapshot, error)
}

// FileSource reads one JSON document per location from Dir, named
// "<location>.json".
type FileSource struct {
	Dir    string
	logger *zap.Logger
}

// NewFileSource returns a Source backed by a directory of JSON files.
func NewFileSource(dir string, logger *zap.Logger) *FileSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileSource{Dir: dir, logger: logger.Named("weather")}
}

func (s *FileSource) Fetch(ctx context.Context, zipcodes, cities []string) ([]LocationSnapshot, error) {
	locations := orderedLocations(zipcodes, cities)
	out := make([]LocationSnapshot, 0, len(locations))

	for _, loc := range locations {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		snap, err := s.load(loc)
		if errors.Is(err, fs.ErrNotExist) {
			s.logger.Debug("no weather data for location", zap.String("location", loc))
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("weather: load %q: %w", loc, err)
		}
		out = append(out, LocationSnapshot{Location: loc, Snapshot: snap})
	}

	s.logger.Debug("weather snapshots loaded",
		zap.Int("requested", len(locations)),
		zap.Int("found", len(out)),
	)
	return out, nil
}

func (s *FileSource) load(location string) (Snapshot, error) {
	name, ok := fileName(location)
	if !ok {
		return Snapshot{}, fs.ErrNotExist
	}

	data, err := os.ReadFile(filepath.Join(s.Dir, name))
	if err != nil {
		return Snapshot{}, err
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

// fileName maps a location label to a file name, rejecting anything that
// could escape the data directory.
func fileName(location string) (string, bool) {
	loc := strings.TrimSpace(location)
	if loc == "" || strings.ContainsAny(loc, `/\`) || strings.Contains(loc, "..") {
		return "", false
	}
	return loc + ".json", true
}

// StaticSource serves snapshots from memory. Safe for concurrent use.
type StaticSource struct {
	mu        sync.RWMutex
	snapshots map[string]Snapshot
}

// NewStaticSource returns a StaticSource seeded with snapshots.
func NewStaticSource(snapshots map[string]Snapshot) *StaticSource {
	m := make(map[string]Snapshot, len(snapshots))
	for k, v := range snapshots {
		m[k] = v
	}
	return &StaticSource{snapshots: m}
}

// Set adds or replaces the snapshot for a location.
func (s *StaticSource) Set(location string, snap Snapshot) {
	s.mu.Lock()
	s.snapshots[location] = snap
	s.mu.Unlock()
}

func (s *StaticSource) Fetch(ctx context.Context, zipcodes, cities []string) ([]LocationSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []LocationSnapshot
	for _, loc := range orderedLocations(zipcodes, cities) {
		if snap, ok := s.snapshots[loc]; ok {
			out = append(out, LocationSnapshot{Location: loc, Snapshot: snap})
		}
	}
	return out, nil
}

// orderedLocations concatenates zip codes and cities, dropping blanks and
// repeated labels while keeping first-seen order.
func orderedLocations(zipcodes, cities []string) []string {
	seen := make(map[string]struct{}, len(zipcodes)+len(cities))
	out := make([]string, 0, len(zipcodes)+len(cities))
	for _, group := range [][]string{zipcodes, cities} {
		for _, raw := range group {
			loc := strings.TrimSpace(raw)
			if loc == "" {
				continue
			}
			if _, dup := seen[loc]; dup {
				continue
			}
			seen[loc] = struct{}{}
			out = append(out, loc)
		}
	}
	return out
}
