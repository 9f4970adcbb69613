package httpapi

import (
	"sync"
	"time"
)

// banWindow and banThreshold are the request-flood ban list's constants,
// taken from the original source's BanList.h rather than invented: five
// unmapped GET hits from one source within five minutes gets the rest of
// that window answered with 429.
const (
	banWindow    = 5 * time.Minute
	banThreshold = 5
)

type banEntry struct {
	windowStart time.Time
	hits        int
	bannedUntil time.Time
}

// banList tracks unmapped-GET hits per source IP. Entries expire lazily:
// a window older than banWindow is discarded the next time that source is
// looked up rather than swept by a background goroutine.
type banList struct {
	mu      sync.Mutex
	entries map[string]*banEntry
}

func newBanList() *banList {
	return &banList{entries: make(map[string]*banEntry)}
}

// recordMiss counts one unmapped GET from source. Call only for requests
// that actually fell through to the catch-all route.
func (b *banList) recordMiss(source string) {
	now := time.Now()
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[source]
	if !ok || now.Sub(e.windowStart) > banWindow {
		e = &banEntry{windowStart: now}
		b.entries[source] = e
	}
	e.hits++
	if e.hits >= banThreshold {
		e.bannedUntil = e.windowStart.Add(banWindow)
	}
}

// isBanned reports whether source is currently serving out a ban window.
func (b *banList) isBanned(source string) bool {
	now := time.Now()
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[source]
	if !ok {
		return false
	}
	if now.Sub(e.windowStart) > banWindow {
		delete(b.entries, source)
		return false
	}
	return !e.bannedUntil.IsZero() && now.Before(e.bannedUntil)
}

// banSummary is a process-wide view for the node status endpoint: how
// many sources are currently tracked, and how many of those are serving
// out an active ban.
type banSummary struct {
	TrackedSources int `json:"trackedSources"`
	BannedSources  int `json:"bannedSources"`
}

func (b *banList) summarize() banSummary {
	now := time.Now()
	b.mu.Lock()
	defer b.mu.Unlock()

	var s banSummary
	for _, e := range b.entries {
		if now.Sub(e.windowStart) > banWindow {
			continue
		}
		s.TrackedSources++
		if !e.bannedUntil.IsZero() && now.Before(e.bannedUntil) {
			s.BannedSources++
		}
	}
	return s
}
