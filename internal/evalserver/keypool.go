package evalserver

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// KeyLease is a checked-out target API key. Hold it for the duration of one
// run and hand it back with Commit or Reject.
type KeyLease struct {
	Label  string
	APIKey string
	keyRef *targetKeyState
}

// KeyPool paces evaluation traffic across the configured target API keys so
// one noisy run cannot exhaust a shared key's quota.
type KeyPool struct {
	mu   sync.Mutex
	keys []*targetKeyState
}

type targetKeyState struct {
	Config          TargetKeyConfig
	DayKey          string
	RequestsToday   int
	RequestsLastMin []time.Time
	ActiveRuns      int
}

func NewKeyPool(cfg ServerConfig) *KeyPool {
	pool := &KeyPool{keys: []*targetKeyState{}}
	for _, key := range cfg.Target.Keys {
		item := key
		if strings.TrimSpace(item.APIKey) == "" {
			continue
		}
		if strings.TrimSpace(item.Label) == "" {
			item.Label = fmt.Sprintf("key-%d", len(pool.keys)+1)
		}
		if item.RPM <= 0 {
			item.RPM = 30
		}
		if item.DailyRequestLimit <= 0 {
			item.DailyRequestLimit = 5000
		}
		pool.keys = append(pool.keys, &targetKeyState{Config: item})
	}
	return pool
}

// Empty reports whether no keys were configured. Runs then go out without
// an Authorization header, which suits unauthenticated local targets.
func (p *KeyPool) Empty() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.keys) == 0
}

// Acquire leases the key with the most daily headroom that can still absorb
// estimatedRequests submissions today.
func (p *KeyPool) Acquire(estimatedRequests int) (KeyLease, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.keys) == 0 {
		return KeyLease{}, errors.New("no target keys configured")
	}
	if estimatedRequests < 1 {
		estimatedRequests = 1
	}
	now := time.Now()
	dayKey := now.UTC().Format("2006-01-02")
	candidates := make([]*targetKeyState, 0, len(p.keys))
	for _, key := range p.keys {
		p.rollWindow(key, now, dayKey)
		remaining := key.Config.DailyRequestLimit - key.RequestsToday
		if remaining < estimatedRequests {
			continue
		}
		if len(key.RequestsLastMin) >= key.Config.RPM {
			continue
		}
		candidates = append(candidates, key)
	}
	if len(candidates) == 0 {
		return KeyLease{}, errors.New("all target keys are quota or rate limited")
	}
	sort.Slice(candidates, func(i, j int) bool {
		leftRemain := candidates[i].Config.DailyRequestLimit - candidates[i].RequestsToday
		rightRemain := candidates[j].Config.DailyRequestLimit - candidates[j].RequestsToday
		if leftRemain == rightRemain {
			return candidates[i].ActiveRuns < candidates[j].ActiveRuns
		}
		return leftRemain > rightRemain
	})
	selected := candidates[0]
	selected.ActiveRuns++
	selected.RequestsLastMin = append(selected.RequestsLastMin, now)
	return KeyLease{
		Label:  selected.Config.Label,
		APIKey: selected.Config.APIKey,
		keyRef: selected,
	}, nil
}

// Commit charges the lease's key for the requests a finished run actually
// made and releases the lease.
func (p *KeyPool) Commit(lease KeyLease, usage KeyUsageRecord) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if lease.keyRef == nil {
		return
	}
	now := time.Now()
	dayKey := now.UTC().Format("2006-01-02")
	p.rollWindow(lease.keyRef, now, dayKey)
	if usage.Requests > 0 {
		lease.keyRef.RequestsToday += usage.Requests
	}
	if lease.keyRef.ActiveRuns > 0 {
		lease.keyRef.ActiveRuns--
	}
}

// Reject releases the lease without charging it. Use when the run never made
// it to the submission stage.
func (p *KeyPool) Reject(lease KeyLease) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if lease.keyRef == nil {
		return
	}
	if lease.keyRef.ActiveRuns > 0 {
		lease.keyRef.ActiveRuns--
	}
}

func (p *KeyPool) rollWindow(state *targetKeyState, now time.Time, dayKey string) {
	if state.DayKey != dayKey {
		state.DayKey = dayKey
		state.RequestsToday = 0
		state.RequestsLastMin = nil
	}
	cutoff := now.Add(-1 * time.Minute)
	state.RequestsLastMin = filterRecentTime(state.RequestsLastMin, cutoff)
}

func filterRecentTime(items []time.Time, cutoff time.Time) []time.Time {
	if len(items) == 0 {
		return items
	}
	out := items[:0]
	for _, item := range items {
		if item.After(cutoff) {
			out = append(out, item)
		}
	}
	return out
}
