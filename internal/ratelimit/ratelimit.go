// Package ratelimit implements the per-(channel,user) sliding-window rate
// limiter with three-strike escalation described in spec §4.C. Buckets are
// stored in a sharded map so that distinct keys can be mutated concurrently
// without a single coarse lock serializing every check — the same pattern
// the teacher's connection pool and worker-pool code use for per-key state.
package ratelimit

import (
	"fmt"
	"hash/fnv"
	"sync"
	"time"
)

const (
	windowDuration = 60 * time.Second
	numShards      = 32
)

// Config tunes the limiter. Zero values fall back to the spec's defaults.
type Config struct {
	MaxPerMinute int
	MaxStrikes   int
	Cooldowns    []time.Duration // indexed by strikes-1; last entry should be a very large duration standing in for "forever until next strike bans"
}

func (c Config) withDefaults() Config {
	if c.MaxPerMinute <= 0 {
		c.MaxPerMinute = 30
	}
	if c.MaxStrikes <= 0 {
		c.MaxStrikes = 3
	}
	if len(c.Cooldowns) == 0 {
		c.Cooldowns = []time.Duration{30 * time.Minute, 60 * time.Minute, 365 * 24 * time.Hour}
	}
	return c
}

// bucket is the per-key sliding-window + strike-ladder state.
type bucket struct {
	mu           sync.Mutex
	timestamps   []time.Time
	strikes      int
	blockedUntil time.Time
	banned       bool
	lastSeen     time.Time
}

// Result is returned from Check.
type Result struct {
	Allowed      bool
	Reason       string
	Strikes      int
	ResetInMs    int64 // -1 means "no reset, permanently blocked"
	Remaining    int
	CooldownMins int
}

type shard struct {
	mu      sync.Mutex
	buckets map[string]*bucket
}

// Limiter is the process-wide rate limiter singleton.
type Limiter struct {
	cfg    Config
	shards [numShards]*shard

	cleanupStop chan struct{}
	cleanupOnce sync.Once
}

// New constructs a Limiter and starts its 5-minute cleanup sweep.
func New(cfg Config) *Limiter {
	l := &Limiter{
		cfg:         cfg.withDefaults(),
		cleanupStop: make(chan struct{}),
	}
	for i := range l.shards {
		l.shards[i] = &shard{buckets: make(map[string]*bucket)}
	}
	go l.cleanupLoop()
	return l
}

// Shutdown stops the background cleanup sweep. Safe to call more than once.
func (l *Limiter) Shutdown() {
	l.cleanupOnce.Do(func() { close(l.cleanupStop) })
}

func key(channel, userID string) string {
	return channel + ":" + userID
}

func (l *Limiter) shardFor(k string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(k))
	return l.shards[h.Sum32()%numShards]
}

func (l *Limiter) bucketFor(k string) *bucket {
	sh := l.shardFor(k)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	b, ok := sh.buckets[k]
	if !ok {
		b = &bucket{}
		sh.buckets[k] = b
	}
	return b
}

// Check evaluates and mutates the bucket for (channel, userID) per spec §4.C.
func (l *Limiter) Check(channel, userID string) Result {
	b := l.bucketFor(key(channel, userID))
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.lastSeen = now

	if b.banned {
		return Result{Allowed: false, Reason: "permanent ban", ResetInMs: -1, Strikes: b.strikes}
	}

	if now.Before(b.blockedUntil) {
		mins := int(b.blockedUntil.Sub(now).Minutes()) + 1
		return Result{
			Allowed:      false,
			Reason:       fmt.Sprintf("rate limit cooldown active, %d minute(s) remaining", mins),
			ResetInMs:    b.blockedUntil.Sub(now).Milliseconds(),
			Strikes:      b.strikes,
			CooldownMins: mins,
		}
	}

	cutoff := now.Add(-windowDuration)
	pruned := b.timestamps[:0]
	for _, ts := range b.timestamps {
		if ts.After(cutoff) {
			pruned = append(pruned, ts)
		}
	}
	b.timestamps = pruned

	if len(b.timestamps) >= l.cfg.MaxPerMinute {
		b.strikes++
		if b.strikes >= l.cfg.MaxStrikes {
			b.banned = true
			return Result{Allowed: false, Reason: "permanent ban after repeated violations", ResetInMs: -1, Strikes: b.strikes}
		}
		cooldown := l.cfg.Cooldowns[b.strikes-1]
		b.blockedUntil = now.Add(cooldown)
		mins := int(cooldown.Minutes())
		return Result{
			Allowed:      false,
			Reason:       fmt.Sprintf("rate limit exceeded, strike %d/%d, cooldown %d minute(s)", b.strikes, l.cfg.MaxStrikes, mins),
			ResetInMs:    cooldown.Milliseconds(),
			Strikes:      b.strikes,
			CooldownMins: mins,
		}
	}

	b.timestamps = append(b.timestamps, now)
	remaining := l.cfg.MaxPerMinute - len(b.timestamps)
	resetIn := windowDuration - now.Sub(b.timestamps[0])
	return Result{
		Allowed:   true,
		Remaining: remaining,
		ResetInMs: resetIn.Milliseconds(),
		Strikes:   b.strikes,
	}
}

// Reset wipes the bucket for (channel, userID), discarding its entire history.
func (l *Limiter) Reset(channel, userID string) {
	b := l.bucketFor(key(channel, userID))
	b.mu.Lock()
	defer b.mu.Unlock()
	*b = bucket{}
}

// Unban clears ban/strike/cooldown state but preserves the bucket's identity
// (the same *bucket survives, it's just zeroed of punitive state).
func (l *Limiter) Unban(channel, userID string) {
	b := l.bucketFor(key(channel, userID))
	b.mu.Lock()
	defer b.mu.Unlock()
	b.banned = false
	b.strikes = 0
	b.blockedUntil = time.Time{}
	b.timestamps = nil
}

// Stats summarizes limiter-wide bucket state.
type Stats struct {
	Users             int
	BannedUsers       int
	CurrentlyBlocked  int
}

func (l *Limiter) Stats() Stats {
	var s Stats
	now := time.Now()
	for _, sh := range l.shards {
		sh.mu.Lock()
		for _, b := range sh.buckets {
			b.mu.Lock()
			s.Users++
			if b.banned {
				s.BannedUsers++
			} else if now.Before(b.blockedUntil) {
				s.CurrentlyBlocked++
			}
			b.mu.Unlock()
		}
		sh.mu.Unlock()
	}
	return s
}

func (l *Limiter) cleanupLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-l.cleanupStop:
			return
		case <-ticker.C:
			l.sweep()
		}
	}
}

// sweep deletes buckets idle for more than two hours that are neither
// currently blocked nor permanently banned. Banned buckets persist
// indefinitely — they are cleared only via explicit Unban.
func (l *Limiter) sweep() {
	now := time.Now()
	for _, sh := range l.shards {
		sh.mu.Lock()
		for k, b := range sh.buckets {
			b.mu.Lock()
			idle := now.Sub(b.lastSeen) > 2*time.Hour
			stale := idle && !b.banned && now.After(b.blockedUntil)
			b.mu.Unlock()
			if stale {
				delete(sh.buckets, k)
			}
		}
		sh.mu.Unlock()
	}
}
