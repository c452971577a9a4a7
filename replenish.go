package main

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/disgoorg/snowflake/v2"
)

type ReplenishMode int

const (
	ModeAutoplay ReplenishMode = iota
	ModeRadio
)

const (
	replenishBudget   = 2 * time.Hour
	replenishPoll     = 5 * time.Second
	replenishLowWater = 3
	replenishBackoff  = 10 * time.Second
	radioBackoff      = 30 * time.Second
	autoplayAcceptCap = 5
	radioCandidateCap = 8
	radioAcceptCap    = 5
)

// Replenisher keeps a session's queue topped up for a fixed budget.
// Autoplay pulls from an artist's catalog and stops when it runs dry;
// radio follows related tracks from whatever is playing and keeps
// going through dry spells.
type Replenisher struct {
	mode      ReplenishMode
	session   *Session
	provider  TrackProvider
	notify    Notifier
	channelID snowflake.ID

	mu          sync.Mutex
	artist      string
	description string
	energy      int
	played      map[string]struct{}
	avoided     map[string]struct{}
	lastSeedID  string
	playedCount int
	startedAt   time.Time

	// Overridable for tests.
	budget         time.Duration
	poll           time.Duration
	errorBackoff   time.Duration
	exhaustBackoff time.Duration
	lowWater       int

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func newReplenisher(mode ReplenishMode, session *Session, notify Notifier, channelID snowflake.ID) *Replenisher {
	ctx, cancel := context.WithCancel(session.lifeCtx)
	return &Replenisher{
		mode:           mode,
		session:        session,
		provider:       GetTrackProvider(),
		notify:         notify,
		channelID:      channelID,
		played:         make(map[string]struct{}),
		avoided:        make(map[string]struct{}),
		budget:         replenishBudget,
		poll:           replenishPoll,
		errorBackoff:   replenishBackoff,
		exhaustBackoff: radioBackoff,
		lowWater:       replenishLowWater,
		ctx:            ctx,
		cancel:         cancel,
		done:           make(chan struct{}),
	}
}

func NewAutoplayReplenisher(session *Session, notify Notifier, channelID snowflake.ID, artist string) *Replenisher {
	r := newReplenisher(ModeAutoplay, session, notify, channelID)
	r.artist = artist
	return r
}

func NewRadioReplenisher(session *Session, notify Notifier, channelID snowflake.ID, description string, energy int) *Replenisher {
	r := newReplenisher(ModeRadio, session, notify, channelID)
	r.description = description
	r.energy = clampEnergy(energy)
	return r
}

func (r *Replenisher) Mode() ReplenishMode { return r.mode }

func (r *Replenisher) Start() {
	r.mu.Lock()
	r.startedAt = time.Now()
	r.mu.Unlock()
	safeGo(r.run)
}

// Stop cancels the loop and waits for it to exit.
func (r *Replenisher) Stop() {
	r.cancel()
	<-r.done
}

// MarkPlayed records a normalized title so refills never pick it again.
func (r *Replenisher) MarkPlayed(title string) {
	r.mu.Lock()
	r.played[NormalizeTitle(title)] = struct{}{}
	r.mu.Unlock()
}

// Avoid blocks a title from future refills.
func (r *Replenisher) Avoid(title string) {
	norm := NormalizeTitle(title)
	r.mu.Lock()
	r.avoided[norm] = struct{}{}
	r.played[norm] = struct{}{}
	r.mu.Unlock()
}

// Retune points a radio loop at a new direction, dropping the seed so
// the next refill searches fresh.
func (r *Replenisher) Retune(description string) string {
	r.mu.Lock()
	prev := r.description
	r.description = description
	r.lastSeedID = ""
	r.mu.Unlock()
	return prev
}

// Dial shifts the radio energy level and returns the clamped result.
func (r *Replenisher) Dial(delta int) int {
	r.mu.Lock()
	r.energy = clampEnergy(r.energy + delta)
	e := r.energy
	r.mu.Unlock()
	return e
}

func (r *Replenisher) Energy() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.energy
}

func (r *Replenisher) Description() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.mode == ModeAutoplay {
		return r.artist
	}
	return r.description
}

// Stats reports progress for status displays.
func (r *Replenisher) Stats() (played, avoided int, remaining time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	remaining = r.budget - time.Since(r.startedAt)
	if remaining < 0 {
		remaining = 0
	}
	return r.playedCount, len(r.avoided), remaining
}

func (r *Replenisher) run() {
	defer close(r.done)
	for {
		r.mu.Lock()
		expired := time.Since(r.startedAt) >= r.budget
		count := r.playedCount
		r.mu.Unlock()

		if expired {
			if r.mode == ModeAutoplay {
				LogRadio(MsgAutoplayStopped, r.session.guildID, count)
				r.notify.Notify(r.channelID, ClassAutoplayEnd, MsgAutoplayEnded, count)
			} else {
				LogRadio(MsgRadioLoopStopped, r.session.guildID, count)
				r.notify.Notify(r.channelID, ClassAutoplayEnd, MsgRadioEnded, count)
			}
			r.session.SetReplenisherIfCurrent(r, nil)
			return
		}

		if !r.session.renderer.Connected() {
			r.session.SetReplenisherIfCurrent(r, nil)
			return
		}

		if r.session.QueueLen() < r.lowWater {
			if done := r.refill(); done {
				r.session.SetReplenisherIfCurrent(r, nil)
				return
			}
		}

		select {
		case <-r.ctx.Done():
			return
		case <-time.After(r.poll):
		}
	}
}

// refill fetches candidates, filters them, and appends accepted tracks
// to the queue. It returns true when the loop should terminate.
func (r *Replenisher) refill() bool {
	candidates, err := r.fetchCandidates()
	if err != nil {
		if r.ctx.Err() != nil {
			return true
		}
		if r.mode == ModeAutoplay {
			LogRadio(MsgAutoplaySearchFail, r.session.guildID, err)
		} else {
			LogRadio(MsgRadioSearchFail, r.session.guildID, err)
		}
		select {
		case <-r.ctx.Done():
			return true
		case <-time.After(r.errorBackoff):
		}
		return false
	}

	rand.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})

	acceptCap := autoplayAcceptCap
	if r.mode == ModeRadio {
		acceptCap = radioAcceptCap
		if len(candidates) > radioCandidateCap {
			candidates = candidates[:radioCandidateCap]
		}
	}

	accepted := 0
	for _, c := range candidates {
		if r.ctx.Err() != nil {
			return true
		}
		norm := NormalizeTitle(c.Title)
		r.mu.Lock()
		_, seen := r.played[norm]
		r.mu.Unlock()
		if seen {
			continue
		}
		if r.mode == ModeRadio && !IsLikelySong(c.Title, c.Duration) {
			r.MarkPlayed(c.Title)
			continue
		}

		full, err := r.provider.TrackInfo(r.ctx, c.ID)
		if err != nil {
			if r.ctx.Err() != nil {
				return true
			}
			// Transient resolve failure; the candidate stays
			// eligible for the next cycle.
			continue
		}
		if r.mode == ModeRadio && !IsLikelySong(full.Title, full.Duration) {
			r.MarkPlayed(full.Title)
			continue
		}

		r.MarkPlayed(full.Title)
		if r.ctx.Err() != nil {
			return true
		}

		r.mu.Lock()
		if r.lastSeedID == "" {
			r.lastSeedID = full.ID
		}
		r.playedCount++
		r.mu.Unlock()

		r.session.Enqueue(full)
		accepted++
		if accepted >= acceptCap {
			break
		}
	}

	if accepted == 0 {
		if r.mode == ModeAutoplay {
			r.mu.Lock()
			artist, count := r.artist, r.playedCount
			r.mu.Unlock()
			LogRadio("Autoplay exhausted for %q after %d tracks", artist, count)
			r.notify.Notify(r.channelID, ClassAutoplayEvent, MsgAutoplayExhausted, artist)
			return true
		}
		r.notify.Notify(r.channelID, ClassAutoplayEvent, MsgRadioLowTracks)
		select {
		case <-r.ctx.Done():
			return true
		case <-time.After(r.exhaustBackoff):
		}
	}
	return false
}

func (r *Replenisher) fetchCandidates() ([]TrackRef, error) {
	if r.mode == ModeAutoplay {
		return r.fetchAutoplay()
	}
	return r.fetchRadio()
}

// freshOnly drops candidates whose normalized titles this run already
// played or avoided. Sources are filtered at fetch time so a batch of
// stale results falls through to the next source in the cascade.
func (r *Replenisher) freshOnly(candidates []TrackRef) []TrackRef {
	r.mu.Lock()
	defer r.mu.Unlock()
	fresh := make([]TrackRef, 0, len(candidates))
	for _, c := range candidates {
		if _, seen := r.played[NormalizeTitle(c.Title)]; !seen {
			fresh = append(fresh, c)
		}
	}
	return fresh
}

// fetchAutoplay cascades: primary catalog query, then the broader
// fallback when the primary yields nothing new. A fallback failure
// after a reachable primary means the catalog is drained, not a
// transient error.
func (r *Replenisher) fetchAutoplay() ([]TrackRef, error) {
	r.mu.Lock()
	artist := r.artist
	r.mu.Unlock()

	primaryOK := false
	refs, err := r.provider.SearchSongs(r.ctx, fmt.Sprintf("%s official audio", artist), 30)
	if err == nil {
		primaryOK = true
		if fresh := r.freshOnly(refs); len(fresh) > 0 {
			return fresh, nil
		}
	}
	refs, err = r.provider.SearchSongs(r.ctx, fmt.Sprintf("%s songs", artist), 30)
	if err != nil {
		if primaryOK {
			return nil, nil
		}
		return nil, err
	}
	return r.freshOnly(refs), nil
}

// fetchRadio cascades through sources in one cycle: related tracks
// from the current song (once per seed, so the station drifts instead
// of orbiting), then the tuned description query, then the broad
// playlist-mix query. Each batch is filtered before the next source is
// consulted, and the seed only advances when related items actually
// produced something new.
func (r *Replenisher) fetchRadio() ([]TrackRef, error) {
	cur, _ := r.session.NowPlaying()

	r.mu.Lock()
	seedID := r.lastSeedID
	description := r.description
	energy := r.energy
	r.mu.Unlock()

	sourceOK := false
	if cur != nil && cur.ID != "" && cur.ID != seedID {
		refs, err := r.provider.Related(r.ctx, cur.ID, cur.Title, 20)
		if err != nil {
			LogRadio(MsgRadioRelatedFail, r.session.guildID, err)
		} else {
			sourceOK = true
			if fresh := r.freshOnly(refs); len(fresh) > 0 {
				r.mu.Lock()
				r.lastSeedID = cur.ID
				r.mu.Unlock()
				return fresh, nil
			}
		}
	}

	query := BuildRadioQuery(description, energy)
	refs, err := r.provider.SearchSongs(r.ctx, query+" music", 30)
	if err == nil {
		sourceOK = true
		if fresh := r.freshOnly(refs); len(fresh) > 0 {
			return fresh, nil
		}
	}
	refs, err = r.provider.SearchSongs(r.ctx, fmt.Sprintf("%s songs playlist mix", description), 30)
	if err != nil {
		if sourceOK {
			return nil, nil
		}
		return nil, err
	}
	return r.freshOnly(refs), nil
}
