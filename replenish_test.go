package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRadio(t *testing.T, p TrackProvider, n Notifier, description string, energy int) (*Session, *Replenisher) {
	t.Helper()
	s := newTestSession(t, newFakeRenderer(), p, &fakeSynth{})
	r := NewRadioReplenisher(s, n, snowflake.ID(200), description, energy)
	r.provider = p
	r.exhaustBackoff = time.Millisecond
	r.errorBackoff = time.Millisecond
	t.Cleanup(r.cancel)
	return s, r
}

func newTestAutoplay(t *testing.T, p TrackProvider, n Notifier, artist string) (*Session, *Replenisher) {
	t.Helper()
	s := newTestSession(t, newFakeRenderer(), p, &fakeSynth{})
	r := NewAutoplayReplenisher(s, n, snowflake.ID(200), artist)
	r.provider = p
	r.errorBackoff = time.Millisecond
	t.Cleanup(r.cancel)
	return s, r
}

func refs(ids ...string) []TrackRef {
	out := make([]TrackRef, len(ids))
	for i, id := range ids {
		out[i] = TrackRef{ID: id, Title: "Song " + id, Duration: 200}
	}
	return out
}

func addAll(p *fakeProvider, ids ...string) {
	for _, id := range ids {
		p.addTrack(id, "Song "+id, 200)
	}
}

func queuedIDs(s *Session) map[string]int {
	out := make(map[string]int)
	if cur, _ := s.NowPlaying(); cur != nil {
		out[cur.ID]++
	}
	for _, tr := range s.Queue() {
		out[tr.ID]++
	}
	return out
}

func TestRefillDedupsAcrossCycles(t *testing.T) {
	p := newFakeProvider()
	n := &fakeNotifier{}
	s, r := newTestRadio(t, p, n, "lofi beats", 0)

	addAll(p, "a", "b", "c")
	p.searches["lofi beats music"] = refs("a", "b", "c")

	require.False(t, r.refill())
	ids := queuedIDs(s)
	assert.Len(t, ids, 3)
	for id, count := range ids {
		assert.Equal(t, 1, count, "track %s queued more than once", id)
	}

	// Same candidates again: everything is already played, radio
	// notifies and keeps going.
	require.False(t, r.refill())
	require.False(t, r.refill())
	assert.Len(t, queuedIDs(s), 3)

	notices := n.all()
	require.NotEmpty(t, notices)
	for _, nt := range notices {
		assert.Equal(t, MsgRadioLowTracks, nt.text)
		assert.Equal(t, ClassAutoplayEvent, nt.class)
	}
}

func TestRefillAcceptCap(t *testing.T) {
	p := newFakeProvider()
	s, r := newTestRadio(t, p, &fakeNotifier{}, "lofi beats", 0)

	ids := []string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j"}
	addAll(p, ids...)
	p.searches["lofi beats music"] = refs(ids...)

	require.False(t, r.refill())
	assert.LessOrEqual(t, len(queuedIDs(s)), radioAcceptCap)
}

func TestRefillFiltersNonSongs(t *testing.T) {
	p := newFakeProvider()
	s, r := newTestRadio(t, p, &fakeNotifier{}, "lofi beats", 0)

	p.addTrack("good", "Nice Tune", 200)
	p.searches["lofi beats music"] = []TrackRef{
		{ID: "talk", Title: "Artist Interview 2024", Duration: 200},
		{ID: "good", Title: "Nice Tune", Duration: 200},
	}

	require.False(t, r.refill())
	ids := queuedIDs(s)
	assert.Contains(t, ids, "good")
	assert.NotContains(t, ids, "talk")

	// Rejected candidates are never resolved and never retried.
	assert.NotContains(t, p.infoHits, "talk")
	r.mu.Lock()
	_, marked := r.played[NormalizeTitle("Artist Interview 2024")]
	r.mu.Unlock()
	assert.True(t, marked)
}

func TestRefillCancellationBeforeAppend(t *testing.T) {
	p := newFakeProvider()
	s, r := newTestRadio(t, p, &fakeNotifier{}, "lofi beats", 0)
	r.provider = &cancellingProvider{fakeProvider: p, cancel: r.cancel}
	addAll(p, "a", "b")
	p.searches["lofi beats music"] = refs("a", "b")

	require.True(t, r.refill())
	assert.Empty(t, queuedIDs(s))
}

// cancellingProvider cancels the loop during resolution, simulating a
// teardown racing an in-flight refill.
type cancellingProvider struct {
	*fakeProvider
	cancel context.CancelFunc
}

func (c *cancellingProvider) TrackInfo(ctx context.Context, videoID string) (*Track, error) {
	track, err := c.fakeProvider.TrackInfo(ctx, videoID)
	c.cancel()
	return track, err
}

func TestAutoplayExhaustionTerminates(t *testing.T) {
	p := newFakeProvider()
	n := &fakeNotifier{}
	s, r := newTestAutoplay(t, p, n, "some artist")

	addAll(p, "a")
	p.searches["some artist official audio"] = refs("a")
	r.MarkPlayed("Song a")

	require.True(t, r.refill())
	assert.Empty(t, queuedIDs(s))

	notices := n.all()
	require.Len(t, notices, 1)
	assert.Equal(t, MsgAutoplayExhausted, notices[0].text)
}

func TestAutoplayFallsBackWhenPrimaryAllPlayed(t *testing.T) {
	p := newFakeProvider()
	n := &fakeNotifier{}
	s, r := newTestAutoplay(t, p, n, "some artist")

	addAll(p, "old", "fresh")
	p.searches["some artist official audio"] = refs("old")
	p.searches["some artist songs"] = refs("fresh")
	r.MarkPlayed("Song old")

	// A fully played primary batch cascades to the broader query
	// instead of declaring exhaustion.
	require.False(t, r.refill())
	assert.Contains(t, queuedIDs(s), "fresh")
	assert.Empty(t, n.all())
}

func TestRadioFallsThroughWhenRelatedAllPlayed(t *testing.T) {
	p := newFakeProvider()
	n := &fakeNotifier{}
	s, r := newTestRadio(t, p, n, "lofi beats", 0)

	seed := p.addTrack("seed", "Song seed", 200)
	addAll(p, "fresh")
	p.related["seed"] = refs("r1", "r2")
	p.searches["lofi beats music"] = refs("fresh")
	r.MarkPlayed("Song r1")
	r.MarkPlayed("Song r2")

	s.Enqueue(seed)
	r.mu.Lock()
	r.lastSeedID = "other"
	r.mu.Unlock()

	require.False(t, r.refill())
	assert.Contains(t, queuedIDs(s), "fresh")
	assert.Empty(t, n.all())

	// A related batch with nothing new must not advance the seed.
	r.mu.Lock()
	assert.Equal(t, "other", r.lastSeedID)
	r.mu.Unlock()
}

func TestAutoplayAcceptsTracksOutsideDurationWindow(t *testing.T) {
	p := newFakeProvider()
	s, r := newTestAutoplay(t, p, &fakeNotifier{}, "some artist")

	// An artist whose catalog runs long still autoplays; the duration
	// window only shapes radio candidates.
	p.addTrack("epic", "Epic Suite", 900)
	p.searches["some artist official audio"] = []TrackRef{
		{ID: "epic", Title: "Epic Suite", Duration: 900},
	}

	require.False(t, r.refill())
	assert.Contains(t, queuedIDs(s), "epic")
}

func TestResolveErrorKeepsCandidateEligible(t *testing.T) {
	p := newFakeProvider()
	s, r := newTestRadio(t, p, &fakeNotifier{}, "lofi beats", 0)

	p.searches["lofi beats music"] = refs("flaky")
	p.mu.Lock()
	p.infoErr["flaky"] = errors.New("timeout")
	p.mu.Unlock()

	require.False(t, r.refill())
	assert.Empty(t, queuedIDs(s))
	r.mu.Lock()
	_, marked := r.played[NormalizeTitle("Song flaky")]
	r.mu.Unlock()
	assert.False(t, marked, "transient resolve failure must not mark the track played")

	// Once the resolve recovers, the same candidate queues.
	p.addTrack("flaky", "Song flaky", 200)
	p.mu.Lock()
	delete(p.infoErr, "flaky")
	p.mu.Unlock()

	require.False(t, r.refill())
	assert.Contains(t, queuedIDs(s), "flaky")
}

func TestAutoplayFallbackQuery(t *testing.T) {
	p := newFakeProvider()
	_, r := newTestAutoplay(t, p, &fakeNotifier{}, "some artist")

	// Primary query fails, fallback serves.
	p.searches["some artist songs"] = refs("a", "b")

	got, err := r.fetchCandidates()
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestRadioQueryCarriesEnergyModifier(t *testing.T) {
	p := newFakeProvider()
	_, r := newTestRadio(t, p, &fakeNotifier{}, "lofi beats", 2)

	p.searches["lofi beats hype intense bangers high energy music"] = refs("a")

	got, err := r.fetchCandidates()
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].ID)
}

func TestRadioPrefersRelatedFromFreshSeed(t *testing.T) {
	p := newFakeProvider()
	n := &fakeNotifier{}
	s, r := newTestRadio(t, p, n, "lofi beats", 0)

	addAll(p, "seed", "r1", "r2")
	p.searches["lofi beats music"] = refs("seed")
	p.related["seed"] = refs("r1", "r2")

	// First refill searches and seeds from the first accepted track.
	require.False(t, r.refill())
	require.Contains(t, queuedIDs(s), "seed")

	r.mu.Lock()
	r.lastSeedID = "old"
	r.mu.Unlock()

	// Current track differs from the last seed, so the next batch
	// comes from related items.
	got, err := r.fetchCandidates()
	require.NoError(t, err)
	require.Len(t, got, 2)
	r.mu.Lock()
	assert.Equal(t, "seed", r.lastSeedID)
	r.mu.Unlock()
}

func TestReplenisherBudgetExpiry(t *testing.T) {
	p := newFakeProvider()
	n := &fakeNotifier{}
	s, r := newTestRadio(t, p, n, "lofi beats", 0)
	r.budget = 0
	s.SetReplenisher(r)

	r.Start()
	select {
	case <-r.done:
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not exit on budget expiry")
	}

	notices := n.all()
	require.Len(t, notices, 1)
	assert.Equal(t, MsgRadioEnded, notices[0].text)
	assert.Equal(t, ClassAutoplayEnd, notices[0].class)
	assert.Nil(t, s.Replenisher())
	assert.Empty(t, queuedIDs(s))
}

func TestReplenisherStopsWhenDisconnected(t *testing.T) {
	p := newFakeProvider()
	n := &fakeNotifier{}
	s, r := newTestRadio(t, p, n, "lofi beats", 0)
	s.SetReplenisher(r)
	s.renderer.(*fakeRenderer).Disconnect(context.Background())

	r.Start()
	select {
	case <-r.done:
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not exit after disconnect")
	}
	assert.Empty(t, n.all())
	// The session must not keep advertising a dead loop.
	assert.Nil(t, s.Replenisher())
}

func TestStopAndClearAwaitsRefillLoop(t *testing.T) {
	p := newFakeProvider()
	s, r := newTestRadio(t, p, &fakeNotifier{}, "lofi beats", 0)
	ids := []string{"a", "b", "c", "d", "e", "f", "g", "h"}
	addAll(p, ids...)
	p.searches["lofi beats music"] = refs(ids...)
	r.poll = time.Millisecond
	s.SetReplenisher(r)
	r.Start()

	require.Eventually(t, func() bool {
		return len(queuedIDs(s)) > 0
	}, 2*time.Second, time.Millisecond)

	s.StopAndClear()
	select {
	case <-r.done:
	default:
		t.Fatal("StopAndClear returned before the refill loop exited")
	}
	assert.Empty(t, queuedIDs(s))
	assert.Nil(t, s.Replenisher())

	// No in-flight append revives playback after the wipe.
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, queuedIDs(s))
	assert.Equal(t, StateIdle, s.State())
}

func TestReplenisherDialClamps(t *testing.T) {
	p := newFakeProvider()
	_, r := newTestRadio(t, p, &fakeNotifier{}, "lofi beats", 2)
	assert.Equal(t, 2, r.Dial(1))
	assert.Equal(t, 1, r.Dial(-1))
	assert.Equal(t, -2, r.Dial(-3))
	assert.Equal(t, -2, r.Dial(-1))
}

func TestReplenisherRetuneClearsSeed(t *testing.T) {
	p := newFakeProvider()
	_, r := newTestRadio(t, p, &fakeNotifier{}, "lofi beats", 0)
	r.mu.Lock()
	r.lastSeedID = "seed"
	r.mu.Unlock()

	prev := r.Retune("jazz fusion")
	assert.Equal(t, "lofi beats", prev)
	assert.Equal(t, "jazz fusion", r.Description())
	r.mu.Lock()
	assert.Empty(t, r.lastSeedID)
	r.mu.Unlock()
}
