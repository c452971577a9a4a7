package main

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRenderer records Play calls and blocks each one until Stop (or
// Release for a natural finish).
type fakeRenderer struct {
	mu        sync.Mutex
	connected bool
	channelID snowflake.ID
	plays     []PlaySource
	current   chan struct{}
	started   chan PlaySource
	position  time.Duration
	paused    bool
}

func newFakeRenderer() *fakeRenderer {
	return &fakeRenderer{
		connected: true,
		started:   make(chan PlaySource, 16),
	}
}

func (f *fakeRenderer) Connect(ctx context.Context, channelID snowflake.ID) error {
	f.mu.Lock()
	f.connected = true
	f.channelID = channelID
	f.mu.Unlock()
	return nil
}

func (f *fakeRenderer) Disconnect(ctx context.Context) {
	f.Stop()
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
}

func (f *fakeRenderer) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeRenderer) ChannelID() snowflake.ID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.channelID
}

func (f *fakeRenderer) Play(ctx context.Context, src PlaySource) error {
	f.mu.Lock()
	f.plays = append(f.plays, src)
	ch := make(chan struct{})
	f.current = ch
	f.mu.Unlock()
	f.started <- src
	select {
	case <-ch:
	case <-ctx.Done():
	}
	return nil
}

// Stop ends the in-flight Play; the session treats that the same as a
// natural finish.
func (f *fakeRenderer) Stop() {
	f.mu.Lock()
	if f.current != nil {
		close(f.current)
		f.current = nil
	}
	f.mu.Unlock()
}

// Release finishes the current Play as if the source drained.
func (f *fakeRenderer) Release() { f.Stop() }

func (f *fakeRenderer) Pause(paused bool) {
	f.mu.Lock()
	f.paused = paused
	f.mu.Unlock()
}

func (f *fakeRenderer) SetVolume(pct int) {}

func (f *fakeRenderer) Position() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.position
}

func (f *fakeRenderer) setPosition(d time.Duration) {
	f.mu.Lock()
	f.position = d
	f.mu.Unlock()
}

func (f *fakeRenderer) playCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.plays)
}

func (f *fakeRenderer) playAt(i int) PlaySource {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.plays[i]
}

// fakeSynth writes a real temp file so the session's cleanup works.
type fakeSynth struct {
	mu    sync.Mutex
	err   error
	calls []string
}

func (f *fakeSynth) Synthesize(ctx context.Context, text string) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, text)
	err := f.err
	f.mu.Unlock()
	if err != nil {
		return "", err
	}
	tmp, cerr := os.CreateTemp("", "clip-*.mp3")
	if cerr != nil {
		return "", cerr
	}
	tmp.Close()
	return tmp.Name(), nil
}

func (f *fakeSynth) callTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

// fakeProvider serves canned tracks keyed by video ID.
type fakeProvider struct {
	mu       sync.Mutex
	tracks   map[string]*Track
	searches map[string][]TrackRef
	related  map[string][]TrackRef
	infoErr  map[string]error
	infoHits []string
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		tracks:   make(map[string]*Track),
		searches: make(map[string][]TrackRef),
		related:  make(map[string][]TrackRef),
		infoErr:  make(map[string]error),
	}
}

func (f *fakeProvider) addTrack(id, title string, duration int) *Track {
	t := &Track{
		ID:        id,
		Title:     title,
		Duration:  duration,
		PageURL:   "https://www.youtube.com/watch?v=" + id,
		StreamURL: "https://stream.example/" + id,
	}
	f.mu.Lock()
	f.tracks[id] = t
	f.mu.Unlock()
	return t
}

func (f *fakeProvider) Resolve(ctx context.Context, query string) (*Track, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	refs := f.searches[query]
	if len(refs) == 0 {
		return nil, errors.New("no results")
	}
	t, ok := f.tracks[refs[0].ID]
	if !ok {
		return nil, errors.New("no such track")
	}
	return t, nil
}

func (f *fakeProvider) TrackInfo(ctx context.Context, videoID string) (*Track, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.infoHits = append(f.infoHits, videoID)
	if err, ok := f.infoErr[videoID]; ok {
		return nil, err
	}
	t, ok := f.tracks[videoID]
	if !ok {
		return nil, errors.New("no such track")
	}
	return t, nil
}

func (f *fakeProvider) SearchSongs(ctx context.Context, query string, max int) ([]TrackRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	refs, ok := f.searches[query]
	if !ok {
		return nil, errors.New("search failed")
	}
	if len(refs) > max {
		refs = refs[:max]
	}
	return refs, nil
}

func (f *fakeProvider) Related(ctx context.Context, videoID, title string, max int) ([]TrackRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	refs, ok := f.related[videoID]
	if !ok {
		return nil, errors.New("no related tracks")
	}
	if len(refs) > max {
		refs = refs[:max]
	}
	return refs, nil
}

type notice struct {
	class  MessageClass
	text   string
	filled []any
}

type fakeNotifier struct {
	mu      sync.Mutex
	notices []notice
}

func (f *fakeNotifier) Notify(channelID snowflake.ID, class MessageClass, format string, args ...any) {
	f.mu.Lock()
	f.notices = append(f.notices, notice{class: class, text: format, filled: args})
	f.mu.Unlock()
}

func (f *fakeNotifier) all() []notice {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]notice, len(f.notices))
	copy(out, f.notices)
	return out
}

func newTestSession(t *testing.T, r Renderer, p TrackProvider, synth Synthesizer) *Session {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return &Session{
		guildID:    snowflake.ID(100),
		renderer:   r,
		provider:   p,
		synth:      synth,
		announce:   false,
		lifeCtx:    ctx,
		lifeCancel: cancel,
	}
}

func waitStarted(t *testing.T, r *fakeRenderer) PlaySource {
	t.Helper()
	select {
	case src := <-r.started:
		return src
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for playback to start")
		return PlaySource{}
	}
}

func waitState(t *testing.T, s *Session, want PlayerState) {
	t.Helper()
	require.Eventually(t, func() bool {
		return s.State() == want
	}, 2*time.Second, 10*time.Millisecond, "expected state %v", want)
}

func TestSessionAdvancesThroughQueue(t *testing.T) {
	r := newFakeRenderer()
	p := newFakeProvider()
	s := newTestSession(t, r, p, &fakeSynth{})

	t1 := p.addTrack("aaa", "First Song", 200)
	t2 := p.addTrack("bbb", "Second Song", 210)

	assert.Equal(t, 0, s.Enqueue(t1))
	assert.Equal(t, 1, s.Enqueue(t2))

	src := waitStarted(t, r)
	assert.Equal(t, t1.StreamURL, src.URL)
	assert.Equal(t, time.Duration(0), src.Seek)

	r.Release()
	src = waitStarted(t, r)
	assert.Equal(t, t2.StreamURL, src.URL)

	r.Release()
	waitState(t, s, StateIdle)
	cur, _ := s.NowPlaying()
	assert.Nil(t, cur)
	assert.Equal(t, 2, r.playCount())
}

func TestSessionEnqueueWhilePlayingDoesNotRestart(t *testing.T) {
	r := newFakeRenderer()
	p := newFakeProvider()
	s := newTestSession(t, r, p, &fakeSynth{})

	s.Enqueue(p.addTrack("aaa", "First", 200))
	waitStarted(t, r)

	pos := s.Enqueue(p.addTrack("bbb", "Second", 200))
	assert.Equal(t, 1, pos)
	assert.Equal(t, 1, r.playCount())
	assert.Equal(t, StatePlaying, s.State())
}

func TestSessionSkipAdvances(t *testing.T) {
	r := newFakeRenderer()
	p := newFakeProvider()
	s := newTestSession(t, r, p, &fakeSynth{})

	s.Enqueue(p.addTrack("aaa", "First", 200))
	t2 := p.addTrack("bbb", "Second", 200)
	s.Enqueue(t2)
	waitStarted(t, r)

	require.NoError(t, s.Skip())
	src := waitStarted(t, r)
	assert.Equal(t, t2.StreamURL, src.URL)
}

func TestSessionSkipFromPausedAdvances(t *testing.T) {
	r := newFakeRenderer()
	p := newFakeProvider()
	s := newTestSession(t, r, p, &fakeSynth{})

	s.Enqueue(p.addTrack("aaa", "First", 200))
	t2 := p.addTrack("bbb", "Second", 200)
	s.Enqueue(t2)
	waitStarted(t, r)

	require.NoError(t, s.Pause())
	require.NoError(t, s.Skip())
	src := waitStarted(t, r)
	assert.Equal(t, t2.StreamURL, src.URL)
	waitState(t, s, StatePlaying)
	r.mu.Lock()
	paused := r.paused
	r.mu.Unlock()
	assert.False(t, paused)
}

func TestSessionSkipWithNothingPlaying(t *testing.T) {
	r := newFakeRenderer()
	s := newTestSession(t, r, newFakeProvider(), &fakeSynth{})
	assert.Error(t, s.Skip())
}

func TestSessionStopAndClearDropsCompletion(t *testing.T) {
	r := newFakeRenderer()
	p := newFakeProvider()
	s := newTestSession(t, r, p, &fakeSynth{})

	s.Enqueue(p.addTrack("aaa", "First", 200))
	s.Enqueue(p.addTrack("bbb", "Second", 200))
	waitStarted(t, r)

	s.StopAndClear()
	waitState(t, s, StateIdle)

	// The stopped render's completion must not start the next track.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, r.playCount())
	assert.Empty(t, s.Queue())
}

func TestSessionPauseResume(t *testing.T) {
	r := newFakeRenderer()
	p := newFakeProvider()
	s := newTestSession(t, r, p, &fakeSynth{})

	s.Enqueue(p.addTrack("aaa", "First", 200))
	waitStarted(t, r)

	require.NoError(t, s.Pause())
	assert.Equal(t, StatePaused, s.State())
	assert.Error(t, s.Pause())

	require.NoError(t, s.Resume())
	assert.Equal(t, StatePlaying, s.State())
	assert.Error(t, s.Resume())
}

func TestSessionAnnounceBeforeTrack(t *testing.T) {
	r := newFakeRenderer()
	p := newFakeProvider()
	synth := &fakeSynth{}
	s := newTestSession(t, r, p, synth)
	s.SetAnnounce(true)

	s.Enqueue(p.addTrack("aaa", "First Song", 200))

	clip := waitStarted(t, r)
	assert.NotEmpty(t, clip.Path, "announcement clip should play first")
	assert.Empty(t, clip.URL)
	r.Release()

	src := waitStarted(t, r)
	assert.Equal(t, "https://stream.example/aaa", src.URL)

	texts := synth.callTexts()
	require.Len(t, texts, 1)
	assert.Equal(t, "Now playing: First Song", texts[0])
}

func TestSessionAnnounceTruncatesLongTitles(t *testing.T) {
	r := newFakeRenderer()
	p := newFakeProvider()
	synth := &fakeSynth{}
	s := newTestSession(t, r, p, synth)
	s.SetAnnounce(true)

	long := strings.Repeat("x", 100)
	s.Enqueue(p.addTrack("aaa", long, 200))
	waitStarted(t, r)

	texts := synth.callTexts()
	require.Len(t, texts, 1)
	assert.LessOrEqual(t, len(texts[0]), len("Now playing: ")+announceTitleLimit)
}

func TestSessionAnnounceFailOpen(t *testing.T) {
	r := newFakeRenderer()
	p := newFakeProvider()
	synth := &fakeSynth{err: errors.New("synth down")}
	s := newTestSession(t, r, p, synth)
	s.SetAnnounce(true)

	s.Enqueue(p.addTrack("aaa", "First Song", 200))

	// Track starts directly, no clip render in between.
	src := waitStarted(t, r)
	assert.Equal(t, "https://stream.example/aaa", src.URL)
	assert.Empty(t, src.Path)
}

func TestSessionWhisperResumesAtElapsed(t *testing.T) {
	r := newFakeRenderer()
	p := newFakeProvider()
	synth := &fakeSynth{}
	s := newTestSession(t, r, p, synth)

	track := p.addTrack("aaa", "First Song", 200)
	s.Enqueue(track)
	waitStarted(t, r)
	r.setPosition(42 * time.Second)

	whisperDone := make(chan error, 1)
	go func() {
		whisperDone <- s.Whisper("dinner is ready")
	}()

	clip := waitStarted(t, r)
	assert.NotEmpty(t, clip.Path)
	r.Release()

	resumed := waitStarted(t, r)
	assert.Equal(t, track.StreamURL, resumed.URL)
	assert.Equal(t, 42*time.Second, resumed.Seek)

	require.NoError(t, <-whisperDone)
	texts := synth.callTexts()
	require.Len(t, texts, 1)
	assert.Equal(t, "dinner is ready", texts[0])
}

func TestSessionWhisperSynthFailureKeepsTrack(t *testing.T) {
	r := newFakeRenderer()
	p := newFakeProvider()
	synth := &fakeSynth{err: errors.New("synth down")}
	s := newTestSession(t, r, p, synth)

	s.Enqueue(p.addTrack("aaa", "First Song", 200))
	waitStarted(t, r)

	assert.Error(t, s.Whisper("hello"))
	assert.Equal(t, StatePlaying, s.State())
	assert.Equal(t, 1, r.playCount())
}

func TestSessionWhisperWithNothingPlaying(t *testing.T) {
	r := newFakeRenderer()
	s := newTestSession(t, r, newFakeProvider(), &fakeSynth{})
	assert.Error(t, s.Whisper("hello"))
}
