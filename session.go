package main

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/disgoorg/disgo/bot"
	"github.com/disgoorg/disgo/events"
	"github.com/disgoorg/snowflake/v2"
)

type PlayerState int

const (
	StateIdle PlayerState = iota
	StatePlaying
	StatePaused
	StateAnnouncing
	StateTransitioning
)

func (s PlayerState) String() string {
	switch s {
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	case StateAnnouncing:
		return "announcing"
	case StateTransitioning:
		return "transitioning"
	default:
		return "idle"
	}
}

const announceTitleLimit = 60

// Session owns playback for a single guild: the queue, the state
// machine, and the handoff between announcement clips and tracks.
type Session struct {
	guildID       snowflake.ID
	textChannelID snowflake.ID

	renderer Renderer
	provider TrackProvider
	synth    Synthesizer

	mu             sync.Mutex
	state          PlayerState
	queue          []*Track
	current        *Track
	trackStartedAt time.Time
	pausedAt       time.Time
	announce       bool
	generation     uint64
	repl           *Replenisher

	lifeCtx    context.Context
	lifeCancel context.CancelFunc
}

func newSession(parent context.Context, client *bot.Client, guildID, textChannelID snowflake.ID) *Session {
	ctx, cancel := context.WithCancel(parent)
	return &Session{
		guildID:       guildID,
		textChannelID: textChannelID,
		renderer:      NewGuildRenderer(ctx, client, guildID),
		provider:      GetTrackProvider(),
		synth:         NewEdgeSynthesizer(ttsLocale()),
		announce:      true,
		lifeCtx:       ctx,
		lifeCancel:    cancel,
	}
}

func ttsLocale() string {
	if GlobalConfig != nil && GlobalConfig.TTSLocale != "" {
		return GlobalConfig.TTSLocale
	}
	return "en-US"
}

func (s *Session) GuildID() snowflake.ID       { return s.guildID }
func (s *Session) TextChannelID() snowflake.ID { return s.textChannelID }
func (s *Session) Renderer() Renderer          { return s.renderer }

func (s *Session) alive() bool {
	return s.lifeCtx.Err() == nil
}

func (s *Session) State() PlayerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) SetAnnounce(on bool) {
	s.mu.Lock()
	s.announce = on
	s.mu.Unlock()
}

// SetReplenisher swaps the active refill loop, stopping the previous
// one if it is still running.
func (s *Session) SetReplenisher(r *Replenisher) {
	s.mu.Lock()
	prev := s.repl
	s.repl = r
	s.mu.Unlock()
	if prev != nil {
		prev.Stop()
	}
}

// SetReplenisherIfCurrent clears the refill loop only when it is still
// the active one. Loops call this on self-termination, so it must not
// block on Stop.
func (s *Session) SetReplenisherIfCurrent(old, next *Replenisher) {
	s.mu.Lock()
	if s.repl == old {
		s.repl = next
	}
	s.mu.Unlock()
}

func (s *Session) Replenisher() *Replenisher {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.repl
}

// Enqueue appends a track and starts playback if the session is idle.
// It returns the track's queue position (0 = playing now).
func (s *Session) Enqueue(track *Track) int {
	s.mu.Lock()
	s.queue = append(s.queue, track)
	pos := len(s.queue)
	if s.state == StateIdle {
		s.startNextLocked()
		pos = 0
	}
	s.mu.Unlock()
	return pos
}

// startNextLocked pops the queue head and launches playback. Caller
// holds s.mu.
func (s *Session) startNextLocked() {
	if len(s.queue) == 0 {
		s.state = StateIdle
		return
	}
	track := s.queue[0]
	s.queue = s.queue[1:]
	s.current = track
	s.state = StateTransitioning
	s.generation++
	gen := s.generation
	announce := s.announce
	safeGo(func() {
		s.playTrack(gen, track, 0, announce)
	})
}

// playTrack announces (optionally), renders the track, then dispatches
// completion. A stale generation means the session moved on and this
// completion is dropped.
func (s *Session) playTrack(gen uint64, track *Track, offset time.Duration, announce bool) {
	if announce && offset == 0 {
		s.mu.Lock()
		if gen != s.generation {
			s.mu.Unlock()
			return
		}
		s.state = StateAnnouncing
		s.mu.Unlock()
		s.playAnnouncement(MsgAnnouncePrefix + Truncate(track.Title, announceTitleLimit))
	}

	s.mu.Lock()
	if gen != s.generation {
		s.mu.Unlock()
		return
	}
	s.state = StatePlaying
	s.trackStartedAt = time.Now().Add(-offset)
	s.pausedAt = time.Time{}
	s.mu.Unlock()

	LogSession(MsgSessionNowPlaying, s.guildID, track.Title)
	if offset == 0 {
		GetNotifier().ReplaceNowPlaying(s.guildID, s.textChannelID, nowPlayingContainer(track))
	}
	if err := s.renderer.Play(s.lifeCtx, PlaySource{URL: track.StreamURL, Seek: offset}); err != nil {
		LogSession(MsgSessionRenderFail, s.guildID, err)
	}
	s.onTrackDone(gen, track)
}

// playAnnouncement synthesizes and renders a TTS clip. Synthesis
// failures are logged and swallowed so playback never stalls on the
// speech service.
func (s *Session) playAnnouncement(text string) {
	ctx, cancel := context.WithTimeout(s.lifeCtx, synthesizerTimeout)
	defer cancel()
	clip, err := s.synth.Synthesize(ctx, text)
	if err != nil {
		LogSession(MsgSessionAnnounceFail, s.guildID, err)
		return
	}
	defer os.Remove(clip)
	_ = s.renderer.Play(s.lifeCtx, PlaySource{Path: clip})
}

func (s *Session) onTrackDone(gen uint64, track *Track) {
	s.mu.Lock()
	if gen != s.generation {
		s.mu.Unlock()
		return
	}
	LogSession(MsgSessionTrackDone, s.guildID, track.Title)
	s.current = nil
	if len(s.queue) == 0 {
		s.state = StateIdle
		LogSession(MsgSessionQueueEmpty, s.guildID)
		s.mu.Unlock()
		GetNotifier().ClearNowPlaying(s.guildID)
		return
	}
	s.startNextLocked()
	s.mu.Unlock()
}

// Skip stops the current track; the completion handler advances to the
// next queued one.
func (s *Session) Skip() error {
	s.mu.Lock()
	if s.current == nil {
		s.mu.Unlock()
		return errors.New(ErrSessionNothingPlaying)
	}
	if s.state == StatePaused {
		s.state = StatePlaying
		s.renderer.Pause(false)
	}
	s.mu.Unlock()
	s.renderer.Stop()
	return nil
}

func (s *Session) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StatePlaying {
		return errors.New(ErrSessionNothingPlaying)
	}
	s.state = StatePaused
	s.pausedAt = time.Now()
	s.renderer.Pause(true)
	return nil
}

func (s *Session) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StatePaused {
		return errors.New(ErrSessionNothingPlaying)
	}
	s.state = StatePlaying
	if !s.pausedAt.IsZero() {
		s.trackStartedAt = s.trackStartedAt.Add(time.Since(s.pausedAt))
		s.pausedAt = time.Time{}
	}
	s.renderer.Pause(false)
	return nil
}

// StopAndClear halts playback, drops the queue, and stops any refill
// loop. The session stays connected and idle.
func (s *Session) StopAndClear() {
	s.mu.Lock()
	repl := s.repl
	s.repl = nil
	s.mu.Unlock()
	// The refill loop must be fully stopped before the queue is
	// wiped, otherwise an in-flight append lands after the wipe and
	// restarts playback.
	if repl != nil {
		repl.Stop()
	}
	s.mu.Lock()
	s.queue = nil
	s.current = nil
	s.generation++
	s.state = StateIdle
	s.renderer.Pause(false)
	s.mu.Unlock()
	s.renderer.Stop()
	GetNotifier().ClearNowPlaying(s.guildID)
}

// ClearQueue drops pending tracks without touching the current one.
func (s *Session) ClearQueue() {
	s.mu.Lock()
	s.queue = nil
	s.mu.Unlock()
}

func (s *Session) NowPlaying() (*Track, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return nil, 0
	}
	return s.current, s.elapsedLocked()
}

func (s *Session) elapsedLocked() time.Duration {
	if pos := s.renderer.Position(); pos > 0 {
		return pos
	}
	if s.trackStartedAt.IsZero() {
		return 0
	}
	if s.state == StatePaused && !s.pausedAt.IsZero() {
		return s.pausedAt.Sub(s.trackStartedAt)
	}
	return time.Since(s.trackStartedAt)
}

func (s *Session) Queue() []*Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Track, len(s.queue))
	copy(out, s.queue)
	return out
}

func (s *Session) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Whisper interrupts the current track with a spoken message, then
// resumes the track from where it left off.
func (s *Session) Whisper(text string) error {
	s.mu.Lock()
	if s.current == nil || !s.renderer.Connected() {
		s.mu.Unlock()
		return errors.New(ErrSessionNothingPlaying)
	}
	track := s.current
	wasActive := s.state == StatePlaying || s.state == StatePaused
	elapsed := s.elapsedLocked()
	prevState := s.state
	s.generation++
	s.state = StateAnnouncing
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(s.lifeCtx, synthesizerTimeout)
	clip, err := s.synth.Synthesize(ctx, text)
	cancel()
	if err != nil {
		LogSession(MsgSessionWhisperFail, s.guildID, err)
		s.mu.Lock()
		s.state = prevState
		s.mu.Unlock()
		return err
	}

	s.renderer.Pause(false)
	s.renderer.Stop()
	_ = s.renderer.Play(s.lifeCtx, PlaySource{Path: clip})
	os.Remove(clip)

	s.mu.Lock()
	s.generation++
	gen := s.generation
	s.state = StateTransitioning
	s.trackStartedAt = time.Now().Add(-elapsed)
	s.mu.Unlock()

	if wasActive {
		LogSession(MsgSessionResumeAt, s.guildID, track.Title, int(elapsed.Seconds()))
		safeGo(func() {
			s.playTrack(gen, track, elapsed, false)
		})
	} else {
		s.mu.Lock()
		s.current = nil
		s.state = StateIdle
		s.mu.Unlock()
	}
	return nil
}

// destroy tears the session down completely: refill loop, renderer,
// voice connection.
func (s *Session) destroy(ctx context.Context) {
	s.mu.Lock()
	repl := s.repl
	s.repl = nil
	s.mu.Unlock()
	if repl != nil {
		repl.Stop()
	}
	s.mu.Lock()
	s.generation++
	s.queue = nil
	s.current = nil
	s.state = StateIdle
	s.mu.Unlock()
	s.lifeCancel()
	s.renderer.Disconnect(ctx)
	GetNotifier().ClearNowPlaying(s.guildID)
}

// ===========================
// Session Registry
// ===========================

type SessionManager struct {
	mu       sync.Mutex
	client   *bot.Client
	sessions map[snowflake.ID]*Session
}

var (
	sessionManager *SessionManager
	onceSessions   sync.Once
)

func GetSessionManager() *SessionManager {
	onceSessions.Do(func() {
		sessionManager = &SessionManager{
			sessions: make(map[snowflake.ID]*Session),
		}
	})
	return sessionManager
}

func (m *SessionManager) setClient(client *bot.Client) {
	m.mu.Lock()
	m.client = client
	m.mu.Unlock()
}

// Prepare returns the guild's session, replacing any dead one. The
// text channel is updated so notifications follow the latest command.
func (m *SessionManager) Prepare(guildID, textChannelID snowflake.ID) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[guildID]; ok {
		if s.alive() {
			s.mu.Lock()
			s.textChannelID = textChannelID
			s.mu.Unlock()
			return s
		}
		LogSession(MsgSessionDiscarded, guildID)
		delete(m.sessions, guildID)
	}
	parent := AppContext
	if parent == nil {
		parent = context.Background()
	}
	s := newSession(parent, m.client, guildID, textChannelID)
	m.sessions[guildID] = s
	LogSession(MsgSessionCreated, guildID)
	return s
}

// Get returns the live session for the guild, or nil.
func (m *SessionManager) Get(guildID snowflake.ID) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[guildID]
	if !ok || !s.alive() {
		return nil
	}
	return s
}

func (m *SessionManager) Remove(ctx context.Context, guildID snowflake.ID) {
	m.mu.Lock()
	s, ok := m.sessions[guildID]
	delete(m.sessions, guildID)
	m.mu.Unlock()
	if ok {
		s.destroy(ctx)
	}
}

func (m *SessionManager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.sessions = make(map[snowflake.ID]*Session)
	m.mu.Unlock()
	if len(all) == 0 {
		return
	}
	LogSession(MsgSessionShutdownAll, len(all))
	for _, s := range all {
		s.destroy(ctx)
	}
}

func init() {
	OnClientReady(func(ctx context.Context, client *bot.Client) {
		GetSessionManager().setClient(client)
	})

	// Clean up when the bot is removed from a voice channel.
	RegisterVoiceStateUpdateHandler(func(event *events.GuildVoiceStateUpdate) {
		client := event.Client()
		selfUser, ok := client.Caches.SelfUser()
		if !ok || event.VoiceState.UserID != selfUser.ID {
			return
		}
		if event.VoiceState.ChannelID == nil {
			GetSessionManager().Remove(context.Background(), event.VoiceState.GuildID)
		}
	})

	RegisterDaemon(LogSession, func(ctx context.Context) (bool, func(), func()) {
		run := func() {
			<-ctx.Done()
		}
		shutdown := func() {
			shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			GetSessionManager().Shutdown(shutCtx)
		}
		return true, run, shutdown
	})
}
