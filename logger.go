package main

import (
	"context"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
)

// --- Globals & Styles ---

var (
	// Level colors
	infoColor  = color.New()
	warnColor  = color.New(color.FgYellow)
	errorColor = color.New(color.FgRed)
	fatalColor = color.New(color.FgRed, color.Bold)

	// Component colors
	databaseColor = color.New()
	loaderColor   = color.New(color.FgCyan)
	sessionColor  = color.New(color.FgMagenta)
	radioColor    = color.New(color.FgMagenta)
	providerColor = color.New(color.FgMagenta)
	synthColor    = color.New(color.FgMagenta)
	renderColor   = color.New(color.FgMagenta)
	cleanupColor  = color.New(color.FgMagenta)

	// Global state
	DefaultTimeFormat = "15:04:05"
	IsSilent          = false
	LogToFile         = false
	Logger            *slog.Logger

	// Internal state
	logFile             *os.File
	logMu               sync.Mutex
	errorMapCache       map[string]string
	errorMapOnce        sync.Once
	onRateLimitExceeded func()
)

// --- Initialization ---

func init() {
	InitLogger(false, false)
}

// InitLogger initializes the global structured logger
func InitLogger(silent bool, saveToFile bool) {
	logMu.Lock()
	defer logMu.Unlock()

	IsSilent = silent
	LogToFile = saveToFile
	level := slog.LevelInfo
	if strings.ToLower(os.Getenv("DEBUG")) == "true" {
		level = slog.LevelDebug
	}

	if logFile != nil {
		_ = logFile.Close()
		logFile = nil
	}

	var writer io.Writer = os.Stdout
	var err error

	if LogToFile {
		exePath, exeErr := os.Executable()
		logName := GetProjectName() + ".log"
		if exeErr == nil {
			logName = filepath.Base(exePath) + ".log"
		}

		logFile, err = os.OpenFile(logName, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open %s: %v\n", logName, err)
		} else {
			writer = io.MultiWriter(os.Stdout, NewStripANSIWriter(logFile))
		}
	}

	color.NoColor = false

	handler := NewBotLogHandler(writer, &BotLogHandlerOptions{
		Silent: IsSilent,
		Level:  level,
	})
	Logger = slog.New(handler)
	slog.SetDefault(Logger)
}

func SetSilentMode(silent bool) {
	InitLogger(silent, LogToFile)
}

// --- Public Logging API ---

func LogInfo(format string, v ...any) {
	slog.Info(fmt.Sprintf(format, v...))
}

func LogWarn(format string, v ...any) {
	slog.Warn(fmt.Sprintf(format, v...))
}

func LogError(format string, v ...any) {
	slog.Error(fmt.Sprintf(format, v...))
}

func LogFatal(format string, v ...any) {
	msg := fmt.Sprintf(format, v...)
	slog.Log(context.Background(), slog.LevelError+4, msg)
	panic(msg)
}

func LogDebug(format string, v ...any) {
	slog.Debug(fmt.Sprintf(format, v...))
}

// Component Loggers

func LogDatabase(format string, v ...any) {
	slog.Info(fmt.Sprintf(format, v...), slog.String("component", "database"))
}

func LogLoader(format string, v ...any) {
	slog.Info(fmt.Sprintf(format, v...), slog.String("component", "loader"))
}

func LogSession(format string, v ...any) {
	slog.Info(fmt.Sprintf(format, v...), slog.String("component", "session"))
}

func LogRadio(format string, v ...any) {
	slog.Info(fmt.Sprintf(format, v...), slog.String("component", "radio"))
}

func LogProvider(format string, v ...any) {
	slog.Info(fmt.Sprintf(format, v...), slog.String("component", "provider"))
}

func LogSynth(format string, v ...any) {
	slog.Info(fmt.Sprintf(format, v...), slog.String("component", "synth"))
}

func LogRender(format string, v ...any) {
	slog.Info(fmt.Sprintf(format, v...), slog.String("component", "render"))
}

func LogCleanup(format string, v ...any) {
	slog.Info(fmt.Sprintf(format, v...), slog.String("component", "cleanup"))
}

func LogCustom(tag string, tagColor *color.Color, format string, v ...any) {
	slog.Info(fmt.Sprintf(format, v...), slog.String("component", tag))
}

// --- Log Handler Implementation ---

type BotLogHandlerOptions struct {
	Silent bool
	Level  slog.Leveler
}

type BotLogHandler struct {
	w    io.Writer
	opts *BotLogHandlerOptions
	mu   *sync.Mutex
}

func NewBotLogHandler(w io.Writer, opts *BotLogHandlerOptions) *BotLogHandler {
	if opts == nil {
		opts = &BotLogHandlerOptions{Level: slog.LevelInfo}
	}
	return &BotLogHandler{
		w:    w,
		opts: opts,
		mu:   &sync.Mutex{},
	}
}

func (h *BotLogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	if h.opts.Silent {
		return false
	}
	return level >= h.opts.Level.Level()
}

func (h *BotLogHandler) Handle(ctx context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.opts.Silent {
		return nil
	}

	timeStr := time.Now().Format(DefaultTimeFormat)
	var levelStr string
	var levelColor *color.Color

	switch {
	case r.Level >= slog.LevelError+4:
		levelStr = "FATAL"
		levelColor = fatalColor
	case r.Level >= slog.LevelError:
		levelStr = "ERROR"
		levelColor = errorColor
	case r.Level >= slog.LevelWarn:
		levelStr = "WARN"
		levelColor = warnColor
	case r.Level >= slog.LevelInfo:
		levelStr = "INFO"
		levelColor = infoColor
	}

	if r.Level >= slog.LevelWarn && strings.Contains(strings.ToLower(r.Message), "rate limit exceeded") {
		if onRateLimitExceeded != nil {
			go onRateLimitExceeded()
		}
	}

	component := ""
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == "component" {
			component = strings.ToUpper(a.Value.String())
			return false
		}
		return true
	})

	fmt.Fprintf(h.w, "%s", timeStr)

	if component != "" {
		if levelStr != "INFO" {
			fmt.Fprintf(h.w, " %s", levelColor.Sprintf("[%s]", levelStr))
		}
		compColor := getComponentColor(component)
		fmt.Fprintf(h.w, " %s\n", colorizeWithResets(compColor, fmt.Sprintf("[%s] %s", component, r.Message)))
	} else {
		displayMsg := fmt.Sprintf("[%s] %s", levelStr, r.Message)
		if levelStr == "INFO" && strings.HasPrefix(r.Message, "[") {
			if idx := strings.Index(r.Message, "]"); idx > 0 && idx < 20 {
				displayMsg = r.Message
			}
		}
		fmt.Fprintf(h.w, " %s\n", colorizeWithResets(levelColor, displayMsg))
	}

	return nil
}

func (h *BotLogHandler) WithAttrs(attrs []slog.Attr) slog.Handler { return h }
func (h *BotLogHandler) WithGroup(name string) slog.Handler       { return h }

// --- Formatting Helpers ---

func getComponentColor(name string) *color.Color {
	switch name {
	case "DATABASE":
		return databaseColor
	case "LOADER":
		return loaderColor
	case "SESSION":
		return sessionColor
	case "RADIO":
		return radioColor
	case "PROVIDER":
		return providerColor
	case "SYNTH":
		return synthColor
	case "RENDER":
		return renderColor
	case "CLEANUP":
		return cleanupColor
	default:
		return color.New(color.FgCyan)
	}
}

func colorizeWithResets(c *color.Color, text string) string {
	if !strings.Contains(text, "\x1b[0m") {
		return c.Sprint(text)
	}

	marker := "@@@MSG@@@"
	wrapped := c.Sprint(marker)
	idx := strings.Index(wrapped, marker)
	if idx <= 0 {
		return text
	}
	startSeq := wrapped[:idx]

	modifiedText := strings.ReplaceAll(text, "\x1b[0m", "\x1b[0m"+startSeq)
	return c.Sprint(modifiedText)
}

// --- Utilities & State ---

func GetLogPath() string {
	logMu.Lock()
	defer logMu.Unlock()
	if logFile == nil {
		return ""
	}
	return logFile.Name()
}

func OnRateLimitExceeded(fn func()) {
	logMu.Lock()
	defer logMu.Unlock()
	onRateLimitExceeded = fn
}

func GetUserErrors() map[string]string {
	errorMapOnce.Do(func() {
		errorMapCache = make(map[string]string)

		_, filename, _, ok := runtime.Caller(0)
		if !ok {
			return
		}

		fset := token.NewFileSet()
		node, err := parser.ParseFile(fset, filename, nil, 0)
		if err != nil {
			return
		}

		ast.Inspect(node, func(n ast.Node) bool {
			genDecl, isGenDecl := n.(*ast.GenDecl)
			if isGenDecl && genDecl.Tok == token.CONST {
				for _, spec := range genDecl.Specs {
					valueSpec, isValueSpec := spec.(*ast.ValueSpec)
					if isValueSpec {
						for i, name := range valueSpec.Names {
							constName := name.Name
							if strings.HasPrefix(constName, "Err") || strings.HasPrefix(constName, "Msg") {
								if len(valueSpec.Values) > i {
									if basicLit, isBasicLit := valueSpec.Values[i].(*ast.BasicLit); isBasicLit && basicLit.Kind == token.STRING {
										constValue := strings.Trim(basicLit.Value, `"`)
										if !strings.Contains(constValue, "%") {
											errorMapCache[constName] = constValue
										}
									}
								}
							}
						}
					}
				}
			}
			return true
		})
	})

	return errorMapCache
}

// --- ANSI Stripper ---

type StripANSIWriter struct {
	w  io.Writer
	re *regexp.Regexp
}

func NewStripANSIWriter(w io.Writer) *StripANSIWriter {
	return &StripANSIWriter{
		w:  w,
		re: regexp.MustCompile(`\x1b\[[0-9;]*m`),
	}
}

func (s *StripANSIWriter) Write(p []byte) (n int, err error) {
	clean := s.re.ReplaceAll(p, []byte(""))
	_, err = s.w.Write(clean)
	return len(p), err
}

// --- Message Constants ---

const (
	// --- Infrastructure & Lifecycle ---
	MsgConfigFailedToLoad  = "Failed to load config: %v"
	MsgConfigMissingToken  = "DISCORD_TOKEN is not set in .env file"
	MsgDatabaseInitSuccess = "Database initialized successfully"
	MsgDatabaseTableError  = "Failed to create table: %w"
	MsgDatabasePragmaError = "Failed to set pragma %s: %w"
	MsgDaemonStarting      = "Starting..."
	MsgBotStarting         = "Starting %s..."
	MsgBotReady            = "%s is ready! (ID: %s) (PID: %d) (Took: %dms)"
	MsgBotShutdown         = "Shutting down %s..."
	MsgBotKillingOld       = "Killing running instance... (PID: %d)"
	MsgBotKillFail         = "Failed to kill old instance: %v"
	MsgBotOldTerminated    = "Old instance terminated."
	MsgBotPIDWriteFail     = "Failed to write PID file: %v"
	MsgBotRegisterFail     = "Command registration failed: %v"
	MsgBotAPIStatusError   = "discord API returned status %d"
	MsgGenericError        = "%v"

	// --- Command Loader & Registry ---
	MsgLoaderSyncCommands       = "Syncing %s commands..."
	MsgLoaderTransition         = "[TRANSITION] Switching from %s to %s mode."
	MsgLoaderCleanup            = "[CLEANUP] Removing commands from previous dev guild: %s"
	MsgLoaderDevStarting        = "[DEV] Registering commands to guild: %s"
	MsgLoaderDevRegistered      = "[DEV] Registered: %s"
	MsgLoaderDevFail            = "[DEV] Registration failed: %v"
	MsgLoaderDevGlobalClear     = "[DEV] Verifying global commands are cleared..."
	MsgLoaderDevGlobalClearFail = "[DEV] Global clear skipped (likely rate limited): %v"
	MsgLoaderProdStarting       = "[PROD] Registering commands globally..."
	MsgLoaderProdRegistered     = "[PROD] Registered: %s"
	MsgLoaderProdFail           = "[PROD] Global registration failed: %w"
	MsgLoaderScanStarting       = "[SCAN] Checking all guilds for ghost commands..."
	MsgLoaderScanCleared        = "[SCAN] Cleared ghost commands from: %s (%s)"
	MsgLoaderPanicRecovered     = "Panic recovered in handler: %v"

	// --- Session & Playback ---
	MsgAnnouncePrefix        = "Now playing: "
	MsgSessionCreated        = "Created session for guild %s"
	MsgSessionDiscarded      = "Discarded dead session for guild %s"
	MsgSessionNowPlaying     = "[%s] Now playing: %s"
	MsgSessionTrackDone      = "[%s] Track finished: %s"
	MsgSessionQueueEmpty     = "[%s] Queue empty, going idle"
	MsgSessionRenderFail     = "[%s] Playback failed: %v"
	MsgSessionResumeAt       = "[%s] Resuming %s at %ds"
	MsgSessionAnnounceFail   = "[%s] Announcement failed, starting track directly: %v"
	MsgSessionWhisperFail    = "[%s] Whisper synthesis failed: %v"
	MsgSessionShutdownAll    = "Shutting down %d active session(s)..."
	ErrSessionNotConnected   = "I'm not connected to a voice channel."
	ErrSessionNothingPlaying = "Nothing is playing right now."
	ErrSessionQueueEmpty     = "The queue is empty."
	ErrVoiceConnectFailed    = "Failed to connect to voice channel. Try again."
	ErrVoiceUserNotInChannel = "You need to be in a voice channel first."

	// --- Radio & Autoplay ---
	MsgRadioTuning        = "📻 Tuning radio to **%s**..."
	MsgRadioRetuning      = "📻 Retuning from **%s** → **%s**"
	MsgRadioEnded         = "📻 Radio ended after 2 hours. Played %d tracks."
	MsgRadioOff           = "📻 Radio off. Played %d tracks."
	MsgRadioLowTracks     = "📻 Running low on new tracks. Try `/radio tune` to explore a new direction."
	MsgRadioStatic        = "📻 Static! Avoiding **%s**..."
	MsgRadioLoopStarted   = "[%s] Radio loop started: %s"
	MsgRadioLoopStopped   = "[%s] Radio loop stopped after %d tracks"
	MsgRadioSearchFail    = "[%s] Radio search failed: %v"
	MsgRadioRelatedFail   = "[%s] Related track lookup failed: %v"
	MsgAutoplayEnded      = "Autoplay ended after 2 hours. Played %d unique songs."
	MsgAutoplayExhausted  = "Ran out of new songs for **%s**. Stopping autoplay."
	MsgAutoplayStarted    = "[%s] Autoplay started for artist: %s"
	MsgAutoplayStopped    = "[%s] Autoplay stopped after %d songs"
	MsgAutoplaySearchFail = "[%s] Autoplay search failed: %v"
	ErrRadioNotRunning    = "The radio isn't running. Start it with `/radio radio`."
	ErrAutoplayNoArtist   = "Couldn't work out an artist from the current track."
	ErrStationNotFound    = "No station saved under **%s**."
	ErrStationSaveFailed  = "Failed to save the station. Please try again."
	MsgStationSaved       = "📻 Saved station **%s**."
	MsgStationDeleted     = "📻 Deleted station **%s**."
	MsgStationListEmpty   = "No stations saved yet. Save one with `/radio station save`."

	// --- Provider & Synthesis ---
	MsgProviderResolveFail  = "Failed to resolve %q: %v"
	MsgProviderCacheHit     = "Cache hit for query: %s"
	MsgProviderCacheExpired = "Evicted %d expired cache entries"
	MsgSynthConnectFail     = "Failed to reach speech service: %v"
	MsgSynthNoAudio         = "Speech service returned no audio for %q"
	ErrTrackNotFound        = "Couldn't find anything for that search."
	ErrTrackResolveFailed   = "Failed to load that track. Try another one."

	// --- Renderer ---
	MsgRenderConnecting   = "[%s] Connecting to voice channel %s (attempt %d/%d)"
	MsgRenderConnectFail  = "[%s] Voice connection failed: %v"
	MsgRenderDisconnected = "[%s] Disconnected from voice"
	MsgRenderStreamEnd    = "[%s] Stream ended: %s"
	MsgRenderSeekApplied  = "[%s] Seek applied at %ds"

	// --- Cleanup ---
	MsgCleanupDeleteFail = "Failed to delete message %s: %v"
	MsgCleanupDrained    = "Drained %d pending deletions"
)
