package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/disgo/events"
	"github.com/disgoorg/omit"
)

var energyDisplays = map[int]string{
	-2: "⬇️⬇️ very chill",
	-1: "⬇️ chill",
	0:  "▶️ neutral",
	1:  "⬆️ energetic",
	2:  "⬆️⬆️ hype",
}

func init() {
	radioPerm := discord.PermissionConnect | discord.PermissionSpeak
	RegisterCommand(discord.SlashCommandCreate{
		Name:                     "radio",
		Description:              "Guild radio and music playback",
		DefaultMemberPermissions: omit.New(&radioPerm),
		Options: []discord.ApplicationCommandOption{
			discord.ApplicationCommandOptionSubCommand{
				Name:        "play",
				Description: "Play a song or add it to the queue",
				Options: []discord.ApplicationCommandOption{
					discord.ApplicationCommandOptionString{
						Name:         "query",
						Description:  "Song name or YouTube URL",
						Required:     true,
						Autocomplete: true,
					},
				},
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "pause",
				Description: "Pause playback",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "resume",
				Description: "Resume playback",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "skip",
				Description: "Skip the current track",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "stop",
				Description: "Stop everything and leave the voice channel",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "queue",
				Description: "Show the queue",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "np",
				Description: "Show the current track",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "autoplay",
				Description: "Keep playing songs from an artist",
				Options: []discord.ApplicationCommandOption{
					discord.ApplicationCommandOptionString{
						Name:        "artist",
						Description: "Artist to play",
						Required:    true,
					},
				},
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "radio",
				Description: "Start a radio station from a description",
				Options: []discord.ApplicationCommandOption{
					discord.ApplicationCommandOptionString{
						Name:        "description",
						Description: "What the station should sound like",
						Required:    true,
					},
				},
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "signal",
				Description: "Show the radio status",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "volume",
				Description: "Adjust the playback volume",
				Options: []discord.ApplicationCommandOption{
					discord.ApplicationCommandOptionInt{
						Name:        "set",
						Description: "Volume percentage (0-200)",
						Required:    true,
						MinValue:    intPtr(0),
						MaxValue:    intPtr(200),
					},
				},
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "tune",
				Description: "Point the radio in a new direction",
				Options: []discord.ApplicationCommandOption{
					discord.ApplicationCommandOptionString{
						Name:        "description",
						Description: "New station description",
						Required:    true,
					},
				},
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "dial",
				Description: "Shift the radio energy up or down",
				Options: []discord.ApplicationCommandOption{
					discord.ApplicationCommandOptionString{
						Name:        "direction",
						Description: "Which way to turn the dial",
						Required:    true,
						Choices: []discord.ApplicationCommandOptionChoiceString{
							{Name: "up", Value: "up"},
							{Name: "down", Value: "down"},
						},
					},
				},
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "static",
				Description: "Skip this track and never play it again",
			},
			discord.ApplicationCommandOptionSubCommandGroup{
				Name:        "station",
				Description: "Saved station presets",
				Options: []discord.ApplicationCommandOptionSubCommand{
					{
						Name:        "save",
						Description: "Save the current radio as a preset",
						Options: []discord.ApplicationCommandOption{
							discord.ApplicationCommandOptionString{
								Name:        "name",
								Description: "Preset name",
								Required:    true,
							},
						},
					},
					{
						Name:        "load",
						Description: "Start a saved station",
						Options: []discord.ApplicationCommandOption{
							discord.ApplicationCommandOptionString{
								Name:         "name",
								Description:  "Preset name",
								Required:     true,
								Autocomplete: true,
							},
						},
					},
					{
						Name:        "delete",
						Description: "Delete a saved station",
						Options: []discord.ApplicationCommandOption{
							discord.ApplicationCommandOptionString{
								Name:         "name",
								Description:  "Preset name",
								Required:     true,
								Autocomplete: true,
							},
						},
					},
					{
						Name:        "list",
						Description: "List saved stations",
					},
				},
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "whisper",
				Description: "Interrupt the music with a spoken message",
				Options: []discord.ApplicationCommandOption{
					discord.ApplicationCommandOptionString{
						Name:        "message",
						Description: "What to say",
						Required:    true,
					},
				},
			},
		},
	}, handleRadio)

	RegisterAutocompleteHandler("radio", handleRadioAutocomplete)
	RegisterComponentHandler("radio:skip", handleSkipButton)
}

func handleRadio(event *events.ApplicationCommandInteractionCreate) {
	data := event.SlashCommandInteractionData()
	if data.SubCommandGroupName != nil && *data.SubCommandGroupName == "station" {
		handleStation(event, data)
		return
	}
	if data.SubCommandName == nil {
		return
	}
	switch *data.SubCommandName {
	case "play":
		handlePlay(event, data)
	case "pause":
		handlePause(event)
	case "resume":
		handleResume(event)
	case "skip":
		handleSkip(event)
	case "stop":
		handleStop(event)
	case "queue":
		handleQueue(event)
	case "np":
		handleNowPlaying(event)
	case "autoplay":
		handleAutoplay(event, data)
	case "radio":
		handleRadioStart(event, data, data.String("description"), 0)
	case "signal":
		handleSignal(event)
	case "volume":
		handleVolume(event, data)
	case "tune":
		handleTune(event, data)
	case "dial":
		handleDial(event, data)
	case "static":
		handleStatic(event)
	case "whisper":
		handleWhisper(event, data)
	}
}

func respondText(event *events.ApplicationCommandInteractionCreate, text string, ephemeral bool) {
	_ = RespondInteractionV2(*event.Client(), event, NewV2Container(NewTextDisplay(text)), ephemeral)
}

func editText(event *events.ApplicationCommandInteractionCreate, text string) {
	_ = EditInteractionV2(*event.Client(), event, NewV2Container(NewTextDisplay(text)))
}

// ensureVoice resolves the guild session and makes sure the bot sits
// in the caller's voice channel. The connection wait is bounded so a
// stuck gateway surfaces as a user-visible error.
func ensureVoice(event *events.ApplicationCommandInteractionCreate) (*Session, error) {
	guildID := event.GuildID()
	if guildID == nil {
		return nil, fmt.Errorf("this command only works in a server")
	}
	vs, ok := event.Client().Caches.VoiceState(*guildID, event.User().ID)
	if !ok || vs.ChannelID == nil {
		return nil, fmt.Errorf("%s", ErrVoiceUserNotInChannel)
	}

	s := GetSessionManager().Prepare(*guildID, event.Channel().ID())
	if s.renderer.Connected() && s.renderer.ChannelID() == *vs.ChannelID {
		return s, nil
	}

	ctx, cancel := context.WithTimeout(s.lifeCtx, 30*time.Second)
	defer cancel()
	if err := s.renderer.Connect(ctx, *vs.ChannelID); err != nil {
		return nil, fmt.Errorf("%s", ErrVoiceConnectFailed)
	}
	for i := 0; i < 20; i++ {
		if s.renderer.Connected() {
			return s, nil
		}
		time.Sleep(500 * time.Millisecond)
	}
	return nil, fmt.Errorf("%s", ErrVoiceConnectFailed)
}

// liveSession returns the guild's session only if it exists and holds
// a voice connection.
func liveSession(event *events.ApplicationCommandInteractionCreate) (*Session, error) {
	guildID := event.GuildID()
	if guildID == nil {
		return nil, fmt.Errorf("this command only works in a server")
	}
	s := GetSessionManager().Get(*guildID)
	if s == nil || !s.renderer.Connected() {
		return nil, fmt.Errorf("%s", ErrSessionNotConnected)
	}
	return s, nil
}

func nowPlayingContainer(track *Track) Container {
	body := fmt.Sprintf("▶️ **%s**\n%s · `%s`", track.Title, track.Uploader, FormatTrackDuration(track.Duration))
	skip := map[string]any{
		"type":      2, // button
		"style":     2,
		"label":     "⏭",
		"custom_id": "radio:skip",
	}
	parts := []interface{}{NewSection(body, skip)}
	if track.ArtworkURL != "" {
		parts = append(parts, NewSeparator(false), NewMediaGallery(track.ArtworkURL))
	}
	return NewV2Container(parts...)
}

func handlePlay(event *events.ApplicationCommandInteractionCreate, data discord.SlashCommandInteractionData) {
	query := strings.TrimSpace(data.String("query"))
	if query == "" {
		respondText(event, "Give me a song name or URL.", true)
		return
	}
	_ = event.DeferCreateMessage(false)

	s, err := ensureVoice(event)
	if err != nil {
		editText(event, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(s.lifeCtx, 60*time.Second)
	defer cancel()
	track, err := s.provider.Resolve(ctx, query)
	if err != nil {
		LogRadio(MsgProviderResolveFail, query, err)
		editText(event, ErrTrackNotFound)
		return
	}

	pos := s.Enqueue(track)
	if pos == 0 {
		editText(event, fmt.Sprintf("▶️ Playing **%s** `%s`", track.Title, FormatTrackDuration(track.Duration)))
	} else {
		editText(event, fmt.Sprintf("➕ Queued **%s** `%s` (position %d)", track.Title, FormatTrackDuration(track.Duration), pos))
	}
}

func handlePause(event *events.ApplicationCommandInteractionCreate) {
	s, err := liveSession(event)
	if err != nil {
		respondText(event, err.Error(), true)
		return
	}
	if err := s.Pause(); err != nil {
		respondText(event, err.Error(), true)
		return
	}
	respondText(event, "⏸️ Paused.", false)
}

func handleResume(event *events.ApplicationCommandInteractionCreate) {
	s, err := liveSession(event)
	if err != nil {
		respondText(event, err.Error(), true)
		return
	}
	if err := s.Resume(); err != nil {
		respondText(event, err.Error(), true)
		return
	}
	respondText(event, "▶️ Resumed.", false)
}

func handleSkip(event *events.ApplicationCommandInteractionCreate) {
	s, err := liveSession(event)
	if err != nil {
		respondText(event, err.Error(), true)
		return
	}
	track, _ := s.NowPlaying()
	if err := s.Skip(); err != nil {
		respondText(event, err.Error(), true)
		return
	}
	title := ""
	if track != nil {
		title = track.Title
	}
	respondText(event, fmt.Sprintf("⏭️ Skipped **%s**", title), false)
}

func handleSkipButton(event *events.ComponentInteractionCreate) {
	guildID := event.GuildID()
	if guildID == nil {
		return
	}
	s := GetSessionManager().Get(*guildID)
	if s == nil {
		_ = RespondInteractionV2(*event.Client(), event, NewV2Container(NewTextDisplay(ErrSessionNotConnected)), true)
		return
	}
	if err := s.Skip(); err != nil {
		_ = RespondInteractionV2(*event.Client(), event, NewV2Container(NewTextDisplay(err.Error())), true)
		return
	}
	// Swap the panel to an interim state; the next track rewrites it.
	_ = UpdateInteractionV2(*event.Client(), event, NewV2Container(NewTextDisplay("⏭️ Skipped, loading the next track…")))
}

func handleStop(event *events.ApplicationCommandInteractionCreate) {
	guildID := event.GuildID()
	if guildID == nil {
		return
	}
	s := GetSessionManager().Get(*guildID)
	if s == nil {
		respondText(event, ErrSessionNotConnected, true)
		return
	}
	_ = event.DeferCreateMessage(false)
	msg := "⏹️ Stopped and left the voice channel."
	if repl := s.Replenisher(); repl != nil && repl.Mode() == ModeRadio {
		played, _, _ := repl.Stats()
		msg = fmt.Sprintf(MsgRadioOff, played)
	}
	GetSessionManager().Remove(context.Background(), *guildID)
	editText(event, msg)
}

func handleQueue(event *events.ApplicationCommandInteractionCreate) {
	s, err := liveSession(event)
	if err != nil {
		respondText(event, err.Error(), true)
		return
	}
	queue := s.Queue()
	current, elapsed := s.NowPlaying()

	var b strings.Builder
	if current != nil {
		fmt.Fprintf(&b, "▶️ **%s** `%s / %s`\n", current.Title,
			FormatTrackDuration(int(elapsed.Seconds())), FormatTrackDuration(current.Duration))
	}
	if len(queue) == 0 {
		if current == nil {
			respondText(event, ErrSessionQueueEmpty, true)
			return
		}
		b.WriteString("*Queue is empty.*")
	}
	shown := Min(len(queue), 10)
	for i, t := range queue[:shown] {
		fmt.Fprintf(&b, "`%2d.` %s `%s`\n", i+1, Truncate(t.Title, 60), FormatTrackDuration(t.Duration))
	}
	if len(queue) > shown {
		fmt.Fprintf(&b, "…and %d more", len(queue)-shown)
	}
	respondText(event, b.String(), false)
}

func handleNowPlaying(event *events.ApplicationCommandInteractionCreate) {
	s, err := liveSession(event)
	if err != nil {
		respondText(event, err.Error(), true)
		return
	}
	track, elapsed := s.NowPlaying()
	if track == nil {
		respondText(event, ErrSessionNothingPlaying, true)
		return
	}
	body := fmt.Sprintf("▶️ **%s**\n%s · `%s / %s`", track.Title, track.Uploader,
		FormatTrackDuration(int(elapsed.Seconds())), FormatTrackDuration(track.Duration))
	if track.ArtworkURL != "" {
		container := NewV2Container(NewSection(body, NewThumbnail(track.ArtworkURL)))
		_ = RespondInteractionV2(*event.Client(), event, container, false)
		return
	}
	respondText(event, body, false)
}

func handleAutoplay(event *events.ApplicationCommandInteractionCreate, data discord.SlashCommandInteractionData) {
	artist := strings.TrimSpace(data.String("artist"))
	if artist == "" {
		respondText(event, "Give me an artist name.", true)
		return
	}
	_ = event.DeferCreateMessage(false)

	s, err := ensureVoice(event)
	if err != nil {
		editText(event, err.Error())
		return
	}

	s.StopAndClear()
	s.SetAnnounce(true)
	repl := NewAutoplayReplenisher(s, GetNotifier(), s.TextChannelID(), artist)
	s.SetReplenisher(repl)
	repl.Start()
	LogRadio(MsgAutoplayStarted, s.guildID, artist)
	editText(event, fmt.Sprintf("🎶 Autoplay on for **%s**. I'll keep the queue stocked for 2 hours.", artist))
}

func handleRadioStart(event *events.ApplicationCommandInteractionCreate, data discord.SlashCommandInteractionData, description string, energy int) {
	description = strings.TrimSpace(description)
	if description == "" {
		respondText(event, "Describe what the station should sound like.", true)
		return
	}
	_ = event.DeferCreateMessage(false)

	s, err := ensureVoice(event)
	if err != nil {
		editText(event, err.Error())
		return
	}

	s.StopAndClear()
	s.SetAnnounce(true)
	repl := NewRadioReplenisher(s, GetNotifier(), s.TextChannelID(), description, energy)
	s.SetReplenisher(repl)
	repl.Start()
	LogRadio(MsgRadioLoopStarted, s.guildID, description)
	editText(event, fmt.Sprintf(MsgRadioTuning, description))
}

// radioLoop returns the active radio replenisher, rejecting autoplay
// sessions and idle ones.
func radioLoop(event *events.ApplicationCommandInteractionCreate) (*Session, *Replenisher, error) {
	s, err := liveSession(event)
	if err != nil {
		return nil, nil, err
	}
	repl := s.Replenisher()
	if repl == nil || repl.Mode() != ModeRadio {
		return nil, nil, fmt.Errorf("%s", ErrRadioNotRunning)
	}
	return s, repl, nil
}

func handleSignal(event *events.ApplicationCommandInteractionCreate) {
	_, repl, err := radioLoop(event)
	if err != nil {
		respondText(event, err.Error(), true)
		return
	}
	played, avoided, remaining := repl.Stats()
	respondText(event, fmt.Sprintf(
		"📻 **Signal report**\nTuned to: **%s**\nEnergy: %s\nPlayed: %d · Avoided: %d\nTime left: %s",
		repl.Description(), energyDisplays[repl.Energy()], played, avoided, FormatDuration(remaining)), false)
}

func handleVolume(event *events.ApplicationCommandInteractionCreate, data discord.SlashCommandInteractionData) {
	s, err := liveSession(event)
	if err != nil {
		respondText(event, err.Error(), true)
		return
	}
	pct := data.Int("set")
	s.renderer.SetVolume(pct)
	respondText(event, fmt.Sprintf("🔊 Volume set to %d%%", pct), false)
}

func handleTune(event *events.ApplicationCommandInteractionCreate, data discord.SlashCommandInteractionData) {
	description := strings.TrimSpace(data.String("description"))
	if description == "" {
		respondText(event, "Describe the new direction.", true)
		return
	}
	s, repl, err := radioLoop(event)
	if err != nil {
		respondText(event, err.Error(), true)
		return
	}
	prev := repl.Retune(description)
	s.ClearQueue()
	respondText(event, fmt.Sprintf(MsgRadioRetuning, prev, description), false)
}

func handleDial(event *events.ApplicationCommandInteractionCreate, data discord.SlashCommandInteractionData) {
	s, repl, err := radioLoop(event)
	if err != nil {
		respondText(event, err.Error(), true)
		return
	}
	delta := 1
	if data.String("direction") == "down" {
		delta = -1
	}
	energy := repl.Dial(delta)
	s.ClearQueue()
	respondText(event, fmt.Sprintf("📻 Energy now %s", energyDisplays[energy]), false)
}

func handleStatic(event *events.ApplicationCommandInteractionCreate) {
	s, repl, err := radioLoop(event)
	if err != nil {
		respondText(event, err.Error(), true)
		return
	}
	track, _ := s.NowPlaying()
	if track == nil {
		respondText(event, ErrSessionNothingPlaying, true)
		return
	}
	repl.Avoid(track.Title)
	_ = s.Skip()
	respondText(event, fmt.Sprintf(MsgRadioStatic, Truncate(track.Title, 50)), false)
}

func handleStation(event *events.ApplicationCommandInteractionCreate, data discord.SlashCommandInteractionData) {
	if data.SubCommandName == nil {
		return
	}
	guildID := event.GuildID()
	if guildID == nil {
		respondText(event, "This command only works in a server.", true)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch *data.SubCommandName {
	case "save":
		name := strings.TrimSpace(data.String("name"))
		_, repl, err := radioLoop(event)
		if err != nil {
			respondText(event, err.Error(), true)
			return
		}
		st := &Station{
			GuildID:     *guildID,
			Name:        name,
			Description: repl.Description(),
			Energy:      repl.Energy(),
		}
		if err := SaveStation(ctx, st); err != nil {
			LogDatabase("Failed to save station %q: %v", name, err)
			respondText(event, ErrStationSaveFailed, true)
			return
		}
		respondText(event, fmt.Sprintf(MsgStationSaved, name), false)

	case "load":
		name := strings.TrimSpace(data.String("name"))
		st, err := GetStation(ctx, *guildID, name)
		if err != nil || st == nil {
			respondText(event, fmt.Sprintf(ErrStationNotFound, name), true)
			return
		}
		handleRadioStart(event, data, st.Description, st.Energy)

	case "delete":
		name := strings.TrimSpace(data.String("name"))
		deleted, err := DeleteStation(ctx, *guildID, name)
		if err != nil || !deleted {
			respondText(event, fmt.Sprintf(ErrStationNotFound, name), true)
			return
		}
		respondText(event, fmt.Sprintf(MsgStationDeleted, name), false)

	case "list":
		stations, err := GetStationsForGuild(ctx, *guildID)
		if err != nil {
			LogDatabase("Failed to list stations: %v", err)
			respondText(event, "Couldn't fetch stations.", true)
			return
		}
		if len(stations) == 0 {
			respondText(event, MsgStationListEmpty, true)
			return
		}
		var b strings.Builder
		b.WriteString("📻 **Saved stations**\n")
		for _, st := range stations {
			fmt.Fprintf(&b, "• **%s** — %s (%s)\n", st.Name, Truncate(st.Description, 60), energyDisplays[st.Energy])
		}
		respondText(event, b.String(), false)
	}
}

func handleWhisper(event *events.ApplicationCommandInteractionCreate, data discord.SlashCommandInteractionData) {
	message := strings.TrimSpace(data.String("message"))
	if message == "" {
		respondText(event, "Give me something to say.", true)
		return
	}
	s, err := liveSession(event)
	if err != nil {
		respondText(event, err.Error(), true)
		return
	}
	respondText(event, "🤫", true)
	safeGo(func() {
		if err := s.Whisper(message); err != nil {
			GetNotifier().Notify(s.TextChannelID(), ClassError, "Couldn't whisper that: %v", err)
		}
	})
}

func handleRadioAutocomplete(event *events.AutocompleteInteractionCreate) {
	focused := event.Data.Focused()
	var choices []discord.AutocompleteChoice

	switch focused.Name {
	case "query":
		q := strings.TrimSpace(focused.String())
		if len(q) >= 2 {
			results, err := GetTrackProvider().Suggest(q)
			if err == nil {
				for i, r := range results {
					if i >= 25 {
						break
					}
					name := r.Title
					if r.ChannelName != "" {
						name = fmt.Sprintf("%s — %s", r.Title, r.ChannelName)
					}
					choices = append(choices, discord.AutocompleteChoiceString{
						Name:  Truncate(name, 100),
						Value: Truncate(r.URL, 100),
					})
				}
			}
		}

	case "name":
		guildID := event.GuildID()
		if guildID == nil {
			break
		}
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		stations, err := GetStationsForGuild(ctx, *guildID)
		if err != nil {
			break
		}
		typed := strings.TrimSpace(focused.String())
		for _, st := range stations {
			if typed != "" && !ContainsLower(st.Name, typed) {
				continue
			}
			choices = append(choices, discord.AutocompleteChoiceString{Name: st.Name, Value: st.Name})
			if len(choices) >= 25 {
				break
			}
		}
	}

	_ = event.AutocompleteResult(choices)
}
