package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/disgoorg/disgo/bot"
	"github.com/disgoorg/disgo/rest"
	"github.com/disgoorg/snowflake/v2"
)

// MessageClass decides how long a bot message lives before cleanup
// deletes it.
type MessageClass int

const (
	ClassError MessageClass = iota
	ClassAck
	ClassTemporary
	ClassQueueAdd
	ClassStatus
	ClassAutoplayEvent
	ClassAutoplayEnd
	ClassUserCommand
)

func (c MessageClass) Delay() time.Duration {
	switch c {
	case ClassError:
		return 15 * time.Second
	case ClassAck:
		return 30 * time.Second
	case ClassTemporary:
		return 10 * time.Second
	case ClassQueueAdd:
		return 45 * time.Second
	case ClassStatus:
		return 120 * time.Second
	case ClassAutoplayEvent:
		return 60 * time.Second
	case ClassAutoplayEnd:
		return 300 * time.Second
	case ClassUserCommand:
		return 20 * time.Second
	default:
		return 30 * time.Second
	}
}

// Notifier posts self-deleting channel messages. Refill loops use it
// for progress and summary events.
type Notifier interface {
	Notify(channelID snowflake.ID, class MessageClass, format string, args ...any)
}

// MessageCleanup sends channel messages and deletes them after the
// class delay so the channel doesn't fill with bot chatter.
type nowPlayingRef struct {
	channelID snowflake.ID
	messageID snowflake.ID
}

type MessageCleanup struct {
	mu         sync.Mutex
	client     *bot.Client
	timers     map[snowflake.ID]*time.Timer
	nowPlaying map[snowflake.ID]nowPlayingRef
}

var (
	messageCleanup *MessageCleanup
	onceCleanup    sync.Once
)

func GetNotifier() *MessageCleanup {
	onceCleanup.Do(func() {
		messageCleanup = &MessageCleanup{
			timers:     make(map[snowflake.ID]*time.Timer),
			nowPlaying: make(map[snowflake.ID]nowPlayingRef),
		}
	})
	return messageCleanup
}

func (c *MessageCleanup) setClient(client *bot.Client) {
	c.mu.Lock()
	c.client = client
	c.mu.Unlock()
}

// Notify sends a V2 text message and schedules its deletion.
func (c *MessageCleanup) Notify(channelID snowflake.ID, class MessageClass, format string, args ...any) {
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()
	if client == nil || channelID == 0 {
		return
	}
	content := fmt.Sprintf(format, args...)
	msg, err := SendMessageV2(*client, channelID, NewV2Container(NewTextDisplay(content)), nil)
	if err != nil {
		LogCleanup("Failed to send notification to %s: %v", channelID, err)
		return
	}
	c.ScheduleDelete(channelID, msg.ID, class.Delay())
}

// ScheduleDelete deletes the message after the delay. Scheduling the
// same message again resets its timer.
func (c *MessageCleanup) ScheduleDelete(channelID, messageID snowflake.ID, delay time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return
	}
	if t, ok := c.timers[messageID]; ok {
		t.Stop()
	}
	client := c.client
	c.timers[messageID] = time.AfterFunc(delay, func() {
		c.mu.Lock()
		delete(c.timers, messageID)
		c.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := client.Rest.DeleteMessage(channelID, messageID, rest.WithCtx(ctx)); err != nil {
			LogCleanup(MsgCleanupDeleteFail, messageID, err)
		}
	})
}

// ReplaceNowPlaying posts a guild's now-playing panel, deleting the
// previous one so only the current track's panel remains.
func (c *MessageCleanup) ReplaceNowPlaying(guildID, channelID snowflake.ID, container Container) {
	c.mu.Lock()
	client := c.client
	prev, had := c.nowPlaying[guildID]
	c.mu.Unlock()
	if client == nil || channelID == 0 {
		return
	}
	if had && prev.channelID == channelID {
		// Same channel: edit the panel in place instead of churning messages.
		if _, err := EditMessageV2(*client, prev.channelID, prev.messageID, container); err == nil {
			return
		}
		// Edit failed (likely deleted by a moderator); fall through and repost.
	}
	if had {
		c.ScheduleDelete(prev.channelID, prev.messageID, 0)
	}
	msg, err := SendMessageV2(*client, channelID, container, nil)
	if err != nil {
		LogCleanup("Failed to send now-playing panel to %s: %v", channelID, err)
		return
	}
	c.mu.Lock()
	c.nowPlaying[guildID] = nowPlayingRef{channelID: channelID, messageID: msg.ID}
	c.mu.Unlock()
}

// ClearNowPlaying removes the guild's now-playing panel, if any.
func (c *MessageCleanup) ClearNowPlaying(guildID snowflake.ID) {
	c.mu.Lock()
	prev, had := c.nowPlaying[guildID]
	delete(c.nowPlaying, guildID)
	c.mu.Unlock()
	if had {
		c.ScheduleDelete(prev.channelID, prev.messageID, 0)
	}
}

// drain stops all pending timers without deleting anything.
func (c *MessageCleanup) drain() {
	c.mu.Lock()
	n := len(c.timers)
	for id, t := range c.timers {
		t.Stop()
		delete(c.timers, id)
	}
	c.mu.Unlock()
	if n > 0 {
		LogCleanup(MsgCleanupDrained, n)
	}
}

func init() {
	OnClientReady(func(ctx context.Context, client *bot.Client) {
		GetNotifier().setClient(client)
	})

	RegisterDaemon(LogCleanup, func(ctx context.Context) (bool, func(), func()) {
		run := func() {
			<-ctx.Done()
		}
		shutdown := func() {
			GetNotifier().drain()
		}
		return true, run, shutdown
	})
}
