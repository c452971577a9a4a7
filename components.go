package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/disgoorg/disgo/bot"
	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/disgo/rest"
	"github.com/disgoorg/snowflake/v2"
)

// ============================================================================
// V2 Components
// ============================================================================

const (
	ComponentTypeSection      discord.ComponentType = 9
	ComponentTypeTextDisplay  discord.ComponentType = 10
	ComponentTypeThumbnail    discord.ComponentType = 11
	ComponentTypeMediaGallery discord.ComponentType = 12
	ComponentTypeSeparator    discord.ComponentType = 14
	ComponentTypeContainer    discord.ComponentType = 17

	MessageFlagsIsComponentsV2 discord.MessageFlags = 1 << 15
)

// UnfurledMediaItem represents an unfurled media item.
type UnfurledMediaItem struct {
	URL string `json:"url"`
}

// MediaGalleryItem represents an item in a media gallery.
type MediaGalleryItem struct {
	Media       UnfurledMediaItem `json:"media"`
	Description *string           `json:"description,omitempty"`
	Spoiler     bool              `json:"spoiler,omitempty"`
}

// MediaGallery is a top-level component that allows you to group images, videos or gifs into a gallery grid.
type MediaGallery struct {
	ID    int                `json:"id,omitempty"`
	Items []MediaGalleryItem `json:"items"`
}

func (m MediaGallery) Type() discord.ComponentType {
	return ComponentTypeMediaGallery
}

func (m MediaGallery) GetID() int {
	return 0
}

func (m MediaGallery) MarshalJSON() ([]byte, error) {
	type mediaGallery MediaGallery
	return json.Marshal(struct {
		mediaGallery
		Type discord.ComponentType `json:"type"`
	}{
		mediaGallery: mediaGallery(m),
		Type:         m.Type(),
	})
}

// Thumbnail is a component that displays a single image/thumbnail.
type Thumbnail struct {
	Media       UnfurledMediaItem `json:"media"`
	Description *string           `json:"description,omitempty"`
	Spoiler     bool              `json:"spoiler,omitempty"`
}

func (t Thumbnail) Type() discord.ComponentType {
	return ComponentTypeThumbnail
}

func (t Thumbnail) GetID() int {
	return 0
}

func (t Thumbnail) MarshalJSON() ([]byte, error) {
	type thumbnail Thumbnail
	return json.Marshal(struct {
		thumbnail
		Type discord.ComponentType `json:"type"`
	}{
		thumbnail: thumbnail(t),
		Type:      t.Type(),
	})
}

// Separator is a component that renders a visual separator or spacing.
type Separator struct {
	Divider bool             `json:"divider,omitempty"`
	Spacing SeparatorSpacing `json:"spacing,omitempty"`
}

func (s Separator) Type() discord.ComponentType {
	return ComponentTypeSeparator
}

func (s Separator) GetID() int {
	return 0
}

func (s Separator) MarshalJSON() ([]byte, error) {
	type separator Separator
	return json.Marshal(struct {
		separator
		Type discord.ComponentType `json:"type"`
	}{
		separator: separator(s),
		Type:      s.Type(),
	})
}

// TextDisplay is a top-level component that allows you to add markdown-formatted text to the message.
type TextDisplay struct {
	Content string `json:"content"`
}

func (t TextDisplay) Type() discord.ComponentType {
	return ComponentTypeTextDisplay
}

func (t TextDisplay) GetID() int {
	return 0
}

func (t TextDisplay) MarshalJSON() ([]byte, error) {
	type textDisplay TextDisplay
	return json.Marshal(struct {
		textDisplay
		Type discord.ComponentType `json:"type"`
	}{
		textDisplay: textDisplay(t),
		Type:        t.Type(),
	})
}

// Section is a container-like component that groups other components with a header.
type Section struct {
	Components []interface{} `json:"components"`
	Accessory  interface{}   `json:"accessory,omitempty"`
}

func (s Section) Type() discord.ComponentType {
	return ComponentTypeSection
}

func (s Section) GetID() int {
	return 0
}

func (s Section) MarshalJSON() ([]byte, error) {
	type section Section
	return json.Marshal(struct {
		section
		Type discord.ComponentType `json:"type"`
	}{
		section: section(s),
		Type:    s.Type(),
	})
}

// Container is a top-level component that contains other components.
type Container struct {
	Components []interface{} `json:"components"`
}

func (c Container) Type() discord.ComponentType {
	return ComponentTypeContainer
}

func (c Container) GetID() int {
	return 0
}

func (c Container) MarshalJSON() ([]byte, error) {
	type container Container
	return json.Marshal(struct {
		container
		Type discord.ComponentType `json:"type"`
	}{
		container: container(c),
		Type:      c.Type(),
	})
}

// Helper functions for building components

func NewV2Container(components ...interface{}) Container {
	return Container{
		Components: components,
	}
}

func NewTextDisplay(content string) TextDisplay {
	return TextDisplay{
		Content: content,
	}
}

func NewMediaGallery(urls ...string) MediaGallery {
	items := make([]MediaGalleryItem, len(urls))
	for i, url := range urls {
		items[i] = MediaGalleryItem{
			Media: UnfurledMediaItem{
				URL: url,
			},
		}
	}
	return MediaGallery{
		Items: items,
	}
}

func NewThumbnail(url string) Thumbnail {
	return Thumbnail{
		Media: UnfurledMediaItem{
			URL: url,
		},
	}
}

// SeparatorSpacing defines the spacing size for a separator.
type SeparatorSpacing int

const (
	SeparatorSpacingSmall  SeparatorSpacing = 0
	SeparatorSpacingMedium SeparatorSpacing = 1 // default
	SeparatorSpacingLarge  SeparatorSpacing = 2
)

func NewSeparator(divider bool) Separator {
	return Separator{
		Divider: divider,
	}
}

// NewSection creates a new Section component.
func NewSection(content string, accessory interface{}) Section {
	s := Section{
		Components: []interface{}{NewTextDisplay(content)},
	}
	if accessory != nil {
		s.Accessory = accessory
	}
	return s
}

// EditInteractionV2 performs a manual PATCH request to edit the original interaction response,
func EditInteractionV2(client bot.Client, interaction discord.Interaction, container Container) error {
	route := rest.NewEndpoint(http.MethodPatch, "/webhooks/{application.id}/{interaction.token}/messages/@original")

	data := struct {
		Components []interface{}        `json:"components"`
		Flags      discord.MessageFlags `json:"flags"`
	}{
		Components: []interface{}{container},
		Flags:      MessageFlagsIsComponentsV2,
	}

	compiledRoute := route.Compile(nil, client.ApplicationID.String(), interaction.Token())

	return client.Rest.Do(compiledRoute, data, nil)
}

// RespondInteractionV2 responds to an interaction with ComponentsV2.
func RespondInteractionV2(client bot.Client, interaction discord.Interaction, container Container, ephemeral bool) error {
	route := rest.NewEndpoint(http.MethodPost, "/interactions/{interaction.id}/{interaction.token}/callback")

	var flags discord.MessageFlags = MessageFlagsIsComponentsV2
	if ephemeral {
		flags |= discord.MessageFlagEphemeral
	}

	data := struct {
		Type discord.InteractionResponseType `json:"type"`
		Data struct {
			Components []interface{}        `json:"components"`
			Flags      discord.MessageFlags `json:"flags"`
		} `json:"data"`
	}{
		Type: discord.InteractionResponseTypeCreateMessage,
		Data: struct {
			Components []interface{}        `json:"components"`
			Flags      discord.MessageFlags `json:"flags"`
		}{
			Components: []interface{}{container},
			Flags:      flags,
		},
	}

	compiledRoute := route.Compile(nil, interaction.ID().String(), interaction.Token())

	return client.Rest.Do(compiledRoute, data, nil)
}

// UpdateInteractionV2 updates the message component interaction with new ComponentsV2.
func UpdateInteractionV2(client bot.Client, interaction discord.Interaction, container Container) error {
	route := rest.NewEndpoint(http.MethodPost, "/interactions/{interaction.id}/{interaction.token}/callback")

	data := struct {
		Type discord.InteractionResponseType `json:"type"`
		Data struct {
			Components []interface{}        `json:"components"`
			Flags      discord.MessageFlags `json:"flags"`
		} `json:"data"`
	}{
		Type: discord.InteractionResponseTypeUpdateMessage,
		Data: struct {
			Components []interface{}        `json:"components"`
			Flags      discord.MessageFlags `json:"flags"`
		}{
			Components: []interface{}{container},
			Flags:      MessageFlagsIsComponentsV2,
		},
	}

	compiledRoute := route.Compile(nil, interaction.ID().String(), interaction.Token())

	return client.Rest.Do(compiledRoute, data, nil)
}

// SendMessageV2 sends a channel message using ComponentsV2.
func SendMessageV2(client bot.Client, channelID snowflake.ID, container Container, ref *discord.MessageReference) (*discord.Message, error) {
	route := rest.NewEndpoint(http.MethodPost, "/channels/{channel.id}/messages")

	data := struct {
		Components       []interface{}             `json:"components"`
		Flags            discord.MessageFlags      `json:"flags"`
		MessageReference *discord.MessageReference `json:"message_reference,omitempty"`
	}{
		Components:       []interface{}{container},
		Flags:            MessageFlagsIsComponentsV2,
		MessageReference: ref,
	}

	compiledRoute := route.Compile(nil, channelID.String())

	var msg discord.Message
	err := client.Rest.Do(compiledRoute, data, &msg)
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// EditMessageV2 edits an existing message to use ComponentsV2.
func EditMessageV2(client bot.Client, channelID, messageID snowflake.ID, container Container) (*discord.Message, error) {
	route := rest.NewEndpoint(http.MethodPatch, "/channels/{channel.id}/messages/{message.id}")

	data := struct {
		Components []interface{}        `json:"components"`
		Flags      discord.MessageFlags `json:"flags"`
	}{
		Components: []interface{}{container},
		Flags:      MessageFlagsIsComponentsV2,
	}

	compiledRoute := route.Compile(nil, channelID.String(), messageID.String())

	var msg discord.Message
	err := client.Rest.Do(compiledRoute, data, &msg)
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// ============================================================================
// Helper Functions
// ============================================================================

func intPtr(i int) *int {
	return &i
}

// ============================================================================
// Math & Logic
// ============================================================================

// Min returns the minimum of two integers.
func Min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// Max returns the maximum of two integers.
func Max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// ============================================================================
// String Utilities
// ============================================================================

// Truncate truncates a string to the specified length with ellipsis at the end.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}

// TruncateCenter truncates a string keeping both the start and end.
func TruncateCenter(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return string(r[:maxLen])
	}
	k := (maxLen - 3) / 2
	return string(r[:k]) + "..." + string(r[len(r)-k:])
}

// ContainsLower checks if a string contains a substring (case-insensitive).
// Both strings are converted to lowercase before comparison.
func ContainsLower(s, substr string) bool {
	s = strings.ToLower(s)
	substr = strings.ToLower(substr)
	return strings.Contains(s, substr)
}

// ============================================================================
// Time Utilities
// ============================================================================

func FormatDuration(d time.Duration) string {
	if d == 0 {
		return "∞"
	}
	h, m, s := int(d.Hours()), int(d.Minutes())%60, int(d.Seconds())%60
	if h > 0 {
		return fmt.Sprintf("%dh %dm", h, m)
	}
	if m > 0 {
		return fmt.Sprintf("%dm %ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
