package main

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/disgoorg/snowflake/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestDB(t *testing.T) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "stations_test.db")
	require.NoError(t, InitDatabase(context.Background(), dbPath))
	t.Cleanup(CloseDatabase)
}

func TestStationRoundTrip(t *testing.T) {
	setupTestDB(t)
	ctx := context.Background()
	guildID := snowflake.ID(123456789012345678)

	err := SaveStation(ctx, &Station{
		GuildID:     guildID,
		Name:        "LateNight",
		Description: "late night synthwave",
		Energy:      -1,
	})
	require.NoError(t, err)

	// Lookup is case-insensitive on the name.
	s, err := GetStation(ctx, guildID, "latenight")
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.Equal(t, guildID, s.GuildID)
	assert.Equal(t, "latenight", s.Name)
	assert.Equal(t, "late night synthwave", s.Description)
	assert.Equal(t, -1, s.Energy)

	s, err = GetStation(ctx, guildID, "LATENIGHT")
	require.NoError(t, err)
	require.NotNil(t, s)
}

func TestStationUpsertReplaces(t *testing.T) {
	setupTestDB(t)
	ctx := context.Background()
	guildID := snowflake.ID(123456789012345678)

	require.NoError(t, SaveStation(ctx, &Station{GuildID: guildID, Name: "jazz", Description: "smooth jazz", Energy: 0}))
	require.NoError(t, SaveStation(ctx, &Station{GuildID: guildID, Name: "jazz", Description: "hard bop", Energy: 1}))

	s, err := GetStation(ctx, guildID, "jazz")
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.Equal(t, "hard bop", s.Description)
	assert.Equal(t, 1, s.Energy)
}

func TestStationEnergyClampedOnSave(t *testing.T) {
	setupTestDB(t)
	ctx := context.Background()
	guildID := snowflake.ID(123456789012345678)

	require.NoError(t, SaveStation(ctx, &Station{GuildID: guildID, Name: "loud", Description: "noise", Energy: 9}))
	s, err := GetStation(ctx, guildID, "loud")
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.Equal(t, 2, s.Energy)
}

func TestStationDeleteAndList(t *testing.T) {
	setupTestDB(t)
	ctx := context.Background()
	guildA := snowflake.ID(123456789012345678)
	guildB := snowflake.ID(876543210987654321)

	require.NoError(t, SaveStation(ctx, &Station{GuildID: guildA, Name: "b-side", Description: "deep cuts"}))
	require.NoError(t, SaveStation(ctx, &Station{GuildID: guildA, Name: "ambient", Description: "drones"}))
	require.NoError(t, SaveStation(ctx, &Station{GuildID: guildB, Name: "other", Description: "elsewhere"}))

	stations, err := GetStationsForGuild(ctx, guildA)
	require.NoError(t, err)
	require.Len(t, stations, 2)
	// Sorted by name.
	assert.Equal(t, "ambient", stations[0].Name)
	assert.Equal(t, "b-side", stations[1].Name)

	deleted, err := DeleteStation(ctx, guildA, "ambient")
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = DeleteStation(ctx, guildA, "ambient")
	require.NoError(t, err)
	assert.False(t, deleted)

	missing, err := GetStation(ctx, guildA, "ambient")
	require.NoError(t, err)
	assert.Nil(t, missing)
}
