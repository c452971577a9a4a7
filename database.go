package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/joho/godotenv"
	"github.com/mattn/go-sqlite3"
)

// --- Phase 1: Configuration & Environment ---

type Config struct {
	Token        string
	GuildID      string
	DatabasePath string
	OwnerIDs     []string
	Silent       bool
	TTSLocale    string
}

var GlobalConfig *Config

// LoadConfig initializes the configuration from environment variables.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	token := os.Getenv("DISCORD_TOKEN")
	dbPath := os.Getenv("DATABASE_PATH")
	if dbPath == "" {
		folder := "."
		if info, err := os.Stat("data"); err == nil && info.IsDir() {
			folder = "./data"
		}
		dbPath = filepath.Join(folder, GetProjectName()+".db")
	}

	silent, _ := strconv.ParseBool(os.Getenv("SILENT"))

	// Restrict announcement voices to a locale prefix, e.g. "en" or "es-MX".
	// Empty means the full voice pool.
	ttsLocale := os.Getenv("TTS_LOCALE")

	ownerIDsStr := os.Getenv("OWNER_IDS")
	var ownerIDs []string
	if ownerIDsStr != "" {
		ownerIDs = strings.Split(ownerIDsStr, ",")
		for i := range ownerIDs {
			ownerIDs[i] = strings.TrimSpace(ownerIDs[i])
		}
	}

	cfg := &Config{
		Token:        token,
		GuildID:      os.Getenv("GUILD_ID"),
		DatabasePath: dbPath,
		OwnerIDs:     ownerIDs,
		Silent:       silent,
		TTSLocale:    ttsLocale,
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.Silent {
		SetSilentMode(true)
	}

	GlobalConfig = cfg
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Token == "" {
		return fmt.Errorf(MsgConfigMissingToken)
	}
	if c.GuildID != "" && (len(c.GuildID) < 17 || len(c.GuildID) > 20) {
		return fmt.Errorf("invalid GUILD_ID: must be a valid Snowflake")
	}
	return nil
}

func GetProjectName() string {
	exePath, err := os.Executable()
	projectName := "bot"
	if err == nil {
		projectName = filepath.Base(exePath)
		projectName = strings.TrimSuffix(projectName, ".exe")

		if projectName == "main" || strings.HasPrefix(projectName, "go_build_") {
			if modData, err := os.ReadFile("go.mod"); err == nil {
				lines := strings.Split(string(modData), "\n")
				if len(lines) > 0 && strings.HasPrefix(lines[0], "module ") {
					parts := strings.Split(lines[0], "/")
					projectName = strings.TrimSpace(parts[len(parts)-1])
				}
			}
		}
	}
	return projectName
}

// --- Phase 2: Database Connection & Lifecycle ---

var DB *sql.DB

func InitDatabase(ctx context.Context, dataSourceName string) error {
	// Explicitly reference sqlite3 driver to avoid blank identifier
	// The driver registers itself via its init() function
	_ = sqlite3.SQLiteDriver{}

	var err error
	DB, err = sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return err
	}

	DB.SetMaxOpenConns(5)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA cache_size=-2000;",
	}

	initCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	for _, p := range pragmas {
		if _, err := DB.ExecContext(initCtx, p); err != nil {
			return fmt.Errorf(MsgDatabasePragmaError, p, err)
		}
	}

	tx, err := DB.BeginTx(initCtx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	tableQueries := []string{
		`CREATE TABLE IF NOT EXISTS stations (
			guild_id TEXT NOT NULL,
			name TEXT NOT NULL,
			description TEXT NOT NULL,
			energy INTEGER DEFAULT 0,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (guild_id, name)
		)`,
		`CREATE TABLE IF NOT EXISTS bot_config (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
	}

	for _, q := range tableQueries {
		if _, err := tx.ExecContext(initCtx, q); err != nil {
			return fmt.Errorf(MsgDatabaseTableError, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	migrations := []string{
		"ALTER TABLE stations ADD COLUMN energy INTEGER DEFAULT 0",
	}

	for _, m := range migrations {
		if _, err := DB.ExecContext(initCtx, m); err != nil {
			if !strings.Contains(err.Error(), "duplicate column") {
				return fmt.Errorf("failed to migrate database: %w", err)
			}
		}
	}

	LogDatabase(MsgDatabaseInitSuccess)
	return nil
}

func CloseDatabase() {
	if DB != nil {
		DB.Close()
	}
}

// --- Phase 3: Infrastructure & Bot Persistence ---

// BotConfig helpers are used by the loader for mode tracking and state.
func GetBotConfig(ctx context.Context, key string) (string, error) {
	var value string
	err := DB.QueryRowContext(ctx, "SELECT value FROM bot_config WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

func SetBotConfig(ctx context.Context, key, value string) error {
	_, err := DB.ExecContext(ctx, `
		INSERT INTO bot_config (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP
	`, key, value)
	return err
}

// --- Phase 4: Application Logic (Stations) ---

// A Station is a saved radio preset: a description plus an energy dial
// position, keyed per guild by a lowercased name.
type Station struct {
	GuildID     snowflake.ID
	Name        string
	Description string
	Energy      int
	CreatedAt   time.Time
}

func SaveStation(ctx context.Context, s *Station) error {
	_, err := DB.ExecContext(ctx, `
		INSERT INTO stations (guild_id, name, description, energy) VALUES (?, ?, ?, ?)
		ON CONFLICT(guild_id, name) DO UPDATE SET
			description = excluded.description,
			energy = excluded.energy,
			created_at = CURRENT_TIMESTAMP
	`, s.GuildID.String(), strings.ToLower(s.Name), s.Description, clampEnergy(s.Energy))
	return err
}

func GetStation(ctx context.Context, guildID snowflake.ID, name string) (*Station, error) {
	row := DB.QueryRowContext(ctx, `
		SELECT guild_id, name, description, energy, created_at
		FROM stations WHERE guild_id = ? AND name = ?
	`, guildID.String(), strings.ToLower(name))

	s := &Station{}
	var gid string
	err := row.Scan(&gid, &s.Name, &s.Description, &s.Energy, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	s.GuildID, err = snowflake.Parse(gid)
	if err != nil {
		return nil, fmt.Errorf("failed to parse guild ID '%s' for station %q: %w", gid, s.Name, err)
	}
	return s, nil
}

func DeleteStation(ctx context.Context, guildID snowflake.ID, name string) (bool, error) {
	result, err := DB.ExecContext(ctx, "DELETE FROM stations WHERE guild_id = ? AND name = ?",
		guildID.String(), strings.ToLower(name))
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	return rows > 0, err
}

func GetStationsForGuild(ctx context.Context, guildID snowflake.ID) ([]*Station, error) {
	rows, err := DB.QueryContext(ctx, `
		SELECT guild_id, name, description, energy, created_at
		FROM stations WHERE guild_id = ? ORDER BY name ASC
	`, guildID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stations []*Station
	for rows.Next() {
		s := &Station{}
		var gid string
		if err := rows.Scan(&gid, &s.Name, &s.Description, &s.Energy, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan station: %w", err)
		}
		s.GuildID, err = snowflake.Parse(gid)
		if err != nil {
			return nil, fmt.Errorf("failed to parse guild ID '%s' for station %q: %w", gid, s.Name, err)
		}
		stations = append(stations, s)
	}
	return stations, nil
}
