package main

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// setupTestDB swaps the global db for an in-memory sqlite database with
// the schema the turn/session/reward core touches, and restores it when
// the test finishes.
func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	originalDB := db
	testDB, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite db: %v", err)
	}
	// Every pool connection gets its own :memory: database, so the pool
	// must stay at one connection.
	testDB.SetMaxOpenConns(1)

	schema := `
CREATE TABLE users (
	id INTEGER PRIMARY KEY,
	email TEXT UNIQUE NOT NULL,
	password_hash TEXT NOT NULL,
	salt TEXT NOT NULL,
	name TEXT,
	created_at TIMESTAMP
);
CREATE TABLE campaigns (
	id INTEGER PRIMARY KEY,
	name TEXT NOT NULL,
	owner_id INTEGER,
	narrative_style TEXT DEFAULT 'high fantasy',
	difficulty TEXT DEFAULT 'medium',
	total_sessions INTEGER DEFAULT 10,
	current_session_number INTEGER DEFAULT 0,
	is_turn_based BOOLEAN DEFAULT 0,
	current_turn_participant_id INTEGER,
	turn_started_at TIMESTAMP,
	turn_time_limit_seconds INTEGER,
	is_published BOOLEAN DEFAULT 0,
	is_private BOOLEAN DEFAULT 0,
	is_archived BOOLEAN DEFAULT 0,
	is_completed BOOLEAN DEFAULT 0,
	created_at TIMESTAMP
);
CREATE TABLE participants (
	id INTEGER PRIMARY KEY,
	campaign_id INTEGER,
	user_id INTEGER,
	npc_id INTEGER,
	role TEXT NOT NULL DEFAULT 'player',
	turn_order INTEGER NOT NULL,
	is_active BOOLEAN DEFAULT 1,
	last_active_at TIMESTAMP,
	created_at TIMESTAMP,
	UNIQUE (campaign_id, user_id)
);
CREATE TABLE characters (
	id INTEGER PRIMARY KEY,
	user_id INTEGER,
	name TEXT NOT NULL,
	race TEXT,
	class TEXT,
	level INTEGER DEFAULT 1,
	xp INTEGER DEFAULT 0,
	gold INTEGER DEFAULT 0,
	silver INTEGER DEFAULT 0,
	copper INTEGER DEFAULT 0
);
CREATE TABLE companions (
	id INTEGER PRIMARY KEY,
	campaign_id INTEGER,
	name TEXT NOT NULL,
	race TEXT,
	occupation TEXT,
	role TEXT,
	is_active BOOLEAN DEFAULT 1
);
CREATE TABLE sessions (
	id INTEGER PRIMARY KEY,
	campaign_id INTEGER,
	session_number INTEGER NOT NULL,
	title TEXT,
	narrative TEXT,
	location TEXT,
	choices TEXT DEFAULT '[]',
	rewards TEXT DEFAULT '[]',
	session_xp_reward INTEGER DEFAULT 0,
	is_completed BOOLEAN DEFAULT 0,
	created_at TIMESTAMP,
	UNIQUE (campaign_id, session_number)
);
CREATE TABLE items (
	id INTEGER PRIMARY KEY,
	name TEXT UNIQUE NOT NULL,
	description TEXT,
	rarity TEXT
);
CREATE TABLE character_items (
	id INTEGER PRIMARY KEY,
	character_id INTEGER,
	item_id INTEGER,
	quantity INTEGER DEFAULT 1,
	UNIQUE (character_id, item_id)
);
CREATE TABLE dice_rolls (
	id INTEGER PRIMARY KEY,
	character_id INTEGER,
	dice_type TEXT NOT NULL,
	count INTEGER DEFAULT 1,
	modifier INTEGER DEFAULT 0,
	purpose TEXT,
	results TEXT DEFAULT '[]',
	total INTEGER NOT NULL,
	is_critical BOOLEAN DEFAULT 0,
	is_fumble BOOLEAN DEFAULT 0,
	created_at TIMESTAMP
);
CREATE TABLE transactions (
	id INTEGER PRIMARY KEY,
	character_id INTEGER,
	amount_copper INTEGER NOT NULL,
	reason TEXT,
	session_id INTEGER,
	created_at TIMESTAMP
);`
	if _, err := testDB.Exec(schema); err != nil {
		t.Fatalf("create schema: %v", err)
	}

	db = testDB
	t.Cleanup(func() {
		_ = testDB.Close()
		db = originalDB
	})

	return testDB
}

// stubGenerator lets tests script the narrative generator the way
// setupTestDB scripts the database.
type stubGenerator struct {
	response string
	err      error
	prompts  []string
}

func (g *stubGenerator) Generate(ctx context.Context, prompt string, maxTokens int) (string, error) {
	g.prompts = append(g.prompts, prompt)
	if g.err != nil {
		return "", g.err
	}
	return g.response, nil
}

func setStubGenerator(t *testing.T, g *stubGenerator) {
	t.Helper()
	original := generator
	generator = g
	t.Cleanup(func() { generator = original })
}

// validStoryJSON is a well-formed generator response used by pipeline
// tests that are not exercising validation.
const validStoryJSON = `{
	"narrative": "The torchlight gutters as the party descends into the vault.",
	"sessionTitle": "Into the Vault",
	"location": "The Sunken Vault",
	"rewards": [],
	"choices": [
		{"action": "Pick the lock", "description": "Work the rusted mechanism", "requiresDiceRoll": true, "diceType": "d20", "rollDC": 13, "rollModifier": 2, "rollPurpose": "Thieves' tools"},
		{"action": "Force the door", "description": "Put a shoulder into it", "requiresDiceRoll": true, "diceType": "d20", "rollDC": 15, "rollPurpose": "Athletics check"},
		{"action": "Search for another way", "description": "Circle the chamber", "requiresDiceRoll": false},
		{"action": "Listen at the door", "description": "Press an ear to the stone", "requiresDiceRoll": true, "diceType": "d20", "rollDC": 10, "rollPurpose": "Perception check"}
	]
}`

func seedTestUser(t *testing.T, testDB *sql.DB, id int, email, name string) {
	t.Helper()
	_, err := testDB.Exec(`
		INSERT INTO users (id, email, password_hash, salt, name, created_at) VALUES (?, ?, ?, ?, ?, ?)
	`, id, email, hashPassword("testpass", "salt"), "salt", name, time.Now())
	if err != nil {
		t.Fatalf("insert user: %v", err)
	}
}

func seedTestCharacter(t *testing.T, testDB *sql.DB, id, userID int, name string, level int) {
	t.Helper()
	_, err := testDB.Exec(`
		INSERT INTO characters (id, user_id, name, race, class, level, xp, gold, silver, copper)
		VALUES (?, ?, ?, 'human', 'fighter', ?, 0, 0, 0, 0)
	`, id, userID, name, level)
	if err != nil {
		t.Fatalf("insert character: %v", err)
	}
}

func seedTestCampaign(t *testing.T, testDB *sql.DB, id, ownerID int) {
	t.Helper()
	_, err := testDB.Exec(`
		INSERT INTO campaigns (id, name, owner_id, narrative_style, difficulty, total_sessions, current_session_number, is_turn_based, is_published, is_private, is_archived, is_completed, created_at)
		VALUES (?, 'Test Campaign', ?, 'high fantasy', 'medium', 10, 0, 0, 0, 0, 0, 0, ?)
	`, id, ownerID, time.Now())
	if err != nil {
		t.Fatalf("insert campaign: %v", err)
	}
}

func seedTestParticipant(t *testing.T, testDB *sql.DB, id, campaignID int, userID interface{}, role string, turnOrder int, active bool) {
	t.Helper()
	_, err := testDB.Exec(`
		INSERT INTO participants (id, campaign_id, user_id, role, turn_order, is_active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, id, campaignID, userID, role, turnOrder, active, time.Now())
	if err != nil {
		t.Fatalf("insert participant: %v", err)
	}
}
