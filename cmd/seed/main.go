package main

// Seeds a demo campaign: a DM, two players with characters, a companion
// NPC, and turn-based mode ready to enable. Run against a fresh database
// after the server has created the schema.

import (
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"log"
	"os"
	"time"

	_ "github.com/lib/pq"
)

var db *sql.DB

func hashPassword(password, salt string) string {
	h := sha256.Sum256([]byte(salt + password))
	return hex.EncodeToString(h[:])
}

func generateSalt() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}

func seedUser(email, name, password string) int {
	salt := generateSalt()
	var id int
	err := db.QueryRow(`
		INSERT INTO users (email, password_hash, salt, name, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (email) DO UPDATE SET name = EXCLUDED.name
		RETURNING id
	`, email, hashPassword(password, salt), salt, name, time.Now()).Scan(&id)
	if err != nil {
		log.Fatalf("seed user %s: %v", email, err)
	}
	return id
}

func seedCharacter(userID int, name, race, class string, level int) int {
	var id int
	err := db.QueryRow(`
		INSERT INTO characters (user_id, name, race, class, level, xp, gold, silver, copper)
		VALUES ($1, $2, $3, $4, $5, 0, 10, 20, 50)
		RETURNING id
	`, userID, name, race, class, level).Scan(&id)
	if err != nil {
		log.Fatalf("seed character %s: %v", name, err)
	}
	return id
}

func main() {
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		log.Fatal("DATABASE_URL is required")
	}

	var err error
	db, err = sql.Open("postgres", dbURL)
	if err != nil {
		log.Fatalf("Database connection failed: %v", err)
	}
	if err = db.Ping(); err != nil {
		log.Fatalf("Database ping failed: %v", err)
	}

	dmID := seedUser("dm@fableforge.local", "Morgana", "demo-password")
	aliceID := seedUser("alice@fableforge.local", "Alice", "demo-password")
	bobID := seedUser("bob@fableforge.local", "Bob", "demo-password")

	seedCharacter(dmID, "Morgana the Gray", "human", "wizard", 5)
	seedCharacter(aliceID, "Thornwick", "halfling", "rogue", 3)
	seedCharacter(bobID, "Brug", "half-orc", "barbarian", 3)

	var campaignID int
	err = db.QueryRow(`
		INSERT INTO campaigns (name, owner_id, narrative_style, difficulty, total_sessions, current_session_number, is_turn_based, is_published, is_private, is_archived, is_completed, created_at)
		VALUES ($1, $2, 'high fantasy', 'medium', 12, 0, FALSE, TRUE, FALSE, FALSE, FALSE, $3)
		RETURNING id
	`, "The Sunken Vault", dmID, time.Now()).Scan(&campaignID)
	if err != nil {
		log.Fatalf("seed campaign: %v", err)
	}

	order := 1
	for _, u := range []struct {
		userID int
		role   string
	}{{dmID, "dm"}, {aliceID, "player"}, {bobID, "player"}} {
		_, err = db.Exec(`
			INSERT INTO participants (campaign_id, user_id, role, turn_order, is_active, created_at)
			VALUES ($1, $2, $3, $4, TRUE, $5)
		`, campaignID, u.userID, u.role, order, time.Now())
		if err != nil {
			log.Fatalf("seed participant: %v", err)
		}
		order++
	}

	var npcID int
	err = db.QueryRow(`
		INSERT INTO companions (campaign_id, name, race, occupation, role, is_active)
		VALUES ($1, 'Pip', 'gnome', 'tinker', 'guide', TRUE)
		RETURNING id
	`, campaignID).Scan(&npcID)
	if err != nil {
		log.Fatalf("seed companion: %v", err)
	}
	_, err = db.Exec(`
		INSERT INTO participants (campaign_id, npc_id, role, turn_order, is_active, created_at)
		VALUES ($1, $2, 'companion', $3, TRUE, $4)
	`, campaignID, npcID, order, time.Now())
	if err != nil {
		log.Fatalf("seed companion participant: %v", err)
	}

	log.Printf("Seeded campaign %d with 3 users and companion %d", campaignID, npcID)
	log.Println("Demo logins use password: demo-password")
}
