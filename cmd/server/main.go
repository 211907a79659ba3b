package main

// @title Fableforge API
// @version 0.4.2
// @description Turn-based session coordination for AI-narrated tabletop campaigns. The server owns turn order, dice, sessions, and rewards; the narrative generator handles the storytelling.
// @contact.name Fableforge
// @license.name MIT
// @BasePath /api

import (
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	_ "embed"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
)

//go:embed docs/swagger/swagger.json
var swaggerJSON []byte

const version = "0.4.2"

var db *sql.DB
var hub = newHub()

// generator is the external narrative boundary; tests swap it for a stub
// the same way they swap db for sqlite.
var generator storyGenerator

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

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
	log.Println("Connected to Postgres")
	initDB()

	model := os.Getenv("GEMINI_MODEL")
	if model == "" {
		model = "gemini-2.5-flash"
	}
	generator = &geminiGenerator{apiKey: os.Getenv("GEMINI_API_KEY"), model: model}

	http.HandleFunc("/health", handleHealth)
	http.HandleFunc("/docs/swagger.json", handleSwaggerJSON)
	http.HandleFunc("/ws", handleWS)

	http.HandleFunc("/api/register", handleRegister)
	http.HandleFunc("/api/login", handleLogin)
	http.HandleFunc("/api/characters", handleCharacters)
	http.HandleFunc("/api/campaigns", handleCampaigns)
	http.HandleFunc("/api/campaigns/", handleCampaignByID)
	http.HandleFunc("/api/sessions/", handleSessionByID)
	http.HandleFunc("/api/roll", handleRoll)

	log.Printf("Fableforge %s listening on :%s", version, port)
	log.Fatal(http.ListenAndServe(":"+port, nil))
}

func initDB() {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id SERIAL PRIMARY KEY,
		email VARCHAR(255) UNIQUE NOT NULL,
		password_hash VARCHAR(255) NOT NULL,
		salt VARCHAR(64) NOT NULL,
		name VARCHAR(255),
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS campaigns (
		id SERIAL PRIMARY KEY,
		name VARCHAR(255) NOT NULL,
		owner_id INTEGER REFERENCES users(id),
		narrative_style VARCHAR(100) DEFAULT 'high fantasy',
		difficulty VARCHAR(50) DEFAULT 'medium',
		total_sessions INTEGER DEFAULT 10,
		current_session_number INTEGER DEFAULT 0,
		is_turn_based BOOLEAN DEFAULT FALSE,
		current_turn_participant_id INTEGER,
		turn_started_at TIMESTAMP,
		turn_time_limit_seconds INTEGER,
		is_published BOOLEAN DEFAULT FALSE,
		is_private BOOLEAN DEFAULT FALSE,
		is_archived BOOLEAN DEFAULT FALSE,
		is_completed BOOLEAN DEFAULT FALSE,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS participants (
		id SERIAL PRIMARY KEY,
		campaign_id INTEGER REFERENCES campaigns(id),
		user_id INTEGER REFERENCES users(id),
		npc_id INTEGER,
		role VARCHAR(20) NOT NULL DEFAULT 'player',
		turn_order INTEGER NOT NULL,
		is_active BOOLEAN DEFAULT TRUE,
		last_active_at TIMESTAMP,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE (campaign_id, user_id)
	);

	CREATE TABLE IF NOT EXISTS characters (
		id SERIAL PRIMARY KEY,
		user_id INTEGER REFERENCES users(id),
		name VARCHAR(255) NOT NULL,
		race VARCHAR(50),
		class VARCHAR(50),
		level INTEGER DEFAULT 1,
		xp INTEGER DEFAULT 0,
		gold INTEGER DEFAULT 0,
		silver INTEGER DEFAULT 0,
		copper INTEGER DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS companions (
		id SERIAL PRIMARY KEY,
		campaign_id INTEGER REFERENCES campaigns(id),
		name VARCHAR(255) NOT NULL,
		race VARCHAR(50),
		occupation VARCHAR(100),
		role VARCHAR(100),
		is_active BOOLEAN DEFAULT TRUE
	);

	CREATE TABLE IF NOT EXISTS sessions (
		id SERIAL PRIMARY KEY,
		campaign_id INTEGER REFERENCES campaigns(id),
		session_number INTEGER NOT NULL,
		title VARCHAR(255),
		narrative TEXT,
		location VARCHAR(255),
		choices JSONB DEFAULT '[]',
		rewards JSONB DEFAULT '[]',
		session_xp_reward INTEGER DEFAULT 0,
		is_completed BOOLEAN DEFAULT FALSE,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE (campaign_id, session_number)
	);

	CREATE TABLE IF NOT EXISTS items (
		id SERIAL PRIMARY KEY,
		name VARCHAR(255) UNIQUE NOT NULL,
		description TEXT,
		rarity VARCHAR(50)
	);

	CREATE TABLE IF NOT EXISTS character_items (
		id SERIAL PRIMARY KEY,
		character_id INTEGER REFERENCES characters(id),
		item_id INTEGER REFERENCES items(id),
		quantity INTEGER DEFAULT 1,
		UNIQUE (character_id, item_id)
	);

	CREATE TABLE IF NOT EXISTS dice_rolls (
		id SERIAL PRIMARY KEY,
		character_id INTEGER REFERENCES characters(id),
		dice_type VARCHAR(10) NOT NULL,
		count INTEGER DEFAULT 1,
		modifier INTEGER DEFAULT 0,
		purpose VARCHAR(255),
		results JSONB DEFAULT '[]',
		total INTEGER NOT NULL,
		is_critical BOOLEAN DEFAULT FALSE,
		is_fumble BOOLEAN DEFAULT FALSE,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS transactions (
		id SERIAL PRIMARY KEY,
		character_id INTEGER REFERENCES characters(id),
		amount_copper INTEGER NOT NULL,
		reason TEXT,
		session_id INTEGER REFERENCES sessions(id),
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);
	`
	if _, err := db.Exec(schema); err != nil {
		log.Printf("Schema initialization failed: %v", err)
	}
}

func generateSalt() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}

func hashPassword(password, salt string) string {
	h := sha256.Sum256([]byte(salt + password))
	return hex.EncodeToString(h[:])
}

// getUserFromAuth resolves the Basic auth header to a user id.
func getUserFromAuth(r *http.Request) (int, error) {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Basic ") {
		return 0, fmt.Errorf("missing_auth")
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(auth, "Basic "))
	if err != nil {
		return 0, fmt.Errorf("invalid_auth")
	}
	parts := strings.SplitN(string(decoded), ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid_auth")
	}

	var userID int
	var passwordHash, salt string
	err = db.QueryRow("SELECT id, password_hash, salt FROM users WHERE email = $1", parts[0]).Scan(&userID, &passwordHash, &salt)
	if err != nil {
		return 0, fmt.Errorf("unknown_user")
	}
	if hashPassword(parts[1], salt) != passwordHash {
		return 0, fmt.Errorf("wrong_password")
	}
	return userID, nil
}

// handleRegister godoc
// @Summary Register a user
// @Tags Auth
// @Accept json
// @Produce json
// @Param request body object{email=string,password=string,name=string} true "Credentials"
// @Success 200 {object} map[string]interface{} "Registered"
// @Router /register [post]
func handleRegister(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.Method != "POST" {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
		Name     string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Email == "" || req.Password == "" {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]interface{}{"error": "email_and_password_required"})
		return
	}

	salt := generateSalt()
	var userID int
	err := db.QueryRow(`
		INSERT INTO users (email, password_hash, salt, name, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`, req.Email, hashPassword(req.Password, salt), salt, req.Name, time.Now()).Scan(&userID)
	if err != nil {
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]interface{}{"error": "email_taken"})
		return
	}
	json.NewEncoder(w).Encode(map[string]interface{}{"success": true, "user_id": userID})
}

// handleLogin godoc
// @Summary Verify credentials
// @Tags Auth
// @Produce json
// @Param Authorization header string true "Basic auth"
// @Success 200 {object} map[string]interface{} "User identity"
// @Router /login [post]
func handleLogin(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	userID, err := getUserFromAuth(r)
	if err != nil {
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]interface{}{"error": err.Error()})
		return
	}
	var name string
	db.QueryRow("SELECT COALESCE(name, '') FROM users WHERE id = $1", userID).Scan(&name)
	json.NewEncoder(w).Encode(map[string]interface{}{"success": true, "user_id": userID, "name": name})
}

// handleCharacters godoc
// @Summary Create or list the caller's characters
// @Description The slice of the character store this server touches: identity, level/XP, and purse for the reward distributor.
// @Tags Characters
// @Accept json
// @Produce json
// @Param Authorization header string true "Basic auth"
// @Param request body object{name=string,race=string,class=string} false "New character (POST)"
// @Success 200 {object} map[string]interface{} "Characters"
// @Router /characters [get]
func handleCharacters(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	userID, err := getUserFromAuth(r)
	if err != nil {
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]interface{}{"error": err.Error()})
		return
	}

	if r.Method == "GET" {
		rows, err := db.Query(`
			SELECT id, name, race, class, level, xp, gold, silver, copper
			FROM characters WHERE user_id = $1 ORDER BY id
		`, userID)
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			json.NewEncoder(w).Encode(map[string]interface{}{"error": "database_error"})
			return
		}
		defer rows.Close()

		characters := []map[string]interface{}{}
		for rows.Next() {
			var id, level, xp, gold, silver, copper int
			var name, race, class string
			rows.Scan(&id, &name, &race, &class, &level, &xp, &gold, &silver, &copper)
			characters = append(characters, map[string]interface{}{
				"id": id, "name": name, "race": race, "class": class,
				"level": level, "xp": xp,
				"gold": gold, "silver": silver, "copper": copper,
			})
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"characters": characters})
		return
	}

	if r.Method == "POST" {
		var req struct {
			Name  string `json:"name"`
			Race  string `json:"race"`
			Class string `json:"class"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]interface{}{"error": "name_required"})
			return
		}

		var charID int
		err = db.QueryRow(`
			INSERT INTO characters (user_id, name, race, class, level, xp, gold, silver, copper)
			VALUES ($1, $2, $3, $4, 1, 0, 0, 0, 0)
			RETURNING id
		`, userID, req.Name, req.Race, req.Class).Scan(&charID)
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			json.NewEncoder(w).Encode(map[string]interface{}{"error": "database_error"})
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"success": true, "character_id": charID})
		return
	}

	http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
}

// handleHealth godoc
// @Summary Health check
// @Tags Meta
// @Produce json
// @Success 200 {object} map[string]interface{} "OK"
// @Router /health [get]
func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": "ok", "version": version, "subscribers": hub.count(),
	})
}

func handleSwaggerJSON(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write(swaggerJSON)
}
