package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"
)

// Session is one persisted story beat.
type Session struct {
	ID              int       `json:"id"`
	CampaignID      int       `json:"campaign_id"`
	SessionNumber   int       `json:"session_number"`
	Title           string    `json:"title"`
	Narrative       string    `json:"narrative"`
	Location        string    `json:"location"`
	Choices         []Choice  `json:"choices"`
	Rewards         []Reward  `json:"rewards"`
	SessionXPReward int       `json:"session_xp_reward"`
	IsCompleted     bool      `json:"is_completed"`
	CreatedAt       time.Time `json:"created_at"`
}

// sessionXPFor scales the flat completion XP with how deep into the
// campaign the session is.
func sessionXPFor(sessionNumber int) int {
	return 100 + 25*sessionNumber
}

// gatherStoryContext loads the party and companion roster the prompt
// builder folds into the generator request.
func gatherStoryContext(campaignID int) ([]contextCharacter, []contextCompanion, error) {
	rows, err := db.Query(`
		SELECT c.name, c.level, c.race, c.class
		FROM participants p
		JOIN characters c ON c.user_id = p.user_id
		WHERE p.campaign_id = $1 AND p.is_active = $2
		ORDER BY p.turn_order, p.id
	`, campaignID, true)
	if err != nil {
		return nil, nil, err
	}
	characters := []contextCharacter{}
	for rows.Next() {
		var cc contextCharacter
		if err := rows.Scan(&cc.Name, &cc.Level, &cc.Race, &cc.Class); err != nil {
			rows.Close()
			return nil, nil, err
		}
		characters = append(characters, cc)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	rows, err = db.Query(`
		SELECT name, race, occupation, role FROM companions
		WHERE campaign_id = $1 AND is_active = $2
		ORDER BY id
	`, campaignID, true)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()
	companions := []contextCompanion{}
	for rows.Next() {
		var cc contextCompanion
		if err := rows.Scan(&cc.Name, &cc.Race, &cc.Occupation, &cc.Role); err != nil {
			return nil, nil, err
		}
		companions = append(companions, cc)
	}
	return characters, companions, rows.Err()
}

// loadRoll fetches a persisted dice roll so the pipeline can describe the
// authoritative outcome to the generator.
func loadRoll(rollID int) (*RollResult, error) {
	var rr RollResult
	var resultsJSON []byte
	err := db.QueryRow(`
		SELECT id, dice_type, count, modifier, purpose, results, total, is_critical, is_fumble
		FROM dice_rolls WHERE id = $1
	`, rollID).Scan(&rr.ID, &rr.DiceType, &rr.Count, &rr.Modifier, &rr.Purpose, &resultsJSON, &rr.Total, &rr.IsCritical, &rr.IsFumble)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("dice roll %d: %w", rollID, errNotFound)
	}
	if err != nil {
		return nil, err
	}
	json.Unmarshal(resultsJSON, &rr.Results)
	return &rr, nil
}

// formatActionOutcome folds the authoritative roll outcome into the action
// text so the narrative context is self-describing: success is always
// total >= DC, computed here and nowhere else.
func formatActionOutcome(action string, roll *RollResult, dc int) string {
	if roll == nil || dc <= 0 {
		return action
	}
	outcome := "Failure"
	if roll.Total >= dc {
		outcome = "Success"
	}
	return fmt.Sprintf("%s - %s (%d vs DC %d)", action, outcome, roll.Total, dc)
}

// persistSession assigns the next session number and writes the session
// under the campaign lock, so concurrent advancements can't collide on the
// same number.
func persistSession(campaignID int, sr storyResponse) (Session, error) {
	unlock := lockCampaign(campaignID)
	defer unlock()

	var current int
	err := db.QueryRow("SELECT current_session_number FROM campaigns WHERE id = $1", campaignID).Scan(&current)
	if err == sql.ErrNoRows {
		return Session{}, fmt.Errorf("campaign %d: %w", campaignID, errNotFound)
	}
	if err != nil {
		return Session{}, err
	}

	s := Session{
		CampaignID:      campaignID,
		SessionNumber:   current + 1,
		Title:           sr.SessionTitle,
		Narrative:       sr.Narrative,
		Location:        sr.Location,
		Choices:         sr.Choices,
		Rewards:         sr.Rewards,
		SessionXPReward: sessionXPFor(current + 1),
		CreatedAt:       time.Now(),
	}

	choicesJSON, _ := json.Marshal(s.Choices)
	rewardsJSON, _ := json.Marshal(s.Rewards)
	err = db.QueryRow(`
		INSERT INTO sessions (campaign_id, session_number, title, narrative, location, choices, rewards, session_xp_reward, is_completed, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id
	`, s.CampaignID, s.SessionNumber, s.Title, s.Narrative, s.Location, choicesJSON, rewardsJSON, s.SessionXPReward, false, s.CreatedAt).Scan(&s.ID)
	if err != nil {
		return Session{}, err
	}

	_, err = db.Exec("UPDATE campaigns SET current_session_number = $1 WHERE id = $2", s.SessionNumber, campaignID)
	if err != nil {
		return Session{}, err
	}
	return s, nil
}

// advanceStory turns one player action into the next persisted session:
// gather context, ask the generator, validate and normalize its output,
// persist, then hand any rewards to the distributor best-effort. Generator
// trouble of any kind degrades to the fixed fallback session; the campaign
// never ends a successful call without a new current session.
func advanceStory(ctx context.Context, campaignID int, action string, rollID int, style, difficulty string) (Session, error) {
	var name, campStyle, campDifficulty string
	var sessionNumber int
	err := db.QueryRow(`
		SELECT name, narrative_style, difficulty, current_session_number
		FROM campaigns WHERE id = $1
	`, campaignID).Scan(&name, &campStyle, &campDifficulty, &sessionNumber)
	if err == sql.ErrNoRows {
		return Session{}, fmt.Errorf("campaign %d: %w", campaignID, errNotFound)
	}
	if err != nil {
		return Session{}, err
	}
	if style == "" {
		style = campStyle
	}
	if difficulty == "" {
		difficulty = campDifficulty
	}

	characters, companions, err := gatherStoryContext(campaignID)
	if err != nil {
		return Session{}, err
	}

	var lastRoll *RollResult
	if rollID > 0 {
		lastRoll, err = loadRoll(rollID)
		if err != nil {
			return Session{}, err
		}
	}

	prompt := buildStoryPrompt(storyContext{
		CampaignName:   name,
		NarrativeStyle: style,
		Difficulty:     difficulty,
		SessionNumber:  sessionNumber + 1,
		Action:         action,
		Characters:     characters,
		Companions:     companions,
		LastRoll:       lastRoll,
	})

	var sr storyResponse
	raw, err := generator.Generate(ctx, prompt, maxStoryTokens)
	if err == nil {
		sr, err = parseStoryResponse(raw)
	}
	if err == nil {
		err = validateStoryResponse(sr)
	}
	if err != nil {
		log.Printf("WARN: campaign %d: story generation failed, using fallback session: %v", campaignID, err)
		sr = fallbackStoryResponse()
	}
	sr = normalizeStoryResponse(sr)

	session, err := persistSession(campaignID, sr)
	if err != nil {
		return Session{}, err
	}

	if len(session.Rewards) > 0 {
		distributeSessionRewards(session)
	}
	return session, nil
}

// distributeSessionRewards credits each parsed reward to every active
// participant's playing character (the oldest one, same policy as
// session completion). Individual failures are logged and skipped; the
// persisted session is never rolled back.
func distributeSessionRewards(s Session) {
	rows, err := db.Query(`
		SELECT MIN(c.id) FROM participants p
		JOIN characters c ON c.user_id = p.user_id
		WHERE p.campaign_id = $1 AND p.is_active = $2
		GROUP BY p.user_id
	`, s.CampaignID, true)
	if err != nil {
		log.Printf("WARN: session %d: loading reward recipients failed: %v", s.ID, err)
		return
	}
	charIDs := []int{}
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err == nil {
			charIDs = append(charIDs, id)
		}
	}
	rows.Close()

	for _, charID := range charIDs {
		for _, reward := range s.Rewards {
			if err := applyReward(charID, reward, s.ID); err != nil {
				log.Printf("WARN: session %d: reward %q to character %d failed: %v", s.ID, reward.Type, charID, err)
			}
		}
	}
}

// handleCampaignAdvance godoc
// @Summary Advance the story
// @Description Submit a player action (optionally referencing a prior dice roll) and receive the next session. Falls back to a fixed session if generation fails.
// @Tags Sessions
// @Accept json
// @Produce json
// @Param id path int true "Campaign ID"
// @Param Authorization header string true "Basic auth"
// @Param request body object{action=string,roll_id=integer,roll_dc=integer,narrative_style=string,difficulty=string} true "Player action"
// @Success 200 {object} Session "The new session"
// @Failure 404 {object} map[string]interface{} "Campaign not found"
// @Router /campaigns/{id}/advance [post]
func handleCampaignAdvance(w http.ResponseWriter, r *http.Request, campaignID int) {
	w.Header().Set("Content-Type", "application/json")
	if r.Method != "POST" {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}

	if _, err := getUserFromAuth(r); err != nil {
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]interface{}{"error": err.Error()})
		return
	}

	var req struct {
		Action         string `json:"action"`
		RollID         int    `json:"roll_id"`
		RollDC         int    `json:"roll_dc"`
		NarrativeStyle string `json:"narrative_style"`
		Difficulty     string `json:"difficulty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]interface{}{"error": "invalid_json"})
		return
	}
	if req.Action == "" {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]interface{}{"error": "action_required"})
		return
	}

	action := req.Action
	if req.RollID > 0 && req.RollDC > 0 {
		roll, err := loadRoll(req.RollID)
		if err != nil {
			writeCoreError(w, err)
			return
		}
		action = formatActionOutcome(action, roll, req.RollDC)
	}

	session, err := advanceStory(r.Context(), campaignID, action, req.RollID, req.NarrativeStyle, req.Difficulty)
	if err != nil {
		writeCoreError(w, err)
		return
	}
	json.NewEncoder(w).Encode(session)
}

// handleCampaignSessions godoc
// @Summary List campaign sessions
// @Tags Sessions
// @Produce json
// @Param id path int true "Campaign ID"
// @Success 200 {object} map[string]interface{} "Sessions in order"
// @Router /campaigns/{id}/sessions [get]
func handleCampaignSessions(w http.ResponseWriter, r *http.Request, campaignID int) {
	w.Header().Set("Content-Type", "application/json")

	rows, err := db.Query(`
		SELECT id, session_number, title, narrative, location, choices, rewards, session_xp_reward, is_completed, created_at
		FROM sessions WHERE campaign_id = $1 ORDER BY session_number
	`, campaignID)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]interface{}{"error": "database_error"})
		return
	}
	defer rows.Close()

	sessions := []Session{}
	for rows.Next() {
		s := Session{CampaignID: campaignID}
		var choicesJSON, rewardsJSON []byte
		if err := rows.Scan(&s.ID, &s.SessionNumber, &s.Title, &s.Narrative, &s.Location, &choicesJSON, &rewardsJSON, &s.SessionXPReward, &s.IsCompleted, &s.CreatedAt); err != nil {
			continue
		}
		json.Unmarshal(choicesJSON, &s.Choices)
		json.Unmarshal(rewardsJSON, &s.Rewards)
		sessions = append(sessions, s)
	}
	json.NewEncoder(w).Encode(map[string]interface{}{"sessions": sessions, "count": len(sessions)})
}
