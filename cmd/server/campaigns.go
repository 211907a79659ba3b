package main

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// handleCampaigns godoc
// @Summary List or create campaigns
// @Description GET lists visible campaigns. POST creates a campaign, seeds the DM as first participant, and synthesizes session 1 through the advancement pipeline.
// @Tags Campaigns
// @Accept json
// @Produce json
// @Param Authorization header string true "Basic auth (POST)"
// @Param request body object{name=string,narrative_style=string,difficulty=string,total_sessions=integer,is_private=boolean,turn_time_limit_seconds=integer} false "New campaign (POST)"
// @Success 200 {object} map[string]interface{} "Campaign list or created campaign"
// @Router /campaigns [get]
func handleCampaigns(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method == "GET" {
		rows, err := db.Query(`
			SELECT c.id, c.name, c.narrative_style, c.difficulty, c.current_session_number, c.total_sessions,
				c.is_turn_based, c.is_published, c.is_completed, u.name,
				(SELECT COUNT(*) FROM participants WHERE campaign_id = c.id AND is_active = $1) AS party_size
			FROM campaigns c
			LEFT JOIN users u ON c.owner_id = u.id
			WHERE c.is_archived = $2 AND c.is_private = $3
			ORDER BY c.created_at DESC
		`, true, false, false)
		if err != nil {
			json.NewEncoder(w).Encode(map[string]interface{}{"error": err.Error()})
			return
		}
		defer rows.Close()

		campaigns := []map[string]interface{}{}
		for rows.Next() {
			var id, current, total, partySize int
			var name, style, difficulty string
			var turnBased, published, completed bool
			var dmName sql.NullString
			rows.Scan(&id, &name, &style, &difficulty, &current, &total, &turnBased, &published, &completed, &dmName, &partySize)
			campaigns = append(campaigns, map[string]interface{}{
				"id": id, "name": name, "narrative_style": style, "difficulty": difficulty,
				"current_session_number": current, "total_sessions": total,
				"is_turn_based": turnBased, "is_published": published, "is_completed": completed,
				"dm": dmName.String, "party_size": partySize,
			})
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"campaigns": campaigns, "count": len(campaigns)})
		return
	}

	if r.Method == "POST" {
		userID, err := getUserFromAuth(r)
		if err != nil {
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]interface{}{"error": err.Error()})
			return
		}

		var req struct {
			Name                 string `json:"name"`
			NarrativeStyle       string `json:"narrative_style"`
			Difficulty           string `json:"difficulty"`
			TotalSessions        int    `json:"total_sessions"`
			IsPrivate            bool   `json:"is_private"`
			TurnTimeLimitSeconds int    `json:"turn_time_limit_seconds"`
		}
		json.NewDecoder(r.Body).Decode(&req)

		if req.Name == "" {
			req.Name = "Unnamed Adventure"
		}
		if req.NarrativeStyle == "" {
			req.NarrativeStyle = "high fantasy"
		}
		if req.Difficulty == "" {
			req.Difficulty = "medium"
		}
		if req.TotalSessions == 0 {
			req.TotalSessions = 10
		}

		var limit interface{}
		if req.TurnTimeLimitSeconds > 0 {
			limit = req.TurnTimeLimitSeconds
		}

		var campaignID int
		err = db.QueryRow(`
			INSERT INTO campaigns (name, owner_id, narrative_style, difficulty, total_sessions, current_session_number, is_turn_based, is_published, is_private, is_archived, is_completed, turn_time_limit_seconds, created_at)
			VALUES ($1, $2, $3, $4, $5, 0, $6, $7, $8, $9, $10, $11, $12)
			RETURNING id
		`, req.Name, userID, req.NarrativeStyle, req.Difficulty, req.TotalSessions, false, false, req.IsPrivate, false, false, limit, time.Now()).Scan(&campaignID)
		if err != nil {
			json.NewEncoder(w).Encode(map[string]interface{}{"error": err.Error()})
			return
		}

		_, err = db.Exec(`
			INSERT INTO participants (campaign_id, user_id, role, turn_order, is_active, created_at)
			VALUES ($1, $2, 'dm', 1, $3, $4)
		`, campaignID, userID, true, time.Now())
		if err != nil {
			json.NewEncoder(w).Encode(map[string]interface{}{"error": err.Error()})
			return
		}

		// Session 1 goes through the same pipeline as every later beat, so
		// there is exactly one code path for session creation.
		session, err := advanceStory(r.Context(), campaignID, "The adventure begins as the party assembles.", 0, "", "")
		if err != nil {
			json.NewEncoder(w).Encode(map[string]interface{}{"error": err.Error()})
			return
		}

		json.NewEncoder(w).Encode(map[string]interface{}{
			"success":     true,
			"campaign_id": campaignID,
			"session":     session,
		})
		return
	}

	http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
}

// handleCampaignByID routes /api/campaigns/{id}[/op...] the way the rest
// of the API does: suffix dispatch off one prefix handler.
func handleCampaignByID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/campaigns/")
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		http.NotFound(w, r)
		return
	}
	campaignID, err := strconv.Atoi(parts[0])
	if err != nil {
		http.NotFound(w, r)
		return
	}

	rest := parts[1:]
	switch {
	case len(rest) == 0:
		handleCampaignDetail(w, r, campaignID)
	case rest[0] == "turn" && len(rest) == 1:
		handleCampaignTurn(w, r, campaignID, "")
	case rest[0] == "turn" && len(rest) == 2:
		handleCampaignTurn(w, r, campaignID, rest[1])
	case rest[0] == "advance":
		handleCampaignAdvance(w, r, campaignID)
	case rest[0] == "sessions":
		handleCampaignSessions(w, r, campaignID)
	case rest[0] == "join":
		handleCampaignJoin(w, r, campaignID)
	case rest[0] == "companions" && len(rest) == 1:
		handleCampaignCompanions(w, r, campaignID)
	case rest[0] == "companions" && len(rest) == 3 && rest[2] == "act":
		nid, err := strconv.Atoi(rest[1])
		if err != nil {
			http.NotFound(w, r)
			return
		}
		handleCompanionAct(w, r, campaignID, nid)
	case rest[0] == "participants" && len(rest) == 3 && rest[2] == "remove":
		pid, err := strconv.Atoi(rest[1])
		if err != nil {
			http.NotFound(w, r)
			return
		}
		handleParticipantRemove(w, r, campaignID, pid)
	case rest[0] == "settings":
		handleCampaignSettings(w, r, campaignID)
	default:
		http.NotFound(w, r)
	}
}

// handleCampaignDetail godoc
// @Summary Campaign state
// @Description Authoritative campaign snapshot including participants, for client reconciliation after missed events.
// @Tags Campaigns
// @Produce json
// @Param id path int true "Campaign ID"
// @Success 200 {object} map[string]interface{} "Campaign with participants"
// @Failure 404 {object} map[string]interface{} "Campaign not found"
// @Router /campaigns/{id} [get]
func handleCampaignDetail(w http.ResponseWriter, r *http.Request, campaignID int) {
	w.Header().Set("Content-Type", "application/json")

	var name, style, difficulty string
	var ownerID, current, total int
	var turnBased, published, private, archived, completed bool
	var holder sql.NullInt64
	var startedAt sql.NullTime
	err := db.QueryRow(`
		SELECT name, owner_id, narrative_style, difficulty, current_session_number, total_sessions,
			is_turn_based, current_turn_participant_id, turn_started_at,
			is_published, is_private, is_archived, is_completed
		FROM campaigns WHERE id = $1
	`, campaignID).Scan(&name, &ownerID, &style, &difficulty, &current, &total,
		&turnBased, &holder, &startedAt, &published, &private, &archived, &completed)
	if err == sql.ErrNoRows {
		writeCoreError(w, fmt.Errorf("campaign %d: %w", campaignID, errNotFound))
		return
	}
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]interface{}{"error": "database_error"})
		return
	}

	rows, err := db.Query(`
		SELECT id, user_id, npc_id, role, turn_order, is_active
		FROM participants WHERE campaign_id = $1 ORDER BY turn_order, id
	`, campaignID)
	participants := []map[string]interface{}{}
	if err == nil {
		defer rows.Close()
		for rows.Next() {
			var pid, turnOrder int
			var userID, npcID sql.NullInt64
			var role string
			var active bool
			rows.Scan(&pid, &userID, &npcID, &role, &turnOrder, &active)
			p := map[string]interface{}{
				"id": pid, "role": role, "turn_order": turnOrder, "is_active": active,
			}
			if userID.Valid {
				p["user_id"] = userID.Int64
			}
			if npcID.Valid {
				p["npc_id"] = npcID.Int64
			}
			participants = append(participants, p)
		}
	}

	resp := map[string]interface{}{
		"id": campaignID, "name": name, "owner_id": ownerID,
		"narrative_style": style, "difficulty": difficulty,
		"current_session_number": current, "total_sessions": total,
		"is_turn_based": turnBased, "is_published": published, "is_private": private,
		"is_archived": archived, "is_completed": completed,
		"participants": participants,
	}
	if holder.Valid {
		resp["current_turn_participant_id"] = holder.Int64
	}
	if startedAt.Valid {
		resp["turn_started_at"] = startedAt.Time
	}
	json.NewEncoder(w).Encode(resp)
}

// nextTurnOrder returns max+1 over all participants of the campaign.
// Orders are never compacted; only the relative order among active
// participants matters.
func nextTurnOrder(campaignID int) int {
	var maxOrder sql.NullInt64
	db.QueryRow("SELECT MAX(turn_order) FROM participants WHERE campaign_id = $1", campaignID).Scan(&maxOrder)
	if maxOrder.Valid {
		return int(maxOrder.Int64) + 1
	}
	return 1
}

// handleCampaignJoin godoc
// @Summary Join a campaign
// @Tags Campaigns
// @Produce json
// @Param id path int true "Campaign ID"
// @Param Authorization header string true "Basic auth"
// @Success 200 {object} map[string]interface{} "Joined"
// @Failure 409 {object} map[string]interface{} "Already a participant"
// @Router /campaigns/{id}/join [post]
func handleCampaignJoin(w http.ResponseWriter, r *http.Request, campaignID int) {
	w.Header().Set("Content-Type", "application/json")
	if r.Method != "POST" {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}

	userID, err := getUserFromAuth(r)
	if err != nil {
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]interface{}{"error": err.Error()})
		return
	}

	if _, err := campaignOwner(campaignID); err != nil {
		writeCoreError(w, err)
		return
	}

	var existing int
	err = db.QueryRow(`
		SELECT COUNT(*) FROM participants WHERE campaign_id = $1 AND user_id = $2
	`, campaignID, userID).Scan(&existing)
	if err == nil && existing > 0 {
		writeCoreError(w, fmt.Errorf("already a participant: %w", errInvalidState))
		return
	}

	var participantID int
	err = db.QueryRow(`
		INSERT INTO participants (campaign_id, user_id, role, turn_order, is_active, created_at)
		VALUES ($1, $2, 'player', $3, $4, $5)
		RETURNING id
	`, campaignID, userID, nextTurnOrder(campaignID), true, time.Now()).Scan(&participantID)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]interface{}{"error": "database_error"})
		return
	}

	hub.broadcast(evParticipantJoined, map[string]interface{}{
		"campaign_id": campaignID, "participant_id": participantID, "user_id": userID,
	})
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success": true, "campaign_id": campaignID, "participant_id": participantID,
	})
}

// handleCampaignCompanions godoc
// @Summary Add an NPC companion (DM only)
// @Description Creates a companion NPC and attaches it to the turn cycle as a companion participant.
// @Tags Campaigns
// @Accept json
// @Produce json
// @Param id path int true "Campaign ID"
// @Param Authorization header string true "Basic auth"
// @Param request body object{name=string,race=string,occupation=string,role=string} true "Companion"
// @Success 200 {object} map[string]interface{} "Companion added"
// @Router /campaigns/{id}/companions [post]
func handleCampaignCompanions(w http.ResponseWriter, r *http.Request, campaignID int) {
	w.Header().Set("Content-Type", "application/json")
	if r.Method != "POST" {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}

	userID, err := getUserFromAuth(r)
	if err != nil {
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]interface{}{"error": err.Error()})
		return
	}
	ownerID, err := campaignOwner(campaignID)
	if err != nil {
		writeCoreError(w, err)
		return
	}
	if userID != ownerID {
		writeCoreError(w, fmt.Errorf("only the DM can add companions: %w", errForbidden))
		return
	}

	var req struct {
		Name       string `json:"name"`
		Race       string `json:"race"`
		Occupation string `json:"occupation"`
		Role       string `json:"role"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]interface{}{"error": "name_required"})
		return
	}

	var npcID int
	err = db.QueryRow(`
		INSERT INTO companions (campaign_id, name, race, occupation, role, is_active)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`, campaignID, req.Name, req.Race, req.Occupation, req.Role, true).Scan(&npcID)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]interface{}{"error": "database_error"})
		return
	}

	var participantID int
	err = db.QueryRow(`
		INSERT INTO participants (campaign_id, npc_id, role, turn_order, is_active, created_at)
		VALUES ($1, $2, 'companion', $3, $4, $5)
		RETURNING id
	`, campaignID, npcID, nextTurnOrder(campaignID), true, time.Now()).Scan(&participantID)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]interface{}{"error": "database_error"})
		return
	}

	hub.broadcast(evParticipantAdded, map[string]interface{}{
		"campaign_id": campaignID, "participant_id": participantID, "npc_id": npcID, "name": req.Name,
	})
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success": true, "npc_id": npcID, "participant_id": participantID,
	})
}

// npcAction is the payload broadcast when the DM has a companion act.
type npcAction struct {
	CampaignID int    `json:"campaign_id"`
	NPCID      int    `json:"npc_id"`
	Name       string `json:"name"`
	Action     string `json:"action"`
}

// handleCompanionAct godoc
// @Summary Have a companion act (DM only)
// @Description Companions have no player, so their actions come in through the DM and go out to the table as npc_action events.
// @Tags Campaigns
// @Accept json
// @Produce json
// @Param id path int true "Campaign ID"
// @Param nid path int true "Companion ID"
// @Param Authorization header string true "Basic auth"
// @Param request body object{action=string} true "What the companion does"
// @Success 200 {object} map[string]interface{} "Acted"
// @Router /campaigns/{id}/companions/{nid}/act [post]
func handleCompanionAct(w http.ResponseWriter, r *http.Request, campaignID, npcID int) {
	w.Header().Set("Content-Type", "application/json")
	if r.Method != "POST" {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}

	userID, err := getUserFromAuth(r)
	if err != nil {
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]interface{}{"error": err.Error()})
		return
	}
	ownerID, err := campaignOwner(campaignID)
	if err != nil {
		writeCoreError(w, err)
		return
	}
	if userID != ownerID {
		writeCoreError(w, fmt.Errorf("only the DM can act for companions: %w", errForbidden))
		return
	}

	var name string
	err = db.QueryRow(`
		SELECT name FROM companions WHERE id = $1 AND campaign_id = $2 AND is_active = $3
	`, npcID, campaignID, true).Scan(&name)
	if err == sql.ErrNoRows {
		writeCoreError(w, fmt.Errorf("companion %d: %w", npcID, errNotFound))
		return
	}
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]interface{}{"error": "database_error"})
		return
	}

	var req struct {
		Action string `json:"action"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Action == "" {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]interface{}{"error": "action_required"})
		return
	}

	hub.broadcast(evNPCAction, marshalPayload(npcAction{
		CampaignID: campaignID, NPCID: npcID, Name: name, Action: req.Action,
	}))
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success": true, "npc_id": npcID, "action": req.Action,
	})
}

// handleParticipantRemove godoc
// @Summary Remove a participant (DM only)
// @Description Deactivates the participant so turn history and rewards stay attributable. Removing the current turn holder ends the turn.
// @Tags Campaigns
// @Produce json
// @Param id path int true "Campaign ID"
// @Param pid path int true "Participant ID"
// @Param Authorization header string true "Basic auth"
// @Success 200 {object} map[string]interface{} "Removed"
// @Router /campaigns/{id}/participants/{pid}/remove [post]
func handleParticipantRemove(w http.ResponseWriter, r *http.Request, campaignID, participantID int) {
	w.Header().Set("Content-Type", "application/json")
	if r.Method != "POST" {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}

	userID, err := getUserFromAuth(r)
	if err != nil {
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]interface{}{"error": err.Error()})
		return
	}
	ownerID, err := campaignOwner(campaignID)
	if err != nil {
		writeCoreError(w, err)
		return
	}
	if userID != ownerID {
		writeCoreError(w, fmt.Errorf("only the DM can remove participants: %w", errForbidden))
		return
	}

	unlock := lockCampaign(campaignID)
	defer unlock()

	res, err := db.Exec(`
		UPDATE participants SET is_active = $1 WHERE id = $2 AND campaign_id = $3
	`, false, participantID, campaignID)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]interface{}{"error": "database_error"})
		return
	}
	if n, _ := res.RowsAffected(); n == 0 {
		writeCoreError(w, fmt.Errorf("participant %d: %w", participantID, errNotFound))
		return
	}

	// The campaign invariant requires the holder to be an active
	// participant, so removing the holder ends the turn.
	var holder sql.NullInt64
	db.QueryRow("SELECT current_turn_participant_id FROM campaigns WHERE id = $1", campaignID).Scan(&holder)
	if holder.Valid && int(holder.Int64) == participantID {
		db.Exec("UPDATE campaigns SET current_turn_participant_id = NULL, turn_started_at = NULL WHERE id = $1", campaignID)
		hub.broadcast(evTurnEnded, map[string]interface{}{
			"campaign_id": campaignID, "ended_participant_id": participantID,
		})
	}

	hub.broadcast(evParticipantRemoved, map[string]interface{}{
		"campaign_id": campaignID, "participant_id": participantID,
	})
	json.NewEncoder(w).Encode(map[string]interface{}{"success": true, "participant_id": participantID})
}

// handleCampaignSettings godoc
// @Summary Update campaign settings (DM only)
// @Tags Campaigns
// @Accept json
// @Produce json
// @Param id path int true "Campaign ID"
// @Param Authorization header string true "Basic auth"
// @Param request body object{narrative_style=string,difficulty=string,turn_time_limit_seconds=integer,is_published=boolean,is_private=boolean,is_archived=boolean} true "Settings"
// @Success 200 {object} map[string]interface{} "Updated"
// @Router /campaigns/{id}/settings [post]
func handleCampaignSettings(w http.ResponseWriter, r *http.Request, campaignID int) {
	w.Header().Set("Content-Type", "application/json")
	if r.Method != "POST" {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}

	userID, err := getUserFromAuth(r)
	if err != nil {
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]interface{}{"error": err.Error()})
		return
	}
	ownerID, err := campaignOwner(campaignID)
	if err != nil {
		writeCoreError(w, err)
		return
	}
	if userID != ownerID {
		writeCoreError(w, fmt.Errorf("only the DM can change settings: %w", errForbidden))
		return
	}

	var req struct {
		NarrativeStyle       *string `json:"narrative_style"`
		Difficulty           *string `json:"difficulty"`
		TurnTimeLimitSeconds *int    `json:"turn_time_limit_seconds"`
		IsPublished          *bool   `json:"is_published"`
		IsPrivate            *bool   `json:"is_private"`
		IsArchived           *bool   `json:"is_archived"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]interface{}{"error": "invalid_json"})
		return
	}

	if req.NarrativeStyle != nil {
		db.Exec("UPDATE campaigns SET narrative_style = $1 WHERE id = $2", *req.NarrativeStyle, campaignID)
	}
	if req.Difficulty != nil {
		db.Exec("UPDATE campaigns SET difficulty = $1 WHERE id = $2", *req.Difficulty, campaignID)
	}
	if req.TurnTimeLimitSeconds != nil {
		db.Exec("UPDATE campaigns SET turn_time_limit_seconds = $1 WHERE id = $2", *req.TurnTimeLimitSeconds, campaignID)
	}
	if req.IsPublished != nil {
		db.Exec("UPDATE campaigns SET is_published = $1 WHERE id = $2", *req.IsPublished, campaignID)
	}
	if req.IsPrivate != nil {
		db.Exec("UPDATE campaigns SET is_private = $1 WHERE id = $2", *req.IsPrivate, campaignID)
	}
	if req.IsArchived != nil {
		db.Exec("UPDATE campaigns SET is_archived = $1 WHERE id = $2", *req.IsArchived, campaignID)
	}

	json.NewEncoder(w).Encode(map[string]interface{}{"success": true, "campaign_id": campaignID})
}

// handleSessionByID routes /api/sessions/{id}/complete.
func handleSessionByID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/sessions/")
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) != 2 || parts[1] != "complete" {
		http.NotFound(w, r)
		return
	}
	sessionID, err := strconv.Atoi(parts[0])
	if err != nil {
		http.NotFound(w, r)
		return
	}
	handleSessionComplete(w, r, sessionID)
}
