package main

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"
)

// Per-campaign locks serialize turn transitions and session numbering.
// Single-process deployment makes an in-process lock sufficient; the DB
// write happens inside the locked section so a future row-lock swap stays
// localized.
var campaignLocks = struct {
	mu sync.Mutex
	m  map[int]*sync.Mutex
}{m: map[int]*sync.Mutex{}}

func lockCampaign(campaignID int) func() {
	campaignLocks.mu.Lock()
	l, ok := campaignLocks.m[campaignID]
	if !ok {
		l = &sync.Mutex{}
		campaignLocks.m[campaignID] = l
	}
	campaignLocks.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// TurnState is the authoritative "whose turn is it" snapshot clients
// refetch after any turn event.
type TurnState struct {
	CampaignID           int        `json:"campaign_id"`
	IsTurnBased          bool       `json:"is_turn_based"`
	CurrentParticipantID *int       `json:"current_turn_participant_id"`
	TurnStartedAt        *time.Time `json:"turn_started_at"`
	TurnTimeLimitSeconds *int       `json:"turn_time_limit_seconds"`
}

func getTurnState(campaignID int) (TurnState, error) {
	ts := TurnState{CampaignID: campaignID}
	var holder sql.NullInt64
	var startedAt sql.NullTime
	var limit sql.NullInt64
	err := db.QueryRow(`
		SELECT is_turn_based, current_turn_participant_id, turn_started_at, turn_time_limit_seconds
		FROM campaigns WHERE id = $1
	`, campaignID).Scan(&ts.IsTurnBased, &holder, &startedAt, &limit)
	if err == sql.ErrNoRows {
		return ts, fmt.Errorf("campaign %d: %w", campaignID, errNotFound)
	}
	if err != nil {
		return ts, err
	}
	if holder.Valid {
		v := int(holder.Int64)
		ts.CurrentParticipantID = &v
	}
	if startedAt.Valid {
		t := startedAt.Time
		ts.TurnStartedAt = &t
	}
	if limit.Valid {
		v := int(limit.Int64)
		ts.TurnTimeLimitSeconds = &v
	}
	return ts, nil
}

// campaignOwner returns the DM's user id, or errNotFound.
func campaignOwner(campaignID int) (int, error) {
	var ownerID int
	err := db.QueryRow("SELECT owner_id FROM campaigns WHERE id = $1", campaignID).Scan(&ownerID)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("campaign %d: %w", campaignID, errNotFound)
	}
	return ownerID, err
}

// activeParticipants returns the campaign's active participants ordered by
// turn_order. Gaps in turn_order are permitted; only relative order
// matters for successor computation.
func activeParticipants(campaignID int) ([]int, error) {
	rows, err := db.Query(`
		SELECT id FROM participants
		WHERE campaign_id = $1 AND is_active = $2
		ORDER BY turn_order, id
	`, campaignID, true)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := []int{}
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// enableTurnMode turns turn-based play on and seeds the DM as the first
// holder, moving straight to Active so the table doesn't need a separate
// "start first turn" call.
func enableTurnMode(campaignID, callerUserID int) (TurnState, error) {
	unlock := lockCampaign(campaignID)
	defer unlock()

	ownerID, err := campaignOwner(campaignID)
	if err != nil {
		return TurnState{}, err
	}
	if callerUserID != ownerID {
		return TurnState{}, fmt.Errorf("only the DM can enable turn mode: %w", errForbidden)
	}

	ts, err := getTurnState(campaignID)
	if err != nil {
		return TurnState{}, err
	}
	if ts.IsTurnBased {
		return TurnState{}, fmt.Errorf("turn mode already enabled: %w", errInvalidState)
	}

	var dmParticipantID int
	err = db.QueryRow(`
		SELECT id FROM participants
		WHERE campaign_id = $1 AND role = 'dm' AND is_active = $2
	`, campaignID, true).Scan(&dmParticipantID)
	if err == sql.ErrNoRows {
		return TurnState{}, fmt.Errorf("campaign has no active DM participant: %w", errNoParticipants)
	}
	if err != nil {
		return TurnState{}, err
	}

	now := time.Now()
	_, err = db.Exec(`
		UPDATE campaigns SET is_turn_based = $1, current_turn_participant_id = $2, turn_started_at = $3
		WHERE id = $4
	`, true, dmParticipantID, now, campaignID)
	if err != nil {
		return TurnState{}, err
	}

	hub.broadcast(evTurnBasedChanged, map[string]interface{}{
		"campaign_id": campaignID, "is_turn_based": true,
	})
	hub.broadcast(evTurnChange, map[string]interface{}{
		"campaign_id": campaignID, "participant_id": dmParticipantID, "turn_started_at": now,
	})
	return getTurnState(campaignID)
}

// disableTurnMode clears the holder and timestamp and turns the mode off,
// restoring the exact pre-enable state.
func disableTurnMode(campaignID, callerUserID int) (TurnState, error) {
	unlock := lockCampaign(campaignID)
	defer unlock()

	ownerID, err := campaignOwner(campaignID)
	if err != nil {
		return TurnState{}, err
	}
	if callerUserID != ownerID {
		return TurnState{}, fmt.Errorf("only the DM can disable turn mode: %w", errForbidden)
	}

	ts, err := getTurnState(campaignID)
	if err != nil {
		return TurnState{}, err
	}
	if !ts.IsTurnBased {
		return TurnState{}, fmt.Errorf("turn mode is not enabled: %w", errInvalidState)
	}

	_, err = db.Exec(`
		UPDATE campaigns SET is_turn_based = $1, current_turn_participant_id = NULL, turn_started_at = NULL
		WHERE id = $2
	`, false, campaignID)
	if err != nil {
		return TurnState{}, err
	}

	hub.broadcast(evTurnBasedChanged, map[string]interface{}{
		"campaign_id": campaignID, "is_turn_based": false,
	})
	return getTurnState(campaignID)
}

// startNextTurn hands the turn to the successor of the current holder in
// turn_order, wrapping to the first active participant. With no current
// holder the first active participant starts.
func startNextTurn(campaignID, callerUserID int) (TurnState, error) {
	unlock := lockCampaign(campaignID)
	defer unlock()

	ownerID, err := campaignOwner(campaignID)
	if err != nil {
		return TurnState{}, err
	}
	if callerUserID != ownerID {
		return TurnState{}, fmt.Errorf("only the DM can advance turns: %w", errForbidden)
	}

	ts, err := getTurnState(campaignID)
	if err != nil {
		return TurnState{}, err
	}
	if !ts.IsTurnBased {
		return TurnState{}, fmt.Errorf("campaign is not turn-based: %w", errInvalidState)
	}

	order, err := activeParticipants(campaignID)
	if err != nil {
		return TurnState{}, err
	}
	if len(order) == 0 {
		return TurnState{}, fmt.Errorf("no active participants to advance to: %w", errNoParticipants)
	}

	next := order[0]
	if ts.CurrentParticipantID != nil {
		for i, id := range order {
			if id == *ts.CurrentParticipantID {
				next = order[(i+1)%len(order)]
				break
			}
		}
	}

	now := time.Now()
	_, err = db.Exec(`
		UPDATE campaigns SET current_turn_participant_id = $1, turn_started_at = $2 WHERE id = $3
	`, next, now, campaignID)
	if err != nil {
		return TurnState{}, err
	}
	if _, err := db.Exec("UPDATE participants SET last_active_at = $1 WHERE id = $2", now, next); err != nil {
		log.Printf("WARN: updating last_active_at for participant %d: %v", next, err)
	}

	hub.broadcast(evTurnChange, map[string]interface{}{
		"campaign_id": campaignID, "participant_id": next, "turn_started_at": now,
	})
	return getTurnState(campaignID)
}

// endCurrentTurn clears the holder without picking a successor, returning
// the campaign to Idle. The DM or the holder themselves may end a turn.
func endCurrentTurn(campaignID, callerUserID int) (TurnState, error) {
	unlock := lockCampaign(campaignID)
	defer unlock()

	ownerID, err := campaignOwner(campaignID)
	if err != nil {
		return TurnState{}, err
	}

	ts, err := getTurnState(campaignID)
	if err != nil {
		return TurnState{}, err
	}
	if ts.CurrentParticipantID == nil {
		return TurnState{}, fmt.Errorf("no turn is in progress: %w", errInvalidState)
	}

	if callerUserID != ownerID {
		var holderUserID sql.NullInt64
		err := db.QueryRow("SELECT user_id FROM participants WHERE id = $1", *ts.CurrentParticipantID).Scan(&holderUserID)
		if err != nil || !holderUserID.Valid || int(holderUserID.Int64) != callerUserID {
			return TurnState{}, fmt.Errorf("only the DM or the turn holder can end the turn: %w", errForbidden)
		}
	}

	_, err = db.Exec(`
		UPDATE campaigns SET current_turn_participant_id = NULL, turn_started_at = NULL WHERE id = $1
	`, campaignID)
	if err != nil {
		return TurnState{}, err
	}

	hub.broadcast(evTurnEnded, map[string]interface{}{
		"campaign_id": campaignID, "ended_participant_id": *ts.CurrentParticipantID,
	})
	return getTurnState(campaignID)
}

// handleCampaignTurn godoc
// @Summary Turn coordination
// @Description GET returns authoritative turn state. POST to /turn/enable, /turn/disable, /turn/next or /turn/end transitions it.
// @Tags Turns
// @Produce json
// @Param id path int true "Campaign ID"
// @Param Authorization header string true "Basic auth"
// @Success 200 {object} TurnState "Turn state after the operation"
// @Failure 403 {object} map[string]interface{} "Caller lacks the required role"
// @Failure 404 {object} map[string]interface{} "Campaign not found"
// @Failure 409 {object} map[string]interface{} "Invalid state or no participants"
// @Router /campaigns/{id}/turn [get]
func handleCampaignTurn(w http.ResponseWriter, r *http.Request, campaignID int, op string) {
	w.Header().Set("Content-Type", "application/json")

	if op == "" && r.Method == "GET" {
		ts, err := getTurnState(campaignID)
		if err != nil {
			writeCoreError(w, err)
			return
		}
		json.NewEncoder(w).Encode(ts)
		return
	}

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

	var ts TurnState
	switch op {
	case "enable":
		ts, err = enableTurnMode(campaignID, userID)
	case "disable":
		ts, err = disableTurnMode(campaignID, userID)
	case "next":
		ts, err = startNextTurn(campaignID, userID)
	case "end":
		ts, err = endCurrentTurn(campaignID, userID)
	default:
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]interface{}{"error": "unknown_turn_operation"})
		return
	}
	if err != nil {
		writeCoreError(w, err)
		return
	}
	json.NewEncoder(w).Encode(ts)
}
