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

// Per-character locks serialize the read-modify-write reward paths.
// Rewards for one character can arrive concurrently from different
// campaigns, so the campaign lock does not cover them.
var characterLocks = struct {
	mu sync.Mutex
	m  map[int]*sync.Mutex
}{m: map[int]*sync.Mutex{}}

func lockCharacter(characterID int) func() {
	characterLocks.mu.Lock()
	l, ok := characterLocks.m[characterID]
	if !ok {
		l = &sync.Mutex{}
		characterLocks.m[characterID] = l
	}
	characterLocks.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// XP thresholds per level, monotonic 1..20 (PHB progression).
var xpThresholds = map[int]int{
	1: 0, 2: 300, 3: 900, 4: 2700, 5: 6500,
	6: 14000, 7: 23000, 8: 34000, 9: 48000, 10: 64000,
	11: 85000, 12: 100000, 13: 120000, 14: 140000, 15: 165000,
	16: 195000, 17: 225000, 18: 265000, 19: 305000, 20: 355000,
}

// getLevelForXP returns the level a character should be at given their XP.
func getLevelForXP(xp int) int {
	level := 1
	for l := 20; l >= 1; l-- {
		if xp >= xpThresholds[l] {
			level = l
			break
		}
	}
	return level
}

// copperValue collapses a mixed currency amount into copper, the common
// audit unit: 1 gold = 100 silver, 1 silver = 100 copper.
func copperValue(gold, silver, copper int) int {
	return gold*10000 + silver*100 + copper
}

// logTransaction appends the immutable audit row that accompanies every
// reward application.
func logTransaction(characterID, amountCopper int, reason string, sessionID int) {
	var sid interface{}
	if sessionID > 0 {
		sid = sessionID
	}
	_, err := db.Exec(`
		INSERT INTO transactions (character_id, amount_copper, reason, session_id, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, characterID, amountCopper, reason, sid, time.Now())
	if err != nil {
		log.Printf("WARN: transaction log write failed for character %d: %v", characterID, err)
	}
}

// applyCurrencyReward adds the deltas to the character's purse and logs
// the signed net copper. Balances never go below zero.
func applyCurrencyReward(characterID, gold, silver, copper int, reason string, sessionID int) error {
	unlock := lockCharacter(characterID)
	defer unlock()

	var curGold, curSilver, curCopper int
	err := db.QueryRow(`
		SELECT COALESCE(gold, 0), COALESCE(silver, 0), COALESCE(copper, 0)
		FROM characters WHERE id = $1
	`, characterID).Scan(&curGold, &curSilver, &curCopper)
	if err == sql.ErrNoRows {
		return fmt.Errorf("character %d: %w", characterID, errNotFound)
	}
	if err != nil {
		return err
	}

	newGold, newSilver, newCopper := curGold+gold, curSilver+silver, curCopper+copper
	if newGold < 0 {
		newGold = 0
	}
	if newSilver < 0 {
		newSilver = 0
	}
	if newCopper < 0 {
		newCopper = 0
	}

	_, err = db.Exec(`
		UPDATE characters SET gold = $1, silver = $2, copper = $3 WHERE id = $4
	`, newGold, newSilver, newCopper, characterID)
	if err != nil {
		return err
	}

	net := copperValue(newGold, newSilver, newCopper) - copperValue(curGold, curSilver, curCopper)
	logTransaction(characterID, net, reason, sessionID)

	hub.broadcast(evCurrencyRewarded, map[string]interface{}{
		"character_id": characterID, "gold": gold, "silver": silver, "copper": copper, "reason": reason,
	})
	return nil
}

// applyItemReward resolves the item definition by name (creating it on
// first sight) and stacks the quantity onto the character's inventory row.
func applyItemReward(characterID int, reward Reward, sessionID int) error {
	quantity := reward.Quantity
	if quantity < 1 {
		quantity = 1
	}
	if reward.Name == "" {
		return fmt.Errorf("item reward missing name")
	}

	unlock := lockCharacter(characterID)
	defer unlock()

	var exists int
	err := db.QueryRow("SELECT COUNT(*) FROM characters WHERE id = $1", characterID).Scan(&exists)
	if err != nil {
		return err
	}
	if exists == 0 {
		return fmt.Errorf("character %d: %w", characterID, errNotFound)
	}

	var itemID int
	err = db.QueryRow("SELECT id FROM items WHERE name = $1", reward.Name).Scan(&itemID)
	if err == sql.ErrNoRows {
		err = db.QueryRow(`
			INSERT INTO items (name, description, rarity) VALUES ($1, $2, $3) RETURNING id
		`, reward.Name, reward.Description, reward.Rarity).Scan(&itemID)
	}
	if err != nil {
		return err
	}

	var entryID, curQty int
	err = db.QueryRow(`
		SELECT id, quantity FROM character_items WHERE character_id = $1 AND item_id = $2
	`, characterID, itemID).Scan(&entryID, &curQty)
	if err == sql.ErrNoRows {
		_, err = db.Exec(`
			INSERT INTO character_items (character_id, item_id, quantity) VALUES ($1, $2, $3)
		`, characterID, itemID, quantity)
	} else if err == nil {
		_, err = db.Exec("UPDATE character_items SET quantity = $1 WHERE id = $2", curQty+quantity, entryID)
	}
	if err != nil {
		return err
	}

	logTransaction(characterID, 0, fmt.Sprintf("item: %s x%d", reward.Name, quantity), sessionID)
	hub.broadcast(evItemRewarded, map[string]interface{}{
		"character_id": characterID, "item_name": reward.Name, "quantity": quantity,
	})
	return nil
}

// applyXPReward adds the delta and recomputes the level from the threshold
// table, persisting both when the level moved.
func applyXPReward(characterID, xp int, reason string, sessionID int) error {
	unlock := lockCharacter(characterID)
	defer unlock()

	var curXP, curLevel int
	err := db.QueryRow(`
		SELECT COALESCE(xp, 0), level FROM characters WHERE id = $1
	`, characterID).Scan(&curXP, &curLevel)
	if err == sql.ErrNoRows {
		return fmt.Errorf("character %d: %w", characterID, errNotFound)
	}
	if err != nil {
		return err
	}

	newXP := curXP + xp
	newLevel := getLevelForXP(newXP)
	if newLevel != curLevel {
		_, err = db.Exec("UPDATE characters SET xp = $1, level = $2 WHERE id = $3", newXP, newLevel, characterID)
	} else {
		_, err = db.Exec("UPDATE characters SET xp = $1 WHERE id = $2", newXP, characterID)
	}
	if err != nil {
		return err
	}

	logTransaction(characterID, 0, reason, sessionID)
	return nil
}

// applyReward credits one reward to one character. Callers treat failures
// as per-character events: log and move on, never roll back the session
// that triggered the reward.
func applyReward(characterID int, reward Reward, sessionID int) error {
	switch reward.Type {
	case "currency":
		reason := reward.Description
		if reason == "" {
			reason = "session reward"
		}
		return applyCurrencyReward(characterID, reward.Gold, reward.Silver, reward.Copper, reason, sessionID)
	case "item":
		return applyItemReward(characterID, reward, sessionID)
	case "experience":
		return applyXPReward(characterID, reward.XP, fmt.Sprintf("XP award: %d", reward.XP), sessionID)
	default:
		return fmt.Errorf("unknown reward type %q", reward.Type)
	}
}

// sessionParticipant pairs an active participant with their character for
// the completion sweep. Companions carry no character and are skipped.
type sessionParticipant struct {
	ParticipantID int
	UserID        sql.NullInt64
}

// completeSession marks the session completed and pays every active
// participant a level-scaled currency reward plus the session's flat XP.
// Each participant is attempted independently; one failure never blocks
// the rest or the completion itself.
func completeSession(sessionID, callerUserID int) (map[string]interface{}, error) {
	var campaignID, sessionNumber, sessionXP int
	var isCompleted bool
	err := db.QueryRow(`
		SELECT campaign_id, session_number, session_xp_reward, is_completed
		FROM sessions WHERE id = $1
	`, sessionID).Scan(&campaignID, &sessionNumber, &sessionXP, &isCompleted)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("session %d: %w", sessionID, errNotFound)
	}
	if err != nil {
		return nil, err
	}

	ownerID, err := campaignOwner(campaignID)
	if err != nil {
		return nil, err
	}
	if callerUserID != ownerID {
		return nil, fmt.Errorf("only the DM can complete a session: %w", errForbidden)
	}
	unlock := lockCampaign(campaignID)
	defer unlock()

	// Re-check under the campaign lock so two concurrent completions can't
	// both pay out.
	if err := db.QueryRow("SELECT is_completed FROM sessions WHERE id = $1", sessionID).Scan(&isCompleted); err != nil {
		return nil, err
	}
	if isCompleted {
		return nil, fmt.Errorf("session %d already completed: %w", sessionID, errInvalidState)
	}

	rows, err := db.Query(`
		SELECT id, user_id FROM participants
		WHERE campaign_id = $1 AND is_active = $2
		ORDER BY turn_order, id
	`, campaignID, true)
	if err != nil {
		return nil, err
	}
	participants := []sessionParticipant{}
	for rows.Next() {
		var sp sessionParticipant
		if err := rows.Scan(&sp.ParticipantID, &sp.UserID); err != nil {
			rows.Close()
			return nil, err
		}
		participants = append(participants, sp)
	}
	rows.Close()

	rewarded := []map[string]interface{}{}
	failed := 0
	for _, sp := range participants {
		if !sp.UserID.Valid {
			continue // companion, no character to credit
		}
		// A user may own several characters; the oldest one plays.
		var charID, level int
		err := db.QueryRow(`
			SELECT id, level FROM characters WHERE user_id = $1 ORDER BY id LIMIT 1
		`, sp.UserID.Int64).Scan(&charID, &level)
		if err != nil {
			log.Printf("WARN: session %d completion: no character for participant %d: %v", sessionID, sp.ParticipantID, err)
			failed++
			continue
		}

		gold := 5 + 2*level + randInt(3*level+1)
		silver := 10 + 3*level + randInt(5*level+1)
		copper := 20 + 5*level + randInt(10*level+1)

		reason := fmt.Sprintf("Session %d completion", sessionNumber)
		if err := applyCurrencyReward(charID, gold, silver, copper, reason, sessionID); err != nil {
			log.Printf("WARN: session %d completion: currency reward failed for character %d: %v", sessionID, charID, err)
			failed++
			continue
		}
		if err := applyXPReward(charID, sessionXP, reason, sessionID); err != nil {
			log.Printf("WARN: session %d completion: xp reward failed for character %d: %v", sessionID, charID, err)
		}
		rewarded = append(rewarded, map[string]interface{}{
			"participant_id": sp.ParticipantID,
			"character_id":   charID,
			"gold":           gold,
			"silver":         silver,
			"copper":         copper,
			"xp":             sessionXP,
		})
	}

	_, err = db.Exec("UPDATE sessions SET is_completed = $1 WHERE id = $2", true, sessionID)
	if err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"success":      true,
		"session_id":   sessionID,
		"rewarded":     rewarded,
		"failed_count": failed,
		"session_xp":   sessionXP,
	}, nil
}

// handleSessionComplete godoc
// @Summary Complete a session (DM only)
// @Description Mark a session completed and distribute level-scaled currency plus session XP to all active participants.
// @Tags Sessions
// @Produce json
// @Param id path int true "Session ID"
// @Param Authorization header string true "Basic auth"
// @Success 200 {object} map[string]interface{} "Distribution summary"
// @Failure 403 {object} map[string]interface{} "Only the DM can complete a session"
// @Failure 409 {object} map[string]interface{} "Session already completed"
// @Router /sessions/{id}/complete [post]
func handleSessionComplete(w http.ResponseWriter, r *http.Request, sessionID int) {
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

	summary, err := completeSession(sessionID, userID)
	if err != nil {
		writeCoreError(w, err)
		return
	}
	json.NewEncoder(w).Encode(summary)
}
