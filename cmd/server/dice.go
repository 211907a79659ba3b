package main

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"log"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// diceFaces maps the supported dice types to their face counts.
var diceFaces = map[string]int{
	"d4": 4, "d6": 6, "d8": 8, "d10": 10, "d12": 12, "d20": 20, "d100": 100,
}

// normalizeDiceType coerces any unrecognized dice type to d20. Generator
// output and client payloads both go through this, so a bad value degrades
// to the default instead of rejecting the whole request.
func normalizeDiceType(diceType string) string {
	dt := strings.ToLower(strings.TrimSpace(diceType))
	if _, ok := diceFaces[dt]; !ok {
		if dt != "" {
			log.Printf("WARN: unknown dice type %q, defaulting to d20", diceType)
		}
		return "d20"
	}
	return dt
}

func randInt(max int) int {
	n, _ := rand.Int(rand.Reader, big.NewInt(int64(max)))
	return int(n.Int64())
}

func rollDie(sides int) int {
	return randInt(sides) + 1
}

func rollDice(count, sides int) ([]int, int) {
	rolls := make([]int, 0, count)
	total := 0
	for i := 0; i < count; i++ {
		r := rollDie(sides)
		rolls = append(rolls, r)
		total += r
	}
	return rolls, total
}

// RollResult is the authoritative outcome of a dice roll. Total is always
// recomputed server-side; client-submitted totals are never trusted.
type RollResult struct {
	ID         int    `json:"id,omitempty"`
	DiceType   string `json:"dice_type"`
	Count      int    `json:"count"`
	Modifier   int    `json:"modifier"`
	Purpose    string `json:"purpose,omitempty"`
	Results    []int  `json:"results"`
	Total      int    `json:"total"`
	IsCritical bool   `json:"is_critical"`
	IsFumble   bool   `json:"is_fumble"`
}

// performRoll draws the faces, computes the total and criticality flags,
// and persists the roll for the requesting character. Critical/fumble only
// apply to d20 rolls.
func performRoll(characterID int, diceType string, count, modifier int, purpose string) (RollResult, error) {
	dt := normalizeDiceType(diceType)
	if count < 1 {
		count = 1
	}
	if count > 100 {
		count = 100
	}

	sides := diceFaces[dt]
	rolls, sum := rollDice(count, sides)

	result := RollResult{
		DiceType: dt,
		Count:    count,
		Modifier: modifier,
		Purpose:  purpose,
		Results:  rolls,
		Total:    sum + modifier,
	}
	if dt == "d20" {
		for _, r := range rolls {
			if r == 20 {
				result.IsCritical = true
			}
			if r == 1 {
				result.IsFumble = true
			}
		}
	}

	resultsJSON, _ := json.Marshal(rolls)
	err := db.QueryRow(`
		INSERT INTO dice_rolls (character_id, dice_type, count, modifier, purpose, results, total, is_critical, is_fumble, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id
	`, characterID, dt, count, modifier, purpose, resultsJSON, result.Total, result.IsCritical, result.IsFumble, time.Now()).Scan(&result.ID)
	if err != nil {
		return result, fmt.Errorf("persist roll: %w", err)
	}
	return result, nil
}

// handleRoll godoc
// @Summary Roll dice
// @Description POST rolls authoritative dice for a character and records the result. GET is a quick utility roll (not recorded).
// @Tags Dice
// @Accept json
// @Produce json
// @Param request body object{character_id=integer,dice_type=string,count=integer,modifier=integer,purpose=string} false "Roll request (POST)"
// @Param dice query string false "NdM notation for GET, e.g. 2d6"
// @Success 200 {object} map[string]interface{} "Roll result"
// @Router /roll [post]
func handleRoll(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method == "GET" {
		dice := r.URL.Query().Get("dice")
		if dice == "" {
			dice = "1d20"
		}
		parts := strings.Split(strings.ToLower(dice), "d")
		if len(parts) != 2 {
			json.NewEncoder(w).Encode(map[string]interface{}{"error": "format: NdM (e.g., 2d6)"})
			return
		}
		count, _ := strconv.Atoi(parts[0])
		sides, _ := strconv.Atoi(parts[1])
		if count < 1 {
			count = 1
		}
		if count > 100 {
			count = 100
		}
		if sides < 2 {
			sides = 2
		}
		if sides > 100 {
			sides = 100
		}
		rolls, total := rollDice(count, sides)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"dice": dice, "rolls": rolls, "total": total,
		})
		return
	}

	if r.Method != "POST" {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	userID, err := getUserFromAuth(r)
	if err != nil {
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]interface{}{"error": err.Error()})
		return
	}

	var req struct {
		CharacterID int    `json:"character_id"`
		DiceType    string `json:"dice_type"`
		Count       int    `json:"count"`
		Modifier    int    `json:"modifier"`
		Purpose     string `json:"purpose"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]interface{}{"error": "invalid_json"})
		return
	}

	// The roll must belong to one of the caller's characters.
	var ownerID int
	err = db.QueryRow("SELECT user_id FROM characters WHERE id = $1", req.CharacterID).Scan(&ownerID)
	if err != nil || ownerID != userID {
		w.WriteHeader(http.StatusForbidden)
		json.NewEncoder(w).Encode(map[string]interface{}{"error": "not_your_character"})
		return
	}

	result, err := performRoll(req.CharacterID, req.DiceType, req.Count, req.Modifier, req.Purpose)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]interface{}{"error": "database_error"})
		return
	}
	json.NewEncoder(w).Encode(result)
}
