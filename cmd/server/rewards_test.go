package main

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func TestGetLevelForXP(t *testing.T) {
	cases := map[int]int{
		0: 1, 299: 1, 300: 2, 899: 2, 900: 3,
		6500: 5, 64000: 10, 354999: 19, 355000: 20, 999999: 20,
	}
	for xp, want := range cases {
		if got := getLevelForXP(xp); got != want {
			t.Errorf("getLevelForXP(%d) = %d, want %d", xp, got, want)
		}
	}
}

func TestCopperValue(t *testing.T) {
	if got := copperValue(1, 1, 1); got != 10101 {
		t.Errorf("copperValue(1,1,1) = %d, want 10101", got)
	}
	if got := copperValue(0, 0, 42); got != 42 {
		t.Errorf("copperValue(0,0,42) = %d, want 42", got)
	}
}

func TestApplyCurrencyReward(t *testing.T) {
	testDB := setupTestDB(t)
	seedTestUser(t, testDB, 1, "alice@example.com", "Alice")
	seedTestCharacter(t, testDB, 100, 1, "Thornwick", 3)

	if err := applyCurrencyReward(100, 5, 10, 20, "loot", 0); err != nil {
		t.Fatalf("applyCurrencyReward: %v", err)
	}

	var gold, silver, copper int
	if err := db.QueryRow("SELECT gold, silver, copper FROM characters WHERE id = 100").Scan(&gold, &silver, &copper); err != nil {
		t.Fatalf("read balances: %v", err)
	}
	if gold != 5 || silver != 10 || copper != 20 {
		t.Errorf("balances = %d/%d/%d, want 5/10/20", gold, silver, copper)
	}

	var amount int
	var reason string
	if err := db.QueryRow("SELECT amount_copper, reason FROM transactions WHERE character_id = 100").Scan(&amount, &reason); err != nil {
		t.Fatalf("read transaction: %v", err)
	}
	if amount != copperValue(5, 10, 20) {
		t.Errorf("transaction amount %d, want %d", amount, copperValue(5, 10, 20))
	}
	if reason != "loot" {
		t.Errorf("transaction reason %q, want loot", reason)
	}
}

func TestApplyCurrencyRewardClampsAtZero(t *testing.T) {
	testDB := setupTestDB(t)
	seedTestUser(t, testDB, 1, "alice@example.com", "Alice")
	seedTestCharacter(t, testDB, 100, 1, "Thornwick", 3)
	if _, err := testDB.Exec("UPDATE characters SET gold = 3 WHERE id = 100"); err != nil {
		t.Fatalf("set gold: %v", err)
	}

	if err := applyCurrencyReward(100, -10, 0, 0, "fine", 0); err != nil {
		t.Fatalf("applyCurrencyReward: %v", err)
	}

	var gold int
	if err := db.QueryRow("SELECT gold FROM characters WHERE id = 100").Scan(&gold); err != nil {
		t.Fatalf("read gold: %v", err)
	}
	if gold != 0 {
		t.Errorf("gold = %d, want clamped to 0", gold)
	}

	// The audit row records what actually moved, not the requested delta.
	var amount int
	if err := db.QueryRow("SELECT amount_copper FROM transactions WHERE character_id = 100").Scan(&amount); err != nil {
		t.Fatalf("read transaction: %v", err)
	}
	if amount != -copperValue(3, 0, 0) {
		t.Errorf("transaction amount %d, want %d", amount, -copperValue(3, 0, 0))
	}
}

func TestConcurrentRewardsAreNotLost(t *testing.T) {
	testDB := setupTestDB(t)
	seedTestUser(t, testDB, 1, "alice@example.com", "Alice")
	seedTestCharacter(t, testDB, 100, 1, "Thornwick", 3)

	const workers = 8
	const perWorker = 50

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				if err := applyCurrencyReward(100, 1, 0, 0, "loot", 0); err != nil {
					t.Errorf("applyCurrencyReward: %v", err)
					return
				}
				if err := applyXPReward(100, 10, "quest", 0); err != nil {
					t.Errorf("applyXPReward: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	var gold, xp int
	if err := db.QueryRow("SELECT gold, xp FROM characters WHERE id = 100").Scan(&gold, &xp); err != nil {
		t.Fatalf("read character: %v", err)
	}
	if gold != workers*perWorker {
		t.Errorf("lost currency update: expected %d gold, got %d", workers*perWorker, gold)
	}
	if xp != workers*perWorker*10 {
		t.Errorf("lost xp update: expected %d xp, got %d", workers*perWorker*10, xp)
	}
}

func TestApplyCurrencyRewardUnknownCharacter(t *testing.T) {
	setupTestDB(t)
	if err := applyCurrencyReward(999, 1, 0, 0, "loot", 0); !errors.Is(err, errNotFound) {
		t.Errorf("expected errNotFound, got %v", err)
	}
}

func TestApplyItemRewardStacks(t *testing.T) {
	testDB := setupTestDB(t)
	seedTestUser(t, testDB, 1, "alice@example.com", "Alice")
	seedTestCharacter(t, testDB, 100, 1, "Thornwick", 3)

	reward := Reward{Type: "item", Name: "Healing Potion", Description: "Restores vigor", Rarity: "common", Quantity: 2}
	if err := applyItemReward(100, reward, 0); err != nil {
		t.Fatalf("first applyItemReward: %v", err)
	}
	if err := applyItemReward(100, reward, 0); err != nil {
		t.Fatalf("second applyItemReward: %v", err)
	}

	var itemCount int
	if err := db.QueryRow("SELECT COUNT(*) FROM items WHERE name = 'Healing Potion'").Scan(&itemCount); err != nil {
		t.Fatalf("count items: %v", err)
	}
	if itemCount != 1 {
		t.Errorf("expected one item definition, got %d", itemCount)
	}

	var quantity int
	if err := db.QueryRow("SELECT quantity FROM character_items WHERE character_id = 100").Scan(&quantity); err != nil {
		t.Fatalf("read inventory: %v", err)
	}
	if quantity != 4 {
		t.Errorf("expected stacked quantity 4, got %d", quantity)
	}
}

func TestApplyItemRewardDefaultQuantity(t *testing.T) {
	testDB := setupTestDB(t)
	seedTestUser(t, testDB, 1, "alice@example.com", "Alice")
	seedTestCharacter(t, testDB, 100, 1, "Thornwick", 3)

	if err := applyItemReward(100, Reward{Type: "item", Name: "Rope"}, 0); err != nil {
		t.Fatalf("applyItemReward: %v", err)
	}
	var quantity int
	if err := db.QueryRow("SELECT quantity FROM character_items WHERE character_id = 100").Scan(&quantity); err != nil {
		t.Fatalf("read inventory: %v", err)
	}
	if quantity != 1 {
		t.Errorf("expected default quantity 1, got %d", quantity)
	}
}

func TestApplyXPRewardLevelsUp(t *testing.T) {
	testDB := setupTestDB(t)
	seedTestUser(t, testDB, 1, "alice@example.com", "Alice")
	seedTestCharacter(t, testDB, 100, 1, "Thornwick", 1)

	if err := applyXPReward(100, 350, "quest", 0); err != nil {
		t.Fatalf("applyXPReward: %v", err)
	}

	var xp, level int
	if err := db.QueryRow("SELECT xp, level FROM characters WHERE id = 100").Scan(&xp, &level); err != nil {
		t.Fatalf("read character: %v", err)
	}
	if xp != 350 {
		t.Errorf("xp = %d, want 350", xp)
	}
	if level != 2 {
		t.Errorf("level = %d, want 2 at 350 xp", level)
	}
}

func TestApplyRewardUnknownType(t *testing.T) {
	setupTestDB(t)
	if err := applyReward(100, Reward{Type: "reputation"}, 0); err == nil {
		t.Error("expected error for unknown reward type")
	}
}

func seedCompletionCampaign(t *testing.T) int {
	t.Helper()
	testDB := setupTestDB(t)
	seedTestUser(t, testDB, 1, "dm@example.com", "DM")
	seedTestUser(t, testDB, 2, "alice@example.com", "Alice")
	seedTestUser(t, testDB, 3, "bob@example.com", "Bob")
	seedTestCampaign(t, testDB, 1, 1)
	seedTestParticipant(t, testDB, 10, 1, 1, "dm", 1, true)
	seedTestParticipant(t, testDB, 11, 1, 2, "player", 2, true)
	seedTestParticipant(t, testDB, 12, 1, 3, "player", 3, true)
	seedTestCharacter(t, testDB, 100, 1, "Morgana", 5)
	// Alice deliberately has no character.
	seedTestCharacter(t, testDB, 102, 3, "Brug", 3)

	var sessionID int
	err := testDB.QueryRow(`
		INSERT INTO sessions (campaign_id, session_number, title, narrative, location, session_xp_reward, is_completed, created_at)
		VALUES (1, 1, 'Opening', 'The story begins.', 'The Crossroads', 125, 0, $1)
		RETURNING id
	`, time.Now()).Scan(&sessionID)
	if err != nil {
		t.Fatalf("insert session: %v", err)
	}
	return sessionID
}

func TestCompleteSessionDistributesRewards(t *testing.T) {
	sessionID := seedCompletionCampaign(t)

	summary, err := completeSession(sessionID, 1)
	if err != nil {
		t.Fatalf("completeSession: %v", err)
	}

	rewarded, ok := summary["rewarded"].([]map[string]interface{})
	if !ok {
		t.Fatalf("unexpected rewarded shape: %T", summary["rewarded"])
	}
	if len(rewarded) != 2 {
		t.Errorf("expected 2 rewarded participants, got %d", len(rewarded))
	}
	if summary["failed_count"] != 1 {
		t.Errorf("expected failed_count 1 for the characterless participant, got %v", summary["failed_count"])
	}

	// Both characters got coin and the flat session XP; one failure never
	// blocks the others.
	for _, charID := range []int{100, 102} {
		var gold, xp int
		if err := db.QueryRow("SELECT gold, xp FROM characters WHERE id = $1", charID).Scan(&gold, &xp); err != nil {
			t.Fatalf("read character %d: %v", charID, err)
		}
		if gold <= 0 {
			t.Errorf("character %d: expected a gold payout, got %d", charID, gold)
		}
		if xp != 125 {
			t.Errorf("character %d: expected 125 xp, got %d", charID, xp)
		}
	}

	var completed bool
	if err := db.QueryRow("SELECT is_completed FROM sessions WHERE id = $1", sessionID).Scan(&completed); err != nil {
		t.Fatalf("read session: %v", err)
	}
	if !completed {
		t.Error("session must be marked completed despite the per-participant failure")
	}
}

func TestCompleteSessionPayoutScalesWithLevel(t *testing.T) {
	sessionID := seedCompletionCampaign(t)

	if _, err := completeSession(sessionID, 1); err != nil {
		t.Fatalf("completeSession: %v", err)
	}

	// Gold payout is 5 + 2*level + randInt(3*level+1).
	var gold5, gold3 int
	db.QueryRow("SELECT gold FROM characters WHERE id = 100").Scan(&gold5)
	db.QueryRow("SELECT gold FROM characters WHERE id = 102").Scan(&gold3)
	if gold5 < 15 || gold5 > 15+3*5 {
		t.Errorf("level 5 gold payout %d outside [15, 30]", gold5)
	}
	if gold3 < 11 || gold3 > 11+3*3 {
		t.Errorf("level 3 gold payout %d outside [11, 20]", gold3)
	}
}

func TestCompleteSessionIdempotenceGuard(t *testing.T) {
	sessionID := seedCompletionCampaign(t)

	if _, err := completeSession(sessionID, 1); err != nil {
		t.Fatalf("first completeSession: %v", err)
	}

	var goldAfterFirst int
	db.QueryRow("SELECT gold FROM characters WHERE id = 100").Scan(&goldAfterFirst)

	_, err := completeSession(sessionID, 1)
	if !errors.Is(err, errInvalidState) {
		t.Errorf("expected errInvalidState on second completion, got %v", err)
	}

	var goldAfterSecond int
	db.QueryRow("SELECT gold FROM characters WHERE id = 100").Scan(&goldAfterSecond)
	if goldAfterFirst != goldAfterSecond {
		t.Errorf("second completion must not pay again: %d -> %d", goldAfterFirst, goldAfterSecond)
	}
}

func TestCompleteSessionCreditsOldestCharacter(t *testing.T) {
	sessionID := seedCompletionCampaign(t)
	// Bob gets a second, newer character; only char 102 should be paid.
	seedTestCharacter(t, db, 105, 3, "Brug II", 1)

	if _, err := completeSession(sessionID, 1); err != nil {
		t.Fatalf("completeSession: %v", err)
	}

	var gold int
	if err := db.QueryRow("SELECT gold FROM characters WHERE id = 102").Scan(&gold); err != nil {
		t.Fatalf("read character 102: %v", err)
	}
	if gold <= 0 {
		t.Errorf("expected oldest character 102 to be paid, got %d gold", gold)
	}
	if err := db.QueryRow("SELECT gold FROM characters WHERE id = 105").Scan(&gold); err != nil {
		t.Fatalf("read character 105: %v", err)
	}
	if gold != 0 {
		t.Errorf("newer character 105 must not be paid, got %d gold", gold)
	}
}

func TestCompleteSessionRequiresDM(t *testing.T) {
	sessionID := seedCompletionCampaign(t)

	if _, err := completeSession(sessionID, 2); !errors.Is(err, errForbidden) {
		t.Errorf("expected errForbidden for non-DM completion, got %v", err)
	}
	if _, err := completeSession(99999, 1); !errors.Is(err, errNotFound) {
		t.Errorf("expected errNotFound for unknown session, got %v", err)
	}
}
