package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

// maxStoryTokens bounds the generator response instead of a client-driven
// timeout; if the caller disconnects mid-call the session still persists.
const maxStoryTokens = 2048

// Choice is one of the next-action options embedded in a session.
type Choice struct {
	Action           string `json:"action"`
	Description      string `json:"description"`
	RequiresDiceRoll bool   `json:"requiresDiceRoll"`
	DiceType         string `json:"diceType,omitempty"`
	RollDC           int    `json:"rollDC,omitempty"`
	RollModifier     int    `json:"rollModifier"`
	RollPurpose      string `json:"rollPurpose,omitempty"`
	SuccessText      string `json:"successText,omitempty"`
	FailureText      string `json:"failureText,omitempty"`
}

// Reward is a currency, item, or experience grant embedded in a session.
type Reward struct {
	Type        string `json:"type"` // item | currency | experience
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	Rarity      string `json:"rarity,omitempty"`
	Quantity    int    `json:"quantity,omitempty"`
	Gold        int    `json:"gold,omitempty"`
	Silver      int    `json:"silver,omitempty"`
	Copper      int    `json:"copper,omitempty"`
	XP          int    `json:"xp,omitempty"`
}

// storyResponse is the structured shape the narrative generator must
// return. It is untrusted input: validateStoryResponse gates it and
// normalizeStoryResponse fills defaults before anything is persisted.
type storyResponse struct {
	Narrative    string   `json:"narrative"`
	SessionTitle string   `json:"sessionTitle"`
	Location     string   `json:"location"`
	Choices      []Choice `json:"choices"`
	Rewards      []Reward `json:"rewards"`
}

// storyGenerator is the external narrative generator boundary. Tests stub
// it; production uses Gemini.
type storyGenerator interface {
	Generate(ctx context.Context, prompt string, maxTokens int) (string, error)
}

type geminiGenerator struct {
	apiKey string
	model  string
}

func (g *geminiGenerator) Generate(ctx context.Context, prompt string, maxTokens int) (string, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: g.apiKey})
	if err != nil {
		return "", fmt.Errorf("create genai client: %w", err)
	}
	contents := []*genai.Content{genai.NewContentFromText(prompt, genai.RoleUser)}
	config := &genai.GenerateContentConfig{MaxOutputTokens: int32(maxTokens)}
	resp, err := client.Models.GenerateContent(ctx, g.model, contents, config)
	if err != nil {
		return "", fmt.Errorf("generate content: %w", err)
	}
	return resp.Text(), nil
}

// storyContext is everything the prompt builder folds into one request.
type storyContext struct {
	CampaignName   string
	NarrativeStyle string
	Difficulty     string
	SessionNumber  int
	Action         string
	Characters     []contextCharacter
	Companions     []contextCompanion
	LastRoll       *RollResult
}

type contextCharacter struct {
	Name  string
	Level int
	Race  string
	Class string
}

type contextCompanion struct {
	Name       string
	Race       string
	Occupation string
	Role       string
}

// buildStoryPrompt assembles the single structured prompt handed to the
// generator. The output contract (exactly four choices, at least two
// dice-gated) is spelled out in the prompt because the response is parsed
// as JSON on the way back.
func buildStoryPrompt(sc storyContext) string {
	var b strings.Builder

	fmt.Fprintf(&b, "You are the Dungeon Master for %q, a %s campaign at %s difficulty. ", sc.CampaignName, sc.NarrativeStyle, sc.Difficulty)
	fmt.Fprintf(&b, "This is story beat %d.\n\n", sc.SessionNumber)

	if len(sc.Characters) > 0 {
		b.WriteString("Party:\n")
		for _, c := range sc.Characters {
			fmt.Fprintf(&b, "- %s, level %d %s %s\n", c.Name, c.Level, c.Race, c.Class)
		}
	}
	if len(sc.Companions) > 0 {
		b.WriteString("Companions traveling with the party:\n")
		for _, c := range sc.Companions {
			fmt.Fprintf(&b, "- %s, %s %s (%s)\n", c.Name, c.Race, c.Occupation, c.Role)
		}
	}

	fmt.Fprintf(&b, "\nPlayer action: %s\n", sc.Action)
	if sc.LastRoll != nil {
		fmt.Fprintf(&b, "Dice roll preceding the action: %s rolled %v, modifier %+d, total %d",
			sc.LastRoll.DiceType, sc.LastRoll.Results, sc.LastRoll.Modifier, sc.LastRoll.Total)
		if sc.LastRoll.IsCritical {
			b.WriteString(" (CRITICAL)")
		}
		if sc.LastRoll.IsFumble {
			b.WriteString(" (FUMBLE)")
		}
		b.WriteString("\n")
	}

	b.WriteString(`
Continue the scene from this action. Fold in the companions' participation.
If combat is underway, describe its progression. When the party earns
tangible loot or coin, include it in rewards.

Respond with ONLY a JSON object, no markdown fences, in exactly this shape:
{
  "narrative": "2-4 paragraphs continuing the story",
  "sessionTitle": "a short scene title",
  "location": "where the scene takes place",
  "rewards": [{"type": "item|currency|experience", "name": "...", "description": "...", "rarity": "common|uncommon|rare", "quantity": 1, "gold": 0, "silver": 0, "copper": 0, "xp": 0}],
  "choices": [{"action": "short label", "description": "what this entails", "requiresDiceRoll": true, "diceType": "d20", "rollDC": 12, "rollModifier": 0, "rollPurpose": "Perception check", "successText": "...", "failureText": "..."}]
}

rewards may be empty. choices must contain exactly 4 entries and at least
2 of them must have requiresDiceRoll true.`)

	return b.String()
}

// parseStoryResponse extracts the JSON object from raw generator output.
// Models wrap JSON in code fences or prose often enough that we cut from
// the first '{' to the last '}'.
func parseStoryResponse(raw string) (storyResponse, error) {
	var sr storyResponse
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start == -1 || end == -1 || end < start {
		return sr, fmt.Errorf("no JSON object in generator output")
	}
	if err := json.Unmarshal([]byte(raw[start:end+1]), &sr); err != nil {
		return sr, fmt.Errorf("decode generator output: %w", err)
	}
	return sr, nil
}

// validateStoryResponse gates the untrusted generator output. A failure
// here is a generation failure: the caller substitutes the fallback
// session rather than persisting a partial one.
func validateStoryResponse(sr storyResponse) error {
	if strings.TrimSpace(sr.Narrative) == "" {
		return fmt.Errorf("missing narrative")
	}
	if strings.TrimSpace(sr.SessionTitle) == "" {
		return fmt.Errorf("missing sessionTitle")
	}
	if strings.TrimSpace(sr.Location) == "" {
		return fmt.Errorf("missing location")
	}
	if len(sr.Choices) == 0 {
		return fmt.Errorf("missing choices")
	}
	for i, c := range sr.Choices {
		if strings.TrimSpace(c.Action) == "" {
			return fmt.Errorf("choice %d missing action", i)
		}
	}
	return nil
}

// normalizeStoryResponse applies the defensive defaults once, at the
// pipeline boundary: nil rewards become empty, dice-gated choices get a
// valid dice type.
func normalizeStoryResponse(sr storyResponse) storyResponse {
	if sr.Rewards == nil {
		sr.Rewards = []Reward{}
	}
	for i := range sr.Choices {
		if sr.Choices[i].RequiresDiceRoll {
			sr.Choices[i].DiceType = normalizeDiceType(sr.Choices[i].DiceType)
		}
	}
	return sr
}

// fallbackStoryResponse is persisted whenever the generator is unreachable
// or returns structurally invalid output. A generic session beats a
// campaign stuck without one.
func fallbackStoryResponse() storyResponse {
	return storyResponse{
		Narrative: "The party gathers at the edge of the settlement as dusk settles in. " +
			"Rumors speak of trouble on the old road and of coin for those willing to look into it. " +
			"Whatever happens next is up to you.",
		SessionTitle: "The Adventure Begins",
		Location:     "The Crossroads",
		Rewards:      []Reward{},
		Choices: []Choice{
			{Action: "Scout ahead", Description: "Slip up the old road and see what is out there", RequiresDiceRoll: true, DiceType: "d20", RollDC: 12, RollPurpose: "Stealth check", SuccessText: "You move unseen.", FailureText: "A branch snaps underfoot."},
			{Action: "Ask around town", Description: "Work the taproom for rumors", RequiresDiceRoll: true, DiceType: "d20", RollDC: 10, RollPurpose: "Persuasion check", SuccessText: "Tongues loosen.", FailureText: "You get shrugs and silence."},
			{Action: "Make camp", Description: "Rest and set a watch before moving on", RequiresDiceRoll: false},
		},
	}
}
