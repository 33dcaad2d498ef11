package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go-soknad-automation/internal/models"
)

// Gateway is the analysis/generation service. Implementations return strict
// JSON-decoded results; malformed output is an error, never a partial result.
type Gateway interface {
	Analyze(ctx context.Context, req AnalysisRequest) (*AnalysisResult, error)
	GenerateLetter(ctx context.Context, req LetterRequest) (*LetterResult, error)
}

// Usage is token accounting for one call.
type Usage struct {
	TokensIn  int
	TokensOut int
	CostUSD   float64
}

type AnalysisRequest struct {
	Profile     string
	Title       string
	Company     string
	Location    string
	Description string
}

type AnalysisResult struct {
	Analysis models.Analysis
	Usage    Usage
}

type LetterRequest struct {
	Profile     string
	Title       string
	Company     string
	Location    string
	Description string
}

type LetterResult struct {
	CoverLetter string `json:"cover_letter_no"`
	Translation string `json:"cover_letter_translation"`
	Usage       Usage  `json:"-"`
}

var auraColors = map[string]string{
	"Toxic":    "#ef4444",
	"Growth":   "#22c55e",
	"Balanced": "#3b82f6",
	"Chill":    "#06b6d4",
	"Grind":    "#a855f7",
	"Neutral":  "#6b7280",
}

type wireAnalysis struct {
	Score    *float64        `json:"score"`
	Analysis string          `json:"analysis"`
	Tasks    json.RawMessage `json:"tasks"`
	Aura     *models.Aura    `json:"aura"`
	Radar    map[string]any  `json:"radar"`
}

var radarAxes = []string{"tech_stack", "soft_skills", "culture", "salary_potential", "career_growth"}

// decodeAnalysis parses the model output strictly, then clamps the score,
// fills aura colours and resets missing or out-of-range radar axes to 50.
func decodeAnalysis(content string) (models.Analysis, error) {
	var w wireAnalysis
	if err := json.Unmarshal([]byte(cleanMarkdownJSON(content)), &w); err != nil {
		return models.Analysis{}, fmt.Errorf("malformed analysis JSON: %w", err)
	}
	if w.Score == nil {
		return models.Analysis{}, fmt.Errorf("malformed analysis JSON: missing score")
	}

	a := models.Analysis{
		Score: clamp(int(*w.Score)),
		Text:  w.Analysis,
		Tasks: decodeTasks(w.Tasks),
	}

	if w.Aura != nil && w.Aura.Status != "" {
		aura := *w.Aura
		if !strings.HasPrefix(aura.Color, "#") {
			color, ok := auraColors[aura.Status]
			if !ok {
				color = auraColors["Neutral"]
			}
			aura.Color = color
		}
		if aura.Tags == nil {
			aura.Tags = []string{}
		}
		a.Aura = &aura
		a.CultureTags = aura.Tags
	}

	if w.Radar != nil {
		v := make(map[string]int, len(radarAxes))
		for _, axis := range radarAxes {
			n, ok := w.Radar[axis].(float64)
			if !ok || n < 0 || n > 100 {
				n = 50
			}
			v[axis] = int(n)
		}
		a.Radar = &models.Radar{
			TechStack:       v["tech_stack"],
			SoftSkills:      v["soft_skills"],
			Culture:         v["culture"],
			SalaryPotential: v["salary_potential"],
			CareerGrowth:    v["career_growth"],
		}
	}
	return a, nil
}

// decodeTasks accepts either a string or a list of strings.
func decodeTasks(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var list []string
	if json.Unmarshal(raw, &list) == nil {
		return "- " + strings.Join(list, "\n- ")
	}
	return ""
}

func clamp(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// ProfileText renders the CV profile for prompts.
func ProfileText(p *models.Profile) string {
	if p == nil {
		return ""
	}
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return p.PersonalInfo.FullName
	}
	return string(data)
}

const analysisPrompt = `You are a Vibe & Fit Scanner for Recruitment.

TASK:
1. Analyze how well the candidate fits this job.
2. Provide a Relevance Score (0-100).
3. AURA SCAN: Detect the "vibe" of the job description.
4. RADAR METRICS: Rate the job on 5 specific axes (0-100).
5. EXTRACT TASKS: List specifically what the candidate needs to DO.

OUTPUT FORMAT (JSON ONLY):
{
  "score": number (0-100),
  "analysis": "string (markdown supported)",
  "tasks": "string (bullet point list)",
  "aura": {
    "status": "Toxic" | "Growth" | "Balanced" | "Chill" | "Grind" | "Neutral",
    "color": "#hex color code",
    "tags": ["string", "string"],
    "explanation": "short reason for aura"
  },
  "radar": {
    "tech_stack": number (0-100),
    "soft_skills": number (0-100),
    "culture": number (0-100),
    "salary_potential": number (0-100),
    "career_growth": number (0-100)
  }
}`

const letterPrompt = `You write job applications (søknad) for the Norwegian job market.

Write a concise, professional cover letter in Norwegian (bokmål) for the job below, based only on facts from the candidate profile. Then translate it into %s.

OUTPUT FORMAT (JSON ONLY):
{
  "cover_letter_no": "string",
  "cover_letter_translation": "string"
}`

func buildAnalysisPrompt(req AnalysisRequest, lang string) string {
	return fmt.Sprintf(`%s

LANGUAGE REQUIREMENT (MANDATORY):
Write the "analysis", "tasks" and "aura.explanation" fields in %s.

--- CANDIDATE PROFILE ---
%s

--- JOB DESCRIPTION ---
Title: %s
Company: %s
Location: %s

%s
`, analysisPrompt, lang, req.Profile, req.Title, req.Company, orUnknown(req.Location), req.Description)
}

func buildLetterPrompt(req LetterRequest, lang string) string {
	return fmt.Sprintf(letterPrompt+`

--- CANDIDATE PROFILE ---
%s

--- JOB ---
Title: %s
Company: %s
Location: %s

%s
`, lang, req.Profile, req.Title, req.Company, orUnknown(req.Location), req.Description)
}

func orUnknown(s string) string {
	if s == "" {
		return "Unknown"
	}
	return s
}

// cleanMarkdownJSON removes backticks and "json" prefix if the model wraps its output
func cleanMarkdownJSON(content string) string {
	content = strings.TrimSpace(content)
	if strings.HasPrefix(content, "```json") {
		content = strings.TrimPrefix(content, "```json")
		content = strings.TrimSuffix(content, "```")
	} else if strings.HasPrefix(content, "```") {
		content = strings.TrimPrefix(content, "```")
		content = strings.TrimSuffix(content, "```")
	}
	return strings.TrimSpace(content)
}
