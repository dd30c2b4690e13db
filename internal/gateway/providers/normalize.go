package providers

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/mrmushfiq/reefscan-gateway/internal/shared/models"
)

var knownCategories = map[string]bool{
	"fish":         true,
	"coral":        true,
	"invertebrate": true,
	"algae":        true,
	"pest":         true,
	"disease":      true,
	"plant":        true,
	"other":        true,
}

var knownSeverities = map[string]bool{
	"low":      true,
	"medium":   true,
	"high":     true,
	"critical": true,
}

var knownHealth = map[string]models.TankHealth{
	"excellent": models.HealthExcellent,
	"good":      models.HealthGood,
	"fair":      models.HealthFair,
	"poor":      models.HealthPoor,
	"critical":  models.HealthCritical,
}

// flexFloat accepts numbers and numeric strings
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(b []byte) error {
	var n float64
	if err := json.Unmarshal(b, &n); err == nil {
		*f = flexFloat(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	n, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return err
	}
	*f = flexFloat(n)
	return nil
}

type rawIdentification struct {
	Name        string     `json:"name"`
	Category    *string    `json:"category"`
	Confidence  *flexFloat `json:"confidence"`
	IsProblem   bool       `json:"is_problem"`
	Severity    *string    `json:"severity"`
	Description string     `json:"description"`
}

type rawAnalysis struct {
	TankHealth      *string             `json:"tank_health"`
	Summary         string              `json:"summary"`
	Identifications []rawIdentification `json:"identifications"`
	Recommendations []string            `json:"recommendations"`
}

// stripCodeFences removes markdown code blocks some models wrap JSON in
func stripCodeFences(text string) string {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	return strings.TrimSpace(text)
}

// ParseAnalysis parses upstream model output into a normalized result.
// Malformed JSON yields ErrParse; there is never a partially filled result.
func ParseAnalysis(text string) (*models.AnalysisResult, error) {
	text = stripCodeFences(text)
	if text == "" {
		return nil, ErrInvalidResponse
	}

	var raw *rawAnalysis
	if err := json.Unmarshal([]byte(text), &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	// null or {} carries no analysis to fill defaults into
	if raw == nil || raw.empty() {
		return nil, ErrInvalidResponse
	}
	return normalize(*raw), nil
}

func (r *rawAnalysis) empty() bool {
	return r.TankHealth == nil && strings.TrimSpace(r.Summary) == "" &&
		r.Identifications == nil && r.Recommendations == nil
}

func normalize(raw rawAnalysis) *models.AnalysisResult {
	res := &models.AnalysisResult{
		TankHealth:      normalizeHealth(raw.TankHealth),
		Summary:         strings.TrimSpace(raw.Summary),
		Identifications: make([]models.Identification, 0, len(raw.Identifications)),
		Recommendations: make([]string, 0, len(raw.Recommendations)),
	}

	for _, ri := range raw.Identifications {
		name := strings.TrimSpace(ri.Name)
		if name == "" {
			continue
		}
		res.Identifications = append(res.Identifications, models.Identification{
			Name:        name,
			Category:    normalizeCategory(ri.Category),
			Confidence:  clampConfidence(ri.Confidence),
			IsProblem:   ri.IsProblem,
			Severity:    normalizeSeverity(ri.IsProblem, ri.Severity),
			Description: strings.TrimSpace(ri.Description),
		})
	}

	for _, rec := range raw.Recommendations {
		if rec = strings.TrimSpace(rec); rec != "" {
			res.Recommendations = append(res.Recommendations, rec)
		}
	}
	return res
}

func normalizeHealth(v *string) models.TankHealth {
	if v == nil {
		return models.HealthGood
	}
	if h, ok := knownHealth[strings.ToLower(strings.TrimSpace(*v))]; ok {
		return h
	}
	return models.HealthGood
}

func normalizeCategory(v *string) string {
	if v == nil {
		return "other"
	}
	c := strings.ToLower(strings.TrimSpace(*v))
	if !knownCategories[c] {
		return "other"
	}
	return c
}

func clampConfidence(v *flexFloat) float64 {
	if v == nil {
		return 0
	}
	f := float64(*v)
	switch {
	case math.IsNaN(f) || f < 0:
		return 0
	case f > 1:
		return 1
	default:
		return f
	}
}

// severity is only meaningful for problems
func normalizeSeverity(isProblem bool, v *string) *string {
	if !isProblem || v == nil {
		return nil
	}
	s := strings.ToLower(strings.TrimSpace(*v))
	if !knownSeverities[s] {
		return nil
	}
	return &s
}
