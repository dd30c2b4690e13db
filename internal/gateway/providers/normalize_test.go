package providers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrmushfiq/reefscan-gateway/internal/shared/models"
)

func TestParseAnalysis_StripsFences(t *testing.T) {
	text := "```json\n{\"tank_health\":\"Excellent\",\"summary\":\"clean\",\"identifications\":[],\"recommendations\":[\"keep it up\"]}\n```"

	res, err := ParseAnalysis(text)
	require.NoError(t, err)
	assert.Equal(t, models.HealthExcellent, res.TankHealth)
	assert.Equal(t, "clean", res.Summary)
	assert.Equal(t, []string{"keep it up"}, res.Recommendations)
	assert.NotNil(t, res.Identifications)
}

func TestParseAnalysis_Normalizes(t *testing.T) {
	text := `{
	  "tank_health": "terrible",
	  "summary": " hazy ",
	  "identifications": [
	    {"name": "Ocellaris clownfish", "category": "Fish", "confidence": 1.4, "is_problem": false, "severity": "high", "description": "healthy"},
	    {"name": "Aiptasia", "category": "weed", "confidence": "0.8", "is_problem": true, "severity": "HIGH"},
	    {"name": "Dinoflagellates", "confidence": -2, "is_problem": true, "severity": "apocalyptic"},
	    {"name": "  ", "category": "fish"}
	  ]
	}`

	res, err := ParseAnalysis(text)
	require.NoError(t, err)
	assert.Equal(t, models.HealthGood, res.TankHealth)
	assert.Equal(t, "hazy", res.Summary)
	assert.Empty(t, res.Recommendations)
	assert.NotNil(t, res.Recommendations)
	require.Len(t, res.Identifications, 3)

	clown := res.Identifications[0]
	assert.Equal(t, "fish", clown.Category)
	assert.Equal(t, 1.0, clown.Confidence)
	assert.Nil(t, clown.Severity, "severity is dropped when not a problem")

	aip := res.Identifications[1]
	assert.Equal(t, "other", aip.Category)
	assert.InDelta(t, 0.8, aip.Confidence, 1e-9)
	require.NotNil(t, aip.Severity)
	assert.Equal(t, "high", *aip.Severity)

	dino := res.Identifications[2]
	assert.Equal(t, "other", dino.Category)
	assert.Equal(t, 0.0, dino.Confidence)
	assert.Nil(t, dino.Severity)
}

func TestParseAnalysis_HealthCaseInsensitive(t *testing.T) {
	res, err := ParseAnalysis(`{"tank_health":"critical"}`)
	require.NoError(t, err)
	assert.Equal(t, models.HealthCritical, res.TankHealth)
}

func TestParseAnalysis_Errors(t *testing.T) {
	_, err := ParseAnalysis("")
	assert.ErrorIs(t, err, ErrInvalidResponse)

	_, err = ParseAnalysis("```json\n```")
	assert.ErrorIs(t, err, ErrInvalidResponse)

	_, err = ParseAnalysis("I see a clownfish")
	assert.ErrorIs(t, err, ErrParse)

	for _, empty := range []string{"null", "{}", "```json\n{ }\n```", `{"summary": "  "}`} {
		res, err := ParseAnalysis(empty)
		assert.ErrorIs(t, err, ErrInvalidResponse, empty)
		assert.Nil(t, res)
	}

	// any single field is enough to normalize the rest
	res, err := ParseAnalysis(`{"identifications": []}`)
	require.NoError(t, err)
	assert.Equal(t, models.HealthGood, res.TankHealth)

	_, err = ParseAnalysis(`{"tank_health": "Good", "identifications": [{"name": "x", "confidence": "lots"}]}`)
	assert.ErrorIs(t, err, ErrParse)
}

func TestBuildPrompt(t *testing.T) {
	for _, mode := range models.AllModes {
		p := BuildPrompt(mode)
		assert.Contains(t, p, modeInstructions[mode])
		assert.Contains(t, p, "tank_health")
	}
	assert.Equal(t, BuildPrompt(models.ModeComprehensive), BuildPrompt("unknown"))
}

func TestPricing_Cost(t *testing.T) {
	p := Pricing{InputPer1K: 0.001, OutputPer1K: 0.002}
	assert.InDelta(t, 0.003, p.Cost(TokenUsage{PromptTokens: 1000, CompletionTokens: 1000}), 1e-12)
	assert.Zero(t, p.Cost(TokenUsage{}))
}
