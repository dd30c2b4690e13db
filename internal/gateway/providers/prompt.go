package providers

import "github.com/mrmushfiq/reefscan-gateway/internal/shared/models"

var modeInstructions = map[models.AnalysisMode]string{
	models.ModeComprehensive: "Assess this aquarium photo as a whole. Identify visible fish, corals, invertebrates, algae and pests, and judge overall tank health.",
	models.ModeFishID:        "Identify every fish visible in this aquarium photo. Flag visible disease or injury as a problem.",
	models.ModeCoralID:       "Identify every coral visible in this aquarium photo. Flag bleaching, recession or tissue loss as a problem.",
	models.ModeAlgaeID:       "Identify the algae and cyanobacteria visible in this aquarium photo. Flag nuisance growth as a problem.",
	models.ModePestID:        "Look for aquarium pests in this photo such as aiptasia, flatworms, nudibranchs or bristleworms. Flag every pest as a problem.",
}

const schemaDirective = `Respond with a single JSON object and nothing else, using exactly this schema:
{
  "tank_health": "Excellent" | "Good" | "Fair" | "Poor" | "Critical",
  "summary": string,
  "identifications": [
    {
      "name": string,
      "category": "fish" | "coral" | "invertebrate" | "algae" | "pest" | "disease" | "plant" | "other",
      "confidence": number between 0 and 1,
      "is_problem": boolean,
      "severity": "low" | "medium" | "high" | "critical" | null,
      "description": string
    }
  ],
  "recommendations": [string]
}
Set severity to null unless is_problem is true.`

// BuildPrompt returns the instruction text for a mode
func BuildPrompt(mode models.AnalysisMode) string {
	instruction, ok := modeInstructions[mode]
	if !ok {
		instruction = modeInstructions[models.ModeComprehensive]
	}
	return instruction + "\n\n" + schemaDirective
}
