package models

import "time"

// Tier is a device's service class
type Tier string

const (
	TierFree    Tier = "free"
	TierPremium Tier = "premium"
)

// Valid reports whether t is a known tier
func (t Tier) Valid() bool {
	return t == TierFree || t == TierPremium
}

// Device represents a registered client installation
type Device struct {
	ID              string
	Platform        string
	AppVersion      string
	Tier            Tier
	TokenVersion    int
	Blocked         bool
	SubscriptionRef *string
	LastSeenAt      *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// ApiKeyConfig is an upstream provider credential loaded at startup
type ApiKeyConfig struct {
	ID       string `yaml:"id"`
	Secret   string `yaml:"secret"`
	RPMLimit int    `yaml:"rpm_limit"`
	Tier     string `yaml:"tier"`
}

// AnalysisMode selects what the vision model should focus on
type AnalysisMode string

const (
	ModeComprehensive AnalysisMode = "comprehensive"
	ModeFishID        AnalysisMode = "fish_id"
	ModeCoralID       AnalysisMode = "coral_id"
	ModeAlgaeID       AnalysisMode = "algae_id"
	ModePestID        AnalysisMode = "pest_id"
)

// AllModes lists every supported analysis mode
var AllModes = []AnalysisMode{ModeComprehensive, ModeFishID, ModeCoralID, ModeAlgaeID, ModePestID}

// Valid reports whether m is a supported mode
func (m AnalysisMode) Valid() bool {
	for _, mode := range AllModes {
		if m == mode {
			return true
		}
	}
	return false
}

// TankHealth is the overall assessment of the photographed tank
type TankHealth string

const (
	HealthExcellent TankHealth = "Excellent"
	HealthGood      TankHealth = "Good"
	HealthFair      TankHealth = "Fair"
	HealthPoor      TankHealth = "Poor"
	HealthCritical  TankHealth = "Critical"
)

// Identification is a single organism or problem found in the image
type Identification struct {
	Name        string  `json:"name"`
	Category    string  `json:"category"`
	Confidence  float64 `json:"confidence"`
	IsProblem   bool    `json:"is_problem"`
	Severity    *string `json:"severity"`
	Description string  `json:"description"`
}

// AnalysisResult is the normalized, client-facing analysis
type AnalysisResult struct {
	TankHealth      TankHealth       `json:"tank_health"`
	Summary         string           `json:"summary"`
	Identifications []Identification `json:"identifications"`
	Recommendations []string         `json:"recommendations"`
}

// UsageRecord represents one analyze call in the durable usage log
type UsageRecord struct {
	ID               string
	DeviceID         string
	RequestID        *string
	Mode             AnalysisMode
	Provider         string
	KeyID            string
	ImageHash        string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	CostUSD          float64
	LatencyMs        int
	CacheHit         bool
	IdempotentHit    bool
	FailoverUsed     bool
	StatusCode       int
	ErrorCode        *string
	CreatedAt        time.Time
}

// UsageSummary aggregates usage log rows per provider
type UsageSummary struct {
	Provider      string  `json:"provider"`
	Requests      int     `json:"requests"`
	Errors        int     `json:"errors"`
	CacheHits     int     `json:"cache_hits"`
	FailoverCount int     `json:"failover_count"`
	TotalTokens   int     `json:"total_tokens"`
	CostUSD       float64 `json:"cost_usd"`
}
