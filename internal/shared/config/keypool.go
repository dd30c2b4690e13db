package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mrmushfiq/reefscan-gateway/internal/shared/models"
)

// DefaultKeyRPM is used when a key entry does not specify its own limit.
const DefaultKeyRPM = 15

// KeyPools holds the immutable upstream credentials per provider.
type KeyPools struct {
	Gemini []models.ApiKeyConfig `yaml:"gemini"`
	OpenAI []models.ApiKeyConfig `yaml:"openai"`
}

func loadKeyPools(cfg *Config) (KeyPools, error) {
	if cfg.KeyPoolFile != "" {
		return LoadKeyPoolFile(cfg.KeyPoolFile)
	}

	gemini, err := ParseKeyList("gemini", cfg.GeminiAPIKeys)
	if err != nil {
		return KeyPools{}, err
	}
	openai, err := ParseKeyList("openai", cfg.OpenAIAPIKeys)
	if err != nil {
		return KeyPools{}, err
	}
	return KeyPools{Gemini: gemini, OpenAI: openai}, nil
}

// LoadKeyPoolFile reads provider key pools from a YAML document:
//
//	gemini:
//	  - id: gemini-a
//	    secret: AIza...
//	    rpm_limit: 15
//	    tier: free
func LoadKeyPoolFile(path string) (KeyPools, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return KeyPools{}, fmt.Errorf("failed to read key pool file: %w", err)
	}

	var pools KeyPools
	if err := yaml.Unmarshal(data, &pools); err != nil {
		return KeyPools{}, fmt.Errorf("failed to parse key pool file: %w", err)
	}

	for _, list := range [][]models.ApiKeyConfig{pools.Gemini, pools.OpenAI} {
		seen := make(map[string]bool)
		for i := range list {
			if list[i].ID == "" || list[i].Secret == "" {
				return KeyPools{}, fmt.Errorf("key pool entry %d: id and secret are required", i)
			}
			if seen[list[i].ID] {
				return KeyPools{}, fmt.Errorf("duplicate key id %q", list[i].ID)
			}
			seen[list[i].ID] = true
			if list[i].RPMLimit <= 0 {
				list[i].RPMLimit = DefaultKeyRPM
			}
			if list[i].Tier == "" {
				list[i].Tier = "standard"
			}
		}
	}
	return pools, nil
}

// ParseKeyList parses a comma separated list of "id=secret@rpm" entries.
// The id and rpm parts are optional; a bare secret gets "<prefix>-<n>" as id.
func ParseKeyList(prefix, raw string) ([]models.ApiKeyConfig, error) {
	var keys []models.ApiKeyConfig
	seen := make(map[string]bool)

	for i, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		key := models.ApiKeyConfig{
			ID:       fmt.Sprintf("%s-%d", prefix, i+1),
			RPMLimit: DefaultKeyRPM,
			Tier:     "standard",
		}

		if id, rest, ok := strings.Cut(entry, "="); ok {
			key.ID = strings.TrimSpace(id)
			entry = rest
		}
		if secret, rpm, ok := strings.Cut(entry, "@"); ok {
			n, err := strconv.Atoi(strings.TrimSpace(rpm))
			if err != nil || n <= 0 {
				return nil, fmt.Errorf("invalid rpm for key %q", key.ID)
			}
			key.RPMLimit = n
			entry = secret
		}
		key.Secret = strings.TrimSpace(entry)

		if key.ID == "" || key.Secret == "" {
			return nil, fmt.Errorf("invalid key entry at position %d", i+1)
		}
		if seen[key.ID] {
			return nil, fmt.Errorf("duplicate key id %q", key.ID)
		}
		seen[key.ID] = true
		keys = append(keys, key)
	}
	return keys, nil
}
