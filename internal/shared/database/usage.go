package database

import (
	"context"
	"fmt"
	"time"

	"github.com/mrmushfiq/reefscan-gateway/internal/shared/models"
)

// LogUsage logs one analyze call
func (db *DB) LogUsage(ctx context.Context, rec *models.UsageRecord) error {
	query := `
		INSERT INTO usage_logs (
			id, device_id, request_id, mode, provider, key_id, image_hash,
			prompt_tokens, completion_tokens, total_tokens, cost_usd, latency_ms,
			cache_hit, idempotent_hit, failover_used, status_code, error_code, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`

	_, err := db.conn.ExecContext(ctx,
		query,
		rec.ID,
		rec.DeviceID,
		rec.RequestID,
		string(rec.Mode),
		rec.Provider,
		rec.KeyID,
		rec.ImageHash,
		rec.PromptTokens,
		rec.CompletionTokens,
		rec.TotalTokens,
		rec.CostUSD,
		rec.LatencyMs,
		rec.CacheHit,
		rec.IdempotentHit,
		rec.FailoverUsed,
		rec.StatusCode,
		rec.ErrorCode,
		rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to log usage: %w", err)
	}
	return nil
}

// UsageSummary aggregates usage since a point in time, per provider. Calls
// served without a provider (cache hits, rejections) group under "none".
func (db *DB) UsageSummary(ctx context.Context, since time.Time) ([]models.UsageSummary, error) {
	query := `
		SELECT COALESCE(NULLIF(provider, ''), 'none') AS provider,
		       COUNT(*),
		       COUNT(*) FILTER (WHERE status_code >= 400),
		       COUNT(*) FILTER (WHERE cache_hit),
		       COUNT(*) FILTER (WHERE failover_used),
		       COALESCE(SUM(total_tokens), 0),
		       COALESCE(SUM(cost_usd), 0)::float8
		FROM usage_logs
		WHERE created_at >= $1
		GROUP BY 1
		ORDER BY 1
	`

	rows, err := db.conn.QueryContext(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}
	defer rows.Close()

	out := []models.UsageSummary{}
	for rows.Next() {
		var s models.UsageSummary
		if err := rows.Scan(&s.Provider, &s.Requests, &s.Errors, &s.CacheHits, &s.FailoverCount, &s.TotalTokens, &s.CostUSD); err != nil {
			return nil, fmt.Errorf("database error: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
