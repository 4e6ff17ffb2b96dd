package gate

import (
	"context"

	"go.uber.org/zap"

	"github.com/Ramazan2220/warmq/internal/config"
	"github.com/Ramazan2220/warmq/internal/logging"
	"github.com/Ramazan2220/warmq/internal/model"
)

// RiskScorer reports how likely the account is to draw punitive attention
// from the remote platform, 0 (calm) to 100 (burning).
type RiskScorer interface {
	RiskScore(ctx context.Context, accountID int64) (float64, error)
}

// HealthScorer reports the account's standing, 0 (dead) to 100 (pristine).
type HealthScorer interface {
	HealthScore(ctx context.Context, accountID int64) (float64, error)
}

// Gate decides, right before dispatch, whether a session must run in
// passive mode. It mutates settings only in the passive direction; an
// operator who set force_passive by hand stays passive regardless of score.
type Gate struct {
	cfg    config.GateConfig
	risk   RiskScorer
	health HealthScorer
}

func New(cfg config.GateConfig, risk RiskScorer, health HealthScorer) *Gate {
	return &Gate{cfg: cfg, risk: risk, health: health}
}

// Decide evaluates both scores and flips ForcePassive when either crosses
// its threshold. A scorer error fails safe: the session goes passive and
// the error is logged, not returned, because a scoring outage must not
// stall the queue.
func (g *Gate) Decide(ctx context.Context, accountID int64, settings *model.Settings) {
	if settings.ForcePassive {
		return
	}
	if g.risk != nil {
		score, err := g.risk.RiskScore(ctx, accountID)
		if err != nil {
			logging.Warn(ctx, "gate: risk scorer failed, forcing passive",
				zap.Int64("account_id", accountID), zap.Error(err))
			settings.ForcePassive = true
			return
		}
		if score >= g.cfg.RiskThreshold {
			logging.Info(ctx, "gate: risk above threshold, forcing passive",
				zap.Int64("account_id", accountID),
				zap.Float64("score", score),
				zap.Float64("threshold", g.cfg.RiskThreshold))
			settings.ForcePassive = true
			return
		}
	}
	if g.health != nil {
		score, err := g.health.HealthScore(ctx, accountID)
		if err != nil {
			logging.Warn(ctx, "gate: health scorer failed, forcing passive",
				zap.Int64("account_id", accountID), zap.Error(err))
			settings.ForcePassive = true
			return
		}
		if score < g.cfg.HealthThreshold {
			logging.Info(ctx, "gate: health below threshold, forcing passive",
				zap.Int64("account_id", accountID),
				zap.Float64("score", score),
				zap.Float64("threshold", g.cfg.HealthThreshold))
			settings.ForcePassive = true
		}
	}
}
