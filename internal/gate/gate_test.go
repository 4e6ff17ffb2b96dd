package gate

import (
	"context"
	"errors"
	"testing"

	"github.com/Ramazan2220/warmq/internal/config"
	"github.com/Ramazan2220/warmq/internal/model"
)

type stubScorer struct {
	score float64
	err   error
}

func (s stubScorer) RiskScore(ctx context.Context, accountID int64) (float64, error) {
	return s.score, s.err
}

func (s stubScorer) HealthScore(ctx context.Context, accountID int64) (float64, error) {
	return s.score, s.err
}

func decide(t *testing.T, risk, health stubScorer, settings *model.Settings) {
	t.Helper()
	g := New(config.GateConfig{RiskThreshold: 60, HealthThreshold: 40}, risk, health)
	g.Decide(context.Background(), 1, settings)
}

func TestDecide(t *testing.T) {
	cases := []struct {
		name        string
		risk        stubScorer
		health      stubScorer
		wantPassive bool
	}{
		{"both in range", stubScorer{score: 10}, stubScorer{score: 90}, false},
		{"risk at threshold", stubScorer{score: 60}, stubScorer{score: 90}, true},
		{"risk above threshold", stubScorer{score: 85}, stubScorer{score: 90}, true},
		{"health at threshold stays active", stubScorer{score: 10}, stubScorer{score: 40}, false},
		{"health below threshold", stubScorer{score: 10}, stubScorer{score: 39.9}, true},
		{"risk scorer error fails safe", stubScorer{err: errors.New("scoring down")}, stubScorer{score: 90}, true},
		{"health scorer error fails safe", stubScorer{score: 10}, stubScorer{err: errors.New("scoring down")}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			settings := model.Settings{}
			decide(t, tc.risk, tc.health, &settings)
			if settings.ForcePassive != tc.wantPassive {
				t.Fatalf("ForcePassive = %v, want %v", settings.ForcePassive, tc.wantPassive)
			}
		})
	}
}

func TestManualPassiveNeverCleared(t *testing.T) {
	settings := model.Settings{ForcePassive: true}
	decide(t, stubScorer{score: 0}, stubScorer{score: 100}, &settings)
	if !settings.ForcePassive {
		t.Fatal("gate must never clear an operator-set passive flag")
	}
}

func TestNilScorersAreInert(t *testing.T) {
	g := New(config.GateConfig{RiskThreshold: 60, HealthThreshold: 40}, nil, nil)
	settings := model.Settings{}
	g.Decide(context.Background(), 1, &settings)
	if settings.ForcePassive {
		t.Fatal("no scorers wired, nothing should flip")
	}
}
