// Package analysis implements the dependency-graph risk scoring that
// SPEC_FULL.md §6 adds on top of the base spec: a read-only signal,
// computed from the same readiness.Functions the coordinator already
// consults, that flags a task as at risk of stalling before anyone has
// to go read its step graph by hand. It never drives a state
// transition; it's an additional view over the same DB snapshot.
package analysis

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/n8n-work/taskcore/internal/config"
	"github.com/n8n-work/taskcore/internal/readiness"
)

// Report is the per-task risk snapshot.
type Report struct {
	TaskID            string
	CriticalPathDepth int
	FailureRatio      float64
	Score             float64
	AtRisk            bool
}

// Analyzer computes Report values from readiness.Functions.
type Analyzer struct {
	readiness readiness.Functions
	cfg       config.AnalysisConfig
	logger    *zap.Logger
}

func New(rd readiness.Functions, cfg config.AnalysisConfig, logger *zap.Logger) *Analyzer {
	return &Analyzer{readiness: rd, cfg: cfg, logger: logger.With(zap.String("component", "analysis"))}
}

// Analyze computes a Report for taskID. Returns a zero-value, not-at-risk
// Report if analysis is disabled by configuration.
func (a *Analyzer) Analyze(ctx context.Context, taskID string) (Report, error) {
	if !a.cfg.Enabled {
		return Report{TaskID: taskID}, nil
	}

	levels, err := a.readiness.DependencyLevels(ctx, taskID)
	if err != nil {
		return Report{}, fmt.Errorf("analysis: loading dependency levels: %w", err)
	}
	execCtx, err := a.readiness.TaskExecutionContext(ctx, taskID)
	if err != nil {
		return Report{}, fmt.Errorf("analysis: loading execution context: %w", err)
	}

	maxDepth := 0
	for _, level := range levels {
		if level > maxDepth {
			maxDepth = level
		}
	}

	var failureRatio float64
	if execCtx.TotalSteps > 0 {
		failureRatio = float64(execCtx.FailedSteps) / float64(execCtx.TotalSteps)
	}

	depthScore := normalizeDepth(maxDepth, len(levels))
	score := a.cfg.DepthWeight*depthScore + a.cfg.FailureWeight*failureRatio

	if execCtx.PermanentlyBlockedSteps > 0 {
		score *= a.cfg.CriticalPathMultiplier
	}
	if score > 1 {
		score = 1
	}

	report := Report{
		TaskID:            taskID,
		CriticalPathDepth: maxDepth,
		FailureRatio:      failureRatio,
		Score:             score,
		AtRisk:            score >= a.cfg.AtRiskThreshold,
	}

	if report.AtRisk {
		a.logger.Info("task flagged at risk",
			zap.String("task_id", taskID),
			zap.Float64("score", score),
			zap.Int("critical_path_depth", maxDepth),
			zap.Float64("failure_ratio", failureRatio),
		)
	}

	return report, nil
}

// normalizeDepth expresses maxDepth as a fraction of the longest depth a
// graph of totalSteps nodes could possibly have (a pure chain), so
// depth contributes comparably across tasks of very different sizes.
func normalizeDepth(maxDepth, totalSteps int) float64 {
	if totalSteps <= 1 {
		return 0
	}
	ceiling := float64(totalSteps - 1)
	return float64(maxDepth) / ceiling
}
