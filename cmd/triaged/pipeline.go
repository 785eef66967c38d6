package main

import (
	"errors"
	"fmt"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/triage/internal/config"
	"github.com/fyrsmithlabs/triage/internal/enhancer"
	"github.com/fyrsmithlabs/triage/internal/learning"
	"github.com/fyrsmithlabs/triage/internal/metrics"
	"github.com/fyrsmithlabs/triage/internal/orchestrator"
)

// enhancerLearnerID names the learner owned by the response enhancer. It
// is separate from the pipeline's learning stage so each feedback is
// merged once per learner.
const enhancerLearnerID = "response_learning_agent_001"

// pipeline is the orchestrator with the learners whose state outlives the
// process.
type pipeline struct {
	orch     *orchestrator.Orchestrator
	learners []*learning.Agent
	stateDir string
	logger   *zap.Logger
}

// newPipeline builds learning stage -> response enhancer. The enhancer
// wraps its own learner.
func newPipeline(cfg *config.Config, store orchestrator.Store, m *metrics.Metrics, logger *zap.Logger) (*pipeline, error) {
	learnOpts := []learning.Option{
		learning.WithThreshold(cfg.Learning.Threshold),
		learning.WithRetention(cfg.Learning.Retention.Duration()),
	}
	stage := learning.New(learning.DefaultID, logger, learnOpts...)
	inner := learning.New(enhancerLearnerID, logger, learnOpts...)

	proc, err := enhancer.New(enhancer.DefaultID, inner, logger,
		enhancer.WithSelfLearning(cfg.Enhancer.SelfLearning))
	if err != nil {
		return nil, fmt.Errorf("failed to create response enhancer: %w", err)
	}
	orch, err := orchestrator.New(store, logger,
		orchestrator.WithStages(
			orchestrator.Stage{Agent: stage, Enabled: true},
			orchestrator.Stage{Agent: proc, Enabled: true},
		),
		orchestrator.WithMetrics(m))
	if err != nil {
		return nil, fmt.Errorf("failed to create orchestrator: %w", err)
	}

	return &pipeline{
		orch:     orch,
		learners: []*learning.Agent{stage, inner},
		stateDir: cfg.Learning.StateDir,
		logger:   logger,
	}, nil
}

func (p *pipeline) statePath(a *learning.Agent) string {
	return filepath.Join(p.stateDir, "learning_"+a.ID()+".json")
}

// load restores every learner's saved state.
func (p *pipeline) load() error {
	if p.stateDir == "" {
		return nil
	}
	var errs []error
	for _, a := range p.learners {
		if err := a.LoadKnowledge(p.statePath(a)); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", a.ID(), err))
		}
	}
	return errors.Join(errs...)
}

// save writes every learner's state.
func (p *pipeline) save() error {
	if p.stateDir == "" {
		return nil
	}
	var errs []error
	for _, a := range p.learners {
		if err := a.SaveKnowledge(p.statePath(a)); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", a.ID(), err))
		}
	}
	return errors.Join(errs...)
}
