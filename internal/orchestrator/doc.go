// Package orchestrator runs a ticket through an ordered pipeline of agents
// and persists what the run produced.
//
// # Overview
//
// The pipeline is a list of stages, each wrapping an agent.Agent with an
// enable flag:
//
//	learning -> response_processor
//
// Stages run sequentially because the response processor consumes the
// learning agent's insight. A stage whose agent is inactive or disabled is
// skipped with a warning. A failing stage is recorded (success=false, error
// text) and its error is stashed on the working input; the remaining stages
// still run. Nothing is retried.
//
// # Persistence
//
// After a run the orchestrator stores the enhanced response as a pattern
// (success rate 0.8) under the ticket's orchestrator key, and one
// learning-history entry per successful step.
//
// # Learning
//
// Learn fans feedback out to every active stage. Steps slower than one
// second are recorded as a "bottleneck_identification" best practice.
//
// # Advisory operations
//
// OptimizePipeline inspects accumulated per-step statistics and suggests
// fixes and a stage order. Reorder applies a suggested order.
//
// # Usage Example
//
//	learner := learning.New(learning.DefaultID, logger)
//	proc, _ := enhancer.New(enhancer.DefaultID, learning.New("", logger), logger)
//	orch, err := orchestrator.New(store, logger,
//	    orchestrator.WithStages(
//	        orchestrator.Stage{Agent: learner, Enabled: true},
//	        orchestrator.Stage{Agent: proc, Enabled: true},
//	    ))
//	res, err := orch.Process(ctx, &agent.Input{Ticket: t})
package orchestrator
