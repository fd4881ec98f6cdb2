// Package planner chooses the next action of an agent run.
//
// Two planners are provided. LLMPlanner asks a language model (Anthropic or
// OpenAI, with ordered profile failover) for exactly one JSON action.
// Heuristic is a pure ordered rule table over the latest user instruction and
// is used when the model is unavailable.
//
// Invariants:
// - Plan returns exactly one Action or an error wrapping ErrPlannerUnavailable.
// - LLMPlanner never invents an action when the model answer cannot be parsed.
// - Heuristic.Plan never fails and is deterministic for a given history.
package planner
