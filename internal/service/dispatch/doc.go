// Package dispatch implements the bulk communication send pipeline.
//
// Orchestrator claims pending recipients one at a time, filters out
// ineligible ones, builds a per-recipient message with Builder, hands it to
// a transport through Dispatch, and persists the result with Recorder.
// Every recipient is isolated: a failure on one never stops the loop.
//
// The same Builder and Dispatch also serve ad-hoc sends through
// Orchestrator.SendDirect, which has no durable recipient rows.
//
// Repository implementations live in repository/postgres/, repository/redisq/
// and repository/memory/.
package dispatch
