// Package stores persists run history in SQLite.
//
// A SQLiteStore keeps three tables: runs (the latest snapshot of each
// sequencer run), step_results (one row per finalized attempt) and events
// (the run event log). The schema is embedded and applied with
// golang-migrate. The store implements engine.AnalyticsRecorder so it can be
// handed straight to a sequencer, and HandleEvent can be subscribed to a
// telemetry.EventPublisher.
package stores
