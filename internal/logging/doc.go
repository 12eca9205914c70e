// Package logging provides structured logging for wpflow.
//
// It wraps log/slog with a JSON handler. Every merge run, workspace creation and
// dependency check writes to {stateDir}/logs/wpflow.log so a failed or resumed
// integration can be reconstructed after the fact. The file is rotated by size.
//
// Child loggers carry persistent context:
//
//	logger := logging.NopLogger()
//	runLog := logger.WithFeature("001-auth").WithRun(runID)
//	runLog.WithWP("WP02").WithPhase("merge_loop").Info("merged", "branch", branch)
//
// Output:
//
//	{"time":"...","level":"INFO","msg":"merged","feature":"001-auth","run_id":"...","wp_id":"WP02","phase":"merge_loop","branch":"001-auth-WP02"}
//
// Use [NopLogger] in tests and when logging.enabled is false.
package logging
