// Package config loads the agent configuration: a JSON file with documented
// defaults, an optional .env file for secrets, and a file watcher that reports
// edits while the agent runs.
package config
