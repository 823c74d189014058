// Package api exposes the HTTP surface of the daemon: request submission and
// status, the human review queue, the agent catalog, health and metrics.
package api
