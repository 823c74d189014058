// Package agent interprets declarative agent bundles. A bundle names the
// document types an agent understands, how accepted records are filed, the
// thresholds and budget it runs under, and the actions a request can trigger.
// The Planner turns a request plus its inputs into an engine task graph.
package agent
