// Package llm provides the task executors used by the reference worker.
//
// The factory creates an executor based on provider configuration.
// Currently supports:
//   - anthropic: answers the query with Claude
//   - echo: returns the query text, for local runs without credentials
package llm
