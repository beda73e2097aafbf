// Package workers implements the reference worker runtime.
//
// An Agent joins the pool over the event bus and then:
//   - Announces itself on the register topic and heartbeats on the status topic
//   - Picks up dispatch events addressed to its worker ID
//   - Runs the query through a task executor (echo or an LLM)
//   - Streams progress lines on the logs topic
//   - Reports the result through the gRPC callback carried in the dispatch
package workers
