// Package pubsub is the coordinator's event bus face.
//
// Topics (prefix configurable, "upb/" by default):
//
//	workers/register  {workerId}                                   worker -> coordinator
//	workers/status    {workerId, status}                           worker -> coordinator
//	workers/tasks     {workerId, sessionId, userId, query, ...}    coordinator -> workers
//	logs              {sessionId, source, message, timestamp}      both directions
//
// Listener decodes and validates inbound events before handing them to the
// coordinator; malformed events are logged, counted and discarded.
// Publisher encodes outbound events for both the coordinator and workers.
package pubsub
