// Package websocket streams a session's log trail over WebSocket.
//
// Clients connect to /logs/:sessionId/ws. The entries logged so far are
// sent first, then each new entry as it arrives. The server closes the
// connection once the session reaches DONE or FAILED.
package websocket
