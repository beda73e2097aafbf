// Package bootstrap builds the process-wide pieces shared by the
// coordinator and the reference worker: the logger and the event bus.
package bootstrap
