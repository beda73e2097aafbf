// Package ports declares the interfaces the coordinator and the reference
// worker depend on: the event bus, metrics and task executors.
package ports
