// Package events provides event bus implementations.
//
// Implementations:
//   - mqtt: MQTT broker via paho (default, what deployed workers speak)
//   - redis: Redis Streams, one consumer group per process so every
//     subscriber sees every message
//   - memory: in-process, synchronous delivery for tests and single-binary demos
package events
