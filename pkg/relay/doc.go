// Package relay implements the core of a multi-user chat relay: admission of
// inbound messages, per-user rate limiting, rolling conversation context,
// streaming of backend fragments into edited messages, and moderation.
//
// Ownership model:
//   - A Dispatcher owns the SessionRegistry, the ContextStore, the RateLimiter and the StreamPump.
//   - Every mutation of a user's session happens under that user's session lock.
//   - Backend fragments are pumped without holding any session lock; the assistant turn is
//     committed under the lock only after a stream completes without cancellation.
//
// Adapters (transport, backend, persistence, event sink) live in sibling packages and
// plug in through the Transport, Backend, Store and EventSink interfaces.
package relay
