// The [tether] package keeps one websocket connection to a remote endpoint
// alive for the lifetime of a process.
//
// # Connection Engines
//
// There are 2 different websocket engines, gorilla/websocket and lxzan/gws.
// Both implement [github.com/tetherws/tether/pkg/transport.Dialer]; the
// Transport field of [config.Config] chooses between them.
//
// # Lifecycle
//
// [Client.Run] dials the endpoint, sends the configured initial message,
// flushes messages that were sent while offline and then delivers every
// inbound message to the handler given with [WithHandler]. A broken session
// is replaced after an exponential backoff. When the configured number of
// consecutive attempts fail, Run returns an error matching
// [ErrRetriesExhausted]. [Client.Close] shuts the client down; it is safe
// to call more than once.
//
// # Sending
//
// [Client.Send] never loses a message it accepted: without a live session,
// or when the write fails, the payload is queued and flushed in order after
// the next successful connect. Use [Client.SendValue] to encode a value with
// the configured codec first.
//
// For finer control over the state machine use
// [github.com/tetherws/tether/pkg/rews] directly.
package tether
