// Package domain defines the data model shared by the transfer engine.
//
// A [TransferRequest] describes one download. The planner turns it into
// [Segment] values, the fetcher yields [Chunk] values for each segment, the
// progress aggregator publishes [ProgressSnapshot] values and the coordinator
// resolves the whole transfer into a [TransferResult].
//
// # Errors
//
// Failures are classified into a small taxonomy so the retry policy and the
// coordinator can decide what to do without knowing where an error came from:
//
//   - [TransportError]: network level failure, retryable
//   - [ProtocolError]: the server answered in a way that cannot succeed as-is
//   - [ConfigurationError]: invalid request, detected before any I/O
//   - [IOError]: the destination could not persist bytes
//   - [RetriesExhausted]: wraps the last retryable error once the budget is spent
//   - [EmptyOrUnreachableError]: planning could not size or reach the source
package domain
