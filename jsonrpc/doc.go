// Package jsonrpc contains the JSON-RPC 2.0 wire types used by the
// streamable HTTP transport. A message on the wire is one of three kinds:
// a Request (carries an id and expects a correlated Response), a
// Notification (no id, fire-and-forget), or a Response (its id answers a
// prior Request). Classification happens once, at decode time, via
// AnyMessage.
package jsonrpc
