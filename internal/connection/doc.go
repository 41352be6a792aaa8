// Package connection implements the shared real-time transport manager.
//
// The manager:
//   - Keeps at most one websocket per (server, user) identity key
//   - Fans inbound events out to every data listener of that key
//   - Broadcasts connection status changes to status listeners
//   - Reconnects with capped exponential backoff while anyone is listening
//   - Releases the socket after an idle grace period with no listeners
package connection
