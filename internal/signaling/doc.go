// Package signaling carries relay messages over WebSocket.
//
// Server accepts client connections and hands their messages to a relay.Hub.
// Client is the session-scoped counterpart used by call participants.
package signaling
