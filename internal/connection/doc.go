// Package connection implements the shared chat session.
//
// The Manager:
//   - Owns at most one WebSocket per process, opened lazily on the first Connect
//   - Speaks STOMP over that socket (CONNECT/SUBSCRIBE/SEND/MESSAGE/ERROR)
//   - Queues Connect callers that arrive while the socket is opening and
//     releases them, in order, on the server's CONNECTED frame
//   - Bounds the opening handshake with a timeout and resets so a later
//     Connect can dial again
//   - Multiplexes per-thread topic subscriptions over the one socket
//
// The Manager never reconnects on its own. Callers decide when to retry.
package connection
