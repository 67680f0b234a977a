// Package wisp implements the Wisp v1 multiplexing protocol over WebSocket.
//
// Every WebSocket binary message carries one packet:
//
//	type u8 | stream id u32 LE | payload
//
// A client opens TCP or UDP streams with CONNECT, moves bytes with DATA and
// ends streams with CLOSE. The server grants TCP send credit with CONTINUE;
// the first CONTINUE, on stream 0, announces the per-stream buffer size.
//
// Server terminates streams on the gateway host. Client speaks the same
// protocol from the other side and is used by the probe command and tests.
package wisp
