// Package signaling carries call negotiation messages between the two peers
// of a call over a JSON message channel.
//
// The wire format is a flat JSON object discriminated by "type". The Bridge
// encodes outbound messages and validates and dispatches inbound ones; the
// WSClient is the WebSocket transport that carries them to the relay server.
package signaling
