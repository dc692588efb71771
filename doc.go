// Package rapace is an RPC substrate for host↔plugin systems: a host
// process and sibling processes on the same machine exchange typed method
// calls and streams with the lowest feasible latency, while the same
// abstract interface also runs over loopback TCP, Unix sockets, WebSocket
// and QUIC.
//
// # How it works
//
// Everything on a connection is one `wire.Message`: a nine-variant sum
// covering the handshake (Hello/Goodbye), unary calls
// (Request/Response/Cancel) and streams (Data/Close/Reset/Credit). A
// `Session` owns a connection: it performs the symmetric Hello exchange,
// then runs one reader and one writer goroutine that demultiplex inbound
// messages to pending calls and live streams and serialize outbound ones.
//
// Transports only move one Message at a time. Byte streams (TCP, Unix
// sockets) frame messages with COBS; message streams (WebSocket, QUIC
// datagrams) carry exactly one Message per transport frame; the
// shared-memory hub in package `shm` moves 64-byte descriptors through
// SPSC rings and payloads through generation-checked slot pools. Because
// every transport presents the same contract, the call and stream state
// machines are identical across all of them.
//
// Streams are unidirectional and credit-governed: a sender may emit Data
// only up to the cumulative byte budget its receiver has granted. On
// socket transports credit travels as Credit messages; on shared memory it
// is a counter in the segment's stream table and senders park on a futex
// when it runs dry.
//
// Protocol violations are fatal to the connection, never to the process:
// the detecting side sends a single Goodbye whose reason names the
// violated rule (for example "message.hello.ordering") and every pending
// call fails with that reason. Application-level failures — unknown
// method, undecodable arguments, cancellation — travel inside Response
// envelopes and leave the connection open.
//
// # Schema compatibility
//
// Methods are addressed by BLAKE3-derived 64-bit identifiers and carry a
// 32-byte signature hash over the canonical shapes of their argument tuple
// and return type. A `Registry` holds the local set; the reserved
// introspection method (id 0) exposes it to the peer, and clients reject
// calls whose signatures disagree before any bytes are encoded.
//
// # Design principles
//
// The session core is deliberately small and dependency-light: structured
// logs go through `log/slog`, counters through `hashicorp/go-metrics`, and
// the wire varints through `protobuf/encoding/protowire`. Untrusted peers
// may at worst stall or kill their own connection; they can never corrupt
// the process.
package rapace
