package protocol

// This package implements encoding requests and decoding replies for the
// Redis Serialization Protocol (RESP). It does no I/O of its own beyond
// writing an encoded request into an io.Writer.
//
// - `Command` - An ordered list of fields sent to the server.
// - `Reply`   - A decoded server reply, one of five shapes.
//
// === General Syntax
//
// - lines are `\r\n` delimited
// - the first byte of every reply frame is a type sigil
//
// === Requests
//
// Every request is an array of bulk strings, regardless of the field types
// the caller used to build the command.
//
//   ```
//     *3\r\n
//     $3\r\nSET\r\n
//     $3\r\nfoo\r\n
//     $3\r\nbar\r\n
//   ```
//
// === Replies
//
//   ```
//     +OK\r\n                     Simple
//     -ERR message\r\n            Error
//     :42\r\n                     Integer
//     $3\r\nfoo\r\n               Bulk
//     $-1\r\n                     Bulk (null)
//     *2\r\n$3\r\nfoo\r\n:1\r\n   Array
//     *-1\r\n                     Array (null)
//   ```
//
// Array elements are usually bulk strings or integers, but status lines,
// error lines and nested arrays are decoded as well.
//
// Note: Decode expects exactly one complete frame. Reassembling frames from
//       a stream of partial reads is the job of the client package.
//
