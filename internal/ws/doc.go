// Package ws is the browser-facing WebSocket transport of the bridge.
//
// Every accepted connection becomes one session:
//   - Client: buffered, non-blocking sends to one browser
//   - Handler: upgrades the HTTP request, creates the session, and runs the
//     read and write pumps
//
// Only text frames are forwarded. Binary frames and messages the session
// rejects are dropped without closing the connection.
package ws
