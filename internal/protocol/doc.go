// Package protocol implements the device side of the process-monitor wire
// protocol: preamble detection, message recovery from the raw TCP byte stream,
// and validation of the JSON messages exchanged with the device.
//
// The package implements:
//   - HandshakeDetector: recognizes the fixed byte preambles a device may send
//   - Reassembler: turns partial and merged TCP deliveries into complete
//     candidate messages using brace balancing with string/escape awareness
//   - Validate: decides whether a candidate is a forwardable protocol message
//   - Command / Response: typed views of the four request types
//
// Nothing in this package performs I/O or keeps timers; it is driven by the
// session dispatcher.
package protocol
