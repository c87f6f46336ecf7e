// Package protocol defines the messages exchanged between the request
// side and the decompression engine, their CBOR wire encoding and the
// transports that carry them.
//
// Every message is a Message: a mount id, a caller-chosen correlation id
// and a Body. Body is a closed set of types, one per operation; receivers
// dispatch with a type switch. On the wire a message is an Envelope whose
// body is encoded separately so that the operation code selects the body
// type before decoding.
//
// The two sides never share memory: transports carry encoded bytes only.
package protocol
