// Package chunk correlates outbound byte-range requests with their
// asynchronous responses.
//
// A Broker belongs to exactly one mounted archive. It issues at most one
// request at a time: the decompression cursor that drives it is single
// threaded, so a second request while one is pending is a caller bug and
// is rejected with ErrRequestPending.
//
// Responses are delivered by whoever owns the transport (Resolve / Fail).
// A response whose id does not match the pending request, or that arrives
// after Close, is discarded.
package chunk
