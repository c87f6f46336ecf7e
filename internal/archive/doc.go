// Package archive reads compressed tar archives through a forward-only
// decompression cursor fed by a chunk.Broker.
//
// The directory tree is built once, either from an eStargz table of
// contents or by walking every tar header. Entry reads continue from the
// cursor when the requested position lies ahead of it and restart the
// stream from the archive start when it does not.
package archive
