// Package archivefs exposes compressed archives as read-only filesystems
// without decompressing them up front.
//
// The engine side ([Service]) keeps one [Volume] per mounted archive. A
// volume parses the archive's directory once and serves reads by
// decompressing forward from a single cursor, asking for raw archive
// bytes in bounded chunks. The requesting side ([Client]) owns the byte
// sources: it resolves retrieval tickets (local files, HTTP URLs, OCI
// blobs) and answers the engine's chunk requests. The two sides share no
// memory and talk only through a [protocol.Transport].
//
// # Quick Start
//
// Serve an engine and connect a client over an in-process pipe:
//
//	engineEnd, clientEnd := protocol.Pipe()
//	svc := archivefs.NewService(engineEnd)
//	go svc.Serve(ctx, engineEnd)
//
//	c, err := archivefs.NewClient(clientEnd)
//	if err != nil {
//	    return err
//	}
//	ticket, _ := source.ParseTicket("./layer.tar.gz")
//	if _, err := c.Mount(ctx, "layer", ticket); err != nil {
//	    return err
//	}
//	h, err := c.OpenFile(ctx, "layer", "/etc/os-release")
//	if err != nil {
//	    return err
//	}
//	data, err := c.ReadRange(ctx, "layer", h, 0, 4096)
//
// # Random access
//
// Compressed tar streams can only be decoded forward. Reads at or after
// the cursor continue decoding and discard skipped bytes; a read behind it
// restarts decoding from the start of the archive. Reading files in
// archive order avoids restarts.
//
// # Persistence
//
// [Client] and [Registry] implement [persist.Snapshotter]; [Client]
// implements [persist.Mounter]. Only tickets and open paths are saved.
package archivefs
