package protocol

import (
	"io/fs"
	"time"

	"github.com/meigma/archivefs/source"
)

// Message is one protocol message.
type Message struct {
	// Mount is the mount id the message concerns.
	Mount string

	// Req is the correlation id chosen by the sender of a request and
	// echoed on every response to it.
	Req string

	// Body is the operation payload.
	Body Body
}

// Op returns the operation code of the body.
func (m Message) Op() Op {
	if m.Body == nil {
		return OpInvalid
	}
	return m.Body.Op()
}

// Reply returns a response to m carrying body.
func (m Message) Reply(body Body) Message {
	return Message{Mount: m.Mount, Req: m.Req, Body: body}
}

// Body is implemented by every operation payload. The set is closed.
type Body interface {
	Op() Op
	body()
}

// OpenMode is the access mode requested by OPEN_FILE.
type OpenMode string

// Open modes. Only ModeRead is supported by the engine.
const (
	ModeRead      OpenMode = "r"
	ModeWrite     OpenMode = "w"
	ModeReadWrite OpenMode = "rw"
)

// EntryInfo is the wire form of an archive entry.
type EntryInfo struct {
	Path    string `cbor:"path"`
	Name    string `cbor:"name"`
	Size    uint64 `cbor:"size"`
	IsDir   bool   `cbor:"dir,omitempty"`
	ModTime int64  `cbor:"mtime,omitempty"`
	Mode    uint32 `cbor:"mode,omitempty"`
	Link    string `cbor:"link,omitempty"`
}

// Time returns the modification time.
func (e EntryInfo) Time() time.Time {
	if e.ModTime == 0 {
		return time.Time{}
	}
	return time.Unix(0, e.ModTime).UTC()
}

// FileMode returns the mode bits.
func (e EntryInfo) FileMode() fs.FileMode {
	return fs.FileMode(e.Mode)
}

// Mount creates a volume and loads its metadata (MOUNT / READ_METADATA).
type Mount struct {
	Ticket      source.Ticket `cbor:"ticket"`
	ArchiveSize int64         `cbor:"size"`
}

// ChunkRequest asks the byte source host for raw archive bytes.
type ChunkRequest struct {
	Offset int64 `cbor:"offset"`
	Length int64 `cbor:"length"`
}

// ChunkDone answers a ChunkRequest with the bytes read.
type ChunkDone struct {
	Offset int64  `cbor:"offset"`
	Data   []byte `cbor:"data"`
}

// ChunkError answers a ChunkRequest with a failure.
type ChunkError struct {
	Message string `cbor:"message"`
}

// ListDirectory lists the children of a directory.
type ListDirectory struct {
	Path string `cbor:"path"`
}

// Stat describes one entry.
type Stat struct {
	Path string `cbor:"path"`
}

// OpenFile opens a file for reading. HandleID defaults to the request id.
type OpenFile struct {
	Path     string   `cbor:"path"`
	Mode     OpenMode `cbor:"mode"`
	Create   bool     `cbor:"create,omitempty"`
	HandleID string   `cbor:"handle,omitempty"`
}

// CloseFile releases a handle.
type CloseFile struct {
	HandleID string `cbor:"handle"`
}

// ReadFile reads a byte range from an open handle.
type ReadFile struct {
	HandleID string `cbor:"handle"`
	Offset   uint64 `cbor:"offset"`
	Length   uint64 `cbor:"length"`
}

// Unmount destroys a volume.
type Unmount struct{}

// MountDone reports a loaded volume.
type MountDone struct {
	Root    EntryInfo `cbor:"root"`
	Entries int       `cbor:"entries"`
}

// ListDirectoryDone carries directory children in archive order.
type ListDirectoryDone struct {
	Entries []EntryInfo `cbor:"entries"`
}

// StatDone carries one entry.
type StatDone struct {
	Entry EntryInfo `cbor:"entry"`
}

// OpenFileDone reports the id of the new handle.
type OpenFileDone struct {
	HandleID string `cbor:"handle"`
}

// CloseFileDone reports a released handle.
type CloseFileDone struct {
	HandleID string `cbor:"handle"`
}

// ReadFileDone carries one chunk of a read. The last chunk of a read has
// HasMore false.
type ReadFileDone struct {
	Data    []byte `cbor:"data"`
	HasMore bool   `cbor:"more,omitempty"`
}

// UnmountDone reports a destroyed volume.
type UnmountDone struct{}

// Error reports a failed request.
type Error struct {
	Kind    ErrorKind `cbor:"kind"`
	Message string    `cbor:"message"`
}

func (Mount) Op() Op             { return OpMount }
func (ChunkRequest) Op() Op      { return OpChunkRequest }
func (ChunkDone) Op() Op         { return OpChunkDone }
func (ChunkError) Op() Op        { return OpChunkError }
func (ListDirectory) Op() Op     { return OpListDirectory }
func (Stat) Op() Op              { return OpStat }
func (OpenFile) Op() Op          { return OpOpenFile }
func (CloseFile) Op() Op         { return OpCloseFile }
func (ReadFile) Op() Op          { return OpReadFile }
func (Unmount) Op() Op           { return OpUnmount }
func (MountDone) Op() Op         { return OpMountDone }
func (ListDirectoryDone) Op() Op { return OpListDirectoryDone }
func (StatDone) Op() Op          { return OpStatDone }
func (OpenFileDone) Op() Op      { return OpOpenFileDone }
func (CloseFileDone) Op() Op     { return OpCloseFileDone }
func (ReadFileDone) Op() Op      { return OpReadFileDone }
func (UnmountDone) Op() Op       { return OpUnmountDone }
func (Error) Op() Op             { return OpError }

func (Mount) body()             {}
func (ChunkRequest) body()      {}
func (ChunkDone) body()         {}
func (ChunkError) body()        {}
func (ListDirectory) body()     {}
func (Stat) body()              {}
func (OpenFile) body()          {}
func (CloseFile) body()         {}
func (ReadFile) body()          {}
func (Unmount) body()           {}
func (MountDone) body()         {}
func (ListDirectoryDone) body() {}
func (StatDone) body()          {}
func (OpenFileDone) body()      {}
func (CloseFileDone) body()     {}
func (ReadFileDone) body()      {}
func (UnmountDone) body()       {}
func (Error) body()             {}
