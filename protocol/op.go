package protocol

import "fmt"

// Op is an operation code.
type Op uint8

// Operation codes.
const (
	OpInvalid Op = iota

	// Requests handled by the engine.
	OpMount
	OpChunkDone
	OpChunkError
	OpListDirectory
	OpStat
	OpOpenFile
	OpCloseFile
	OpReadFile
	OpUnmount

	// Sent by the engine to the byte source host.
	OpChunkRequest

	// Responses.
	OpMountDone
	OpListDirectoryDone
	OpStatDone
	OpOpenFileDone
	OpCloseFileDone
	OpReadFileDone
	OpUnmountDone
	OpError
)

var opNames = [...]string{
	OpInvalid:           "INVALID",
	OpMount:             "MOUNT",
	OpChunkDone:         "CHUNK_DONE",
	OpChunkError:        "CHUNK_ERROR",
	OpListDirectory:     "LIST_DIRECTORY",
	OpStat:              "STAT",
	OpOpenFile:          "OPEN_FILE",
	OpCloseFile:         "CLOSE_FILE",
	OpReadFile:          "READ_FILE",
	OpUnmount:           "UNMOUNT",
	OpChunkRequest:      "CHUNK_REQUEST",
	OpMountDone:         "MOUNT_DONE",
	OpListDirectoryDone: "LIST_DIRECTORY_DONE",
	OpStatDone:          "STAT_DONE",
	OpOpenFileDone:      "OPEN_FILE_DONE",
	OpCloseFileDone:     "CLOSE_FILE_DONE",
	OpReadFileDone:      "READ_FILE_DONE",
	OpUnmountDone:       "UNMOUNT_DONE",
	OpError:             "ERROR",
}

// String returns the upper-case operation name.
func (o Op) String() string {
	if int(o) < len(opNames) {
		return opNames[o]
	}
	return fmt.Sprintf("Op(%d)", o)
}

// ParseOp parses an operation name. READ_METADATA is accepted as an
// alias of MOUNT.
func ParseOp(name string) (Op, error) {
	if name == "READ_METADATA" {
		return OpMount, nil
	}
	for o := OpInvalid + 1; int(o) < len(opNames); o++ {
		if opNames[o] == name {
			return o, nil
		}
	}
	return OpInvalid, fmt.Errorf("unknown operation %q", name)
}

// IsResponse reports whether o is sent in reply to a request.
func (o Op) IsResponse() bool {
	return o >= OpMountDone && o <= OpError
}
