package source

import (
	"fmt"
	"strings"
)

// ParseTicket parses the command-line form of a ticket:
//
//	oci://registry/repository@sha256:...   KindOCI
//	http://host/path, https://host/path    KindHTTP
//	file:///path or a bare path            KindFile
func ParseTicket(s string) (Ticket, error) {
	switch {
	case s == "":
		return Ticket{}, fmt.Errorf("%w: empty ticket", ErrInvalidTicket)
	case strings.HasPrefix(s, "oci://"):
		ref, dgst, ok := strings.Cut(strings.TrimPrefix(s, "oci://"), "@")
		if !ok {
			return Ticket{}, fmt.Errorf("%w: oci ticket %q needs @digest", ErrInvalidTicket, s)
		}
		t := Ticket{Kind: KindOCI, Location: ref, Digest: dgst}
		return t, t.Validate()
	case strings.HasPrefix(s, "http://"), strings.HasPrefix(s, "https://"):
		return Ticket{Kind: KindHTTP, Location: s}, nil
	default:
		return Ticket{Kind: KindFile, Location: strings.TrimPrefix(s, "file://")}, nil
	}
}
