package messages

import "fmt"

// PeerKind tells whether the remote side of a connection is a full node or a client
type PeerKind uint8

const (
	PeerKindNode PeerKind = iota
	PeerKindClient
)

func (k PeerKind) String() string {
	switch k {
	case PeerKindNode:
		return "node"
	case PeerKindClient:
		return "client"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// ParsePeerKind converts the textual form used in configuration into a PeerKind
func ParsePeerKind(s string) (PeerKind, error) {
	switch s {
	case "node":
		return PeerKindNode, nil
	case "client":
		return PeerKindClient, nil
	default:
		return 0, fmt.Errorf("invalid peer kind %q, expected node or client", s)
	}
}
