package wire

// Domain identifies which code table a message code is drawn from. Code
// widths differ per domain: Server and Peer codes are 4 bytes,
// Distributed and Initialization codes are 1 byte.
type Domain int

const (
	DomainServer Domain = iota
	DomainPeer
	DomainDistributed
	DomainInitialization
)

// CodeWidth returns the number of bytes a message code occupies on the wire
// for the given domain.
func CodeWidth(d Domain) int {
	switch d {
	case DomainDistributed, DomainInitialization:
		return 1
	default:
		return 4
	}
}

// Initialization domain codes.
const (
	InitPierceFirewall uint8 = 0
	InitPeerInit       uint8 = 1
)

// Server domain codes (subset touched by the core).
const (
	ServerLogin           uint32 = 1
	ServerSetListenPort   uint32 = 2
	ServerConnectToPeer   uint32 = 18
	ServerCannotConnect   uint32 = 1001
	ServerPossibleParents uint32 = 102
	ServerHaveNoParent    uint32 = 71
	ServerParentsIP       uint32 = 73
	ServerBranchLevel     uint32 = 126
	ServerBranchRoot      uint32 = 127
	ServerChildDepth      uint32 = 129
	ServerAcceptChildren  uint32 = 100
)

// Peer domain codes (subset touched by the core).
const (
	PeerBrowseRequest        uint32 = 4
	PeerBrowseResponse       uint32 = 5
	PeerSearchRequest        uint32 = 8
	PeerSearchResponse       uint32 = 9
	PeerUserInfoRequest      uint32 = 15
	PeerUserInfoResponse     uint32 = 16
	PeerPlaceInQueueRequest  uint32 = 51
	PeerPlaceInQueueResponse uint32 = 44
	PeerQueueDownload        uint32 = 43
	PeerTransferRequest      uint32 = 40
	PeerTransferResponse     uint32 = 41
	PeerUploadFailed         uint32 = 46
)

// Distributed domain codes (subset touched by the core).
const (
	DistribBranchLevel     uint8 = 4
	DistribBranchRoot      uint8 = 5
	DistribSearchRequest   uint8 = 3
	DistribServerSearchReq uint8 = 93
	DistribChildDepth      uint8 = 7
)

// PeerInitType identifies the purpose of an inbound PeerInit/ConnectToPeer
// handshake.
type PeerInitType string

const (
	PeerInitTypeMessage     PeerInitType = "P"
	PeerInitTypeTransfer    PeerInitType = "F"
	PeerInitTypeDistributed PeerInitType = "D"
)
