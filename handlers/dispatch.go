package handlers

import (
	"context"
	"encoding/binary"
	"sync"

	"github.com/slskgo/slskcore/conn"
	"github.com/slskgo/slskcore/diag"
	"github.com/slskgo/slskcore/distmgr"
	"github.com/slskgo/slskcore/search"
	"github.com/slskgo/slskcore/waiter"
	"github.com/slskgo/slskcore/wire"
)

// Dispatcher translates decoded wire messages into Waiter completions,
// Resolvers invocations, or manager actions. It holds no connection state
// of its own; callers feed it (connection, message) pairs from a
// MessageConnection's MessageRead events.
type Dispatcher struct {
	wait          *waiter.Waiter
	resolvers     Resolvers
	diag          *diag.Bus
	localUsername string

	searches sync.Map // uint32 token -> *search.Search

	// OnDistributedSearchRequest is invoked after branch-state messages
	// are applied, once per inbound SearchRequest, so the owning client
	// can match the query against local shares. May be nil.
	OnDistributedSearchRequest func(username string, token uint32, query search.Query)
}

// New constructs a Dispatcher.
func New(w *waiter.Waiter, resolvers Resolvers, d *diag.Bus, localUsername string) *Dispatcher {
	return &Dispatcher{wait: w, resolvers: resolvers, diag: d, localUsername: localUsername}
}

// RegisterSearch makes an in-flight search reachable for incoming
// SearchResponse messages bearing its token.
func (disp *Dispatcher) RegisterSearch(s *search.Search) { disp.searches.Store(s.Token, s) }

// UnregisterSearch removes a completed or cancelled search.
func (disp *Dispatcher) UnregisterSearch(token uint32) { disp.searches.Delete(token) }

// Replier writes a framed message back on the connection a message was
// received on. conn.MessageConnection (the type peermgr pools) satisfies
// this directly via WriteMessage.
type Replier interface {
	WriteMessage(ctx context.Context, framed []byte) error
}

// HandlePeerMessage decodes one Peer-domain message (code + payload, as
// delivered by conn.MessageEvent.Body) from username and dispatches it.
func (disp *Dispatcher) HandlePeerMessage(ctx context.Context, username string, body []byte, reply Replier) {
	r := wire.NewReader(body)
	code, err := r.ReadUint32Code()
	if err != nil {
		disp.diag.Debugf("handlers: malformed peer message from %s: %v", username, err)
		return
	}

	switch code {
	case wire.PeerSearchResponse:
		disp.handleSearchResponse(r)
	case wire.PeerTransferResponse:
		disp.handleTransferResponse(r, username)
	case wire.PeerSearchRequest:
		disp.handlePeerSearchRequest(ctx, r, username, reply)
	case wire.PeerUserInfoRequest:
		disp.handleUserInfoRequest(ctx, username, reply)
	case wire.PeerBrowseRequest:
		disp.handleBrowseRequest(ctx, username, reply)
	case wire.PeerQueueDownload:
		disp.handleQueueDownload(ctx, r, username, reply)
	case wire.PeerPlaceInQueueRequest:
		disp.handlePlaceInQueueRequest(ctx, r, username, reply)
	default:
		disp.diag.Debugf("handlers: unhandled peer message code %d from %s", code, username)
	}
}

func (disp *Dispatcher) handleSearchResponse(r *wire.Reader) {
	username, err := r.ReadString()
	if err != nil {
		return
	}
	token, err := r.ReadUint32()
	if err != nil {
		return
	}
	fileCount, err := r.ReadUint32()
	if err != nil {
		return
	}

	v, ok := disp.searches.Load(token)
	if !ok {
		return
	}
	s := v.(*search.Search)

	slim := search.SlimResponse{
		Username:  username,
		Token:     token,
		FileCount: int(fileCount),
		Decode: func() (search.Response, error) {
			return decodeSearchResponseFiles(r, username, token, int(fileCount))
		},
	}
	s.TryAddResponse(slim, nil)
}

func decodeSearchResponseFiles(r *wire.Reader, username string, token uint32, fileCount int) (search.Response, error) {
	files := make([]search.File, 0, fileCount)
	for i := 0; i < fileCount; i++ {
		if _, err := r.ReadUint8(); err != nil { // code: file vs directory
			return search.Response{}, err
		}
		name, err := r.ReadString()
		if err != nil {
			return search.Response{}, err
		}
		size, err := r.ReadUint64()
		if err != nil {
			return search.Response{}, err
		}
		ext, err := r.ReadString()
		if err != nil {
			return search.Response{}, err
		}
		attrCount, err := r.ReadUint32()
		if err != nil {
			return search.Response{}, err
		}
		attrs := make(map[uint32]uint32, attrCount)
		for a := uint32(0); a < attrCount; a++ {
			k, err := r.ReadUint32()
			if err != nil {
				return search.Response{}, err
			}
			v, err := r.ReadUint32()
			if err != nil {
				return search.Response{}, err
			}
			attrs[k] = v
		}
		files = append(files, search.File{Filename: name, Size: size, Extension: ext, Attributes: attrs})
	}

	freeSlots, _ := r.ReadBool()
	speed, _ := r.ReadUint32()
	queueLen, _ := r.ReadUint32()

	return search.Response{
		Username:        username,
		Token:           token,
		Files:           files,
		FreeUploadSlots: freeSlots,
		UploadSpeed:     speed,
		QueueLength:     queueLen,
	}, nil
}

func (disp *Dispatcher) handleTransferResponse(r *wire.Reader, username string) {
	token, err := r.ReadUint32()
	if err != nil {
		return
	}
	allowed, err := r.ReadBool()
	if err != nil {
		return
	}
	key := waiter.NewKey("TransferResponse", username, token)
	disp.wait.Complete(key, TransferResponse{Token: token, Allowed: allowed})
}

// TransferResponse is the decoded form of a peer PeerTransferResponse
// message, completed onto the Waiter keyed by ("TransferResponse",
// username, token).
type TransferResponse struct {
	Token   uint32
	Allowed bool
	Reason  string
}

func (disp *Dispatcher) handlePeerSearchRequest(ctx context.Context, r *wire.Reader, username string, reply Replier) {
	token, err := r.ReadUint32()
	if err != nil {
		return
	}
	text, err := r.ReadString()
	if err != nil {
		return
	}
	query := search.ParseQuery(text)
	resp, err := disp.resolvers.SearchResponseResolver(ctx, username, token, query)
	if err != nil || resp == nil || reply == nil {
		return
	}
	_ = reply.WriteMessage(ctx, encodeSearchResponse(disp.localUsername, *resp))
}

func encodeSearchResponse(localUsername string, resp search.Response) []byte {
	w := wire.NewWriter()
	w.WriteUint32Code(wire.PeerSearchResponse)
	w.WriteString(localUsername)
	w.WriteUint32(resp.Token)
	w.WriteUint32(uint32(len(resp.Files)))
	for _, f := range resp.Files {
		w.WriteUint8(1)
		w.WriteString(f.Filename)
		w.WriteUint64(f.Size)
		w.WriteString(f.Extension)
		w.WriteUint32(uint32(len(f.Attributes)))
		for k, v := range f.Attributes {
			w.WriteUint32(k)
			w.WriteUint32(v)
		}
	}
	w.WriteBool(resp.FreeUploadSlots)
	w.WriteUint32(resp.UploadSpeed)
	w.WriteUint32(resp.QueueLength)
	return w.Bytes()
}

func (disp *Dispatcher) handleUserInfoRequest(ctx context.Context, username string, reply Replier) {
	if reply == nil {
		return
	}
	info, err := disp.resolvers.UserInfoResponseResolver(ctx, username, "")
	if err != nil {
		disp.diag.Debugf("handlers: user info resolver failed for %s: %v", username, err)
		return
	}
	w := wire.NewWriter()
	w.WriteUint32Code(wire.PeerUserInfoResponse)
	w.WriteString(info.Description)
	w.WriteBool(info.HasPicture)
	if info.HasPicture {
		w.WriteBytes(info.Picture)
	}
	w.WriteInt32(info.UploadSlots)
	w.WriteInt32(info.QueueLength)
	w.WriteBool(info.HasFreeSlots)
	_ = reply.WriteMessage(ctx, w.Bytes())
}

func (disp *Dispatcher) handleBrowseRequest(ctx context.Context, username string, reply Replier) {
	if reply == nil {
		return
	}
	resp, err := disp.resolvers.BrowseResponseResolver(ctx, username, "")
	if err != nil {
		disp.diag.Debugf("handlers: browse resolver failed for %s: %v", username, err)
		return
	}
	w := wire.NewWriter()
	w.WriteUint32Code(wire.PeerBrowseResponse)
	w.WriteUint32(uint32(len(resp.Directories)))
	for dir, files := range resp.Directories {
		w.WriteString(dir)
		w.WriteUint32(uint32(len(files)))
		for _, f := range files {
			w.WriteString(f.Filename)
			w.WriteUint64(f.Size)
		}
	}
	_ = reply.WriteMessage(ctx, w.Bytes())
}

func (disp *Dispatcher) handleQueueDownload(ctx context.Context, r *wire.Reader, username string, reply Replier) {
	filename, err := r.ReadString()
	if err != nil {
		return
	}
	if actionErr := disp.resolvers.QueueDownloadAction(ctx, username, "", filename); actionErr != nil {
		disp.diag.Infof("queue download from %s for %q rejected: %v", username, filename, actionErr)
		if reply == nil {
			return
		}
		reason := actionErr.Error()
		w := wire.NewWriter()
		w.WriteUint32Code(wire.PeerUploadFailed)
		w.WriteString(filename)
		w.WriteString(reason)
		_ = reply.WriteMessage(ctx, w.Bytes())
	}
}

func (disp *Dispatcher) handlePlaceInQueueRequest(ctx context.Context, r *wire.Reader, username string, reply Replier) {
	filename, err := r.ReadString()
	if err != nil {
		return
	}
	place, err := disp.resolvers.PlaceInQueueResponseResolver(ctx, username, "", filename)
	if err != nil || place == nil || reply == nil {
		return
	}
	w := wire.NewWriter()
	w.WriteUint32Code(wire.PeerPlaceInQueueResponse)
	w.WriteString(filename)
	w.WriteUint32(*place)
	_ = reply.WriteMessage(ctx, w.Bytes())
}

// HandleDistributedMessage decodes one Distributed-domain message from the
// parent connection and applies it: BranchLevel/BranchRoot update manager
// state, SearchRequest re-broadcasts to children and notifies
// OnDistributedSearchRequest.
func (disp *Dispatcher) HandleDistributedMessage(ctx context.Context, body []byte, mgr *distmgr.Manager) {
	r := wire.NewReader(body)
	code, err := r.ReadByteCode()
	if err != nil {
		return
	}
	mgr.NotifyInboundDistributedActivity()

	switch code {
	case wire.DistribBranchLevel:
		level, err := r.ReadInt32()
		if err != nil {
			return
		}
		mgr.SetBranchLevel(level)
	case wire.DistribBranchRoot:
		root, err := r.ReadString()
		if err != nil {
			return
		}
		mgr.SetBranchRoot(root)
	case wire.DistribSearchRequest, wire.DistribServerSearchReq:
		username, err := r.ReadString()
		if err != nil {
			return
		}
		token, err := r.ReadUint32()
		if err != nil {
			return
		}
		text, err := r.ReadString()
		if err != nil {
			return
		}
		// body arrived already stripped of its length prefix; children expect
		// full frames.
		framed := make([]byte, 4+len(body))
		binary.LittleEndian.PutUint32(framed, uint32(len(body)))
		copy(framed[4:], body)
		mgr.Broadcast(ctx, framed)
		if disp.OnDistributedSearchRequest != nil {
			disp.OnDistributedSearchRequest(username, token, search.ParseQuery(text))
		}
	default:
		disp.diag.Debugf("handlers: unhandled distributed message code %d", code)
	}
}

var _ Replier = (*conn.MessageConnection)(nil)
