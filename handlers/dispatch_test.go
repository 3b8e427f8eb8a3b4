package handlers

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/slskgo/slskcore/diag"
	"github.com/slskgo/slskcore/search"
	"github.com/slskgo/slskcore/waiter"
	"github.com/slskgo/slskcore/wire"
)

// unframed strips the 4-byte length prefix Writer.Bytes always adds, since
// HandlePeerMessage/HandleDistributedMessage consume an already-delimited
// body (matching conn.MessageEvent.Body).
func unframed(w *wire.Writer) []byte {
	framed := w.Bytes()
	return framed[4:]
}

type fakeReplier struct {
	written [][]byte
}

func (f *fakeReplier) WriteMessage(ctx context.Context, framed []byte) error {
	f.written = append(f.written, framed)
	return nil
}

func newTestDispatcher(resolvers Resolvers) (*Dispatcher, *waiter.Waiter) {
	d := diag.New(zap.NewNop(), diag.LevelDebug)
	w := waiter.New(time.Second, nil)
	return New(w, resolvers, d, "me"), w
}

func buildSearchResponseBody(username string, token uint32, files []search.File, freeSlots bool, speed, queueLen uint32) []byte {
	w := wire.NewWriter()
	w.WriteUint32Code(wire.PeerSearchResponse)
	w.WriteString(username)
	w.WriteUint32(token)
	w.WriteUint32(uint32(len(files)))
	for _, f := range files {
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
	w.WriteBool(freeSlots)
	w.WriteUint32(speed)
	w.WriteUint32(queueLen)
	return unframed(w)
}

func TestHandlePeerMessageSearchResponseRoutesToRegisteredSearch(t *testing.T) {
	disp, _ := newTestDispatcher(DefaultResolvers())
	s := search.New("foo", 77, search.Options{})
	disp.RegisterSearch(s)

	body := buildSearchResponseBody("alice", 77, []search.File{
		{Filename: "foo.mp3", Size: 123, Extension: "mp3"},
	}, true, 900, 0)

	disp.HandlePeerMessage(context.Background(), "alice", body, nil)

	responses := s.Responses()
	require.Len(t, responses, 1)
	require.Equal(t, "alice", responses[0].Username)
	require.Len(t, responses[0].Files, 1)
	require.Equal(t, "foo.mp3", responses[0].Files[0].Filename)
}

func TestHandlePeerMessageSearchResponseIgnoresTokenMismatch(t *testing.T) {
	disp, _ := newTestDispatcher(DefaultResolvers())
	s := search.New("foo", 77, search.Options{})
	disp.RegisterSearch(s)

	body := buildSearchResponseBody("alice", 999, nil, false, 0, 0)
	disp.HandlePeerMessage(context.Background(), "alice", body, nil)

	require.Empty(t, s.Responses())
}

func TestHandlePeerMessageTransferResponseCompletesWaiter(t *testing.T) {
	disp, w := newTestDispatcher(DefaultResolvers())

	resultCh := make(chan TransferResponse, 1)
	errCh := make(chan error, 1)
	key := waiter.NewKey("TransferResponse", "alice", uint32(5))
	go func() {
		v, err := waiter.Wait[TransferResponse](w, context.Background(), key, time.Second)
		if err != nil {
			errCh <- err
			return
		}
		resultCh <- v
	}()
	time.Sleep(20 * time.Millisecond)

	wr := wire.NewWriter()
	wr.WriteUint32Code(wire.PeerTransferResponse)
	wr.WriteUint32(5)
	wr.WriteBool(true)
	disp.HandlePeerMessage(context.Background(), "alice", unframed(wr), nil)

	select {
	case v := <-resultCh:
		require.Equal(t, uint32(5), v.Token)
		require.True(t, v.Allowed)
	case err := <-errCh:
		t.Fatalf("unexpected wait error: %v", err)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for TransferResponse completion")
	}
}

func TestHandlePeerMessageQueueDownloadRejectionRepliesUploadFailed(t *testing.T) {
	resolvers := DefaultResolvers()
	resolvers.QueueDownloadAction = func(ctx context.Context, username, endpoint, filename string) error {
		return &QueueDownloadException{Reason: "file not shared"}
	}
	disp, _ := newTestDispatcher(resolvers)

	wr := wire.NewWriter()
	wr.WriteUint32Code(wire.PeerQueueDownload)
	wr.WriteString("song.flac")

	reply := &fakeReplier{}
	disp.HandlePeerMessage(context.Background(), "alice", unframed(wr), reply)

	require.Len(t, reply.written, 1)
	r := wire.NewReader(reply.written[0][4:]) // skip the frame length prefix
	code, err := r.ReadUint32Code()
	require.NoError(t, err)
	require.Equal(t, wire.PeerUploadFailed, code)
	filename, err := r.ReadString()
	require.NoError(t, err)
	require.Equal(t, "song.flac", filename)
	reason, err := r.ReadString()
	require.NoError(t, err)
	require.Equal(t, "file not shared", reason)
}

func TestHandlePeerMessageQueueDownloadAcceptedSendsNoReply(t *testing.T) {
	disp, _ := newTestDispatcher(DefaultResolvers())

	wr := wire.NewWriter()
	wr.WriteUint32Code(wire.PeerQueueDownload)
	wr.WriteString("song.flac")

	reply := &fakeReplier{}
	disp.HandlePeerMessage(context.Background(), "alice", unframed(wr), reply)

	require.Empty(t, reply.written)
}

func TestHandlePeerMessageUserInfoRequestUsesResolver(t *testing.T) {
	resolvers := DefaultResolvers()
	resolvers.UserInfoResponseResolver = func(ctx context.Context, username, endpoint string) (UserInfoResponse, error) {
		return UserInfoResponse{Description: "hi", UploadSlots: 2, QueueLength: 1, HasFreeSlots: true}, nil
	}
	disp, _ := newTestDispatcher(resolvers)

	wr := wire.NewWriter()
	wr.WriteUint32Code(wire.PeerUserInfoRequest)

	reply := &fakeReplier{}
	disp.HandlePeerMessage(context.Background(), "alice", unframed(wr), reply)

	require.Len(t, reply.written, 1)
	r := wire.NewReader(reply.written[0][4:]) // skip the frame length prefix
	code, _ := r.ReadUint32Code()
	require.Equal(t, wire.PeerUserInfoResponse, code)
	desc, _ := r.ReadString()
	require.Equal(t, "hi", desc)
}

func TestHandlePeerMessageUnknownCodeIsIgnored(t *testing.T) {
	disp, _ := newTestDispatcher(DefaultResolvers())
	wr := wire.NewWriter()
	wr.WriteUint32Code(999999)
	require.NotPanics(t, func() {
		disp.HandlePeerMessage(context.Background(), "alice", unframed(wr), nil)
	})
}

func TestHandlePeerMessageMalformedBodyIsIgnored(t *testing.T) {
	disp, _ := newTestDispatcher(DefaultResolvers())
	require.NotPanics(t, func() {
		disp.HandlePeerMessage(context.Background(), "alice", []byte{1, 2}, nil)
	})
}

func TestQueueDownloadExceptionErrorMessage(t *testing.T) {
	var err error = &QueueDownloadException{Reason: "nope"}
	require.Equal(t, "nope", err.Error())
	require.True(t, errors.As(err, new(*QueueDownloadException)))
}
