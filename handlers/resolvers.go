// Package handlers is pure dispatch: it translates decoded
// Peer/Distributed messages into Waiter completions or manager actions.
// It also hosts the Resolvers capability struct, the user-supplied async
// callables modeled as plain function fields rather than a
// dynamically-discovered plugin interface.
package handlers

import (
	"context"

	"github.com/slskgo/slskcore/search"
)

// BrowseResponse is what a BrowseResponseResolver returns.
type BrowseResponse struct {
	Directories map[string][]search.File
}

// UserInfoResponse is what a UserInfoResponseResolver returns.
type UserInfoResponse struct {
	Description  string
	HasPicture   bool
	Picture      []byte
	UploadSlots  int32
	QueueLength  int32
	HasFreeSlots bool
}

// QueueDownloadException carries a user-visible rejection reason for an
// inbound queue-download request the QueueDownloadAction refused.
type QueueDownloadException struct {
	Reason string
}

func (e *QueueDownloadException) Error() string { return e.Reason }

// Resolvers holds the user-supplied asynchronous callbacks the dispatcher
// consults to answer inbound peer requests. Defaults produce empty/blank
// responses; a client wires in real behavior by replacing the fields.
type Resolvers struct {
	// SearchResponseResolver answers an inbound peer SearchRequest with
	// either a response or nil (no match). Distributed search requests are
	// not routed here; the dispatcher reports them through
	// OnDistributedSearchRequest.
	SearchResponseResolver func(ctx context.Context, username string, token uint32, query search.Query) (*search.Response, error)

	// BrowseResponseResolver answers an inbound BrowseRequest. Default
	// returns an empty response.
	BrowseResponseResolver func(ctx context.Context, username, endpoint string) (BrowseResponse, error)

	// UserInfoResponseResolver answers an inbound UserInfoRequest. Default
	// returns a blank response.
	UserInfoResponseResolver func(ctx context.Context, username, endpoint string) (UserInfoResponse, error)

	// QueueDownloadAction is invoked when a remote asks us to queue a
	// download of filename. A non-nil error (typically
	// *QueueDownloadException) rejects the request with a user-visible
	// reason.
	QueueDownloadAction func(ctx context.Context, username, endpoint, filename string) error

	// PlaceInQueueResponseResolver answers an inbound
	// PlaceInQueueRequest with our current queue position for filename,
	// or nil if unknown.
	PlaceInQueueResponseResolver func(ctx context.Context, username, endpoint, filename string) (*uint32, error)
}

// DefaultResolvers returns the passive defaults: empty browse response,
// blank user info, no queue rejection, and no search match.
func DefaultResolvers() Resolvers {
	return Resolvers{
		SearchResponseResolver: func(ctx context.Context, username string, token uint32, query search.Query) (*search.Response, error) {
			return nil, nil
		},
		BrowseResponseResolver: func(ctx context.Context, username, endpoint string) (BrowseResponse, error) {
			return BrowseResponse{Directories: map[string][]search.File{}}, nil
		},
		UserInfoResponseResolver: func(ctx context.Context, username, endpoint string) (UserInfoResponse, error) {
			return UserInfoResponse{}, nil
		},
		QueueDownloadAction: func(ctx context.Context, username, endpoint, filename string) error {
			return nil
		},
		PlaceInQueueResponseResolver: func(ctx context.Context, username, endpoint, filename string) (*uint32, error) {
			return nil, nil
		},
	}
}
