package dropbox

import (
	"context"
	"io"
	"net/http"

	"github.com/dropbox/dropbox-sdk-go-unofficial/v6/dropbox"
	"github.com/dropbox/dropbox-sdk-go-unofficial/v6/dropbox/files"
	"golang.org/x/oauth2"
)

// Client is the subset of the Dropbox files API the backends use.
// files.Client satisfies it, and tests substitute an in-memory fake.
type Client interface {
	// GetMetadata returns metadata for a file or folder.
	GetMetadata(arg *files.GetMetadataArg) (files.IsMetadata, error)

	// ListFolder lists the contents of a folder.
	ListFolder(arg *files.ListFolderArg) (*files.ListFolderResult, error)

	// ListFolderContinue continues a paginated list operation.
	ListFolderContinue(arg *files.ListFolderContinueArg) (*files.ListFolderResult, error)

	// ListFolderGetLatestCursor returns a cursor for the current state.
	ListFolderGetLatestCursor(arg *files.ListFolderArg) (*files.ListFolderGetLatestCursorResult, error)

	// ListFolderLongpoll blocks until changes are available after cursor.
	ListFolderLongpoll(arg *files.ListFolderLongpollArg) (*files.ListFolderLongpollResult, error)

	// Download downloads a file.
	Download(arg *files.DownloadArg) (*files.FileMetadata, io.ReadCloser, error)

	// Upload uploads a file (max 150MB).
	Upload(arg *files.UploadArg, content io.Reader) (*files.FileMetadata, error)

	// CreateFolderV2 creates a folder.
	CreateFolderV2(arg *files.CreateFolderArg) (*files.CreateFolderResult, error)

	// MoveV2 moves a file or folder.
	MoveV2(arg *files.RelocationArg) (*files.RelocationResult, error)

	// DeleteV2 deletes a file or folder.
	DeleteV2(arg *files.DeleteArg) (*files.DeleteResult, error)
}

// NewClient returns a files API client for tok. With conf set and a refresh
// token present, an expired access token is renewed through conf. ctx bounds
// the refreshes and should live as long as the client.
func NewClient(ctx context.Context, conf *oauth2.Config, tok *oauth2.Token) Client {
	return files.New(dropbox.Config{
		Token:    tok.AccessToken,
		LogLevel: dropbox.LogOff,
		Client:   authorizedClient(ctx, conf, tok),
	})
}

// authorizedClient returns nil when tok cannot be refreshed, which leaves the
// SDK to authorize with the bare access token.
func authorizedClient(ctx context.Context, conf *oauth2.Config, tok *oauth2.Token) *http.Client {
	if conf == nil || tok.RefreshToken == "" {
		return nil
	}
	return oauth2.NewClient(ctx, conf.TokenSource(ctx, tok))
}
