package registry

import (
	"context"

	"github.com/fruitsalade/docsync/internal/storage"
)

// Provider discovers the backends of one family, for example every linked
// Dropbox account.
type Provider interface {
	Name() string
	// CanAddBackend reports whether ShowAddFlow can link another backend.
	CanAddBackend() bool
	// Backends returns the backends this provider currently knows about.
	// Repeated calls return the same instances for the same ids.
	Backends(ctx context.Context) ([]storage.Backend, error)
}

// AddFlow is implemented by providers that can link new backends
// interactively. The flow may yield zero backends when the user cancels.
type AddFlow interface {
	ShowAddFlow(ctx context.Context, host HostContext) ([]storage.Backend, error)
}

// Forgetter is implemented by providers that persist their backends and
// must drop one when it is removed from the registry.
type Forgetter interface {
	Forget(ctx context.Context, id string) error
}

// HostContext is what an add flow needs from the application.
type HostContext interface {
	// PickDirectory asks the user for a local folder.
	PickDirectory(ctx context.Context) (string, error)
	// OpenURL shows url to the user, typically in a browser.
	OpenURL(ctx context.Context, url string) error
	// Prompt asks the user for a line of text.
	Prompt(ctx context.Context, message string) (string, error)
}
