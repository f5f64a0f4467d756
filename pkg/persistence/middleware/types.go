package middleware

import (
	"context"

	"github.com/aretw0/stepgraph/pkg/ports"
)

// Middleware allows wrapping a RunStore to add behavior.
type Middleware func(ports.RunStore) ports.RunStore

// Chain wraps store with mws. The first middleware sees calls first.
func Chain(store ports.RunStore, mws ...Middleware) ports.RunStore {
	for i := len(mws) - 1; i >= 0; i-- {
		store = mws[i](store)
	}
	return store
}

// Opener applies mws to every handle handed out by opener.
func Opener(opener ports.StoreOpener, mws ...Middleware) ports.StoreOpener {
	if len(mws) == 0 {
		return opener
	}
	return &wrappedOpener{next: opener, mws: mws}
}

type wrappedOpener struct {
	next ports.StoreOpener
	mws  []Middleware
}

func (o *wrappedOpener) Open(ctx context.Context) (ports.RunHandle, error) {
	h, err := o.next.Open(ctx)
	if err != nil {
		return nil, err
	}
	return &wrappedHandle{RunStore: Chain(h, o.mws...), inner: h}, nil
}

type wrappedHandle struct {
	ports.RunStore
	inner ports.RunHandle
}

func (h *wrappedHandle) Close() error {
	return h.inner.Close()
}
