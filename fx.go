package replica

import (
	"context"
	"fmt"

	"go.uber.org/fx"
)

// Module provides a *Peer and ties it to the application lifecycle: on start
// the peer listens and dials its Endpoints, then runs its tick loop in the
// background; on stop the loop is cancelled and the peer closed.
var Module = fx.Module("replica",
	fx.Provide(ProvidePeer),
	fx.Invoke(registerLifecycle),
)

// PeerOptions carries the Options used to build the provided Peer.
type PeerOptions []Option

// Endpoints lists where the provided Peer listens and whom it dials.
type Endpoints struct {
	Listen string
	Dial   []string
}

// Supply adds the peer's options and endpoints to the graph.
func Supply(endpoints Endpoints, opts ...Option) fx.Option {
	return fx.Supply(PeerOptions(opts), &endpoints)
}

// ModuleInput is what ProvidePeer takes from the graph.
type ModuleInput struct {
	fx.In
	Options PeerOptions `optional:"true"`
}

func ProvidePeer(in ModuleInput) (*Peer, error) {
	return NewPeer(in.Options...)
}

type lifecycleInput struct {
	fx.In
	LC        fx.Lifecycle
	Peer      *Peer
	Endpoints *Endpoints `optional:"true"`
}

func registerLifecycle(in lifecycleInput) {
	var (
		cancel context.CancelFunc
		done   chan error
	)
	in.LC.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if ep := in.Endpoints; ep != nil {
				if ep.Listen != "" {
					if _, err := in.Peer.Listen(ep.Listen); err != nil {
						return err
					}
				}
				for _, addr := range ep.Dial {
					if _, err := in.Peer.Dial(ctx, addr); err != nil {
						return fmt.Errorf("dial %s: %w", addr, err)
					}
				}
			}

			runCtx, c := context.WithCancel(context.Background())
			cancel = c
			done = make(chan error, 1)
			go func() {
				done <- in.Peer.Run(runCtx)
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if cancel != nil {
				cancel()
				select {
				case <-done:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			return in.Peer.Close()
		},
	})
}
