// replica-demo runs a coordinator and participants that replicate a set of
// players: the coordinator spawns one player per participant, each
// participant moves its own player, and the coordinator labels them.
//
// Run:
//
//	go run ./cmd/replica-demo local --participants 3
//	go run ./cmd/replica-demo serve --listen 127.0.0.1:7070
//	go run ./cmd/replica-demo join --addr 127.0.0.1:7070
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ironfang-ltd/go-replica"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

type globalFlags struct {
	logLevel string
	admin    string
	tick     time.Duration
}

func main() {
	var flags globalFlags

	rootCmd := &cobra.Command{
		Use:           "replica-demo",
		Short:         "Replicate players between a coordinator and participants",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&flags.admin, "admin", "", "admin HTTP address, empty to disable")
	rootCmd.PersistentFlags().DurationVar(&flags.tick, "tick", 50*time.Millisecond, "network tick interval")

	rootCmd.AddCommand(
		serveCmd(&flags),
		joinCmd(&flags),
		localCmd(&flags),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func (f *globalFlags) options(role replica.Role) ([]replica.Option, error) {
	level, err := replica.ParseLogLevel(f.logLevel)
	if err != nil {
		return nil, err
	}
	return []replica.Option{
		replica.WithRole(role),
		replica.WithTickInterval(f.tick),
		replica.WithAdminAddr(f.admin),
		replica.WithLogLevel(level),
	}, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// newCoordinator builds a coordinator peer listening on addr.
func newCoordinator(name, addr string, opts []replica.Option) (*replica.Peer, *world, error) {
	peer, err := replica.NewPeer(opts...)
	if err != nil {
		return nil, nil, err
	}
	w, err := newWorld(name, peer)
	if err != nil {
		peer.Close()
		return nil, nil, err
	}
	peer.OnTick(w.coordinatorTick)
	if _, err := peer.Listen(addr); err != nil {
		peer.Close()
		return nil, nil, err
	}
	return peer, w, nil
}

// newParticipant builds a participant peer connected to addr.
func newParticipant(ctx context.Context, name, addr string, opts []replica.Option) (*replica.Peer, *world, error) {
	peer, err := replica.NewPeer(opts...)
	if err != nil {
		return nil, nil, err
	}
	w, err := newWorld(name, peer)
	if err != nil {
		peer.Close()
		return nil, nil, err
	}
	peer.OnTick(w.participantTick)
	if _, err := peer.Dial(ctx, addr); err != nil {
		peer.Close()
		return nil, nil, err
	}
	return peer, w, nil
}

func serveCmd(flags *globalFlags) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a coordinator",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := flags.options(replica.RoleCoordinator)
			if err != nil {
				return err
			}
			peer, w, err := newCoordinator("coordinator", listen, opts)
			if err != nil {
				return err
			}
			defer peer.Close()
			fmt.Printf("coordinator listening on %s\n", peer.ListenAddr())

			ctx, cancel := signalContext()
			defer cancel()
			err = peer.Run(ctx)
			w.dump()
			if err == context.Canceled {
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "127.0.0.1:7070", "address to accept participants on")
	return cmd
}

func joinCmd(flags *globalFlags) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "join",
		Short: "Run a participant connected to a coordinator",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := flags.options(replica.RoleParticipant)
			if err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()

			peer, w, err := newParticipant(ctx, "participant", addr, opts)
			if err != nil {
				return err
			}
			defer peer.Close()
			fmt.Printf("joined %s as %s\n", addr, peer.LocalActor())

			err = peer.Run(ctx)
			w.dump()
			if err == context.Canceled {
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:7070", "coordinator address")
	return cmd
}

func localCmd(flags *globalFlags) *cobra.Command {
	var (
		participants int
		duration     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "local",
		Short: "Run a coordinator and participants in one process",
		RunE: func(cmd *cobra.Command, args []string) error {
			coordOpts, err := flags.options(replica.RoleCoordinator)
			if err != nil {
				return err
			}
			coordinator, coordWorld, err := newCoordinator("coordinator", "127.0.0.1:0", coordOpts)
			if err != nil {
				return err
			}
			defer coordinator.Close()

			ctx, cancel := signalContext()
			defer cancel()
			ctx, cancelRun := context.WithTimeout(ctx, duration)
			defer cancelRun()

			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error { return coordinator.Run(ctx) })

			worlds := []*world{coordWorld}
			for i := 0; i < participants; i++ {
				// Admin servers would collide on one address.
				opts, err := flags.options(replica.RoleParticipant)
				if err != nil {
					return err
				}
				opts = append(opts, replica.WithAdminAddr(""))

				peer, w, err := newParticipant(ctx, fmt.Sprintf("participant-%d", i+1), coordinator.ListenAddr(), opts)
				if err != nil {
					cancelRun()
					_ = g.Wait()
					return err
				}
				defer peer.Close()
				worlds = append(worlds, w)
				g.Go(func() error { return peer.Run(ctx) })
			}

			err = g.Wait()
			for _, w := range worlds {
				w.dump()
			}
			if err == context.Canceled || err == context.DeadlineExceeded {
				return nil
			}
			return err
		},
	}
	cmd.Flags().IntVar(&participants, "participants", 2, "number of participants")
	cmd.Flags().DurationVar(&duration, "duration", 3*time.Second, "how long to run")
	return cmd
}
