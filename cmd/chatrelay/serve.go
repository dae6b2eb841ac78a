package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/chatrelay/pkg/catalog"
	"github.com/go-go-golems/chatrelay/pkg/config"
	"github.com/go-go-golems/chatrelay/pkg/relay"
	"github.com/go-go-golems/chatrelay/pkg/transport/wschat"
)

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the websocket chat relay and the admin API",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadSettings()
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), s)
		},
	}
	cmd.Flags().String("addr", ":8080", "HTTP listen address")
	cmd.Flags().String("backend", "openrouter", "backend kind: openrouter or scripted")
	cmd.Flags().String("store", "sqlite", "store driver: memory, sqlite, postgres or redis")
	cobra.CheckErr(v.BindPFlag("listen_addr", cmd.Flags().Lookup("addr")))
	cobra.CheckErr(v.BindPFlag("backend.kind", cmd.Flags().Lookup("backend")))
	cobra.CheckErr(v.BindPFlag("store.driver", cmd.Flags().Lookup("store")))
	return cmd
}

// relayServer holds everything serve starts, in construction order.
type relayServer struct {
	store relay.Store
	bus   *eventBus
	hub   *wschat.Hub
	d     *relay.Dispatcher
	srv   *wschat.Server
}

func buildRelayServer(ctx context.Context, s *config.Settings) (*relayServer, error) {
	cat, err := catalog.Load(s.CatalogPath)
	if err != nil {
		return nil, err
	}
	backend, err := buildBackend(s, cat)
	if err != nil {
		return nil, err
	}
	budget, err := buildBudget(s, cat)
	if err != nil {
		return nil, err
	}
	store, err := buildStore(s)
	if err != nil {
		return nil, err
	}
	bus, err := buildEvents(ctx, s)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	hub := wschat.NewHub(wschat.HubOptions{
		WriteTimeout: s.Websocket.WriteTimeout,
		IdleTimeout:  s.Websocket.IdleTimeout,
	})
	d, err := relay.NewDispatcher(dispatcherOptions(s, cat, store, backend, hub, bus.eventSink(), budget))
	if err != nil {
		bus.close()
		_ = store.Close()
		return nil, errors.Wrap(err, "build dispatcher")
	}

	var events wschat.EventLog
	if bus.tally != nil {
		events = bus.tally
	}
	srv, err := wschat.NewServer(ctx, wschat.ServerOptions{
		Addr:       s.ListenAddr,
		AdminToken: s.AdminToken,
		ReadLimit:  s.Websocket.ReadLimit,
		Upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}, hub, wschat.NewCommands(d, hub, cat, wschat.Replies{}).WithGroups(buildGroupOptions(ctx, s)), d, events)
	if err != nil {
		bus.close()
		_ = store.Close()
		return nil, err
	}
	return &relayServer{store: store, bus: bus, hub: hub, d: d, srv: srv}, nil
}

func runServe(ctx context.Context, s *config.Settings) error {
	if ctx == nil {
		ctx = context.Background()
	}
	srvCtx, srvCancel := context.WithCancel(ctx)
	defer srvCancel()

	rs, err := buildRelayServer(srvCtx, s)
	if err != nil {
		return err
	}
	if err := rs.bus.consumer.Start(srvCtx); err != nil {
		rs.bus.close()
		_ = rs.store.Close()
		return errors.Wrap(err, "start event consumer")
	}

	eg := errgroup.Group{}
	eg.Go(func() error { return rs.d.Run(srvCtx) })

	eg.Go(func() error {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(sigChan)
		select {
		case <-sigChan:
			log.Info().Msg("received interrupt signal, shutting down gracefully...")
		case <-srvCtx.Done():
		}
		shutdownBase := context.WithoutCancel(ctx)
		shutdownCtx, cancel := context.WithTimeout(shutdownBase, shutdownTimeout)
		defer cancel()
		err := rs.srv.Shutdown(shutdownCtx)
		if err != nil {
			log.Error().Err(err).Msg("server shutdown error")
		}
		srvCancel()
		rs.srv.Wait()
		rs.bus.close()
		if cerr := rs.store.Close(); cerr != nil {
			log.Error().Err(cerr).Msg("store close error")
		}
		log.Info().Msg("server shutdown complete")
		return err
	})

	eg.Go(func() error {
		err := rs.srv.ListenAndServe()
		if err != nil {
			srvCancel()
		}
		return err
	})

	return eg.Wait()
}
