package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/automerge/automerge-go"
	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/astromechza/automerge-replicas/pkg/httpapi"
	"github.com/astromechza/automerge-replicas/pkg/merge"
	"github.com/astromechza/automerge-replicas/pkg/merge/automergeengine"
	"github.com/astromechza/automerge-replicas/pkg/store"
)

func (a *app) serveCommand() *cobra.Command {
	var join bool
	cmd := &cobra.Command{
		Use:   "serve [discovery-key...]",
		Short: "Serve stores over http and keep them in sync with discovered peers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.serve(args, join)
		},
	}
	cmd.Flags().BoolVar(&join, "join", false, "join stores instead of creating them with a zero counter")
	return cmd
}

func (a *app) serve(keys []string, join bool) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ident := a.identity()
	actor, err := ident.ClientID(a.cfg.Database)
	if err != nil {
		return err
	}
	disco, closeDiscovery, err := a.discovery(actor)
	if err != nil {
		return err
	}
	defer closeDiscovery()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m, err := store.NewManager(store.Options{
		DatabaseName:       a.cfg.Database,
		Reducer:            store.DocumentsReducer,
		InitialState:       store.State{store.GlobalID: {"counter": int64(0)}},
		Seed:               counters,
		Storage:            a.storage(ctx),
		Identity:           ident,
		Discovery:          disco,
		DialFor:            dialFor(actor),
		Policy:             a.policy(),
		InitialBackoff:     a.cfg.Sync.InitialBackoff,
		MaxBackoff:         a.cfg.Sync.MaxBackoff,
		SnapshotThreshold:  a.cfg.Sync.SnapshotThreshold,
		CompactionInterval: a.cfg.Sync.CompactionInterval,
		ConnOptions:        a.connOptions,
		Logger:             a.logger,
		Registerer:         reg,
	})
	if err != nil {
		return err
	}
	open := m.CreateStore
	if join {
		open = m.JoinStore
	}
	api, err := httpapi.New(httpapi.Options{
		Open:     open,
		Engine:   automergeengine.New(),
		Gatherer: reg,
		Logger:   a.logger,
	})
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer closeCancel()
		if err := api.Close(closeCtx); err != nil {
			a.logger.Error("failed to close stores", "err", err)
		}
	}()

	if len(keys) == 0 {
		if keys, err = m.KnownDiscoveryKeys(); err != nil {
			return err
		}
	}
	for _, key := range keys {
		if _, err := api.Store(ctx, key); err != nil {
			return err
		}
	}

	wg := new(sync.WaitGroup)
	httpServer := &http.Server{Addr: a.cfg.Listen, Handler: api.Handler()}
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("server listen failed", "err", err)
		}
	}()
	a.logger.Info("serving", "addr", a.cfg.Listen, "actor", actor, "stores", keys)

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-exit
	a.logger.Info("Signal caught", "sig", sig)
	cancel()
	_ = httpServer.Close()

	wg.Wait()
	return nil
}

// counters seeds integers as counters so that concurrent increments add up.
func counters(values map[string]any) merge.Mutator {
	return func(s merge.State) error {
		out := make(map[string]any, len(values))
		for k, v := range values {
			if n, ok := v.(int64); ok {
				v = automerge.NewCounter(n)
			}
			out[k] = v
		}
		return automergeengine.Set(out)(s)
	}
}
