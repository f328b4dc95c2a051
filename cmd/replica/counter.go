package main

import (
	"context"
	"encoding/json"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/astromechza/automerge-replicas/pkg/connmgr"
	"github.com/astromechza/automerge-replicas/pkg/discovery"
	"github.com/astromechza/automerge-replicas/pkg/store"
)

func (a *app) counterCommand() *cobra.Command {
	var server string
	cmd := &cobra.Command{
		Use:   "counter <discovery-key>",
		Short: "Join a served store and increment its counter at random intervals",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.counter(server, args[0])
		},
	}
	cmd.Flags().StringVar(&server, "server", "127.0.0.1:8080", "the host:port of the replica to sync with")
	return cmd
}

// serverActor asks the server which actor id it syncs as.
func serverActor(ctx context.Context, server, key string) (string, error) {
	u := (&url.URL{Scheme: "http", Host: server}).JoinPath("stores", key, "peers")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "failed to get")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", errors.Newf("unexpected status code: %d", resp.StatusCode)
	}
	var body struct {
		Actor string `json:"actor"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", errors.Wrap(err, "failed to read body from get")
	}
	return body.Actor, nil
}

func (a *app) counter(server, key string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	peer, err := serverActor(ctx, server, key)
	if err != nil {
		return err
	}
	ident := a.identity()
	actor, err := ident.ClientID(a.cfg.Database)
	if err != nil {
		return err
	}
	m, err := store.NewManager(store.Options{
		DatabaseName:   a.cfg.Database,
		Reducer:        store.DocumentsReducer,
		Storage:        a.storage(ctx),
		Identity:       ident,
		Discovery:      discovery.Static{{ID: peer, Addr: server}},
		DialFor:        dialFor(actor),
		Policy:         connmgr.DialAlways,
		InitialBackoff: a.cfg.Sync.InitialBackoff,
		MaxBackoff:     a.cfg.Sync.MaxBackoff,
		ConnOptions:    a.connOptions,
		Logger:         a.logger,
	})
	if err != nil {
		return err
	}
	s, err := m.JoinStore(ctx, key)
	if err != nil {
		return err
	}
	defer func() {
		if err := s.Close(context.Background()); err != nil {
			a.logger.Error("failed to close store", "err", err)
		}
	}()
	a.logger.Info("joined store", "key", key, "server", peer, "actor", actor)

	wg := new(sync.WaitGroup)
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.incrementRandomlyContinuously(ctx, s)
	}()

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-exit
	a.logger.Info("Signal caught", "sig", sig)
	cancel()

	wg.Wait()

	doc, _, err := s.Document(context.Background(), store.GlobalID)
	if err != nil {
		return err
	}
	a.logger.Info("final", "doc", doc, "connections", s.ConnectionCount())
	return nil
}

// incrementRandomlyContinuously waits for the counter to arrive from the server and then bumps it every few seconds.
func (a *app) incrementRandomlyContinuously(ctx context.Context, s *store.Store) {
	increment := store.Action{Type: store.ActionIncrement, Payload: store.IncrementPayload{Doc: store.GlobalID, Key: "counter", Delta: 1}}
	for {
		t := time.NewTimer(time.Second + time.Second*time.Duration(rand.Intn(5)))
		select {
		case <-t.C:
			doc, ok, err := s.Document(ctx, store.GlobalID)
			if err != nil {
				a.logger.Error("failed to read counter", "err", err)
				continue
			}
			if _, seeded := doc["counter"]; !ok || !seeded {
				a.logger.Info("waiting for counter", "connections", s.ConnectionCount())
				continue
			}
			if err := s.Dispatch(ctx, increment); err != nil {
				a.logger.Error("failed to increment counter", "err", err)
				continue
			}
			f, _ := s.Repo().Frontier(ctx, store.GlobalID)
			doc, _, _ = s.Document(ctx, store.GlobalID)
			a.logger.Info("incremented", "frontier", f.String(), "value", doc["counter"])
		case <-ctx.Done():
			t.Stop()
			a.logger.Info("stopping scheduled increment")
			return
		}
	}
}
