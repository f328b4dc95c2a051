package main

import (
	"context"
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/astromechza/automerge-replicas/pkg/change"
	"github.com/astromechza/automerge-replicas/pkg/merge/automergeengine"
	"github.com/astromechza/automerge-replicas/pkg/repo"
	"github.com/astromechza/automerge-replicas/pkg/storage"
	"github.com/astromechza/automerge-replicas/pkg/viz"
)

func (a *app) inspectCommand() *cobra.Command {
	var path string
	var svg bool
	cmd := &cobra.Command{
		Use:   "inspect <discovery-key> <document>",
		Short: "Print the stored changes of a document and optionally render them as an svg graph",
		Long:  "Reads the configured persistent storage directly; stop any replica serving the store first.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.inspect(cmd.Context(), args[0], args[1], path, svg)
		},
	}
	cmd.Flags().StringVar(&path, "path", "counter", "the top level key to label each change with")
	cmd.Flags().BoolVar(&svg, "svg", false, "render the change graph to a temp file")
	return cmd
}

func (a *app) inspect(ctx context.Context, key, id, path string, svg bool) error {
	ns := storage.Key(a.cfg.Database, key)
	adapter, err := a.storage(ctx)(ns)
	if err != nil {
		return err
	}
	engine := automergeengine.New()
	r, err := repo.Open(ctx, repo.Options{Adapter: adapter, Engine: engine, Logger: a.logger})
	if err != nil {
		return err
	}
	defer r.Close(ctx)

	doc, err := r.Materialize(ctx, id)
	if err != nil {
		return errors.Wrapf(err, "failed to load %s", id)
	}
	f, err := r.Frontier(ctx, id)
	if err != nil {
		return err
	}
	a.logger.Info("loaded doc", "contents", doc)
	a.logger.Info("loaded frontier", "frontier", f.String())

	var recs []*change.Record
	for rec, err := range r.ChangesSince(ctx, id, change.NewFrontier()) {
		if err != nil {
			return errors.Wrap(err, "failed to list changes")
		}
		a.logger.Info("change", "i", fmt.Sprintf("%4d", len(recs)), "id", rec.ID(), "deps", rec.Deps, "size", len(rec.Payload))
		recs = append(recs, rec)
	}
	if !svg {
		return nil
	}
	out, err := viz.RenderToTemp(recs, &viz.Label{Engine: engine, Path: path})
	if err != nil {
		return err
	}
	a.logger.Info("rendered", "svg", out)
	return nil
}
