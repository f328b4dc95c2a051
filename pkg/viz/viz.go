// Package viz renders the change graph of a document.
package viz

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"

	"github.com/astromechza/automerge-replicas/pkg/change"
	"github.com/astromechza/automerge-replicas/pkg/merge"
)

// Label describes the document after each change. Path selects a top level key to show; empty shows nothing.
type Label struct {
	Engine merge.Engine
	Path   string
}

func (l *Label) values(recs []*change.Record) (map[change.ID]string, error) {
	out := make(map[change.ID]string, len(recs))
	if l == nil || l.Engine == nil || l.Path == "" {
		return out, nil
	}
	state, err := l.Engine.Init()
	if err != nil {
		return nil, err
	}
	for _, rec := range recs {
		if state, err = l.Engine.Apply(state, rec); err != nil {
			return nil, errors.Wrapf(err, "failed to apply %s", rec.ID())
		}
		m, err := l.Engine.Materialize(state)
		if err != nil {
			return nil, err
		}
		encoded, err := json.Marshal(m[l.Path])
		if err != nil {
			return nil, errors.Wrapf(err, "failed to marshal %s", rec.ID())
		}
		out[rec.ID()] = string(encoded)
	}
	return out, nil
}

// RenderSVG writes the dependency graph of recs, which must be in dependency order, as svg.
func RenderSVG(recs []*change.Record, label *Label, w io.Writer) error {
	values, err := label.values(recs)
	if err != nil {
		return errors.Wrap(err, "failed to replay changes")
	}

	g := graphviz.New()
	defer g.Close()
	graph, err := g.Graph()
	if err != nil {
		return errors.Wrap(err, "failed to setup graph")
	}
	defer graph.Close()

	nodes := make(map[change.ID]*cgraph.Node, len(recs))
	edges := 0
	for _, rec := range recs {
		n, err := graph.CreateNode(rec.ID().String())
		if err != nil {
			return errors.Wrap(err, "failed to create node")
		}
		n.SetLabel(fmt.Sprintf("%s %s", rec.ID(), values[rec.ID()]))
		nodes[rec.ID()] = n

		for _, dep := range rec.Deps {
			from, ok := nodes[dep]
			if !ok {
				// compacted away or not yet received
				continue
			}
			edges++
			if _, err := graph.CreateEdge(strconv.Itoa(edges), from, n); err != nil {
				return errors.Wrap(err, "failed to create edge")
			}
		}
	}

	var buff bytes.Buffer
	if err := g.Render(graph, graphviz.SVG, &buff); err != nil {
		return errors.Wrap(err, "failed to render")
	}
	_, err = w.Write(buff.Bytes())
	return err
}

// RenderToTemp renders into a new svg file in the temp directory and returns its path.
func RenderToTemp(recs []*change.Record, label *Label) (string, error) {
	f, err := os.CreateTemp("", "changes-*.svg")
	if err != nil {
		return "", errors.Wrap(err, "failed to create output")
	}
	defer f.Close()
	if err := RenderSVG(recs, label, f); err != nil {
		return "", err
	}
	return filepath.Clean(f.Name()), nil
}
