package orchestrator

import (
	"context"
	"errors"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/paulschiretz/pgl-serverbackup/pkg/plog"
)

// Gate votes on whether a run may start.
type Gate interface {
	Name() string
	Vote(ctx context.Context) (bool, error)
}

// ActivityGate votes yes while a marker file written by the host is fresh.
// The host touches the file whenever players are online; a missing or stale
// marker means nobody played since MaxAge.
type ActivityGate struct {
	Path   string
	MaxAge time.Duration

	now func() time.Time
}

func (g *ActivityGate) Name() string { return "players-online" }

func (g *ActivityGate) Vote(ctx context.Context) (bool, error) {
	info, err := os.Stat(g.Path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	now := time.Now
	if g.now != nil {
		now = g.now
	}
	return now().Sub(info.ModTime()) <= g.MaxAge, nil
}

var errVetoed = errors.New("gate vetoed the run")

type vote struct {
	ok  bool
	err error
}

// castVote runs g.Vote but gives up once ctx is done, even if the gate does
// not watch ctx itself.
func castVote(ctx context.Context, g Gate) (bool, error) {
	ch := make(chan vote, 1)
	go func() {
		ok, err := g.Vote(ctx)
		ch <- vote{ok, err}
	}()
	select {
	case v := <-ch:
		return v.ok, v.err
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// gatesPass asks every gate at once, each bounded by timeout. A no vote
// stops the run and cancels the gates still deciding. A failing or timed out
// gate is logged and counts as no objection.
func gatesPass(ctx context.Context, gates []Gate, timeout time.Duration) bool {
	g, gctx := errgroup.WithContext(ctx)
	for _, gate := range gates {
		g.Go(func() error {
			vctx, cancel := context.WithTimeout(gctx, timeout)
			defer cancel()
			ok, err := castVote(vctx, gate)
			if err != nil {
				if gctx.Err() == nil {
					plog.Warn("Gate failed, ignoring", "gate", gate.Name(), "error", err)
				}
				return nil
			}
			if !ok {
				plog.Info("Backup skipped", "gate", gate.Name())
				return errVetoed
			}
			return nil
		})
	}
	return g.Wait() == nil
}
