package query

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/adalundhe/trackcache/core/concurrency"
	"github.com/adalundhe/trackcache/core/spatial"
	"github.com/adalundhe/trackcache/core/view"
)

// Session is one caller's incremental view of the index. Its engine has a
// coordinator of its own; callers always take the index share first.
//
// An index update the engine cannot apply is kept in err and returned by the
// next call that reads or moves the view; the engine is re-evaluated from
// scratch after it.
type Session struct {
	id      string
	surface *Surface
	coord   *concurrency.Coordinator
	engine  *view.Engine
	logger  *slog.Logger
	err     error
}

// VisibleCell is a cell shown by a session.
type VisibleCell struct {
	PanelID int32
	Depth   int
	Rect    spatial.Rect
	Overlap spatial.TimeRange
}

// Snapshot is a consistent copy of what a session shows.
type Snapshot struct {
	Box   *view.StBox
	Clean bool
	Cells []VisibleCell
	Lines []view.ViewLine
}

// OpenSession starts a session looking at box. The session converges through
// Step calls.
func (s *Surface) OpenSession(box *view.StBox) *Session {
	id := uuid.NewString()
	logger := s.logger.With(slog.String("session", id))
	sess := &Session{
		id:      id,
		surface: s,
		coord:   concurrency.NewCoordinator(),
		engine:  view.NewEngine(s.ix, box, logger),
		logger:  logger,
	}
	s.sessions.Store(id, sess)
	logger.Debug("view session opened", slog.String("box", box.String()))
	return sess
}

// Session returns the open session with id.
func (s *Surface) Session(id string) (*Session, error) {
	sess, ok := s.sessions.Load(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return sess, nil
}

// CloseSession ends a session. Closing an unknown session is not an error.
func (s *Surface) CloseSession(id string) {
	if sess, ok := s.sessions.LoadAndDelete(id); ok {
		sess.logger.Debug("view session closed")
	}
}

// Sessions returns the number of open sessions.
func (s *Surface) Sessions() int { return s.sessions.Size() }

// ID returns the session id.
func (sess *Session) ID() string { return sess.id }

// update runs fn with an index share and the session's write lock. A pending
// update error is returned instead, once.
func (sess *Session) update(ctx context.Context, fn func(e *view.Engine) error) error {
	return sess.surface.coord.Read(ctx, func() error {
		return sess.coord.Write(ctx, func() error {
			if err := sess.err; err != nil {
				sess.err = nil
				return err
			}
			return fn(sess.engine)
		})
	})
}

// Err returns the pending update error without clearing it.
func (sess *Session) Err() error {
	var err error
	_ = sess.coord.Read(context.Background(), func() error {
		err = sess.err
		return nil
	})
	return err
}

// SetBox moves the session to a new box.
func (sess *Session) SetBox(ctx context.Context, box *view.StBox) error {
	return sess.update(ctx, func(e *view.Engine) error { return e.SetBox(box) })
}

// Step evaluates up to budget dirty nodes and reports whether work remains.
func (sess *Session) Step(ctx context.Context, budget int) (view.StepResult, error) {
	var res view.StepResult
	err := sess.update(ctx, func(e *view.Engine) error {
		for i := 0; i < max(budget, 1); i++ {
			step, err := e.CalcViewableNodes()
			if err != nil {
				return err
			}
			res.LinesChanged = res.LinesChanged || step.LinesChanged
			res.MoreWork = step.MoreWork
			if !step.MoreWork {
				break
			}
		}
		return nil
	})
	return res, err
}

// Converge steps the session until its tree is clean, yielding both locks
// between steps of budget nodes.
func (sess *Session) Converge(ctx context.Context, budget int) error {
	for {
		res, err := sess.Step(ctx, budget)
		if err != nil {
			return err
		}
		if !res.MoreWork {
			return nil
		}
	}
}

// Snapshot copies the visible cells and, once the tree is clean, the lines
// between them.
func (sess *Session) Snapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	err := sess.update(ctx, func(e *view.Engine) error {
		snap.Box = e.Box()
		snap.Clean = e.Clean()
		for _, n := range e.VisibleCells() {
			p, err := sess.surface.ix.Panel(n.PanelID)
			if err != nil {
				return err
			}
			snap.Cells = append(snap.Cells, VisibleCell{PanelID: n.PanelID, Depth: n.Depth, Rect: p.Rect(), Overlap: n.Overlap()})
		}
		if !snap.Clean {
			return nil
		}
		if !e.LinesDirty() {
			snap.Lines = e.Lines()
			return nil
		}
		lines, err := e.CalcLines(ctx)
		snap.Lines = lines
		return err
	})
	return snap, err
}

func (sess *Session) pointAdded(p spatial.Point, path spatial.Path) {
	err := sess.coord.Write(context.Background(), func() error {
		if err := sess.engine.Notify(p, path); err != nil {
			sess.engine = view.NewEngine(sess.surface.ix, sess.engine.Box(), sess.logger)
			sess.record(fmt.Errorf("%w: point at %d: %w", ErrSessionStale, p.Time, err))
		}
		return nil
	})
	if err != nil {
		sess.logger.Error("view update skipped", slog.String("error", err.Error()))
	}
}

func (sess *Session) reset() {
	err := sess.coord.Write(context.Background(), func() error {
		sess.engine = view.NewEngine(sess.surface.ix, sess.engine.Box(), sess.logger)
		return nil
	})
	if err != nil {
		sess.logger.Error("view reset skipped", slog.String("error", err.Error()))
	}
}

// record keeps err for the next caller; the first error wins. The caller
// holds the session write lock.
func (sess *Session) record(err error) {
	sess.logger.Error("view patch failed", slog.String("error", err.Error()))
	if sess.err == nil {
		sess.err = err
	}
}
