package source

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/catalogsync/internal/model"
	"github.com/sells-group/catalogsync/internal/resilience"
	"github.com/sells-group/catalogsync/internal/store"
)

// OriginSnapshot prefixes the origin of results served from a snapshot.
const OriginSnapshot = "snapshot:"

// Step is one way of obtaining a source's data.
type Step struct {
	Name  string
	Fetch func(ctx context.Context) ([]byte, error)
	// Parse turns a raw response into records and an issue count. An error
	// means the response as a whole is unusable.
	Parse func(raw []byte) ([]Record, int, error)
}

// ChainOptions configures a Chain.
type ChainOptions struct {
	// Snapshots, when set, stores the last good response and serves it
	// after every live step has failed.
	Snapshots store.SnapshotStore
	Breakers  *resilience.Breakers
	Retry     resilience.RetryConfig
	// Timeout bounds each live step on its own, so a hung primary still
	// leaves the next step its full budget.
	Timeout time.Duration
}

// Chain tries its steps in order and falls back to the stored snapshot.
type Chain struct {
	source model.SourceName
	steps  []Step
	opts   ChainOptions
	now    func() time.Time
}

// snapshotEnvelope records which step produced a snapshot so the same
// parser can read it back.
type snapshotEnvelope struct {
	Step string `json:"step"`
	Body []byte `json:"body"`
}

// NewChain creates a fallback chain for src.
func NewChain(src model.SourceName, opts ChainOptions, steps ...Step) *Chain {
	if opts.Breakers == nil {
		opts.Breakers = resilience.NewBreakers(resilience.DefaultCircuitBreakerConfig())
	}
	return &Chain{source: src, steps: steps, opts: opts, now: time.Now}
}

// Fetch runs the chain.
func (c *Chain) Fetch(ctx context.Context) (*FetchResult, error) {
	log := zap.L().With(zap.String("component", "source"), zap.String("source", string(c.source)))

	var errs []error
	for i, st := range c.steps {
		if ctx.Err() != nil {
			return nil, eris.Wrapf(ctx.Err(), "source %s", c.source)
		}

		raw, err := c.runStep(ctx, st)
		if err != nil {
			log.Warn("source step failed", zap.String("step", st.Name), zap.Error(err))
			errs = append(errs, eris.Wrapf(err, "step %s", st.Name))
			continue
		}

		recs, issues, err := st.Parse(raw)
		if err != nil {
			log.Warn("source step unparseable", zap.String("step", st.Name), zap.Error(err))
			errs = append(errs, eris.Wrapf(err, "step %s: parse", st.Name))
			continue
		}

		c.saveSnapshot(ctx, log, st.Name, raw)
		if issues > 0 {
			log.Info("dropped malformed items", zap.String("step", st.Name), zap.Int("issues", issues))
		}
		return &FetchResult{
			Source:    c.source,
			Records:   recs,
			Issues:    issues,
			Origin:    st.Name,
			Fallback:  i > 0,
			FetchedAt: c.now().UTC(),
		}, nil
	}

	if ctx.Err() != nil {
		return nil, eris.Wrapf(ctx.Err(), "source %s", c.source)
	}
	if res, err := c.fromSnapshot(ctx); err != nil {
		errs = append(errs, err)
	} else if res != nil {
		// Serving stale data is itself an issue.
		res.Issues++
		log.Warn("serving snapshot", zap.String("origin", res.Origin), zap.Time("captured_at", res.FetchedAt))
		return res, nil
	}

	return nil, eris.Wrapf(errors.Join(errs...), "source %s: every step failed", c.source)
}

func (c *Chain) runStep(ctx context.Context, st Step) ([]byte, error) {
	if c.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.Timeout)
		defer cancel()
	}
	rc := c.opts.Retry
	rc.OnRetry = resilience.RetryLogger(string(c.source), st.Name)
	return resilience.Call(ctx, c.opts.Breakers.For(string(c.source)+"/"+st.Name), rc, st.Fetch)
}

func (c *Chain) saveSnapshot(ctx context.Context, log *zap.Logger, step string, raw []byte) {
	if c.opts.Snapshots == nil {
		return
	}
	data, err := json.Marshal(snapshotEnvelope{Step: step, Body: raw})
	if err == nil {
		err = c.opts.Snapshots.SaveSnapshot(ctx, &model.SourceSnapshot{
			Source:    c.source,
			Data:      data,
			FetchedAt: c.now().UTC(),
		})
	}
	if err != nil {
		log.Warn("snapshot save failed", zap.Error(err))
	}
}

func (c *Chain) fromSnapshot(ctx context.Context) (*FetchResult, error) {
	if c.opts.Snapshots == nil {
		return nil, nil
	}
	snap, err := c.opts.Snapshots.GetSnapshot(ctx, c.source)
	if err != nil {
		return nil, eris.Wrap(err, "snapshot")
	}
	if snap == nil {
		return nil, eris.New("snapshot: none stored")
	}

	var env snapshotEnvelope
	if err := json.Unmarshal(snap.Data, &env); err != nil {
		return nil, eris.Wrap(err, "snapshot: decode")
	}
	for _, st := range c.steps {
		if st.Name != env.Step {
			continue
		}
		recs, issues, err := st.Parse(env.Body)
		if err != nil {
			return nil, eris.Wrap(err, "snapshot: parse")
		}
		return &FetchResult{
			Source:    c.source,
			Records:   recs,
			Issues:    issues,
			Origin:    OriginSnapshot + env.Step,
			Fallback:  true,
			FetchedAt: snap.FetchedAt,
		}, nil
	}
	return nil, eris.Errorf("snapshot: unknown step %q", env.Step)
}
