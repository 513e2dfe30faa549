package triage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/secnews/internal/feed"
)

// Skip reasons reported in RunSummary.Skips.
const (
	ReasonMalformed           = "malformed_entry"
	ReasonJudgmentUnavailable = "judgment_unavailable"
	ReasonJudgmentMalformed   = "judgment_malformed"
	ReasonDispatchFailed      = "dispatch_failed"
	ReasonDuplicateTitle      = "duplicate_title"
	ReasonDuplicateTitleBatch = "duplicate_title_in_batch"
	ReasonSimilarTitle        = "similar_title"
	ReasonSimilarTitleBatch   = "similar_title_in_batch"
	reasonPolicy              = "policy"
)

// Defaults applied by NewService to zero Options fields.
const (
	DefaultWorkers         = 1
	DefaultJudgeTimeout    = 60 * time.Second
	DefaultDispatchTimeout = 30 * time.Second
	DefaultJudgeAttempts   = 3
	DefaultRetryInterval   = 2 * time.Second
	DefaultRetention       = 30 * 24 * time.Hour
	DefaultMaxRecords      = 5000
	DefaultSaveTimeout     = 30 * time.Second
)

// Options tune a Service.
type Options struct {
	Workers         int
	JudgeTimeout    time.Duration
	DispatchTimeout time.Duration
	JudgeAttempts   int
	RetryInterval   time.Duration
	Retention       time.Duration
	MaxRecords      int

	// SaveTimeout bounds each state save. Saves run detached from the run
	// context so delivered entries are still recorded after cancellation.
	SaveTimeout time.Duration

	// Checkpoint saves state after every marked entry.
	Checkpoint bool

	// DedupTitles suppresses entries whose title key matches a retained record.
	DedupTitles bool

	// SimilarTitles also suppresses entries whose title is keyword-similar
	// to a retained or earlier batch title (see feed.SimilarTitles).
	SimilarTitles bool

	// DryRun judges and dispatches but never saves state.
	DryRun bool

	Hooks ServiceHooks

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// ServiceHooks receives pipeline telemetry. Nil fields are skipped.
type ServiceHooks struct {
	OnEntry    func(outcome string)
	OnDispatch func(duration float64, failed bool)
	OnRun      func(sum *RunSummary)
}

// Skip describes an entry that was not fully processed.
type Skip struct {
	ID     string `json:"id,omitempty"`
	Title  string `json:"title"`
	Link   string `json:"link"`
	Reason string `json:"reason"`
	Error  string `json:"error,omitempty"`
}

// RunSummary is the result of one pipeline run.
type RunSummary struct {
	RunID           string        `json:"run_id"`
	Fetched         int           `json:"fetched"`
	Seen            int           `json:"seen"`
	New             int           `json:"new"`
	Malformed       int           `json:"malformed"`
	Duplicates      int           `json:"duplicates"`
	Judged          int           `json:"judged"`
	Emitted         int           `json:"emitted"`
	Held            int           `json:"held"`
	Suppressed      int           `json:"suppressed"`
	JudgeFailed     int           `json:"judge_failed"`
	DispatchFailed  int           `json:"dispatch_failed"`
	Pruned          int           `json:"pruned"`
	StateSize       int           `json:"state_size"`
	CriteriaChanged bool          `json:"criteria_changed"`
	LoadError       string        `json:"load_error,omitempty"`
	FeedError       string        `json:"feed_error,omitempty"`
	SaveError       string        `json:"save_error,omitempty"`
	Saved           bool          `json:"saved"`
	Duration        time.Duration `json:"duration"`
	Skips           []Skip        `json:"skips,omitempty"`
}

// Service runs the fetch, dedup, judge, decide, dispatch, persist pipeline.
type Service struct {
	source     feed.Source
	engine     *Engine
	store      Store
	dispatcher Dispatcher
	logger     log.Logger
	opts       Options
}

// NewService wires a pipeline. It panics on nil dependencies.
func NewService(source feed.Source, engine *Engine, store Store, dispatcher Dispatcher, logger log.Logger, opts Options) *Service {
	switch {
	case source == nil:
		panic(xerrors.New("triage.NewService: nil source"))
	case engine == nil:
		panic(xerrors.New("triage.NewService: nil engine"))
	case store == nil:
		panic(xerrors.New("triage.NewService: nil store"))
	case dispatcher == nil:
		panic(xerrors.New("triage.NewService: nil dispatcher"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.JudgeTimeout <= 0 {
		opts.JudgeTimeout = DefaultJudgeTimeout
	}
	if opts.DispatchTimeout <= 0 {
		opts.DispatchTimeout = DefaultDispatchTimeout
	}
	if opts.JudgeAttempts <= 0 {
		opts.JudgeAttempts = DefaultJudgeAttempts
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = DefaultRetryInterval
	}
	if opts.SaveTimeout <= 0 {
		opts.SaveTimeout = DefaultSaveTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Service{
		source:     source,
		engine:     engine,
		store:      store,
		dispatcher: dispatcher,
		logger:     logger,
		opts:       opts,
	}
}

// entryResult is what a worker reports back to the orchestrator.
type entryResult struct {
	entry   *feed.NormalizedEntry
	verdict *Verdict
	outcome Outcome
	reason  string
	err     error
}

// Run executes one pipeline pass. Entry level failures are isolated and
// reported in the summary. The only error returned is a failed save, after
// the summary is complete.
func (s *Service) Run(ctx context.Context, criteria Criteria) (*RunSummary, error) {
	start := s.opts.Now()
	runID := ulid.Make().String()

	ctx, span := tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.String("secnews.run.id", runID),
		attribute.String("secnews.criteria.hash", criteria.ShortHash()),
		attribute.Bool("secnews.dry_run", s.opts.DryRun),
	))
	defer span.End()

	L := s.logger.With("run_id", runID)
	ctx = log.WithContext(ctx, L)
	sum := &RunSummary{RunID: runID}

	st, err := s.store.Load(ctx)
	if err != nil {
		L.Error(ctx, err, "state load failed, continuing with empty state")
		sum.LoadError = err.Error()
	}
	if st == nil {
		st = NewState()
	}
	L.Info(ctx, "state loaded", "records", st.Len(), "revision", st.Revision)

	if st.CriteriaHash != "" && st.CriteriaHash != criteria.Hash {
		L.Info(ctx, "criteria changed",
			"old_hash", shortHash(st.CriteriaHash),
			"new_hash", criteria.ShortHash(),
		)
		sum.CriteriaChanged = true
	}
	st.CriteriaHash = criteria.Hash

	entries, err := s.source.Fetch(ctx)
	if err != nil {
		L.Warn(ctx, "feed fetch incomplete", "error", err)
		sum.FeedError = err.Error()
	}
	sum.Fetched = len(entries)

	pending := s.selectNew(ctx, L, st, entries, sum)
	s.process(ctx, L, runID, st, criteria, pending, sum)

	sum.Pruned = st.Prune(s.opts.Now(), s.opts.Retention, s.opts.MaxRecords)

	var saveErr error
	if s.opts.DryRun {
		L.Info(ctx, "dry run, state not saved")
	} else if err := s.save(ctx, st); err != nil {
		saveErr = err
		sum.SaveError = err.Error()
		L.Error(ctx, err, "state save failed")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		sum.Saved = true
	}

	sum.StateSize = st.Len()
	sum.Duration = s.opts.Now().Sub(start)

	span.SetAttributes(
		attribute.Int("secnews.run.fetched", sum.Fetched),
		attribute.Int("secnews.run.new", sum.New),
		attribute.Int("secnews.run.emitted", sum.Emitted),
		attribute.Int("secnews.run.skipped", len(sum.Skips)),
	)

	L.Info(ctx, "run complete",
		"fetched", sum.Fetched,
		"seen", sum.Seen,
		"new", sum.New,
		"duplicates", sum.Duplicates,
		"emitted", sum.Emitted,
		"held", sum.Held,
		"suppressed", sum.Suppressed,
		"judge_failed", sum.JudgeFailed,
		"dispatch_failed", sum.DispatchFailed,
		"malformed", sum.Malformed,
		"pruned", sum.Pruned,
		"state_size", sum.StateSize,
		"saved", sum.Saved,
		"duration", sum.Duration.Seconds(),
	)

	if s.opts.Hooks.OnRun != nil {
		s.opts.Hooks.OnRun(sum)
	}
	return sum, saveErr
}

// selectNew normalizes and dedups entries sequentially, marking title
// duplicates of retained records. Returns the entries that need judgment.
func (s *Service) selectNew(ctx context.Context, L log.Logger, st *State, entries []feed.Entry, sum *RunSummary) []*feed.NormalizedEntry {
	var pending []*feed.NormalizedEntry
	batchIDs := make(map[string]struct{}, len(entries))
	batchTitles := make(map[string]string, len(entries))
	var retained, batch []titledFingerprint

	for _, e := range entries {
		n, err := feed.Normalize(e)
		if err != nil {
			sum.Malformed++
			s.skip(ctx, L, sum, Skip{Title: e.Title, Link: e.Link, Reason: ReasonMalformed}, err)
			continue
		}

		if _, dup := batchIDs[n.ID]; dup || st.HasSeen(n.ID) {
			sum.Seen++
			continue
		}
		batchIDs[n.ID] = struct{}{}

		if s.opts.DedupTitles && n.TitleKey != "" {
			if orig, ok := st.HasTitle(n.TitleKey); ok {
				sum.Duplicates++
				st.MarkSeen(n.ID, Record{
					Decision:    DecisionSkip,
					ProcessedAt: s.opts.Now().UTC(),
					Title:       n.Title,
					Link:        n.Link,
					TitleKey:    n.TitleKey,
					Reason:      ReasonDuplicateTitle,
				})
				L.Info(ctx, "duplicate title suppressed", "entry_id", n.ID, "title", n.Title, "duplicate_of", orig)
				s.entryHook(ReasonDuplicateTitle)
				s.checkpoint(ctx, L, st)
				continue
			}
			if orig, ok := batchTitles[n.TitleKey]; ok {
				// The first copy may still fail judgment, so this one is only
				// deferred. Next run it matches the retained record instead.
				sum.Duplicates++
				s.skip(ctx, L, sum, Skip{ID: n.ID, Title: n.Title, Link: n.Link, Reason: ReasonDuplicateTitleBatch},
					fmt.Errorf("same title as %s", orig))
				continue
			}
			batchTitles[n.TitleKey] = n.ID
		}

		if s.opts.SimilarTitles {
			fp := feed.Fingerprint(n.Title)
			if retained == nil {
				retained = retainedFingerprints(st)
			}
			if orig, ok := similarTo(fp, retained); ok {
				sum.Duplicates++
				st.MarkSeen(n.ID, Record{
					Decision:    DecisionSkip,
					ProcessedAt: s.opts.Now().UTC(),
					Title:       n.Title,
					Link:        n.Link,
					TitleKey:    n.TitleKey,
					Reason:      ReasonSimilarTitle,
				})
				L.Info(ctx, "similar title suppressed", "entry_id", n.ID, "title", n.Title, "similar_to", orig)
				s.entryHook(ReasonSimilarTitle)
				s.checkpoint(ctx, L, st)
				continue
			}
			if orig, ok := similarTo(fp, batch); ok {
				sum.Duplicates++
				s.skip(ctx, L, sum, Skip{ID: n.ID, Title: n.Title, Link: n.Link, Reason: ReasonSimilarTitleBatch},
					fmt.Errorf("similar title to %s", orig))
				continue
			}
			batch = append(batch, titledFingerprint{id: n.ID, fp: fp})
		}

		sum.New++
		pending = append(pending, n)
	}
	return pending
}

type titledFingerprint struct {
	id string
	fp feed.TitleFingerprint
}

// retainedFingerprints fingerprints retained titles, newest first so the
// most recent match is reported.
func retainedFingerprints(st *State) []titledFingerprint {
	out := make([]titledFingerprint, 0, st.Len())
	for _, e := range st.sorted() {
		if e.Title != "" {
			out = append(out, titledFingerprint{id: e.ID, fp: feed.Fingerprint(e.Title)})
		}
	}
	return out
}

func similarTo(fp feed.TitleFingerprint, against []titledFingerprint) (string, bool) {
	for _, c := range against {
		if fp.SimilarTo(c.fp) {
			return c.id, true
		}
	}
	return "", false
}

// process fans pending entries out to a bounded worker pool and applies the
// results on the calling goroutine, which is the only writer of st.
func (s *Service) process(ctx context.Context, L log.Logger, runID string, st *State, c Criteria, pending []*feed.NormalizedEntry, sum *RunSummary) {
	if len(pending) == 0 {
		return
	}

	results := make(chan entryResult)

	go func() {
		var g errgroup.Group
		g.SetLimit(s.opts.Workers)
		for _, n := range pending {
			g.Go(func() error {
				results <- s.processEntry(ctx, runID, n, c)
				return nil
			})
		}
		_ = g.Wait()
		close(results)
	}()

	for r := range results {
		s.apply(ctx, L, st, r, sum)
	}
}

// processEntry judges, decides and, for emitted entries, dispatches. It runs
// on a worker and never touches state.
func (s *Service) processEntry(ctx context.Context, runID string, n *feed.NormalizedEntry, c Criteria) entryResult {
	ctx, span := tracer.Start(ctx, "entry.process", trace.WithAttributes(
		attribute.String("secnews.run.id", runID),
		attribute.String("secnews.entry.id", n.ID),
		attribute.String("secnews.entry.feed", n.Feed),
	))
	defer span.End()

	res := entryResult{entry: n}

	v, err := s.judge(ctx, n, c)
	if err != nil {
		res.err = err
		res.reason = ReasonJudgmentUnavailable
		if errors.Is(err, ErrJudgmentMalformed) {
			res.reason = ReasonJudgmentMalformed
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return res
	}
	res.verdict = v
	res.outcome = Decide(v)

	span.SetAttributes(
		attribute.String("secnews.decision", string(res.outcome.Decision)),
		attribute.Int("secnews.score", res.outcome.Score),
	)

	if res.outcome.Action == ActionEmit {
		msg := &Message{RunID: runID, Entry: n, Verdict: v, Decision: res.outcome.Decision}
		if err := s.dispatch(ctx, msg); err != nil {
			res.err = err
			res.reason = ReasonDispatchFailed
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}
	return res
}

// judge calls the engine with a per-attempt timeout, retrying unavailability
// with exponential backoff. Malformed answers are not retried.
func (s *Service) judge(ctx context.Context, n *feed.NormalizedEntry, c Criteria) (*Verdict, error) {
	attempt := 0
	op := func() (*Verdict, error) {
		attempt++
		jctx, cancel := context.WithTimeout(ctx, s.opts.JudgeTimeout)
		defer cancel()

		v, err := s.engine.Judge(jctx, n, c)
		if err == nil {
			return v, nil
		}
		if errors.Is(err, ErrJudgmentMalformed) {
			return nil, backoff.Permanent(err)
		}
		s.logger.Warn(ctx, "judgment attempt failed",
			"entry_id", n.ID,
			"attempt", attempt,
			"max_attempts", s.opts.JudgeAttempts,
			"error", err,
		)
		return nil, err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.opts.RetryInterval

	v, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(s.opts.JudgeAttempts)), //nolint:gosec // positive by construction
	)
	if err != nil {
		if !errors.Is(err, ErrJudgmentMalformed) && !errors.Is(err, ErrJudgmentUnavailable) {
			err = fmt.Errorf("%w: %w", ErrJudgmentUnavailable, err)
		}
		return nil, err
	}
	return v, nil
}

func (s *Service) dispatch(ctx context.Context, msg *Message) error {
	ctx, span := tracer.Start(ctx, "dispatch", trace.WithAttributes(
		attribute.String("secnews.entry.id", msg.Entry.ID),
	))
	defer span.End()

	dctx, cancel := context.WithTimeout(ctx, s.opts.DispatchTimeout)
	defer cancel()

	start := time.Now()
	err := s.dispatcher.Dispatch(dctx, msg)
	if s.opts.Hooks.OnDispatch != nil {
		s.opts.Hooks.OnDispatch(time.Since(start).Seconds(), err != nil)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("%w: %w", ErrDispatch, err)
	}
	return nil
}

// apply records a worker result in the state. Failures leave the entry
// unmarked so a later run retries it.
func (s *Service) apply(ctx context.Context, L log.Logger, st *State, r entryResult, sum *RunSummary) {
	n := r.entry
	if r.verdict != nil {
		sum.Judged++
	}

	if r.err != nil {
		switch r.reason {
		case ReasonDispatchFailed:
			sum.DispatchFailed++
		default:
			sum.JudgeFailed++
		}
		s.skip(ctx, L, sum, Skip{ID: n.ID, Title: n.Title, Link: n.Link, Reason: r.reason}, r.err)
		return
	}

	EL := L.With("entry_id", n.ID, "title", n.Title, "link", n.Link)
	o := r.outcome
	if o.Clamped {
		EL.Warn(ctx, "score out of range, clamped", "raw_score", r.verdict.Score, "score", o.Score)
	}
	if o.Disagrees {
		EL.Info(ctx, "model label disagrees with policy", "label", r.verdict.Label, "decision", o.Decision, "score", o.Score)
	}

	st.MarkSeen(n.ID, Record{
		Decision:    o.Decision,
		ProcessedAt: s.opts.Now().UTC(),
		Title:       n.Title,
		Link:        n.Link,
		TitleKey:    n.TitleKey,
		Score:       o.Score,
		Target:      r.verdict.Target,
		Rationale:   r.verdict.Rationale,
		Reason:      reasonPolicy,
	})

	switch o.Action {
	case ActionEmit:
		sum.Emitted++
	case ActionHold:
		sum.Held++
	default:
		sum.Suppressed++
	}

	EL.Info(ctx, "entry processed",
		"decision", o.Decision,
		"action", o.Action,
		"score", o.Score,
		"target", r.verdict.Target,
	)
	s.entryHook(string(o.Action))
	s.checkpoint(ctx, L, st)
}

func (s *Service) skip(ctx context.Context, L log.Logger, sum *RunSummary, sk Skip, err error) {
	if err != nil {
		sk.Error = err.Error()
	}
	sum.Skips = append(sum.Skips, sk)
	L.Warn(ctx, "entry skipped",
		"entry_id", sk.ID,
		"title", sk.Title,
		"link", sk.Link,
		"reason", sk.Reason,
		"error", sk.Error,
	)
	s.entryHook(sk.Reason)
}

func (s *Service) entryHook(outcome string) {
	if s.opts.Hooks.OnEntry != nil {
		s.opts.Hooks.OnEntry(outcome)
	}
}

func (s *Service) checkpoint(ctx context.Context, L log.Logger, st *State) {
	if !s.opts.Checkpoint || s.opts.DryRun {
		return
	}
	if err := s.save(ctx, st); err != nil {
		L.Warn(ctx, "checkpoint save failed", "error", err)
	}
}

func (s *Service) save(ctx context.Context, st *State) error {
	// a dispatched entry must be marked even when the run was canceled
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.SaveTimeout)
	defer cancel()

	st.Version = StateVersion
	st.UpdatedAt = s.opts.Now().UTC()
	if err := s.store.Save(ctx, st); err != nil {
		if errors.Is(err, ErrStateSave) {
			return err
		}
		return fmt.Errorf("%w: %w", ErrStateSave, err)
	}
	return nil
}

func shortHash(h string) string {
	return Criteria{Hash: h}.ShortHash()
}
