package main

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/secnews/internal/authmw"
	"github.com/linnemanlabs/secnews/internal/postgres"
	"github.com/linnemanlabs/secnews/internal/reviewapi"
)

// mountReviewAPI registers the review routes behind bearer auth.
func mountReviewAPI(r chi.Router, L log.Logger, store reviewapi.StateLoader, token string) {
	api := reviewapi.New(L, store)
	r.Group(func(r chi.Router) {
		r.Use(authmw.BearerToken(token))
		r.Use(queryStats)
		api.RegisterRoutes(r)
	})
}

// queryStats attaches a per-request QueryStats and logs the totals for
// requests that touched the database.
func queryStats(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, stats := postgres.WithQueryStats(r.Context())
		next.ServeHTTP(w, r.WithContext(ctx))
		if n, total, failed := stats.Snapshot(); n > 0 {
			log.FromContext(ctx).Info(ctx, "request db usage",
				"queries", n,
				"query_seconds", total.Seconds(),
				"query_errors", failed,
			)
		}
	})
}

type shutdownStep struct {
	name string
	stop func(context.Context) error
}

// stopComponents stops each component in order, giving each an equal slice
// of budget. Failures are logged and do not stop the sequence.
func stopComponents(L log.Logger, budget time.Duration, steps []shutdownStep) {
	if len(steps) == 0 {
		return
	}
	perComponent := budget / time.Duration(len(steps))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()

	for _, c := range steps {
		cctx, ccancel := context.WithTimeout(shutdownCtx, perComponent)
		if err := c.stop(cctx); err != nil {
			L.Error(context.Background(), err, c.name+" shutdown")
		}
		ccancel()
	}
}
