// internal/cron/cron.go
package cron

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"repo-activity-chart/internal/apperr"
)

const (
	// concurrency bounds how many watched repositories are warmed in
	// parallel per cycle.
	concurrency = 5
)

// RepoIdentifier holds the owner and name of a repository to keep warm.
type RepoIdentifier struct {
	Owner string
	Name  string
}

// Sweeper is the subset of lock.Lock the cron drives.
type Sweeper interface {
	SweepExpired(ctx context.Context) (int, error)
}

// Cron periodically keeps a configured set of repositories' caches warm
// and reclaims expired lock rows via a ticker-driven cycle against the
// History Service facade.
type Cron struct {
	logger       *slog.Logger
	repos        []RepoIdentifier
	interval     time.Duration
	sweepEvery   time.Duration
	warmTimeline func(ctx context.Context, owner, name string) error
	sweeper      Sweeper
}

// New creates a Cron instance. warmTimeline should call
// history.Service.GetTimeline and discard the result; it is passed as a
// closure so Cron does not need to import the history package's full
// snapshot type.
func New(logger *slog.Logger, repos []string, interval time.Duration, sweeper Sweeper, warmTimeline func(ctx context.Context, owner, name string) error) (*Cron, error) {
	parsed, err := parseRepoIdentifiers(repos)
	if err != nil {
		return nil, err
	}
	return &Cron{
		logger:       logger,
		repos:        parsed,
		interval:     interval,
		sweepEvery:   interval,
		warmTimeline: warmTimeline,
		sweeper:      sweeper,
	}, nil
}

// Start begins the continuous background cycle; it returns when ctx is done.
func (c *Cron) Start(ctx context.Context) {
	c.logger.Info("Starting cron", "interval", c.interval.String(), "repos", len(c.repos))
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.runCycle(ctx)

	for {
		select {
		case <-ticker.C:
			c.runCycle(ctx)
		case <-ctx.Done():
			c.logger.Info("Cron shutting down", "reason", ctx.Err())
			return
		}
	}
}

func (c *Cron) runCycle(ctx context.Context) {
	c.logger.Info("Starting cron cycle")

	if n, err := c.sweeper.SweepExpired(ctx); err != nil {
		c.logger.Error("Failed to sweep expired locks", "error", err)
	} else if n > 0 {
		c.logger.Info("Swept expired lock rows", "count", n)
	}

	if len(c.repos) == 0 {
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	for _, repoID := range c.repos {
		repoID := repoID
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			if err := c.warmTimeline(gctx, repoID.Owner, repoID.Name); err != nil && !errors.Is(err, context.Canceled) {
				c.logger.Error("Failed to warm repository timeline", "owner", repoID.Owner, "repo", repoID.Name, "error", err)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		c.logger.Error("Cron cycle finished with an error", "error", err)
	} else {
		c.logger.Info("Cron cycle finished")
	}
}

func parseRepoIdentifiers(repos []string) ([]RepoIdentifier, error) {
	var identifiers []RepoIdentifier
	for _, r := range repos {
		parts := strings.Split(r, "/")
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return nil, &apperr.ErrInvalidRepoFormat{Repo: r}
		}
		identifiers = append(identifiers, RepoIdentifier{Owner: parts[0], Name: parts[1]})
	}
	return identifiers, nil
}
