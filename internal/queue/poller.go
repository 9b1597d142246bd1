package queue

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"golang.org/x/sync/errgroup"

	"github.com/cta-observatory/osa/internal/models"
	"github.com/cta-observatory/osa/internal/scheduler"
)

// Poller collects job records from sacct and squeue.
type Poller struct {
	runner    scheduler.Runner
	startDays int
	now       func() time.Time
	logger    arbor.ILogger
}

func NewPoller(runner scheduler.Runner, startDays int, logger arbor.ILogger) *Poller {
	return &Poller{runner: runner, startDays: startDays, now: time.Now, logger: logger}
}

// Poll queries both tools concurrently. A tool that is missing or fails
// contributes no records; only cancellation is an error.
func (p *Poller) Poll(ctx context.Context) ([]models.QueueRecord, error) {
	var accounted, queued []models.QueueRecord

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		accounted = p.query(ctx, "sacct", p.sacctArgs(), ParseSacct)
		return ctx.Err()
	})
	g.Go(func() error {
		queued = p.query(ctx, "squeue", []string{"--me", "-o", SqueueFormat}, ParseSqueue)
		return ctx.Err()
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	p.logger.Debug().
		Int("sacct", len(accounted)).
		Int("squeue", len(queued)).
		Msg("Queue records collected")
	return append(accounted, queued...), nil
}

func (p *Poller) sacctArgs() []string {
	args := []string{"-n", "--parsable2", "--delimiter=,", "--units=G"}
	if p.startDays > 0 {
		start := p.now().AddDate(0, 0, -p.startDays).Format("2006-01-02")
		args = append(args, "--starttime", start)
	}
	return append(args, "-o", strings.Join(SacctFields, ","))
}

func (p *Poller) query(ctx context.Context, tool string, args []string, parse func(io.Reader) ([]models.QueueRecord, error)) []models.QueueRecord {
	res, err := p.runner.Run(ctx, tool, args...)
	if err != nil {
		if errors.Is(err, scheduler.ErrNotInstalled) {
			p.logger.Warn().Str("tool", tool).Msg("No job info available since the command is not available")
		} else {
			p.logger.Warn().Err(err).Str("tool", tool).Msg("Queue query failed")
		}
		return nil
	}

	records, err := parse(strings.NewReader(res.Stdout))
	if err != nil {
		p.logger.Warn().Err(err).Str("tool", tool).Msg("Unreadable queue output")
		return nil
	}
	return records
}
