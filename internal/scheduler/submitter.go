package scheduler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/ternarybob/arbor"

	"github.com/cta-observatory/osa/internal/config"
	"github.com/cta-observatory/osa/internal/history"
	"github.com/cta-observatory/osa/internal/models"
)

const (
	batchCommand     = "sbatch"
	noDisplayBackend = "--export=ALL,MPLBACKEND=Agg"
	localShell       = "bash"
)

// Submitter renders pilot scripts and hands them to the batch scheduler.
type Submitter struct {
	cfg    *config.Config
	runner Runner
	levels *history.StateMachine
	logger arbor.ILogger
}

func NewSubmitter(cfg *config.Config, runner Runner, levels *history.StateMachine, logger arbor.ILogger) *Submitter {
	return &Submitter{cfg: cfg, runner: runner, levels: levels, logger: logger}
}

// RenderScript returns the pilot script of a sequence. The same sequence and
// configuration always render the same text.
func (s *Submitter) RenderScript(seq *models.Sequence) (string, error) {
	data := scriptData{
		Exports:  cacheExports(s.cfg),
		TestMode: s.cfg.Test,
	}
	if !s.cfg.Test {
		data.Header = sbatchHeader(s.cfg, seq, s.cfg.NightDir())
	}
	data.Command, data.Args = commandArgs(s.cfg, seq)

	var buf bytes.Buffer
	if err := scriptTemplate.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render script for %s: %w", seq.JobName, err)
	}
	return buf.String(), nil
}

// PrepareScripts writes every pilot script. Nothing is written when
// simulating. A failing sequence does not stop the others.
func (s *Submitter) PrepareScripts(seqs []*models.Sequence) error {
	var errs []error
	for _, seq := range seqs {
		content, err := s.RenderScript(seq)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if s.cfg.Simulate {
			s.logger.Debug().Str("script", seq.Script).Msg("SIMULATE writing pilot script")
			continue
		}
		if err := os.WriteFile(seq.Script, []byte(content), 0755); err != nil {
			errs = append(errs, fmt.Errorf("failed to write script %s: %w", seq.Script, err))
			continue
		}
		s.logger.Debug().Str("script", seq.Script).Msg("Pilot script written")
	}
	return errors.Join(errs...)
}

// Submit submits the sequences in order and returns the job ids obtained.
// Data jobs depend on the calibration job submitted in the same call, or on
// the calibration job the queue still holds. In-flight sequences are never
// resubmitted. Per-sequence failures are logged; only cancellation is
// returned.
func (s *Submitter) Submit(ctx context.Context, seqs []*models.Sequence) ([]string, error) {
	var jobIDs []string
	parentID := ""

	for _, seq := range seqs {
		if err := ctx.Err(); err != nil {
			return jobIDs, err
		}

		if seq.State.InFlight() {
			if seq.Kind == models.SequenceKindPedcalib && seq.JobID > 0 {
				parentID = strconv.FormatInt(seq.JobID, 10)
				s.logger.Debug().Str("sequence", seq.JobName).Str("job_id", parentID).Msg("Calibration job still queued, data jobs will wait for it")
			}
			continue
		}

		if s.levels != nil && s.levels.Finished(seq) {
			s.logger.Debug().Str("sequence", seq.JobName).Msg("Sequence already finished, not submitting")
			continue
		}

		args := []string{"--parsable", noDisplayBackend}

		switch seq.Kind {
		case models.SequenceKindPedcalib:
			if s.cfg.Simulate || s.cfg.NoCalib || s.cfg.Test {
				s.logger.Debug().Str("script", seq.Script).Msg("SIMULATE launching calibration script")
				continue
			}
			id, err := s.sbatch(ctx, seq, append(args, seq.Script))
			if err != nil {
				continue
			}
			parentID = id
			jobIDs = append(jobIDs, id)

		case models.SequenceKindData:
			if s.cfg.Simulate {
				s.logger.Debug().Str("script", seq.Script).Msg("SIMULATE launching data script")
				continue
			}
			if s.cfg.Test {
				s.logger.Info().Str("script", seq.Script).Msg("TEST running data script for the first subrun without scheduler")
				if _, err := s.runner.Run(ctx, localShell, seq.Script); err != nil {
					s.logger.Error().Err(err).Str("sequence", seq.JobName).Msg("Local run failed")
				}
				continue
			}
			if parentID != "" {
				args = append(args, "--dependency=afterok:"+parentID)
			}
			id, err := s.sbatch(ctx, seq, append(args, seq.Script))
			if err != nil {
				continue
			}
			jobIDs = append(jobIDs, id)
		}
	}

	if len(jobIDs) > 0 {
		s.logger.Info().Strs("job_ids", jobIDs).Msg("Jobs submitted to the cluster")
	}
	return jobIDs, nil
}

func (s *Submitter) sbatch(ctx context.Context, seq *models.Sequence, args []string) (string, error) {
	res, err := s.runner.Run(ctx, batchCommand, args...)
	s.logger.Debug().Str("command", res.String()).Msg("Launching script")
	if err != nil {
		s.logger.Error().Err(err).Str("sequence", seq.JobName).Msg("Submission failed")
		return "", err
	}

	id, err := ParseJobID(res.Stdout)
	if err != nil {
		s.logger.Error().Err(err).Str("sequence", seq.JobName).Str("stdout", res.Stdout).Msg("Unexpected sbatch output")
		return "", err
	}

	if n, err := strconv.ParseInt(id, 10, 64); err == nil {
		seq.JobID = n
	}
	return id, nil
}

// ParseJobID reads the job id printed by sbatch --parsable, which may be
// followed by ";<cluster>".
func ParseJobID(stdout string) (string, error) {
	fields := strings.Fields(stdout)
	if len(fields) == 0 {
		return "", errors.New("empty sbatch output")
	}
	id := strings.SplitN(fields[0], ";", 2)[0]
	if _, err := strconv.ParseInt(id, 10, 64); err != nil {
		return "", fmt.Errorf("invalid job id %q", id)
	}
	return id, nil
}
