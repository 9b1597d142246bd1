package scheduler

import (
	"fmt"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/cta-observatory/osa/internal/config"
	"github.com/cta-observatory/osa/internal/models"
)

const (
	calibrationCommand = "calibration_pipeline"
	dataCommand        = "datasequence"
)

var scriptTemplate = template.Must(template.New("pilot").Parse(`#!/bin/bash
{{- if .Header}}
{{range .Header}}
#SBATCH {{.}}
{{- end}}
{{- end}}

set -o pipefail
{{range .Exports}}
export {{.}}
{{- end}}
{{if .TestMode}}SUBRUN=0{{else}}SUBRUN=${SLURM_ARRAY_TASK_ID:-0}{{end}}

NUMBA_CACHE_DIR=$(mktemp -d)
export NUMBA_CACHE_DIR
trap 'rm -rf "$NUMBA_CACHE_DIR"' EXIT

{{.Command}}
{{- range .Args}} \
    {{.}}
{{- end}}
`))

type scriptData struct {
	Header   []string
	Exports  []string
	TestMode bool
	Command  string
	Args     []string
}

// sbatchHeader lists the #SBATCH options of a sequence, without the prefix.
func sbatchHeader(cfg *config.Config, seq *models.Sequence, nightDir string) []string {
	run := seq.Run.RunString()
	header := []string{
		"--job-name=" + seq.JobName,
		"--time=" + cfg.Slurm.Walltime,
		"--chdir=" + nightDir,
	}

	// %a and %A only exist for array jobs.
	partition, mem := cfg.Slurm.PartitionPedcalib, cfg.Slurm.MemsizePedcalib
	if seq.Kind == models.SequenceKindData && seq.Subruns() > 0 {
		header = append(header,
			fmt.Sprintf("--output=log/Run%s.%%4a_jobid_%%A.out", run),
			fmt.Sprintf("--error=log/Run%s.%%4a_jobid_%%A.err", run),
			fmt.Sprintf("--array=0-%d", seq.Subruns()-1),
		)
	} else {
		header = append(header,
			fmt.Sprintf("--output=log/Run%s_jobid_%%j.out", run),
			fmt.Sprintf("--error=log/Run%s_jobid_%%j.err", run),
		)
	}
	if seq.Kind == models.SequenceKindData {
		partition, mem = cfg.Slurm.PartitionData, cfg.Slurm.MemsizeData
	}

	header = append(header, "--partition="+partition, "--mem-per-cpu="+mem)
	if cfg.Slurm.Account != "" {
		header = append(header, "--account="+cfg.Slurm.Account)
	}
	return header
}

func cacheExports(cfg *config.Config) []string {
	var exports []string
	if cfg.Cache.CtapipeCache != "" {
		exports = append(exports, "CTAPIPE_CACHE="+shellQuote(cfg.Cache.CtapipeCache))
	}
	if cfg.Cache.CtapipeSvcPath != "" {
		exports = append(exports, "CTAPIPE_SVC_PATH="+shellQuote(cfg.Cache.CtapipeSvcPath))
	}
	if cfg.Cache.MPLConfigDir != "" {
		exports = append(exports, "MPLCONFIGDIR="+shellQuote(cfg.Cache.MPLConfigDir))
	}
	return exports
}

func commandArgs(cfg *config.Config, seq *models.Sequence) (string, []string) {
	command := calibrationCommand
	if seq.Kind == models.SequenceKindData {
		command = dataCommand
	}

	var args []string
	if cfg.Verbose {
		args = append(args, "-v")
	}
	if cfg.Simulate {
		args = append(args, "-s")
	}
	if cfg.ConfigFile != "" {
		path, err := filepath.Abs(cfg.ConfigFile)
		if err != nil {
			path = cfg.ConfigFile
		}
		args = append(args, "--config="+shellQuote(path))
	}

	drs4, pedcal := seq.CalibrationRuns()
	args = append(args,
		"--date="+config.DateToISO(cfg.Date),
		"--prod-id="+shellQuote(cfg.ProdID),
		"--drs4-pedestal-run="+models.PadRun(drs4),
		"--pedcal-run="+models.PadRun(pedcal),
	)

	if seq.Kind == models.SequenceKindData {
		if cfg.NoDL2 {
			args = append(args, "--no-dl2")
		}
		args = append(args, seq.Run.RunString()+`.$(printf %04d "$SUBRUN")`)
	}

	args = append(args, seq.Telescope)
	return command, args
}

func shellQuote(s string) string {
	if s != "" && !strings.ContainsAny(s, " \t\n'\"\\$`;&|<>()*?[]{}!#~") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
