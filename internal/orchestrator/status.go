package orchestrator

import (
	"path/filepath"

	"github.com/cta-observatory/osa/internal/models"
)

// Completion counts the files produced per data level and expresses them as
// a percentage of the run's subruns.
func Completion(nightDir string, seq *models.Sequence) models.Completion {
	run := seq.Run.RunString()
	dl1Dir := filepath.Join(nightDir, seq.ProdIDs.DL1)
	dl2Dir := filepath.Join(nightDir, seq.ProdIDs.DL2)

	return models.Completion{
		DL1:       percent(count(nightDir, "dl1_LST-1*"+run+"*.h5"), seq.Subruns()),
		Muons:     percent(count(nightDir, "muons_LST-1*"+run+"*.fits"), seq.Subruns()),
		DL1ab:     percent(count(dl1Dir, "dl1_LST-1*"+run+"*.h5"), seq.Subruns()),
		Datacheck: percent(count(dl1Dir, "datacheck_dl1_LST-1*"+run+"*.h5"), seq.Subruns()),
		DL2:       percent(count(dl2Dir, "dl2_LST-1*"+run+"*.h5"), seq.Subruns()),
	}
}

func count(dir, pattern string) int {
	matches, err := filepath.Glob(filepath.Join(dir, pattern))
	if err != nil {
		return 0
	}
	return len(matches)
}

func percent(n, total int) int {
	if total <= 0 {
		return 0
	}
	return n * 100 / total
}

// updateCompletion fills the completion of every data sequence.
func updateCompletion(nightDir string, seqs []*models.Sequence) {
	for _, seq := range seqs {
		if p, ok := seq.Payload.(*models.DataPayload); ok {
			p.Completion = Completion(nightDir, seq)
		}
	}
}
