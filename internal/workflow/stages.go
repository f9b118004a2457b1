// Package workflow runs a research job as an ordered list of weighted
// stages and keeps the registry of jobs currently running.
package workflow

import "math"

type Stage string

const (
	StageInitializing       Stage = "initializing"
	StagePlanning           Stage = "planning"
	StageSearching          Stage = "searching"
	StageAnalyzingDocuments Stage = "analyzing_documents"
	StageSynthesizing       Stage = "synthesizing"
	StageGeneratingReport   Stage = "generating_report"

	StageCompleted Stage = "completed"
	StageFailed    Stage = "failed"
	StageCancelled Stage = "cancelled"
)

// Terminal reports whether s ends a run.
func (s Stage) Terminal() bool {
	return s == StageCompleted || s == StageFailed || s == StageCancelled
}

type stageWeight struct {
	stage   Stage
	weight  int
	message string
}

// stages is the fixed execution order. Weights sum to 100.
var stages = []stageWeight{
	{StageInitializing, 5, "Initializing research"},
	{StagePlanning, 10, "Planning research strategy"},
	{StageSearching, 30, "Searching and gathering sources"},
	{StageAnalyzingDocuments, 20, "Analyzing documents"},
	{StageSynthesizing, 20, "Synthesizing findings"},
	{StageGeneratingReport, 15, "Generating report"},
}

// Stages returns the execution order.
func Stages() []Stage {
	out := make([]Stage, len(stages))
	for i, s := range stages {
		out[i] = s.stage
	}
	return out
}

// Progress is the percentage reached when stage starts: the weights of every
// earlier stage. Terminal stages report 100; unknown stages report 0.
func Progress(stage Stage) int {
	if stage.Terminal() {
		return 100
	}
	total := 0
	for _, s := range stages {
		total += s.weight
	}
	sum := 0
	for _, s := range stages {
		if s.stage == stage {
			return int(math.Round(float64(sum) * 100 / float64(total)))
		}
		sum += s.weight
	}
	return 0
}

func stageMessage(stage Stage) string {
	for _, s := range stages {
		if s.stage == stage {
			return s.message
		}
	}
	return string(stage)
}
