package pipeline

import "report-orchestrator/internal/models"

// Stage names a pipeline step. Toggleable stages are keyed in a profile's
// stageConfig by these names.
type Stage string

const (
	StagePlan     Stage = "plan"
	StageRetrieve Stage = "retrieve"
	StageWrite    Stage = "write"
	StageClaims   Stage = "claims"
	StagePolicy   Stage = "policy"
	StageVerify   Stage = "verify"
	StageRepair   Stage = "repair"
	StageReview   Stage = "review"
	StageScore    Stage = "score"
)

type stageFunc func(e *Executor, st *state) error

type stageSpec struct {
	stage Stage
	// toggle is false for steps that always run.
	toggle bool
	// defaultOn applies when the profile says nothing about the stage.
	defaultOn func(models.GenerationProfile) bool
	run       stageFunc
}

func on(models.GenerationProfile) bool  { return true }
func off(models.GenerationProfile) bool { return false }

// stageTable is the fixed execution order of a section.
//
//	plan      on
//	retrieve  on
//	write     on
//	verify    toggles.enableVerification
//	repair    toggles.enableRepair
//	review    toggles.enableReviewer
var stageTable = []stageSpec{
	{stage: StagePlan, toggle: true, defaultOn: on, run: (*Executor).plan},
	{stage: StageRetrieve, toggle: true, defaultOn: on, run: (*Executor).retrieve},
	{stage: StageWrite, toggle: true, defaultOn: on, run: (*Executor).write},
	{stage: StageClaims, defaultOn: on, run: (*Executor).claims},
	{stage: StagePolicy, defaultOn: on, run: (*Executor).enforce},
	{stage: StageVerify, toggle: true, defaultOn: func(p models.GenerationProfile) bool { return p.Toggles.EnableVerification }, run: (*Executor).verify},
	{stage: StageRepair, toggle: true, defaultOn: func(p models.GenerationProfile) bool { return p.Toggles.EnableRepair }, run: (*Executor).repair},
	{stage: StageReview, toggle: true, defaultOn: func(p models.GenerationProfile) bool { return p.Toggles.EnableReviewer }, run: (*Executor).review},
	{stage: StageScore, defaultOn: on, run: (*Executor).score},
}

// Enabled resolves whether a stage runs under a profile. An entry in
// stageConfig enables the stage unless it sets enabled=false.
func Enabled(profile models.GenerationProfile, stage Stage) bool {
	for _, spec := range stageTable {
		if spec.stage != stage {
			continue
		}
		if !spec.toggle {
			return true
		}
		if setting, ok := profile.StageConfig[string(stage)]; ok {
			return setting.Enabled == nil || *setting.Enabled
		}
		return spec.defaultOn(profile)
	}
	return false
}
