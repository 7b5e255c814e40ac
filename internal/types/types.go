// Package types holds the data model shared across the orchestrator so that
// leaf packages (router, invoker, planner, ...) can depend on plain structs
// instead of on each other, the way the teacher's internal/types package
// breaks cycles between core, session and world.
package types

import (
	"time"

	"github.com/google/uuid"
)

// FileRecord is the in-memory representation of one workspace file.
// map[string]FileRecord (keyed by POSIX-normalized relative path) is the
// canonical shape for a file set everywhere in this codebase; conversion
// to/from "### FILENAME:" blobs happens only at the Project I/O boundary.
type FileRecord struct {
	Path      string
	Content   string
	Extension string
	IsSummary bool
}

// FileSet is the canonical in-memory shape of a project's files.
type FileSet map[string]FileRecord

// Clone returns a deep copy so callers can mutate without aliasing.
func (fs FileSet) Clone() FileSet {
	out := make(FileSet, len(fs))
	for k, v := range fs {
		out[k] = v
	}
	return out
}

// AppType enumerates the tech_blueprint's app_type field.
type AppType string

const (
	AppTypeWeb     AppType = "web"
	AppTypeDesktop AppType = "desktop"
	AppTypeCLI     AppType = "cli"
)

// TechBlueprint is the bag of configuration options describing the target
// project, per spec.md §6 "tech_blueprint recognized fields".
type TechBlueprint struct {
	Language           string
	ProjectType        string
	Framework          string
	AppType            AppType
	RequiresServer     bool
	ServerPort         int
	ServerStartupMS    int
	InstallCommand     string
	RunCommand         string
	SourceTemplate     string
	PinnedVersions     map[string]string
}

// TierEscalation is the SDK-style model-tier hint set by ping-pong detection.
type TierEscalation string

const (
	TierNone       TierEscalation = "none"
	TierCoder      TierEscalation = "coder"
	TierResearcher TierEscalation = "researcher"
)

// FailedAttempt records one (model, iteration, feedback-snippet) tuple.
type FailedAttempt struct {
	Model     string
	Iteration int
	Snippet   string
	At        time.Time
}

// IterationRecord is one entry of the per-run iteration_history.
type IterationRecord struct {
	IterationID      string
	Iteration        int
	FilesMentioned   []string
	FilesAutoPatched []string
	Verdict          string
}

// IterationState lives for one run; the Iteration Controller (C12)
// exclusively owns it (spec.md §3 "Ownership").
type IterationState struct {
	// RunID uniquely identifies this run for event-bus correlation and
	// session logging; generated once in NewIterationState.
	RunID                 string
	UserGoal              string
	TechBlueprint         TechBlueprint
	CurrentIteration      int
	MaxRetries            int
	ModelAttempt          int
	ModelsUsed            []string
	FailedAttemptsHistory []FailedAttempt
	IterationHistory      []IterationRecord
	UTDSProtectedFiles    map[string]bool
	UTDSModifiedFiles     map[string]bool
	FeedbackSignatureLast string
	StagnationCounter     int
	EmptyPageCounter      int
	SDKTierEscalation     TierEscalation
	PingPongCounts        map[string]int
	// TruncationRecoveryAttempts counts post-write truncation detections
	// across the run, per spec.md §4.12 step 6.
	TruncationRecoveryAttempts int
	// PingPongOverrideUsed guards the one-time sandbox_failed suppression
	// of spec.md §4.12 step 12 / §8 scenario 2 so it fires at most once
	// per run.
	PingPongOverrideUsed bool
}

// NewIterationState creates a zeroed run state for a fresh run, stamped
// with a fresh RunID for event-bus and log correlation.
func NewIterationState(goal string, bp TechBlueprint, maxRetries int) *IterationState {
	return &IterationState{
		RunID:              uuid.NewString(),
		UserGoal:           goal,
		TechBlueprint:      bp,
		MaxRetries:         maxRetries,
		UTDSProtectedFiles: map[string]bool{},
		UTDSModifiedFiles:  map[string]bool{},
		SDKTierEscalation:  TierNone,
		PingPongCounts:     map[string]int{},
	}
}

// Role identifies one of the LLM-backed agent roles.
type Role string

const (
	RoleCoder      Role = "coder"
	RoleReviewer   Role = "reviewer"
	RoleSecurity   Role = "security"
	RoleTester     Role = "tester"
	RoleResearcher Role = "researcher"
)

// ValidationAction is the Orchestrator Validator's (C11) recommendation.
type ValidationAction string

const (
	ActionProceed     ValidationAction = "PROCEED"
	ActionFix         ValidationAction = "FIX"
	ActionModelSwitch ValidationAction = "MODEL_SWITCH"
	ActionEscalate    ValidationAction = "ESCALATE"
)

// ValidationDecision mirrors the ValidationDecision event payload
// (spec.md §6 Event Bus Schema).
type ValidationDecision struct {
	Action              ValidationAction
	Target              Role
	ModelSwitch         bool
	RootCause           string
	ErrorHash           string
}
