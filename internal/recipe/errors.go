package recipe

import "errors"

// Sentinel errors for recipe validation.
var (
	// ErrUnknownKey indicates the recipe file has a key no stage option uses.
	ErrUnknownKey = errors.New("unknown recipe key")
	// ErrNoStages indicates the recipe defines no stages.
	ErrNoStages = errors.New("recipe has no stages")
	// ErrMissingField indicates a required field (e.g. name, task) is empty.
	ErrMissingField = errors.New("required field missing")
	// ErrDuplicateStage indicates two stages share a name.
	ErrDuplicateStage = errors.New("duplicate stage name")
	// ErrUnknownTask indicates a stage names a task kind that is not registered.
	ErrUnknownTask = errors.New("unknown task kind")
	// ErrUnknownArg indicates a stage passes an argument its task does not declare.
	ErrUnknownArg = errors.New("unknown task argument")
	// ErrInvalidPolicy indicates an unrecognized on_failure value.
	ErrInvalidPolicy = errors.New("invalid failure policy")
	// ErrDuplicateDataset indicates a stage lists the same dataset twice.
	ErrDuplicateDataset = errors.New("duplicate dataset")
)

// ValidationCategory classifies a validation error for programmatic handling.
type ValidationCategory string

const (
	ValCatNoStages        ValidationCategory = "no_stages"
	ValCatMissingField    ValidationCategory = "missing_field"
	ValCatDuplicateStage  ValidationCategory = "duplicate_stage"
	ValCatDuplicateData   ValidationCategory = "duplicate_dataset"
	ValCatUnknownTask     ValidationCategory = "unknown_task"
	ValCatUnknownArg      ValidationCategory = "unknown_arg"
	ValCatInvalidPolicy   ValidationCategory = "invalid_policy"
	ValCatBoundsViolation ValidationCategory = "bounds_violation"
)

// ValidationError records a validation problem with its stage and field.
type ValidationError struct {
	Category   ValidationCategory
	Stage      string
	SourceFile string
	Field      string
	Err        error
}

// Error returns a human-readable string including source file and stage context.
func (e *ValidationError) Error() string {
	prefix := e.SourceFile
	if prefix == "" {
		prefix = "recipe"
	}
	if e.Stage != "" {
		return prefix + ": stage " + e.Stage + ": " + e.Err.Error()
	}
	return prefix + ": " + e.Err.Error()
}

// Unwrap returns the underlying error for use with errors.Is/As.
func (e *ValidationError) Unwrap() error {
	return e.Err
}
