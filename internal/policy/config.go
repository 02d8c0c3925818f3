package policy

// Mode defines the policy engine operating mode
type Mode string

const (
	// ModeOff disables policy evaluation entirely
	ModeOff Mode = "off"
	// ModeDryRun evaluates policies but never denies (log only)
	ModeDryRun Mode = "dry-run"
	// ModeEnforce evaluates and enforces policies
	ModeEnforce Mode = "enforce"
)

// DefaultQuery is the rego rule that yields the admission decision
const DefaultQuery = "data.decisionflow.intake.decision"

// Config holds policy engine configuration
type Config struct {
	Enabled bool
	Mode    Mode
	// Path is the directory holding the .rego files
	Path string
	// FailClosed denies questions when policies cannot be loaded or evaluated
	FailClosed bool
	// Query overrides DefaultQuery
	Query string
}

func (c *Config) query() string {
	if c.Query == "" {
		return DefaultQuery
	}
	return c.Query
}

// ParseMode maps a config string onto a Mode, defaulting to enforce
func ParseMode(s string) Mode {
	switch Mode(s) {
	case ModeOff, ModeDryRun:
		return Mode(s)
	default:
		return ModeEnforce
	}
}
