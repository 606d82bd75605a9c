package policy

// Config holds policy engine configuration
type Config struct {
	// Enabled controls whether submissions are evaluated at all
	Enabled bool `mapstructure:"enabled"`

	// Path to a directory of .rego files. Empty uses the built-in admission
	// policy.
	Path string `mapstructure:"path"`

	// FailClosed determines behavior when policies can't be loaded or evaluated
	// true: deny the submission
	// false: admit it and log (fail-open)
	FailClosed bool `mapstructure:"fail_closed"`
}
