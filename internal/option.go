package internal

// Option is a functional option for configuring the application.
type Option func(*application)

type application struct {
	config    *Config
	vaultPath string
}

// WithConfig sets the application configuration.
func WithConfig(cfg *Config) Option {
	return func(a *application) {
		a.config = cfg
	}
}

// WithVaultPath overrides the configured vault directory.
func WithVaultPath(path string) Option {
	return func(a *application) {
		a.vaultPath = path
	}
}
