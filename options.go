package livepatch

import "github.com/rs/zerolog"

// Option configures Attach.
type Option func(*config)

type config struct {
	log       zerolog.Logger
	profile   *BuildProfile
	catalog   *Catalog
	installer Installer
}

func defaultConfig() config {
	return config{
		log: zerolog.Nop(),
	}
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(log zerolog.Logger) Option {
	return func(c *config) {
		c.log = log
	}
}

// WithProfile supplies the build profile, skipping version detection.
func WithProfile(p *BuildProfile) Option {
	return func(c *config) {
		c.profile = p
	}
}

// WithCatalog replaces the built-in catalog used for version detection.
func WithCatalog(cat *Catalog) Option {
	return func(c *config) {
		c.catalog = cat
	}
}

// WithInstaller replaces the installer used to create hooks.
func WithInstaller(i Installer) Option {
	return func(c *config) {
		c.installer = i
	}
}
