package config

// Overrides carries command-line settings that take priority over the
// config file. Zero values leave the file's setting alone.
type Overrides struct {
	Debug         bool
	LogFile       string
	DataRoots     []string
	CatalogPath   string
	LoaderWorkers int
	VisibleRadius int
}

// ApplyOverrides applies CLI overrides to the config.
func (c *Config) ApplyOverrides(o Overrides) {
	if o.Debug {
		c.Logging.Level = "debug"
	}
	if o.LogFile != "" {
		c.Logging.LogFile = o.LogFile
	}
	if len(o.DataRoots) > 0 {
		c.Data.Roots = append([]string(nil), o.DataRoots...)
	}
	if o.CatalogPath != "" {
		c.Catalog.Path = o.CatalogPath
	}
	if o.LoaderWorkers > 0 {
		c.Streaming.LoaderWorkers = o.LoaderWorkers
	}
	if o.VisibleRadius > 0 {
		c.Streaming.VisibleRadius = o.VisibleRadius
	}
}
