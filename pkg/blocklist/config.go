package blocklist

// Config is the source of truth for what should be blocked. Mutators keep
// DisabledDefault a subset of Default and DisabledCustom a subset of Custom.
type Config struct {
	StudyModeActive bool
	Default         *HostSet
	DisabledDefault *HostSet
	Custom          *HostSet
	DisabledCustom  *HostSet
}

// NewConfig returns the first-install configuration for the given defaults.
func NewConfig(defaults []string) *Config {
	return &Config{
		Default:         NewHostSet(defaults...),
		DisabledDefault: NewHostSet(),
		Custom:          NewHostSet(),
		DisabledCustom:  NewHostSet(),
	}
}

// Clone returns a deep copy.
func (c *Config) Clone() *Config {
	return &Config{
		StudyModeActive: c.StudyModeActive,
		Default:         c.Default.Clone(),
		DisabledDefault: c.DisabledDefault.Clone(),
		Custom:          c.Custom.Clone(),
		DisabledCustom:  c.DisabledCustom.Clone(),
	}
}

// Effective returns the sites that should currently be blocked, ignoring the
// study mode switch.
func (c *Config) Effective() *HostSet {
	out := c.Default.Difference(c.DisabledDefault)
	out.Merge(c.Custom.Difference(c.DisabledCustom))
	return out
}

// AddCustom adds host to the custom sites. It reports whether anything changed.
func (c *Config) AddCustom(host string) bool {
	return c.Custom.Add(host)
}

// RemoveCustom drops host from the custom sites and from the disabled custom
// sites.
func (c *Config) RemoveCustom(host string) bool {
	removed := c.Custom.Remove(host)
	if c.DisabledCustom.Remove(host) {
		removed = true
	}
	return removed
}

// SetDefaultEnabled toggles a catalogue site. Hosts outside the catalogue are
// ignored.
func (c *Config) SetDefaultEnabled(host string, enabled bool) bool {
	if !c.Default.Contains(host) {
		return false
	}
	if enabled {
		return c.DisabledDefault.Remove(host)
	}
	return c.DisabledDefault.Add(host)
}

// SetCustomEnabled toggles a custom site without removing it. Hosts that are
// not custom sites are ignored.
func (c *Config) SetCustomEnabled(host string, enabled bool) bool {
	if !c.Custom.Contains(host) {
		return false
	}
	if enabled {
		return c.DisabledCustom.Remove(host)
	}
	return c.DisabledCustom.Add(host)
}

// Lists is the wire form of the block list returned to the popup.
type Lists struct {
	Default         []string `json:"default" yaml:"default"`
	Custom          []string `json:"custom" yaml:"custom"`
	DisabledDefault []string `json:"disabledDefault" yaml:"disabledDefault"`
	DisabledCustom  []string `json:"disabledCustom" yaml:"disabledCustom"`
}

// Lists returns the sorted contents of every set.
func (c *Config) Lists() Lists {
	return Lists{
		Default:         c.Default.Sorted(),
		Custom:          c.Custom.Sorted(),
		DisabledDefault: c.DisabledDefault.Sorted(),
		DisabledCustom:  c.DisabledCustom.Sorted(),
	}
}
