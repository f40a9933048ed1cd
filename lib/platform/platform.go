package platform

// Remote names served by the stock catalog hosts.
const (
	RemoteRelease   = "release"
	RemoteDaily     = "daily"
	RemoteAppliance = "appliance"
)

// Checks answers host capability questions for the active virtualization
// driver. Satisfies vault.Platform.
type Checks struct {
	driver string
}

// New creates capability checks for driver ("qemu" or "lxd").
func New(driver string) *Checks {
	return &Checks{driver: driver}
}

// IsRemoteSupported reports whether images from the named remote can run
// under the active driver. The empty name stands for the default remote.
func (c *Checks) IsRemoteSupported(name string) bool {
	switch c.driver {
	case "lxd":
		return name == "" || name == RemoteRelease || name == RemoteDaily
	default:
		return name == "" || name == RemoteRelease || name == RemoteDaily || name == RemoteAppliance
	}
}

// IsImageURLSupported reports whether raw URL and local-file images are
// usable under the active driver.
func (c *Checks) IsImageURLSupported() bool {
	return c.driver != "lxd"
}
