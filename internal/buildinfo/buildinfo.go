// Package buildinfo holds build-time metadata, kept apart from user configuration.
package buildinfo

import "github.com/google/uuid"

// UnknownValue is reported for metadata that was not injected at build time.
const UnknownValue = "unknown"

// Set with -ldflags "-X github.com/tphakala/imagecache/internal/buildinfo.version=..."
var (
	version   string
	buildDate string
)

// Context describes the running binary.
type Context struct {
	// Version holds the Git version tag from build
	Version string

	// BuildDate is the time when the binary was built
	BuildDate string

	// InstanceID identifies this process in logs and error reports
	InstanceID string
}

// NewContext creates a Context. An empty instanceID gets a random one.
func NewContext(version, buildDate, instanceID string) *Context {
	if instanceID == "" {
		instanceID = uuid.NewString()
	}
	return &Context{
		Version:    version,
		BuildDate:  buildDate,
		InstanceID: instanceID,
	}
}

// Current returns the Context of the running binary.
func Current() *Context {
	return NewContext(version, buildDate, "")
}

// GetVersion returns the version, or UnknownValue.
func (c *Context) GetVersion() string {
	if c == nil || c.Version == "" {
		return UnknownValue
	}
	return c.Version
}

// GetBuildDate returns the build date, or UnknownValue.
func (c *Context) GetBuildDate() string {
	if c == nil || c.BuildDate == "" {
		return UnknownValue
	}
	return c.BuildDate
}

// GetInstanceID returns the instance identifier, or UnknownValue.
func (c *Context) GetInstanceID() string {
	if c == nil || c.InstanceID == "" {
		return UnknownValue
	}
	return c.InstanceID
}
