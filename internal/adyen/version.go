package adyen

// VersionAppender stamps API version metadata onto an outbound document.
type VersionAppender interface {
	AppendVersionConstraints(doc Document) Document
}

// VersionResolver describes this integration to the processor through the
// applicationInfo block.
type VersionResolver struct {
	ApplicationName    string
	ApplicationVersion string
	PlatformName       string
	PlatformVersion    string
	Integrator         string
}

// DefaultVersionResolver returns the resolver used when nothing is configured.
func DefaultVersionResolver(version string) VersionResolver {
	if version == "" {
		version = "dev"
	}
	return VersionResolver{
		ApplicationName:    "toko-adyen",
		ApplicationVersion: version,
		PlatformName:       "toko",
		PlatformVersion:    version,
		Integrator:         "toko",
	}
}

// AppendVersionConstraints returns a copy of doc carrying applicationInfo.
func (v VersionResolver) AppendVersionConstraints(doc Document) Document {
	out := doc.Clone()
	out[keyApplicationInfo] = Document{
		"merchantApplication": Document{
			"name":    v.ApplicationName,
			"version": v.ApplicationVersion,
		},
		"externalPlatform": Document{
			"name":       v.PlatformName,
			"version":    v.PlatformVersion,
			"integrator": v.Integrator,
		},
	}
	return out
}
