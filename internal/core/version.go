package core

// Version is the build-time binary version (e.g. "v1.2.3"), set via
// -ldflags at release build time.
type Version string
