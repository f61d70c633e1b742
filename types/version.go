package types

// Library identity, used for the bootstrap User-Agent.
const (
	LibraryName    = "amaterasu"
	LibraryVersion = "0.1.0"
	LibraryURL     = "https://github.com/xo-sh/amaterasu"
)
