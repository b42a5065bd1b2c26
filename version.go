package redisstorage

const version = "1.0.0"

// Version returns the version of the redisstorage library.
func Version() string {
	return version
}
