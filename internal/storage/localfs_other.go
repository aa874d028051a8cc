//go:build !linux && !darwin

package storage

func fsType(string) (string, error) {
	return "", errFSUnknown
}
