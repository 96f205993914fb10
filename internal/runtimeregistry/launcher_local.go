//go:build !podman
// +build !podman

package runtimeregistry

func newDefaultLauncher() Launcher {
	return LocalLauncher{}
}
