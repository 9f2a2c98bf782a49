//go:build windows

package terminator

// Windows has no process groups to signal; the tree walk covers it.
func signalGroup(int, bool) {}
