//go:build !windows

package scanner

// noopNotifier stands in where device-change broadcasts are unavailable.
// The periodic rescan in Scanner.Start covers detection on these platforms.
type noopNotifier struct{}

func platformNotifier() Notifier { return noopNotifier{} }

func (noopNotifier) Start(onChange func()) error { return nil }
func (noopNotifier) Stop()                       {}
