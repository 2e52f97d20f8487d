//go:build !linux

package tensorpipe

// NewPoller constructs the platform readiness poller.
// Only Linux epoll is currently supported.
func NewPoller() (Poller, error) {
	return nil, ErrNotImplemented
}
