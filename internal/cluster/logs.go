package cluster

import (
	"context"
	"io"

	appErr "github.com/launchbay/engine/pkg/errors"
	corev1 "k8s.io/api/core/v1"
)

// LogStream is a cancellable follow-mode log reader. Next returns data
// chunks until io.EOF marks end-of-stream; any other error is a stream
// failure. Close cancels the stream; a Next in flight returns promptly.
type LogStream struct {
	rc     io.ReadCloser
	cancel context.CancelFunc
	buf    []byte
}

// Next returns the next chunk of log data. The returned slice is only valid
// until the following call.
func (s *LogStream) Next() ([]byte, error) {
	n, err := s.rc.Read(s.buf)
	if n > 0 {
		return s.buf[:n], nil
	}
	if err != nil {
		return nil, err
	}
	return nil, nil
}

// Close cancels the stream and releases the connection. Safe to call more
// than once.
func (s *LogStream) Close() error {
	s.cancel()
	return s.rc.Close()
}

// StreamLogs opens a follow-mode log stream for one container.
func (g *Gateway) StreamLogs(ctx context.Context, namespace, pod, container string) (*LogStream, error) {
	ctx, cancel := context.WithCancel(ctx)
	opts := &corev1.PodLogOptions{Container: container, Follow: true}
	rc, err := g.client.CoreV1().Pods(namespace).GetLogs(pod, opts).Stream(ctx)
	if err != nil {
		cancel()
		return nil, appErr.Wrap(err, appErr.CodeUnavailable, "open log stream failed")
	}
	return &LogStream{rc: rc, cancel: cancel, buf: make([]byte, 32*1024)}, nil
}
