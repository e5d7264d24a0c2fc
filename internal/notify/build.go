package notify

import (
	"io"
	"log/slog"

	"phaseline/internal/config"
)

// FromConfig assembles the configured sinks. The returned closer releases
// the NATS connection, if one was opened.
func FromConfig(n config.Notifications, logger *slog.Logger) (Sink, io.Closer, error) {
	var sinks Fanout
	var closer io.Closer = nopCloser{}
	if n.Log {
		sinks = append(sinks, LogSink{Logger: logger})
	}
	if n.NATS.URL != "" {
		conn, err := DialNATS(n.NATS.URL)
		if err != nil {
			return nil, nil, err
		}
		sinks = append(sinks, NATSSink{Conn: conn, Subject: n.NATS.Subject})
		closer = closeFunc(conn.Close)
	}
	for _, wh := range n.Webhooks {
		sinks = append(sinks, WebhookSink{URL: wh.URL, Secret: wh.Secret, Phases: wh.Phases})
	}
	if len(sinks) == 0 {
		return Discard{}, closer, nil
	}
	return sinks, closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

type closeFunc func()

func (f closeFunc) Close() error {
	f()
	return nil
}
