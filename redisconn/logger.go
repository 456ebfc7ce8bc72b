package redisconn

import (
	"github.com/sirupsen/logrus"
)

// LogKind is a lifecycle event reported to the Logger hook.
type LogKind int

const (
	LogConnecting LogKind = iota
	LogConnected
	LogConnectFailed
	LogDisconnected
	LogOutOfSync
	LogProbeTimeout
	LogRetryScheduled
	LogAttemptsExhausted
	LogMAX
)

// Logger is a hook for custom logging of connection lifecycle events.
type Logger interface {
	Report(event LogKind, addr string, v ...interface{})
}

// NewLogrusLogger returns a Logger reporting onto l.
func NewLogrusLogger(l logrus.FieldLogger) Logger {
	return logrusLogger{l}
}

type logrusLogger struct {
	log logrus.FieldLogger
}

func (d logrusLogger) Report(event LogKind, addr string, v ...interface{}) {
	log := d.log.WithField("addr", addr)
	switch event {
	case LogConnecting:
		log.Info("redis: connecting")
	case LogConnected:
		log.WithFields(logrus.Fields{
			"localAddr":  v[0],
			"remoteAddr": v[1],
		}).Info("redis: connected")
	case LogConnectFailed:
		log.WithError(v[0].(error)).Warn("redis: connection attempt failed")
	case LogDisconnected:
		log.WithError(v[0].(error)).Warn("redis: connection broken")
	case LogOutOfSync:
		log.Error("redis: replies out of sync, closing connection")
	case LogProbeTimeout:
		log.Warn("redis: inactivity probe timed out, closing connection")
	case LogRetryScheduled:
		log.WithField("attempt", v[0]).Info("redis: reconnect scheduled")
	case LogAttemptsExhausted:
		log.WithField("attempts", v[0]).Error("redis: reconnect attempts exhausted")
	default:
		log.WithField("event", int(event)).WithField("args", v).Print("redis: unexpected event")
	}
}

// DefaultLogger reports onto the standard logrus logger.
func DefaultLogger() Logger {
	return logrusLogger{logrus.StandardLogger()}
}
