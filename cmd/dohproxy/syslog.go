package main

import (
	syslog "github.com/RackSec/srslog"
	"github.com/sirupsen/logrus"
)

// syslogHook forwards logrus entries to a syslog daemon via srslog, the
// same dependency the teacher's Syslog resolver dials directly in
// syslog.go. Unlike that resolver (which forwards DNS query/response
// summaries), this hook forwards the proxy's own structured log lines.
type syslogHook struct {
	writer *syslog.Writer
}

func newSyslogHook(cfg syslogConfig) (*syslogHook, error) {
	tag := cfg.Tag
	if tag == "" {
		tag = "dohproxy"
	}
	network := cfg.Network
	if network == "" {
		network = "udp"
	}
	w, err := syslog.Dial(network, cfg.Address, syslog.LOG_INFO, tag)
	if err != nil {
		return nil, err
	}
	return &syslogHook{writer: w}, nil
}

func (h *syslogHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *syslogHook) Fire(e *logrus.Entry) error {
	line, err := e.String()
	if err != nil {
		return err
	}
	switch e.Level {
	case logrus.PanicLevel, logrus.FatalLevel, logrus.ErrorLevel:
		return h.writer.Err(line)
	case logrus.WarnLevel:
		return h.writer.Warning(line)
	case logrus.DebugLevel, logrus.TraceLevel:
		return h.writer.Debug(line)
	default:
		return h.writer.Info(line)
	}
}
