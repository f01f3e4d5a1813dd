package view

import "github.com/sirupsen/logrus"

type flagHook struct{ flag *bool }

func (h flagHook) Levels() []logrus.Level { return []logrus.Level{logrus.ErrorLevel} }

func (h flagHook) Fire(*logrus.Entry) error {
	*h.flag = true
	return nil
}

// testLogger returns a logger whose Error-level entries set flag to true,
// so a test can assert a FatalInvariant was reported without panicking.
func testLogger(flag *bool) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(logWriterDiscard{})
	l.AddHook(flagHook{flag: flag})
	return l
}

type logWriterDiscard struct{}

func (logWriterDiscard) Write(p []byte) (int, error) { return len(p), nil }
