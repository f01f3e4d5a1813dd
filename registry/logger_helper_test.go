package registry

import "github.com/sirupsen/logrus"

type flagHook struct{ flag *bool }

func (h flagHook) Levels() []logrus.Level { return []logrus.Level{logrus.ErrorLevel} }

func (h flagHook) Fire(*logrus.Entry) error {
	*h.flag = true
	return nil
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

// discardLogger returns a logger whose Error-level entries set flag to
// true without writing to stderr, so a test can assert a FatalInvariant
// was reported without the noise of a real panic.
func discardLogger(flag *bool) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(discardWriter{})
	l.AddHook(flagHook{flag: flag})
	return l
}
