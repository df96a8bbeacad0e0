package logging

import "go.uber.org/zap"

type Logger = zap.SugaredLogger

func New(verbose bool) *Logger {
	if verbose {
		l, _ := zap.NewDevelopment()
		return l.Sugar()
	}
	l, _ := zap.NewProduction()
	return l.Sugar()
}

// Nop returns a logger that discards everything. Handy in tests.
func Nop() *Logger {
	return zap.NewNop().Sugar()
}
