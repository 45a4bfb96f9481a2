package util

import (
	"fmt"
	"log"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"moul.io/zapfilter"
)

// GetStdLogger bridges packages that only accept *log.Logger, such as http.Server.ErrorLog.
// Messages starting with any of the muted prefixes are dropped.
func GetStdLogger(parent *zap.Logger, sub string, muted ...string) *log.Logger {
	if len(muted) > 0 {
		parent = zap.New(zapfilter.NewFilteringCore(
			parent.Core(),
			func(e zapcore.Entry, _ []zapcore.Field) bool {
				for _, prefix := range muted {
					if strings.HasPrefix(e.Message, prefix) {
						return false
					}
				}
				return true
			}),
		)
	}
	logger, err := zap.NewStdLogAt(parent.With(zap.String("subsystem", sub)), zapcore.WarnLevel)
	if err != nil {
		panic(fmt.Errorf("error getting logger: %w", err))
	}
	return logger
}
