package formatter

import "github.com/sirupsen/logrus"

// Configure installs the text formatter and sets the level of the logger. The source location of the log calls is
// reported only at debug level and below. Calling it again replaces the previous setup.
func Configure(logger *logrus.Logger, level logrus.Level) {
	logger.SetFormatter(NewTextFormatter())
	logger.SetLevel(level)

	hooks := make(logrus.LevelHooks)
	reportCaller := level >= logrus.DebugLevel
	if reportCaller {
		hooks.Add(NewContextHook())
	}
	logger.ReplaceHooks(hooks)
	logger.SetReportCaller(reportCaller)
}
