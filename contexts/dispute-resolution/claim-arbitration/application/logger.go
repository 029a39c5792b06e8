package application

import "log/slog"

const moduleName = "dispute-resolution/claim-arbitration"

func ResolveLogger(logger *slog.Logger) *slog.Logger {
	if logger != nil {
		return logger
	}
	return slog.Default()
}
