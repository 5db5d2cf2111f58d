package kissmalloc

import "go.uber.org/zap"

// L is the package-level logger. It defaults to a no-op logger so that
// importing kissmalloc never forces a logging backend on the caller;
// SetLogger installs a real one. The allocator never logs on the
// malloc/free fast path — it logs a warning only when an mmap call fails
// (a fresh page run, a cache page, or a large or aligned allocation).
var L = zap.NewNop()

// SetLogger installs logger as the package-level logger. Passing nil
// restores the no-op logger.
func SetLogger(logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	L = logger
}
