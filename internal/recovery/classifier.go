package recovery

import (
	"context"
	"errors"
	"io/fs"
	"net"
	"strings"
)

// Classifier maps a raw failure to a category. It is pluggable so the
// mapping can be tested in isolation with a table of (message,
// category) pairs.
type Classifier func(error) Category

// messagePatterns maps lowercase substrings to categories. Typed checks
// run first; these patterns are the fallback for errors that only carry
// text.
var messagePatterns = []struct {
	substr   string
	category Category
}{
	{"connection refused", CategoryNetwork},
	{"connection reset", CategoryNetwork},
	{"no such host", CategoryNetwork},
	{"network is unreachable", CategoryNetwork},
	{"dial tcp", CategoryNetwork},
	{"tls handshake", CategoryNetwork},

	{"no such file or directory", CategoryFilesystem},
	{"permission denied", CategoryFilesystem},
	{"file exists", CategoryFilesystem},
	{"too many open files", CategoryFilesystem},
	{"no space left on device", CategoryFilesystem},

	{"rate limit", CategoryExternalService},
	{"too many requests", CategoryExternalService},
	{"service unavailable", CategoryExternalService},
	{"bad gateway", CategoryExternalService},
	{"overloaded", CategoryExternalService},
	{"api error", CategoryExternalService},

	{"invalid", CategoryValidation},
	{"malformed", CategoryValidation},
	{"unexpected end of json", CategoryValidation},
	{"cannot unmarshal", CategoryValidation},
	{"schema", CategoryValidation},

	{"corrupted", CategoryStateCorruption},
	{"checksum mismatch", CategoryStateCorruption},
	{"unreadable checkpoint", CategoryStateCorruption},

	{"timed out", CategoryTimeout},
	{"timeout", CategoryTimeout},
	{"deadline exceeded", CategoryTimeout},
}

// DefaultClassifier classifies by error type first, then by message
// pattern, falling back to unknown.
func DefaultClassifier(err error) Category {
	if err == nil {
		return CategoryUnknown
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return CategoryTimeout
		}
		return CategoryNetwork
	}

	if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) || errors.Is(err, fs.ErrExist) {
		return CategoryFilesystem
	}
	var pathErr *fs.PathError
	if errors.As(err, &pathErr) {
		return CategoryFilesystem
	}

	var rateErr *RetryAfterError
	if errors.As(err, &rateErr) {
		return CategoryExternalService
	}

	msg := strings.ToLower(err.Error())
	for _, p := range messagePatterns {
		if strings.Contains(msg, p.substr) {
			return p.category
		}
	}
	return CategoryUnknown
}
