package camera

import (
	"errors"
	"strings"

	"camrelay/internal/core/domain"
)

var (
	authKeywords = []string{
		"unauthorized",
		"401",
		"403",
		"forbidden",
		"authentication",
		"credentials",
		"password",
		"username",
	}

	codecKeywords = []string{
		"codec",
		"decode",
		"format",
		"negotiation",
		"not negotiated",
		"no decoder",
		"missing plugin",
		"no element",
		"unsupported",
		"h265",
		"mjpeg",
	}

	timeoutKeywords = []string{
		"timeout",
		"timed out",
		"deadline exceeded",
	}

	networkKeywords = []string{
		"connection",
		"unreachable",
		"network",
		"dns",
		"resolve",
		"socket",
		"tcp",
		"udp",
		"rtsp",
		"not found",
		"could not connect",
		"failed to connect",
		"no such device",
		"refused",
	}
)

// ClassifyConnectError maps a pipeline or transport message to a connect error
// kind. Auth wins over codec, codec over timeout, timeout over network.
// Messages that match nothing are treated as unreachable so they get retried.
func ClassifyConnectError(msg string) domain.ErrorKind {
	lower := strings.ToLower(msg)
	switch {
	case containsAny(lower, authKeywords):
		return domain.KindUnauthorized
	case containsAny(lower, codecKeywords):
		return domain.KindUnsupported
	case containsAny(lower, timeoutKeywords):
		return domain.KindTimeout
	case containsAny(lower, networkKeywords):
		return domain.KindUnreachable
	default:
		return domain.KindUnreachable
	}
}

// NewConnectError classifies cause by its message, optionally joined with a
// debug string from the pipeline.
func NewConnectError(cause error, debug string) *domain.ConnectError {
	if cause == nil {
		cause = errors.New("unknown failure")
	}
	return domain.NewConnectError(ClassifyConnectError(cause.Error()+" "+debug), cause)
}

func containsAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}
