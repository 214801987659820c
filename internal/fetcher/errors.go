package fetcher

import (
	"context"
	"errors"
	"net"
	"strconv"
	"strings"
)

// ErrorKind classifies why a fetch did not produce usable content.
type ErrorKind int

const (
	KindNone ErrorKind = iota
	KindTimeout
	KindConnection
	KindDecode
	KindMalformed
	KindParse
	KindStatus
)

func (k ErrorKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindTimeout:
		return "timeout"
	case KindConnection:
		return "connection error"
	case KindDecode:
		return "decode error"
	case KindMalformed:
		return "malformed response"
	case KindParse:
		return "parse error"
	case KindStatus:
		return "status"
	}
	return "unknown"
}

// Code is the value recorded on the job for operator visibility. Status
// errors record the numeric code itself, e.g. "502".
func (k ErrorKind) Code(status int) string {
	switch k {
	case KindNone:
		return ""
	case KindStatus:
		return strconv.Itoa(status)
	}
	return k.String()
}

// classify maps a transport error from the HTTP client onto an ErrorKind.
func classify(err error) ErrorKind {
	if err == nil {
		return KindNone
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "gzip"), strings.Contains(msg, "flate"), strings.Contains(msg, "zlib"):
		return KindDecode
	case strings.Contains(msg, "malformed HTTP"), strings.Contains(msg, "too many redirects"),
		strings.Contains(msg, "missing Location"), strings.Contains(msg, "response too large"):
		return KindMalformed
	}
	return KindConnection
}
