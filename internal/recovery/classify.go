// Package recovery maps bundling and upload failures to the action the
// embedding application takes next: resume, reconnect or ask the user.
package recovery

import (
	"errors"
	"net"
	"net/http"
	"os"
	"strings"
	"syscall"

	"github.com/fyrsmithlabs/codebundle/internal/bundle"
	"github.com/fyrsmithlabs/codebundle/internal/payload"
)

// Action is what to do after a failure.
type Action int

const (
	// ActionPrompt asks the user whether to restart.
	ActionPrompt Action = iota
	// ActionResume waits briefly and resumes analysis actions.
	ActionResume
	// ActionReconnect notifies the user, waits and re-runs the top-level command.
	ActionReconnect
)

func (a Action) String() string {
	switch a {
	case ActionResume:
		return "resume"
	case ActionReconnect:
		return "reconnect"
	default:
		return "prompt"
	}
}

// Kind names the condition that produced a classification.
type Kind string

const (
	KindUnreachable Kind = "unreachable"
	KindAuth        Kind = "auth"
	KindServer      Kind = "server"
	KindSystem      Kind = "system"
	KindUnknown     Kind = "unknown"
)

// Classification is the outcome of Classify.
type Classification struct {
	Action     Action
	Kind       Kind
	StatusCode int
}

// Classify maps err to an action. backendHost is the analysis backend host
// name; resolution failures for any other host are not treated as a lost
// connection.
func Classify(err error, backendHost string) Classification {
	if err == nil {
		return Classification{Action: ActionPrompt, Kind: KindUnknown}
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && dnsErr.IsNotFound && sameHost(dnsErr.Name, backendHost) {
		return Classification{Action: ActionReconnect, Kind: KindUnreachable}
	}

	if isSystemError(err) {
		return Classification{Action: ActionPrompt, Kind: KindSystem}
	}

	var statusErr *payload.StatusError
	if errors.As(err, &statusErr) {
		return classifyStatus(statusErr.StatusCode)
	}

	return Classification{Action: ActionPrompt, Kind: KindUnknown}
}

func classifyStatus(code int) Classification {
	switch code {
	case http.StatusUnauthorized, http.StatusNotFound:
		return Classification{Action: ActionResume, Kind: KindAuth, StatusCode: code}
	case http.StatusForbidden, // content or bundle access denied
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return Classification{Action: ActionReconnect, Kind: KindServer, StatusCode: code}
	default:
		return Classification{Action: ActionPrompt, Kind: KindUnknown, StatusCode: code}
	}
}

// isSystemError reports local OS failures: errno values, path errors and
// the bundle taxonomy.
func isSystemError(err error) bool {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return true
	}
	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		return true
	}
	return errors.Is(err, bundle.ErrFileSystem) || errors.Is(err, bundle.ErrEncoding)
}

func sameHost(a, b string) bool {
	if b == "" {
		return false
	}
	return strings.EqualFold(strings.TrimSuffix(a, "."), strings.TrimSuffix(b, "."))
}
