// Package failure classifies connect, publish, and disconnect errors into a
// closed set of cause categories so disconnect-cause counters stay bounded.
package failure

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/eclipse/paho.mqtt.golang/packets"
)

// Category is a failure cause bucket. The set is closed: classifiers never
// return a value outside it.
type Category string

const (
	OK                 Category = "ok"
	Auth               Category = "auth"
	Protocol           Category = "protocol"
	ClientID           Category = "client-id"
	Broker             Category = "broker"
	Network            Category = "network"
	NetworkTimeout     Category = "network-timeout"
	TLS                Category = "tls"
	Payload            Category = "payload"
	ClientMemory       Category = "client-memory"
	ClientBackpressure Category = "client-backpressure"
	Client             Category = "client"
	ClientRequest      Category = "client-request"
	InternalError      Category = "internal-error"
	Unknown            Category = "unknown"
)

// Disconnect reasons that count as an orderly shutdown. They never mark a
// device failed and never trip collapse detection.
const (
	ReasonGraceful  = "graceful"
	ReasonLoopExit  = "loop_exit"
	ReasonStopped   = "stopped"
	ReasonCancelled = "cancelled"
)

// Graceful reports whether a disconnect reason is an orderly shutdown rather
// than a failure.
func Graceful(reason string) bool {
	switch reason {
	case ReasonGraceful, ReasonLoopExit, ReasonStopped, ReasonCancelled:
		return true
	}
	return false
}

// Classification pairs a cause category with a human-readable detail.
type Classification struct {
	Category Category
	Detail   string
}

// Reason renders the classification as a cause string for events and logs.
func (c Classification) Reason() string {
	if c.Detail == "" {
		return string(c.Category)
	}
	return string(c.Category) + ": " + c.Detail
}

// FromConnack classifies an MQTT 3.1.1 CONNACK return code.
func FromConnack(code byte) Classification {
	switch code {
	case 0:
		return Classification{Category: OK}
	case 1:
		return Classification{Category: Protocol, Detail: "unacceptable protocol version"}
	case 2:
		return Classification{Category: ClientID, Detail: "client identifier rejected"}
	case 3:
		return Classification{Category: Broker, Detail: "server unavailable"}
	case 4:
		return Classification{Category: Auth, Detail: "bad username or password"}
	case 5:
		return Classification{Category: Auth, Detail: "not authorized"}
	default:
		return Classification{Category: Unknown, Detail: fmt.Sprintf("connack code %d", code)}
	}
}

// FromDisconnect classifies a broker-initiated disconnect code. Code 0 means
// the client asked for the disconnect itself.
func FromDisconnect(code byte) Classification {
	if code == 0 {
		return Classification{Category: ClientRequest, Detail: "client requested disconnect"}
	}
	return Classification{Category: Broker, Detail: fmt.Sprintf("unexpected disconnect code %d", code)}
}

// FromError classifies an error from a connect or publish attempt. nil maps
// to OK. Unattributable errors land in InternalError, never panic.
func FromError(err error) Classification {
	if err == nil {
		return Classification{Category: OK}
	}

	if errors.Is(err, context.Canceled) {
		return Classification{Category: ClientRequest, Detail: "context canceled"}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return Classification{Category: NetworkTimeout, Detail: err.Error()}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Classification{Category: NetworkTimeout, Detail: err.Error()}
	}

	var (
		unknownAuthority x509.UnknownAuthorityError
		certInvalid      x509.CertificateInvalidError
		hostnameErr      x509.HostnameError
		recordHeader     tls.RecordHeaderError
		certVerify       *tls.CertificateVerificationError
	)
	if errors.As(err, &unknownAuthority) || errors.As(err, &certInvalid) ||
		errors.As(err, &hostnameErr) || errors.As(err, &recordHeader) ||
		errors.As(err, &certVerify) {
		return Classification{Category: TLS, Detail: err.Error()}
	}

	switch {
	case errors.Is(err, packets.ErrorRefusedBadProtocolVersion),
		errors.Is(err, packets.ErrorProtocolViolation):
		return Classification{Category: Protocol, Detail: err.Error()}
	case errors.Is(err, packets.ErrorRefusedIDRejected):
		return Classification{Category: ClientID, Detail: err.Error()}
	case errors.Is(err, packets.ErrorRefusedServerUnavailable):
		return Classification{Category: Broker, Detail: err.Error()}
	case errors.Is(err, packets.ErrorRefusedBadUsernameOrPassword),
		errors.Is(err, packets.ErrorRefusedNotAuthorised):
		return Classification{Category: Auth, Detail: err.Error()}
	case errors.Is(err, packets.ErrorNetworkError):
		return Classification{Category: Network, Detail: err.Error()}
	case errors.Is(err, mqtt.ErrNotConnected):
		return Classification{Category: Client, Detail: err.Error()}
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return Classification{Category: Network, Detail: err.Error()}
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return Classification{Category: Network, Detail: err.Error()}
	}
	var sysErr *os.SyscallError
	if errors.As(err, &sysErr) {
		return Classification{Category: Network, Detail: err.Error()}
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return Classification{Category: Network, Detail: err.Error()}
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "tls:") || strings.Contains(msg, "x509:"):
		return Classification{Category: TLS, Detail: msg}
	case strings.Contains(msg, "queue is full") || strings.Contains(msg, "buffer full"):
		return Classification{Category: ClientBackpressure, Detail: msg}
	case strings.Contains(msg, "payload size") || strings.Contains(msg, "message is too long"):
		return Classification{Category: Payload, Detail: msg}
	case strings.Contains(msg, "out of memory") || strings.Contains(msg, "cannot allocate"):
		return Classification{Category: ClientMemory, Detail: msg}
	case strings.Contains(msg, "connection refused") || strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "broken pipe") || strings.Contains(msg, "no route to host"):
		return Classification{Category: Network, Detail: msg}
	}

	return Classification{Category: InternalError, Detail: msg}
}
