package sshprobe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"github.com/etnwatch/etnwatch/internal/circuitbreaker"
)

// CertPath is where NSX edge appliances keep their host certificate.
const CertPath = "/etc/vmware/nsx/host-cert.pem"

const inspectCmd = "openssl x509 -enddate -noout -in " + CertPath

// ErrorKind separates transport failures from unexpected command output.
type ErrorKind int

const (
	KindUnreachable ErrorKind = iota
	KindParse
)

// ProbeError is a failed certificate probe against one host.
type ProbeError struct {
	Kind ErrorKind
	Host string
	Err  error
}

func (e *ProbeError) Error() string {
	kind := "unreachable"
	if e.Kind == KindParse {
		kind = "parse"
	}
	return fmt.Sprintf("probe %s failed (%s): %v", e.Host, kind, e.Err)
}

func (e *ProbeError) Unwrap() error { return e.Err }

// CertificateInfo is one successful probe result.
type CertificateInfo struct {
	ExpiresAt     time.Time
	DaysRemaining int
	Status        Status
}

// runner executes the inspection command on a host and returns its stdout.
// Swapped out in tests.
type runner func(ctx context.Context, host string) (string, error)

// Prober retrieves certificate expiry from edge nodes over SSH. Hosts that
// keep failing trip a per-host circuit breaker; while the breaker is open
// the probe resolves immediately to an unreachable result instead of
// burning the SSH timeout every cycle.
type Prober struct {
	username    string
	password    string
	port        int
	timeout     time.Duration
	warningDays int
	breaker     *circuitbreaker.HostBreaker
	run         runner
	log         *zap.SugaredLogger
}

func NewProber(username, password string, port int, timeout time.Duration, warningDays int, log *zap.SugaredLogger) *Prober {
	p := &Prober{
		username:    username,
		password:    password,
		port:        port,
		timeout:     timeout,
		warningDays: warningDays,
		breaker:     circuitbreaker.NewHostBreaker(&circuitbreaker.Config{Threshold: 3, Timeout: 30 * time.Minute}),
		log:         log,
	}
	p.run = p.runSSH
	return p
}

// Probe connects to host, reads the certificate's notAfter date and
// classifies it against the warning threshold.
func (p *Prober) Probe(ctx context.Context, host string) (CertificateInfo, error) {
	var out string
	err := p.breaker.Execute(host, func() error {
		var err error
		out, err = p.run(ctx, host)
		return err
	})
	if err != nil {
		if errors.Is(err, circuitbreaker.ErrOpenState) {
			return CertificateInfo{}, &ProbeError{Kind: KindUnreachable, Host: host, Err: err}
		}
		var pe *ProbeError
		if errors.As(err, &pe) {
			return CertificateInfo{}, pe
		}
		return CertificateInfo{}, &ProbeError{Kind: KindUnreachable, Host: host, Err: err}
	}

	expiry, err := ParseEnddate(out)
	if err != nil {
		return CertificateInfo{}, &ProbeError{Kind: KindParse, Host: host, Err: err}
	}

	days := DaysRemaining(expiry, time.Now().UTC())
	info := CertificateInfo{
		ExpiresAt:     expiry,
		DaysRemaining: days,
		Status:        Classify(days, p.warningDays),
	}
	p.log.Debug("certificate probed", "host", host, "expires", expiry, "days_remaining", days, "status", info.Status)
	return info, nil
}

// runSSH opens the administrative session and runs the openssl command.
// Host keys are not checked: probe targets are internal appliances reached
// by management IP, the same trust decision the manager API flag makes.
func (p *Prober) runSSH(ctx context.Context, host string) (string, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(p.port))
	cfg := &ssh.ClientConfig{
		User:            p.username,
		Auth:            []ssh.AuthMethod{ssh.Password(p.password)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         p.timeout,
	}

	dialer := net.Dialer{Timeout: p.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return "", fmt.Errorf("dial %s: %w", addr, err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return "", fmt.Errorf("ssh handshake %s: %w", addr, err)
	}
	client := ssh.NewClient(sshConn, chans, reqs)
	defer client.Close()

	// A hung remote command must not stall the cycle beyond its timeout.
	type result struct {
		out []byte
		err error
	}
	done := make(chan result, 1)
	go func() {
		session, err := client.NewSession()
		if err != nil {
			done <- result{nil, err}
			return
		}
		defer session.Close()
		out, err := session.Output(inspectCmd)
		done <- result{out, err}
	}()

	timer := time.NewTimer(p.timeout)
	defer timer.Stop()
	select {
	case r := <-done:
		if r.err != nil {
			var exitErr *ssh.ExitError
			if errors.As(r.err, &exitErr) {
				return "", &ProbeError{Kind: KindParse, Host: host, Err: fmt.Errorf("command exited %d", exitErr.ExitStatus())}
			}
			return "", fmt.Errorf("run %q: %w", inspectCmd, r.err)
		}
		return string(r.out), nil
	case <-timer.C:
		return "", fmt.Errorf("command timed out after %s", p.timeout)
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
