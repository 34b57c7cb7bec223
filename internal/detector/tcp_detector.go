package detector

import (
	"context"
	"net"
	"time"
)

const defaultDialTimeout = 2 * time.Second

// TCPDetector reports the backend up once its port accepts connections.
type TCPDetector struct {
	Address string
	Timeout time.Duration
}

// Alive never returns an error: a refused or timed out dial is simply "not up".
func (d TCPDetector) Alive(ctx context.Context) (bool, error) {
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", d.Address)
	if err != nil {
		return false, nil
	}
	_ = conn.Close()
	return true, nil
}

func (d TCPDetector) Describe() string { return "tcp:" + d.Address }
