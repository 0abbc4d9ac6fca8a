package runner

import (
	"context"
	"net"
	"net/http"
	"os/exec"
	"strings"
	"time"
)

// HealthConfig defines how to probe a running executor.
type HealthConfig struct {
	Check            string        // http://..., https://..., tcp://host:port, cmd:...
	Interval         time.Duration // default 10s
	Timeout          time.Duration // default 3s
	FailureThreshold int           // default 3
}

func (hc HealthConfig) withDefaults() HealthConfig {
	if hc.Interval <= 0 {
		hc.Interval = 10 * time.Second
	}
	if hc.Timeout <= 0 {
		hc.Timeout = 3 * time.Second
	}
	if hc.FailureThreshold <= 0 {
		hc.FailureThreshold = 3
	}
	return hc
}

// Probe runs one check. An empty check is always healthy. cmd: checks run
// through /bin/sh in dir.
func Probe(ctx context.Context, hc HealthConfig, dir string) bool {
	hc = hc.withDefaults()
	ctx, cancel := context.WithTimeout(ctx, hc.Timeout)
	defer cancel()
	u := hc.Check
	switch {
	case u == "":
		return true
	case strings.HasPrefix(u, "http://"), strings.HasPrefix(u, "https://"):
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return false
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode >= 200 && resp.StatusCode < 300
	case strings.HasPrefix(u, "tcp://"):
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", strings.TrimPrefix(u, "tcp://"))
		if err != nil {
			return false
		}
		_ = conn.Close()
		return true
	case strings.HasPrefix(u, "cmd:"):
		cmd := exec.CommandContext(ctx, "/bin/sh", "-c", strings.TrimPrefix(u, "cmd:"))
		cmd.Dir = dir
		return cmd.Run() == nil
	}
	return false
}
