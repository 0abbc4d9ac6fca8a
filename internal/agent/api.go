package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/carlosprados/execd/internal/artifact"
	"github.com/carlosprados/execd/internal/controller"
	"github.com/carlosprados/execd/internal/integrity"
	"github.com/carlosprados/execd/internal/registry"
	"github.com/carlosprados/execd/internal/supervisor"
)

const defaultActionTimeout = 60 * time.Second

// Router returns the HTTP handler for the local API.
func (a *Agent) Router() http.Handler {
	mux := http.NewServeMux()

	// Liveness probe
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":   "ok",
			"uptime":   time.Since(a.start).String(),
			"closed":   a.closed.Load(),
			"time_utc": time.Now().UTC().Format(time.RFC3339),
		})
	})

	mux.HandleFunc("/v1/executors", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, http.StatusOK, a.Executors())
	})

	// Per-executor routes:
	// - GET  /v1/executors/{name}
	// - GET  /v1/executors/{name}/logs
	// - POST /v1/executors/{name}:install|:run|:stop|:kill|:restart
	mux.HandleFunc("/v1/executors/", func(w http.ResponseWriter, r *http.Request) {
		path := strings.TrimPrefix(r.URL.Path, "/v1/executors/")
		switch r.Method {
		case http.MethodGet:
			if name, ok := strings.CutSuffix(path, "/logs"); ok {
				a.serveLogs(w, r, strings.Trim(name, "/"))
				return
			}
			ei, ok := a.Describe(strings.Trim(path, "/"))
			if !ok {
				writeError(w, http.StatusNotFound, fmt.Errorf("unknown executor %q", path))
				return
			}
			writeJSON(w, http.StatusOK, ei)
		case http.MethodPost:
			i := strings.LastIndexByte(path, ':')
			if i < 0 {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			name, action := strings.Trim(path[:i], "/"), path[i+1:]
			if name == "" {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			a.serveAction(w, r, name, action)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})

	// Prometheus metrics
	mux.Handle("/metrics", promhttp.Handler())

	// Root handler with tiny landing
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("execd is running. See /healthz, /metrics and /v1/executors\n"))
	})

	return mux
}

func (a *Agent) serveAction(w http.ResponseWriter, r *http.Request, name, action string) {
	e, ok := a.executor(name)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown executor %q", name))
		return
	}
	q := r.URL.Query()
	if action == "restart" && q.Get("dry") == "true" {
		deps := a.stack.Dependents(name)
		stop := make([]string, 0, len(deps)+1)
		for i := len(deps) - 1; i >= 0; i-- {
			stop = append(stop, deps[i])
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"stopOrder":  append(stop, name),
			"startOrder": append([]string{name}, deps...),
		})
		return
	}

	to := parseDurationDefault(q.Get("timeout"), defaultActionTimeout)
	ctx, cancel := context.WithTimeout(r.Context(), to)
	defer cancel()

	a.logger.Info().Str("executor", name).Str("action", action).Msg("api action")
	var (
		err  error
		deps []string
	)
	switch action {
	case "install":
		err = e.Install(ctx, nil)
	case "run":
		err = e.Run(ctx, nil)
	case "stop":
		err = supervisor.StopUnit(ctx, e, a.opts.GracePeriod, a.logger)
	case "kill":
		err = e.ForciblyStop(ctx, nil)
	case "restart":
		deps, err = a.stack.Restart(ctx, name, nil)
	default:
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown action %q", action))
		return
	}
	if err != nil {
		a.logger.Error().Err(err).Str("executor", name).Str("action", action).Msg("api action failed")
		writeError(w, statusFor(err), err)
		return
	}
	ei, _ := a.Describe(name)
	if action == "restart" {
		writeJSON(w, http.StatusOK, map[string]any{"executor": ei, "dependents": deps})
		return
	}
	writeJSON(w, http.StatusOK, ei)
}

// serveLogs streams the live output of a running executor until it exits
// or the client goes away. ?stream=stdout|stderr selects one stream; by
// default both are interleaved with a prefix.
func (a *Agent) serveLogs(w http.ResponseWriter, r *http.Request, name string) {
	e, ok := a.executor(name)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown executor %q", name))
		return
	}
	which := r.URL.Query().Get("stream")
	if which != "" && which != "stdout" && which != "stderr" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("unknown stream %q", which))
		return
	}
	if e.PID() == 0 {
		writeError(w, http.StatusConflict, fmt.Errorf("%s is not running", name))
		return
	}

	var out, errs <-chan string
	if which != "stderr" {
		ch, cancel := e.Stdout(256)
		defer cancel()
		out = ch
	}
	if which != "stdout" {
		ch, cancel := e.Stderr(256)
		defer cancel()
		errs = ch
	}
	prefix := which == ""

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	if flusher != nil {
		flusher.Flush()
	}
	write := func(stream, line string) bool {
		if prefix {
			line = stream + ": " + line
		}
		if _, err := fmt.Fprintln(w, line); err != nil {
			return false
		}
		if flusher != nil {
			flusher.Flush()
		}
		return true
	}
	for out != nil || errs != nil {
		select {
		case <-r.Context().Done():
			return
		case line, ok := <-out:
			if !ok {
				out = nil
				continue
			}
			if !write("stdout", line) {
				return
			}
		case line, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if !write("stderr", line) {
				return
			}
		}
	}
}

// statusFor maps lifecycle errors onto HTTP statuses.
func statusFor(err error) int {
	var (
		ie *integrity.Error
		te *artifact.TransferError
	)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, controller.ErrBusy), errors.Is(err, controller.ErrCanceled):
		return http.StatusConflict
	case errors.Is(err, registry.ErrNotFound), errors.Is(err, registry.ErrIncompatible),
		errors.Is(err, registry.ErrMismatch), errors.Is(err, registry.ErrNoDownload):
		return http.StatusUnprocessableEntity
	case errors.As(err, &ie), errors.As(err, &te):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func parseDurationDefault(s string, d time.Duration) time.Duration {
	if s == "" {
		return d
	}
	if dd, err := time.ParseDuration(s); err == nil && dd > 0 {
		return dd
	}
	return d
}
