package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"mailsync/pkg/config"
	"mailsync/pkg/rbac"
	"mailsync/pkg/util"
)

type ctlConfig struct {
	addr    string
	secret  string
	token   string
	role    string
	timeout time.Duration
	args    []string
}

const usage = `usage: synctl [flags] <command> [args]

commands:
  counters             show displayed counters and optimistic delta
  refresh              run a manual sync pass
  stuck                list operations waiting for manual intervention
  retry <op-id>        requeue one stuck operation
  retry-stuck          requeue every stuck operation
  dismiss <op-id>      drop one stuck operation
  diagnostics [n]      show recent diagnostic events
`

func main() {
	cfg := parseFlags()
	if err := run(cfg); err != nil {
		fmt.Fprintln(os.Stderr, "synctl:", err)
		os.Exit(1)
	}
}

func parseFlags() ctlConfig {
	addr := flag.String("addr", config.GetEnv("MAILSYNC_ADDR", "http://localhost:8080"), "daemon base URL")
	secret := flag.String("jwt-secret", os.Getenv("JWT_SECRET"), "sign a short-lived token with this secret")
	token := flag.String("token", os.Getenv("MAILSYNC_TOKEN"), "bearer token (overrides -jwt-secret)")
	role := flag.String("role", rbac.RoleAdmin, "role claimed by a signed token")
	timeout := flag.Duration("timeout", 2*time.Minute, "request timeout")
	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), usage, "\nflags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	return ctlConfig{
		addr:    strings.TrimRight(*addr, "/"),
		secret:  *secret,
		token:   *token,
		role:    *role,
		timeout: *timeout,
		args:    flag.Args(),
	}
}

func run(cfg ctlConfig) error {
	if len(cfg.args) == 0 {
		flag.Usage()
		return fmt.Errorf("missing command")
	}
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	ctx, cancelTimeout := context.WithTimeout(ctx, cfg.timeout)
	defer cancelTimeout()

	method, path, err := route(cfg.args)
	if err != nil {
		return err
	}
	token, err := bearer(cfg)
	if err != nil {
		return err
	}
	return call(ctx, cfg.addr, method, path, token, os.Stdout)
}

func route(args []string) (string, string, error) {
	cmd, rest := args[0], args[1:]
	needID := func() (string, error) {
		if len(rest) != 1 || rest[0] == "" {
			return "", fmt.Errorf("%s requires exactly one operation id", cmd)
		}
		return rest[0], nil
	}
	switch cmd {
	case "counters":
		return http.MethodGet, "/api/counters", nil
	case "refresh":
		return http.MethodPost, "/api/refresh", nil
	case "stuck":
		return http.MethodGet, "/api/ops/stuck", nil
	case "retry-stuck":
		return http.MethodPost, "/api/ops/retry-stuck", nil
	case "retry":
		id, err := needID()
		if err != nil {
			return "", "", err
		}
		return http.MethodPost, "/api/ops/" + id + "/retry", nil
	case "dismiss":
		id, err := needID()
		if err != nil {
			return "", "", err
		}
		return http.MethodPost, "/api/ops/" + id + "/dismiss", nil
	case "diagnostics":
		path := "/api/diagnostics"
		if len(rest) == 1 {
			path += "?limit=" + rest[0]
		}
		return http.MethodGet, path, nil
	default:
		return "", "", fmt.Errorf("unknown command %q", cmd)
	}
}

func bearer(cfg ctlConfig) (string, error) {
	if cfg.token != "" {
		return cfg.token, nil
	}
	if cfg.secret == "" {
		return "", nil
	}
	if !rbac.IsKnownRole(cfg.role) {
		return "", fmt.Errorf("unknown role %q", cfg.role)
	}
	token, err := util.GenerateJWT("synctl", cfg.role, cfg.secret, 5*time.Minute)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return token, nil
}

func call(ctx context.Context, addr, method, path, token string, out io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, method, addr+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	var pretty bytes.Buffer
	if json.Indent(&pretty, body, "", "  ") == nil {
		body = pretty.Bytes()
	}
	fmt.Fprintln(out, string(body))

	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("%s %s: %s (trace %s)", method, path, resp.Status, resp.Header.Get("X-Trace-ID"))
	}
	return nil
}
