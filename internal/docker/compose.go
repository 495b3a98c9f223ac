package docker

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
)

// Project is one entry of `docker compose ls`.
type Project struct {
	Name        string `json:"Name"`
	Status      string `json:"Status"`
	ConfigFiles string `json:"ConfigFiles"`
}

// Service is one entry of `docker compose ps`.
type Service struct {
	Name    string `json:"Name"`
	Service string `json:"Service"`
	State   string `json:"State"`
	Health  string `json:"Health"`
}

// Status prefers health over state when the service has a healthcheck.
func (s Service) Status() string {
	if s.Health != "" {
		return s.Health
	}
	return s.State
}

// ComposeLs lists all compose projects known to the daemon, including
// stopped ones.
func (c *Client) ComposeLs(ctx context.Context) ([]Project, error) {
	out, err := c.compose(ctx, "", "ls", "--all", "--format", "json")
	if err != nil {
		return nil, err
	}
	return parseProjects(out)
}

// ComposePs lists the services of the project in dir.
func (c *Client) ComposePs(ctx context.Context, dir string) ([]Service, error) {
	out, err := c.compose(ctx, dir, "ps", "--all", "--format", "json")
	if err != nil {
		return nil, err
	}
	return parseServices(out)
}

func (c *Client) compose(ctx context.Context, dir string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, c.cfg.Binary, append([]string{"compose"}, args...)...)
	cmd.Dir = dir
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			return nil, fmt.Errorf("docker compose %s: %w", args[0], err)
		}
		return nil, fmt.Errorf("docker compose %s: %w: %s", args[0], err, msg)
	}
	return out, nil
}

func parseProjects(out []byte) ([]Project, error) {
	out = bytes.TrimSpace(out)
	if len(out) == 0 {
		return nil, nil
	}
	var list []Project
	if err := json.Unmarshal(out, &list); err != nil {
		return nil, fmt.Errorf("docker: parse compose ls: %w", err)
	}
	return list, nil
}

// parseServices accepts both output shapes compose has used: a JSON array
// and one object per line. Unparseable lines are skipped.
func parseServices(out []byte) ([]Service, error) {
	out = bytes.TrimSpace(out)
	if len(out) == 0 {
		return nil, nil
	}
	if out[0] == '[' {
		var list []Service
		if err := json.Unmarshal(out, &list); err != nil {
			return nil, fmt.Errorf("docker: parse compose ps: %w", err)
		}
		return list, nil
	}
	var list []Service
	sc := bufio.NewScanner(bytes.NewReader(out))
	sc.Buffer(make([]byte, 64<<10), 1<<20)
	for sc.Scan() {
		var s Service
		if err := json.Unmarshal(sc.Bytes(), &s); err != nil {
			continue
		}
		list = append(list, s)
	}
	return list, sc.Err()
}
