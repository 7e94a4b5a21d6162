package backend

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/bencyrus/testflight-uploader/internal/keys"
	"github.com/bencyrus/testflight-uploader/internal/logger"
)

// Runner executes an external command and returns its stdout.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (string, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return stdout.String(), fmt.Errorf("%s failed: %w: %s", name, err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

// command is a backend that shells out to xcrun with an installed API key.
type command struct {
	kind   Kind
	runner Runner
	keys   *keys.Store
	args   func(Params) []string
}

func (c *command) Kind() Kind { return c.kind }

func (c *command) Upload(ctx context.Context, params Params) (*Result, error) {
	if _, err := c.keys.Install(params.APIKeyID, params.APIPrivateKey); err != nil {
		return nil, err
	}
	defer func() {
		if err := c.keys.DeleteAll(); err != nil {
			logger.Error(ctx, "failed to delete private keys", err)
		}
	}()

	args := c.args(params)
	logger.Info(ctx, "running upload tool", logger.Fields{
		"backend": string(c.kind),
		"tool":    args[0],
	})

	out, err := c.runner.Run(ctx, "xcrun", args...)
	if err != nil {
		return nil, err
	}
	return &Result{Backend: c.kind, Log: out}, nil
}

// NewTransporter uploads with iTMSTransporter.
func NewTransporter(runner Runner, store *keys.Store) Uploader {
	return &command{kind: KindTransporter, runner: runner, keys: store, args: transporterArgs}
}

// NewAltool uploads with altool.
func NewAltool(runner Runner, store *keys.Store) Uploader {
	return &command{kind: KindAltool, runner: runner, keys: store, args: altoolArgs}
}

func transporterArgs(p Params) []string {
	args := []string{
		"iTMSTransporter",
		"-m", "upload",
		"-assetFile", p.AppPath,
		"-apiKey", p.APIKeyID,
		"-apiIssuer", p.IssuerID,
		"-v", "eXtreme",
	}
	if p.AppType != "" {
		args = append(args, "-appPlatform", p.AppType)
	}
	return args
}

func altoolArgs(p Params) []string {
	return []string{
		"altool",
		"--upload-app",
		"--file", p.AppPath,
		"--type", p.AppType,
		"--apiKey", p.APIKeyID,
		"--apiIssuer", p.IssuerID,
		"--verbose",
	}
}
