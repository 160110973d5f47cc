package features

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"

	"github.com/loqalabs/loqa-cockpit/internal/errdefs"
	"github.com/mattn/go-shellwords"
)

type execExtractor struct {
	cmd []string
}

type execResult struct {
	Features []float32 `json:"features"`
}

// NewExecExtractor runs an external front-end per request. The command is
// invoked with --audio <ref> --features <n> and must print
// {"features":[...]} on stdout.
func NewExecExtractor(command string) (Extractor, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse features command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("features command is empty")
	}
	return &execExtractor{cmd: args}, nil
}

func (e *execExtractor) Extract(ctx context.Context, audioRef string) ([]float32, error) {
	if audioRef == "" {
		return nil, fmt.Errorf("audio reference is empty: %w", errdefs.ErrNoAudio)
	}
	args := append([]string{}, e.cmd[1:]...)
	args = append(args, "--audio", audioRef, "--features", strconv.Itoa(Length))

	command := exec.CommandContext(ctx, e.cmd[0], args...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return nil, fmt.Errorf("features command failed: %w: %s", err, stderr.String())
	}

	var resp execResult
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return nil, fmt.Errorf("decode features response: %w", err)
	}
	return resp.Features, nil
}
