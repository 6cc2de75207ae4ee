package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// CacheEnv is set for every library invocation to the cache directory.
const CacheEnv = "INFERD_EXTRACT_CACHE"

const defaultCommandTimeout = 5 * time.Minute

// CommandLibrary runs an external extraction program. Invoked with ModeArgs it
// must print {"processing_mode", "cloud_mode"}; invoked with a document path
// appended to Args it must print {"document", "markdown", "format",
// "processing_mode", "cloud_mode"}.
type CommandLibrary struct {
	Command  string
	Args     []string
	ModeArgs []string
	Cache    string
	Timeout  time.Duration
}

type commandResult struct {
	Document       map[string]any `json:"document"`
	Markdown       string         `json:"markdown"`
	Format         string         `json:"format"`
	ProcessingMode string         `json:"processing_mode"`
	CloudMode      bool           `json:"cloud_mode"`
	Error          string         `json:"error"`
}

func (c *CommandLibrary) CacheDir() string { return c.Cache }

func (c *CommandLibrary) Mode(ctx context.Context) (Mode, error) {
	var r commandResult
	if err := c.run(ctx, c.ModeArgs, &r); err != nil {
		return Mode{}, err
	}
	return Mode{Name: r.ProcessingMode, Cloud: r.CloudMode}, nil
}

func (c *CommandLibrary) Extract(ctx context.Context, path string) (Output, error) {
	args := append(append([]string{}, c.Args...), path)
	var r commandResult
	if err := c.run(ctx, args, &r); err != nil {
		return Output{}, err
	}
	if r.Error != "" {
		return Output{}, errors.New(r.Error)
	}
	return Output{
		Fields:   r.Document,
		Markdown: r.Markdown,
		Format:   r.Format,
		Mode:     Mode{Name: r.ProcessingMode, Cloud: r.CloudMode},
	}, nil
}

func (c *CommandLibrary) run(ctx context.Context, args []string, into *commandResult) error {
	if c.Command == "" {
		return errors.New("no extraction command configured")
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = defaultCommandTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, c.Command, args...)
	cmd.Env = append(os.Environ(), fmt.Sprintf("%s=%s", CacheEnv, c.Cache))
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if len(msg) > 512 {
			msg = msg[len(msg)-512:]
		}
		return fmt.Errorf("%s: %w: %s", c.Command, err, msg)
	}
	if err := json.Unmarshal(stdout.Bytes(), into); err != nil {
		return fmt.Errorf("%s: decode output: %w", c.Command, err)
	}
	return nil
}
