package stone

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"time"
)

// ExecCodec shells out to the real stone format tool for header
// inspection and meta extraction, the same subprocess boundary the git
// and recipe-build tool integrations use elsewhere in this codebase.
// Parsing the binary format itself is out of scope here; this is only the
// call boundary.
type ExecCodec struct {
	Path    string // e.g. "stone"
	Timeout time.Duration
}

func (c ExecCodec) timeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return 30 * time.Second
}

func (c ExecCodec) ReadHeader(path string) (Header, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout())
	defer cancel()

	out, err := c.run(ctx, "inspect", "--header", path)
	if err != nil {
		return Header{}, fmt.Errorf("%w: %s", ErrMalformedHeader, err)
	}

	var h Header
	if err := json.Unmarshal(out, &h); err != nil {
		return Header{}, fmt.Errorf("%w: %s", ErrMalformedHeader, err)
	}
	return h, nil
}

func (c ExecCodec) ParseMeta(path string) (Meta, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout())
	defer cancel()

	out, err := c.run(ctx, "inspect", "--meta", path)
	if err != nil {
		return Meta{}, fmt.Errorf("stone: parse meta %s: %w", path, err)
	}

	var m Meta
	if err := json.Unmarshal(out, &m); err != nil {
		return Meta{}, fmt.Errorf("stone: decode meta %s: %w", path, err)
	}
	return m, nil
}

func (c ExecCodec) run(ctx context.Context, args ...string) ([]byte, error) {
	path := c.Path
	if path == "" {
		path = "stone"
	}
	cmd := exec.CommandContext(ctx, path, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%s: %s", err, stderr.String())
	}
	return stdout.Bytes(), nil
}
