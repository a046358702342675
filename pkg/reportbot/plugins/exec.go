package plugins

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// execProducer runs an external report generator. The program prints the
// artifact either as JSON {"path", "caption", "assets"} or as the path on
// the first line followed by caption lines.
type execProducer struct {
	program string
	args    []string
	dir     string
	env     map[string]string
	timeout time.Duration
}

func newExecProducer(params map[string]any, deps Deps) (Producer, error) {
	p := &execProducer{
		program: stringParam(params, "program"),
		args:    stringsParam(params, "args"),
		dir:     stringParam(params, "dir"),
		env:     map[string]string{},
		timeout: time.Duration(intParam(params, "timeout", 300)) * time.Second,
	}
	if p.program == "" {
		return nil, errors.New("exec: program is required")
	}
	if env, ok := params["env"].(map[string]any); ok {
		for k, v := range env {
			p.env[k] = fmt.Sprint(v)
		}
	}
	if deps.ArtifactsDir != "" {
		p.env["REPORTBOT_ARTIFACTS_DIR"] = deps.ArtifactsDir
	}
	return p, nil
}

func (p *execProducer) Produce(ctx context.Context) (Artifact, error) {
	bin, err := p.resolve()
	if err != nil {
		return Artifact{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, bin, p.args...)
	cmd.Dir = p.dir
	cmd.Env = os.Environ()
	for k, v := range p.env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return Artifact{}, fmt.Errorf("%s: timed out after %s", p.program, p.timeout)
		}
		return Artifact{}, fmt.Errorf("%s: %w: %s", p.program, err, strings.TrimSpace(stderr.String()))
	}

	art, err := parseArtifact(stdout.String())
	if err != nil {
		return Artifact{}, fmt.Errorf("%s: %w", p.program, err)
	}
	if !filepath.IsAbs(art.Path) && p.dir != "" {
		art.Path = filepath.Join(p.dir, art.Path)
	}
	return art, nil
}

// resolve locates the program. A missing program is ErrNotFound.
func (p *execProducer) resolve() (string, error) {
	name := p.program
	if strings.ContainsRune(name, filepath.Separator) && !filepath.IsAbs(name) && p.dir != "" {
		name = filepath.Join(p.dir, name)
	}
	bin, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrNotFound, p.program)
	}
	return bin, nil
}

// parseArtifact decodes generator output.
func parseArtifact(out string) (Artifact, error) {
	out = strings.TrimSpace(out)
	if out == "" {
		return Artifact{}, errors.New("generator printed nothing")
	}

	if strings.HasPrefix(out, "{") {
		var raw struct {
			Path    string          `json:"path"`
			Caption json.RawMessage `json:"caption"`
			Assets  []string        `json:"assets"`
		}
		if err := json.Unmarshal([]byte(out), &raw); err != nil {
			return Artifact{}, fmt.Errorf("decoding output: %w", err)
		}
		if raw.Path == "" {
			return Artifact{}, errors.New("output has no path")
		}
		art := Artifact{Path: raw.Path, Assets: raw.Assets}
		if len(raw.Caption) > 0 {
			var one string
			if err := json.Unmarshal(raw.Caption, &one); err == nil {
				art.Caption = []string{one}
			} else if err := json.Unmarshal(raw.Caption, &art.Caption); err != nil {
				return Artifact{}, fmt.Errorf("decoding caption: %w", err)
			}
		}
		return art, nil
	}

	lines := strings.Split(out, "\n")
	art := Artifact{Path: strings.TrimSpace(lines[0])}
	for _, l := range lines[1:] {
		if l = strings.TrimRight(l, "\r"); l != "" {
			art.Caption = append(art.Caption, l)
		}
	}
	return art, nil
}
