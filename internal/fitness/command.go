package fitness

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"xtalsearch/internal/structure"
)

// Command delegates relaxation to an external program. The structure is
// written to its stdin as a POSCAR; the program must print one JSON object:
//
//	{"energy": -12.3, "converged": true, "iterations": 41, "poscar": "..."}
//
// "poscar" is optional and, when present, replaces the input structure.
type Command struct {
	Path string
	Args []string
	Env  []string
}

type commandOutput struct {
	Energy     *float64 `json:"energy"`
	Converged  bool     `json:"converged"`
	Iterations int      `json:"iterations"`
	POSCAR     string   `json:"poscar"`
}

func (c Command) Name() string {
	return "command:" + c.Path
}

func (c Command) Relax(ctx context.Context, s structure.Structure, maxIterations int, tolerance float64) (Relaxation, error) {
	if strings.TrimSpace(c.Path) == "" {
		return Relaxation{}, fmt.Errorf("oracle command path is required")
	}
	var stdin bytes.Buffer
	if err := structure.WritePOSCAR(&stdin, s, ""); err != nil {
		return Relaxation{}, err
	}

	cmd := exec.CommandContext(ctx, c.Path, c.Args...)
	cmd.Stdin = &stdin
	cmd.Env = append(append(os.Environ(), c.Env...),
		"XTALSEARCH_MAX_ITERATIONS="+strconv.Itoa(maxIterations),
		"XTALSEARCH_TOLERANCE="+strconv.FormatFloat(tolerance, 'g', -1, 64),
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return Relaxation{}, fmt.Errorf("run %s: %w: %s", c.Path, err, strings.TrimSpace(stderr.String()))
	}

	var out commandOutput
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		return Relaxation{}, fmt.Errorf("decode %s output: %w", c.Path, err)
	}
	if out.Energy == nil {
		return Relaxation{}, fmt.Errorf("%s output has no energy", c.Path)
	}

	relaxed := s
	if strings.TrimSpace(out.POSCAR) != "" {
		parsed, err := structure.ReadPOSCAR(strings.NewReader(out.POSCAR))
		if err != nil {
			return Relaxation{}, fmt.Errorf("decode %s structure: %w", c.Path, err)
		}
		relaxed = parsed
	}
	return Relaxation{Structure: relaxed, Energy: *out.Energy, Converged: out.Converged, Iterations: out.Iterations}, nil
}
