package conflict

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/eldersvr/onboard/pkg/types"
)

// ErrScriptExhausted is returned by Scripted once every answer was used.
var ErrScriptExhausted = errors.New("scripted decision source exhausted")

// Fixed always answers with the same decision.
type Fixed types.Decision

func (f Fixed) AskConflict(context.Context, Context) (types.Decision, error) {
	return types.Decision(f), nil
}

// Scripted replays a fixed list of answers and records every question.
type Scripted struct {
	mu        sync.Mutex
	decisions []types.Decision
	asked     []Context
}

func NewScripted(decisions ...types.Decision) *Scripted {
	return &Scripted{decisions: decisions}
}

func (s *Scripted) AskConflict(_ context.Context, c Context) (types.Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.asked = append(s.asked, c)
	if len(s.decisions) == 0 {
		return "", ErrScriptExhausted
	}
	decision := s.decisions[0]
	s.decisions = s.decisions[1:]
	return decision, nil
}

// Asked returns the conflicts the source was consulted about.
func (s *Scripted) Asked() []Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Context, len(s.asked))
	copy(out, s.asked)
	return out
}

// Prompt asks a human on a line-oriented terminal.
type Prompt struct {
	in  *bufio.Reader
	out io.Writer
}

func NewPrompt(in io.Reader, out io.Writer) *Prompt {
	return &Prompt{in: bufio.NewReader(in), out: out}
}

// AskConflict re-prompts on unrecognised input and fails on EOF.
func (p *Prompt) AskConflict(ctx context.Context, c Context) (types.Decision, error) {
	fmt.Fprintf(p.out, "\n%s already exists on %s (%s)\n", c.Path, c.Serial, c.Role)
	fmt.Fprintf(p.out, "  local %s, device %s\n", humanize.Bytes(uint64(c.LocalSize)), humanize.Bytes(uint64(c.RemoteSize)))

	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		fmt.Fprint(p.out, "[s]kip, [S]kip all, [o]verwrite, [O]verwrite all, [c]ancel: ")

		line, err := p.in.ReadString('\n')
		if answer := strings.TrimSpace(line); answer != "" {
			if decision, perr := types.ParseDecision(answer); perr == nil {
				return decision, nil
			}
			fmt.Fprintf(p.out, "unrecognised answer %q\n", answer)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return "", fmt.Errorf("reading conflict answer: %w", io.ErrUnexpectedEOF)
			}
			return "", fmt.Errorf("reading conflict answer: %w", err)
		}
	}
}
