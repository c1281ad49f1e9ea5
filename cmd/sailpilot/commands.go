package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/cjeanneret/SailPilot/internal/debug"
	"github.com/cjeanneret/SailPilot/internal/logic/helm"
)

// command is one helm instruction given on the command line.
type command struct {
	name string
	args []int
}

func (c command) String() string {
	parts := []string{c.name}
	for _, a := range c.args {
		parts = append(parts, strconv.Itoa(a))
	}
	return strings.Join(parts, " ")
}

// arity lists the accepted argument counts of each command.
var arity = map[string][]int{
	"center":      {0},
	"winch":       {1},
	"normalized":  {1, 3},
	"rudder":      {1},
	"from-center": {1},
	"heel":        {1},
}

// parseCommands splits args into commands. Every word that is not an
// integer starts a new command; the integers that follow are its arguments.
func parseCommands(args []string) ([]command, error) {
	var cmds []command
	for _, word := range args {
		if n, err := strconv.Atoi(word); err == nil {
			if len(cmds) == 0 {
				return nil, fmt.Errorf("argument %d given before any command", n)
			}
			last := &cmds[len(cmds)-1]
			last.args = append(last.args, n)
			continue
		}
		if _, ok := arity[word]; !ok {
			return nil, fmt.Errorf("unknown command %q", word)
		}
		cmds = append(cmds, command{name: word})
	}

	for _, c := range cmds {
		ok := false
		for _, n := range arity[c.name] {
			if len(c.args) == n {
				ok = true
			}
		}
		if !ok {
			return nil, fmt.Errorf("%s: expected %v arguments, got %d", c.name, arity[c.name], len(c.args))
		}
	}
	return cmds, nil
}

// errNothingToDo is returned by checkMode when neither commands nor -web
// were given.
var errNothingToDo = errors.New("no command and no -web")

// checkMode accepts either positional commands or a web port, not both.
func checkMode(webPort int, cmds []command) error {
	switch {
	case webPort > 0 && len(cmds) > 0:
		return fmt.Errorf("-web cannot be combined with commands (got %q)", cmds[0].String())
	case webPort == 0 && len(cmds) == 0:
		return errNothingToDo
	}
	return nil
}

// runCommands executes cmds in order, stopping at the first failure.
func runCommands(ctx context.Context, h *helm.Helm, cmds []command) error {
	for i, c := range cmds {
		debug.Step(i+1, c.String())
		if err := c.run(ctx, h); err != nil {
			return fmt.Errorf("%s: %w", c, err)
		}
	}
	return nil
}

func (c command) run(ctx context.Context, h *helm.Helm) error {
	switch c.name {
	case "center":
		return h.Center(ctx)
	case "winch":
		return h.WinchTo(ctx, c.args[0])
	case "normalized":
		if len(c.args) == 3 {
			return h.NormalizedWinchToRange(ctx, c.args[0], c.args[1], c.args[2])
		}
		return h.NormalizedWinchTo(ctx, c.args[0])
	case "rudder":
		return h.RudderTo(ctx, c.args[0])
	case "from-center":
		return h.RudderFromCenter(ctx, c.args[0])
	case "heel":
		h.SetHeelOffset(c.args[0])
		return nil
	default:
		return fmt.Errorf("unknown command %q", c.name)
	}
}
