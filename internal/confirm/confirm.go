package confirm

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Confirmer asks the operator to approve a destructive step.
type Confirmer interface {
	Confirm(question string) (bool, error)
}

// Prompter asks on Out and reads the answer from In.
type Prompter struct {
	In  io.Reader
	Out io.Writer
}

// NewPrompter creates a Prompter.
func NewPrompter(in io.Reader, out io.Writer) *Prompter {
	return &Prompter{In: in, Out: out}
}

// Confirm writes "<question> [yes/no]: " and reads one line. Only "yes"
// confirms. End of input declines.
func (p *Prompter) Confirm(question string) (bool, error) {
	if _, err := fmt.Fprintf(p.Out, "%s [yes/no]: ", question); err != nil {
		return false, fmt.Errorf("writing prompt: %w", err)
	}
	line, err := bufio.NewReader(p.In).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, fmt.Errorf("reading answer: %w", err)
	}
	return strings.EqualFold(strings.TrimSpace(line), "yes"), nil
}

// Always answers every question with a fixed value.
type Always bool

// Confirm returns the fixed answer.
func (a Always) Confirm(string) (bool, error) {
	return bool(a), nil
}
