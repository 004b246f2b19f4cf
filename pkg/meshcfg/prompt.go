package meshcfg

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"golang.org/x/term"
)

// ReadSecret prompts on prompt and reads a line from standard input without
// echoing it, the way the teacher's crypto.ReadPassword reads a mesh secret.
// When standard input is not a terminal it falls back to a plain line read.
func ReadSecret(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	defer fmt.Fprintln(os.Stderr)

	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return readLine(os.Stdin)
	}

	b, err := term.ReadPassword(fd)
	if err != nil {
		return "", fmt.Errorf("meshcfg: read secret: %w", err)
	}
	return string(b), nil
}

// ReadSecretTwice prompts twice and requires both entries to match,
// mirroring crypto.ReadPasswordTwice's confirmation step for first-time
// secret creation.
func ReadSecretTwice(prompt, confirmPrompt string) (string, error) {
	first, err := ReadSecret(prompt)
	if err != nil {
		return "", err
	}
	second, err := ReadSecret(confirmPrompt)
	if err != nil {
		return "", err
	}
	if first != second {
		return "", fmt.Errorf("meshcfg: entries did not match")
	}
	return first, nil
}

func readLine(r io.Reader) (string, error) {
	scanner := bufio.NewScanner(r)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	}
	return scanner.Text(), nil
}
