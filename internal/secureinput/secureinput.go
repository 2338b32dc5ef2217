// Package secureinput reads secrets from a terminal without echoing them.
package secureinput

import (
	"fmt"
	"os"
	"syscall"

	"golang.org/x/term"
)

// ReadPassword prints prompt, reads a line from stdin with echo disabled,
// and returns it without the trailing newline.
func ReadPassword(prompt string) (string, error) {
	fmt.Fprint(os.Stdout, prompt)
	password, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stdout)
	if err != nil {
		return "", fmt.Errorf("secureinput: read password: %w", err)
	}
	return string(password), nil
}
