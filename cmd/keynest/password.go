package main

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/Hussein-Mazeh/keynest/krypto"
)

const (
	envPassword    = "KEYNEST_PASSWORD"
	envNewPassword = "KEYNEST_NEW_PASSWORD"
)

// prompter reads passwords and secret values. Sources are tried in order:
// environment variable, piped stdin (one line per value), terminal prompt.
type prompter struct {
	in         *bufio.Reader
	errOut     io.Writer
	getenv     func(string) string
	isTerminal func() bool
	readSecret func() ([]byte, error)
}

func (p *prompter) readLine() ([]byte, error) {
	line, err := p.in.ReadBytes('\n')
	if err != nil && !(errors.Is(err, io.EOF) && len(line) > 0) {
		if errors.Is(err, io.EOF) {
			return nil, userError{msg: "unexpected end of input"}
		}
		return nil, err
	}
	line = bytes.TrimRight(line, "\r\n")
	return line, nil
}

// secret reads one value without echo.
func (p *prompter) secret(prompt string) ([]byte, error) {
	if !p.isTerminal() {
		return p.readLine()
	}
	fmt.Fprint(p.errOut, prompt)
	b, err := p.readSecret()
	fmt.Fprintln(p.errOut)
	return b, err
}

// password returns the password of an existing keystore.
func (p *prompter) password() ([]byte, error) {
	if v := p.getenv(envPassword); v != "" {
		return []byte(v), nil
	}
	pw, err := p.secret("Keystore password: ")
	if err != nil {
		return nil, fmt.Errorf("read password: %w", err)
	}
	if len(pw) == 0 {
		return nil, userError{msg: "password must not be empty"}
	}
	return pw, nil
}

// newPassword reads a password twice unless it comes from env.
func (p *prompter) newPassword(env, what string) ([]byte, error) {
	if v := p.getenv(env); v != "" {
		return []byte(v), nil
	}
	pw, err := p.secret("New " + what + ": ")
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", what, err)
	}
	if len(pw) == 0 {
		return nil, userError{msg: what + " must not be empty"}
	}
	confirm, err := p.secret("Confirm " + what + ": ")
	if err != nil {
		krypto.Wipe(pw)
		return nil, fmt.Errorf("read confirmation: %w", err)
	}
	defer krypto.Wipe(confirm)
	if !bytes.Equal(pw, confirm) {
		krypto.Wipe(pw)
		return nil, userError{msg: what + "s do not match"}
	}
	return pw, nil
}
