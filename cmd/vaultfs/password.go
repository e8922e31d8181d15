package main

import (
	"bytes"
	"crypto/subtle"
	"errors"
	"fmt"
	"os"

	"golang.org/x/term"
)

// passwordEnv names the environment variable consulted before prompting.
const passwordEnv = "VAULTFS_PASSWORD"

var errEmptyPassword = errors.New("empty password is not allowed")

// password returns the container password from --password-file, the
// environment or the terminal. confirm asks twice when prompting.
func (a *app) password(confirm bool) ([]byte, error) {
	if a.passwordFile != "" {
		data, err := os.ReadFile(a.passwordFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read password file: %w", err)
		}
		pw := bytes.TrimRight(data, "\r\n")
		if len(pw) == 0 {
			return nil, errEmptyPassword
		}
		return pw, nil
	}
	if env := os.Getenv(passwordEnv); env != "" {
		return []byte(env), nil
	}
	return a.promptPassword(confirm)
}

func (a *app) promptPassword(confirm bool) ([]byte, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return nil, fmt.Errorf("stdin is not a terminal; use --password-file or %s", passwordEnv)
	}

	fmt.Fprint(a.errOut, "Password: ")
	pw, err := term.ReadPassword(fd)
	fmt.Fprintln(a.errOut)
	if err != nil {
		return nil, fmt.Errorf("failed to read password: %w", err)
	}
	if len(pw) == 0 {
		return nil, errEmptyPassword
	}
	if !confirm {
		return pw, nil
	}

	fmt.Fprint(a.errOut, "Confirm password: ")
	again, err := term.ReadPassword(fd)
	fmt.Fprintln(a.errOut)
	defer clear(again)
	if err != nil {
		clear(pw)
		return nil, fmt.Errorf("failed to read password confirmation: %w", err)
	}
	if subtle.ConstantTimeCompare(pw, again) != 1 {
		clear(pw)
		return nil, errors.New("passwords do not match")
	}
	return pw, nil
}
