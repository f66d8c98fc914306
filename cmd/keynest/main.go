// Command keynest manages a password-protected secrets file from the shell.
package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/awnumar/memguard"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/Hussein-Mazeh/keynest/auth"
	"github.com/Hussein-Mazeh/keynest/internal/config"
	"github.com/Hussein-Mazeh/keynest/internal/logging"
	"github.com/Hussein-Mazeh/keynest/keystore"
)

var version = "dev"

type userError struct {
	msg string
}

func (e userError) Error() string { return e.msg }

func main() {
	memguard.CatchInterrupt()
	code := run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr, os.Getenv)
	memguard.Purge()
	os.Exit(code)
}

func run(args []string, stdin *os.File, stdout, stderr io.Writer, getenv func(string) string) int {
	fd := int(stdin.Fd())
	a := &app{
		out:    stdout,
		errOut: stderr,
		prompt: &prompter{
			in:         bufio.NewReader(stdin),
			errOut:     stderr,
			getenv:     getenv,
			isTerminal: func() bool { return term.IsTerminal(fd) },
			readSecret: func() ([]byte, error) { return term.ReadPassword(fd) },
		},
	}
	return a.execute(args)
}

// app carries what every subcommand needs once flags are parsed.
type app struct {
	out    io.Writer
	errOut io.Writer
	prompt *prompter

	cfgFile string
	cfg     config.Config
	log     *logrus.Logger
	clip    func(string) error
}

func (a *app) execute(args []string) int {
	root := a.rootCmd()
	root.SetArgs(args)
	root.SetOut(a.out)
	root.SetErr(a.errOut)
	return a.exitCode(root.Execute())
}

func (a *app) exitCode(err error) int {
	if err == nil {
		return 0
	}
	err = describe(err, a.cfg.Path)

	var uerr userError
	if errors.As(err, &uerr) {
		fmt.Fprintln(a.errOut, uerr.Error())
		return 1
	}
	fmt.Fprintf(a.errOut, "unexpected error: %v\n", err)
	return 2
}

// describe turns engine errors into short user-facing messages.
func describe(err error, path string) error {
	var uerr userError
	var perr *auth.PolicyError
	switch {
	case errors.As(err, &uerr):
		return uerr
	case errors.Is(err, keystore.ErrInvalidPasswordOrCorrupted):
		return userError{msg: "invalid password or corrupted keystore"}
	case errors.Is(err, keystore.ErrAlreadyExists):
		return userError{msg: fmt.Sprintf("a keystore already exists at %s", path)}
	case errors.Is(err, keystore.ErrIO) && errors.Is(err, fs.ErrNotExist):
		return userError{msg: fmt.Sprintf("no keystore at %s; run keynest init first", path)}
	case errors.Is(err, keystore.ErrUnsupportedVersion):
		return userError{msg: fmt.Sprintf("%s was written by a newer keynest (%v)", path, err)}
	case errors.Is(err, keystore.ErrFormat):
		return userError{msg: fmt.Sprintf("%s is not a usable keystore: %v", path, err)}
	case errors.Is(err, keystore.ErrLocked):
		return userError{msg: fmt.Sprintf("%s is in use by another keynest process", path)}
	case errors.As(err, &perr):
		return userError{msg: perr.Error()}
	case errors.Is(err, keystore.ErrNotFound),
		errors.Is(err, keystore.ErrSecretExists),
		errors.Is(err, keystore.ErrInvalidName),
		errors.Is(err, keystore.ErrInvalidValue),
		errors.Is(err, keystore.ErrEmptyPassword),
		errors.Is(err, keystore.ErrKdf):
		return userError{msg: err.Error()}
	}
	return err
}

func (a *app) rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keynest",
		Short: "keynest keeps named secrets in a single password-protected file.",
		Long: `keynest stores named secrets in one file encrypted with
XChaCha20-Poly1305 under a key derived from your password with Argon2id.

The password is taken from KEYNEST_PASSWORD, then from piped stdin
(one line), then from an interactive prompt.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&a.cfgFile, "config", "", "config file (default is $XDG_CONFIG_HOME/keynest/keynest.yaml or ./keynest.yaml)")
	pf.String("path", "", "keystore file (default is the per-user data directory)")
	pf.Bool("lock", false, "hold an advisory lock on the keystore while running")
	pf.String("log-level", "warn", "log level (debug, info, warn, error)")
	pf.String("log-format", "text", `log format ("text" or "json")`)

	cmd.AddCommand(
		a.initCmd(),
		a.setCmd(),
		a.getCmd(),
		a.updateCmd(),
		a.removeCmd(),
		a.listCmd(),
		a.infoCmd(),
		a.rekeyCmd(),
		a.configCmd(),
	)
	return cmd
}

func (a *app) setup(cmd *cobra.Command) error {
	cfg, err := config.Load(cmd, a.cfgFile)
	if err != nil {
		return userError{msg: err.Error()}
	}
	a.cfg = cfg

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format, a.errOut)
	if err != nil {
		return userError{msg: err.Error()}
	}
	a.log = logger
	a.log.WithField("path", cfg.Path).Debug("configuration loaded")
	return nil
}

func (a *app) engineConfig() keystore.Config {
	return keystore.Config{
		Path:   a.cfg.Path,
		KDF:    a.cfg.KDF.Params(),
		Logger: a.log,
		Lock:   a.cfg.Lock,
	}
}

func addKDFFlags(cmd *cobra.Command) {
	cmd.Flags().Uint32("kdf-memory", 0, "Argon2id memory cost in KiB")
	cmd.Flags().Uint32("kdf-time", 0, "Argon2id iterations")
	cmd.Flags().Uint32("kdf-parallelism", 0, "Argon2id lanes")
}

func kdfFlagsChanged(cmd *cobra.Command) bool {
	for _, name := range []string{"kdf-memory", "kdf-time", "kdf-parallelism"} {
		if cmd.Flags().Changed(name) {
			return true
		}
	}
	return false
}
