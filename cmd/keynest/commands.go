package main

import (
	"fmt"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/atotto/clipboard"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/Hussein-Mazeh/keynest/auth"
	"github.com/Hussein-Mazeh/keynest/internal/config"
	"github.com/Hussein-Mazeh/keynest/keystore"
	"github.com/Hussein-Mazeh/keynest/krypto"
)

// validateNew applies the configured password policy to a new password.
func (a *app) validateNew(cmd *cobra.Command, pw []byte) error {
	if !a.cfg.Policy.Enabled {
		return nil
	}
	opts := auth.DefaultValidateOptions()
	opts.MinLength = a.cfg.Policy.MinLength
	opts.MinZXCVBNScore = a.cfg.Policy.MinScore
	opts.UserInputs = []string{"keynest", filepath.Base(a.cfg.Path)}
	if a.cfg.Policy.BreachCheck {
		opts.Breach = auth.NewBreachChecker()
	}
	return auth.ValidateMasterPasswordAdvanced(cmd.Context(), string(pw), opts)
}

// withKeystore opens the keystore, runs fn and closes it again.
func (a *app) withKeystore(fn func(ks *keystore.Keystore) error) error {
	pw, err := a.prompt.password()
	if err != nil {
		return err
	}
	defer krypto.Wipe(pw)

	ks, err := keystore.Open(pw, a.engineConfig())
	if err != nil {
		return err
	}
	defer ks.Close()
	return fn(ks)
}

// secretValue takes the value from args or reads it like a password.
func (a *app) secretValue(args []string) (string, error) {
	if len(args) > 1 {
		return args[1], nil
	}
	v, err := a.prompt.secret("Secret value: ")
	if err != nil {
		return "", fmt.Errorf("read secret value: %w", err)
	}
	defer krypto.Wipe(v)
	return string(v), nil
}

func (a *app) initCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a new empty keystore",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			params, err := krypto.NewKdfParams(a.cfg.KDF.Memory, a.cfg.KDF.Time, a.cfg.KDF.Parallelism)
			if err != nil {
				return err
			}

			pw, err := a.prompt.newPassword(envPassword, "password")
			if err != nil {
				return err
			}
			defer krypto.Wipe(pw)
			if err := a.validateNew(cmd, pw); err != nil {
				return err
			}

			fmt.Fprintln(a.errOut, "Deriving key...")
			ks, err := keystore.Init(pw, a.engineConfig())
			if err != nil {
				return err
			}
			defer ks.Close()

			fmt.Fprintf(a.out, "Created keystore at %s (%s)\n", a.cfg.Path, params)
			return nil
		},
	}
	addKDFFlags(cmd)
	cmd.Flags().Bool("no-policy", false, "skip the password strength policy")
	cmd.Flags().Bool("breach-check", false, "reject passwords found in the Pwned Passwords corpus")
	return cmd
}

func (a *app) setCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "set NAME [VALUE]",
		Short: "Store a new secret (VALUE is read from stdin or a prompt when omitted)",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withKeystore(func(ks *keystore.Keystore) error {
				value, err := a.secretValue(args)
				if err != nil {
					return err
				}
				if force {
					err = ks.Set(args[0], value)
				} else {
					err = ks.Add(args[0], value)
				}
				if err != nil {
					return err
				}
				if err := ks.Save(); err != nil {
					return err
				}
				fmt.Fprintf(a.out, "Stored %q\n", args[0])
				return nil
			})
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite an existing secret")
	return cmd
}

func (a *app) updateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "update NAME [VALUE]",
		Short: "Change the value of an existing secret",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withKeystore(func(ks *keystore.Keystore) error {
				if _, err := ks.Get(args[0]); err != nil {
					return err
				}
				value, err := a.secretValue(args)
				if err != nil {
					return err
				}
				if err := ks.Update(args[0], value); err != nil {
					return err
				}
				if err := ks.Save(); err != nil {
					return err
				}
				fmt.Fprintf(a.out, "Updated %q\n", args[0])
				return nil
			})
		},
	}
}

func (a *app) getCmd() *cobra.Command {
	var clip bool
	cmd := &cobra.Command{
		Use:   "get NAME",
		Short: "Print a secret value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withKeystore(func(ks *keystore.Keystore) error {
				value, err := ks.Get(args[0])
				if err != nil {
					return err
				}
				if !clip {
					fmt.Fprintln(a.out, value)
					return nil
				}
				write := a.clip
				if write == nil {
					write = clipboard.WriteAll
				}
				if err := write(value); err != nil {
					return userError{msg: fmt.Sprintf("copy to clipboard: %v", err)}
				}
				fmt.Fprintf(a.errOut, "Copied %q to the clipboard\n", args[0])
				return nil
			})
		},
	}
	cmd.Flags().BoolVarP(&clip, "clip", "c", false, "copy to the clipboard instead of printing")
	return cmd
}

func (a *app) removeCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "remove NAME",
		Aliases: []string{"rm"},
		Short:   "Delete a secret",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withKeystore(func(ks *keystore.Keystore) error {
				if err := ks.Remove(args[0]); err != nil {
					return err
				}
				if err := ks.Save(); err != nil {
					return err
				}
				fmt.Fprintf(a.out, "Removed %q\n", args[0])
				return nil
			})
		},
	}
}

func (a *app) listCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List secret names",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withKeystore(func(ks *keystore.Keystore) error {
				entries, err := ks.List()
				if err != nil {
					return err
				}
				if len(entries) == 0 {
					fmt.Fprintln(a.errOut, "No secrets stored")
					return nil
				}
				if !all {
					for _, e := range entries {
						fmt.Fprintln(a.out, e.Name)
					}
					return nil
				}
				w := tabwriter.NewWriter(a.out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "NAME\tVALUE\tUPDATED")
				for _, e := range entries {
					fmt.Fprintf(w, "%s\t%s\t%s\n", e.Name, e.Value, humanize.Time(e.UpdatedAt))
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().BoolVarP(&all, "all", "a", false, "also print values and update times")
	return cmd
}

func (a *app) infoCmd() *cobra.Command {
	var unlock bool
	cmd := &cobra.Command{
		Use:   "info",
		Short: "Show keystore metadata (no password needed unless --unlock)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !unlock {
				info, err := keystore.ReadInfo(a.cfg.Path)
				if err != nil {
					return err
				}
				a.printInfo(info)
				return nil
			}
			return a.withKeystore(func(ks *keystore.Keystore) error {
				info, err := ks.Info()
				if err != nil {
					return err
				}
				a.printInfo(info)
				return nil
			})
		},
	}
	cmd.Flags().BoolVarP(&unlock, "unlock", "u", false, "decrypt to also show the secret count and creation date")
	return cmd
}

func (a *app) printInfo(info keystore.Info) {
	w := tabwriter.NewWriter(a.out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Path:\t%s\n", info.Path)
	fmt.Fprintf(w, "Size:\t%s\n", humanize.IBytes(uint64(info.Size)))
	fmt.Fprintf(w, "Format version:\t%d\n", info.Version)
	fmt.Fprintf(w, "Cipher:\t%s (%d-byte nonce)\n", info.Cipher, info.NonceLen)
	fmt.Fprintf(w, "KDF:\t%s, memory %s, time %d, parallelism %d\n",
		info.KDFAlgorithm,
		humanize.IBytes(uint64(info.KDF.MemoryKiB)*1024),
		info.KDF.Time,
		info.KDF.Parallelism)
	if !info.CreatedAt.IsZero() {
		fmt.Fprintf(w, "Created:\t%s (%s)\n", info.CreatedAt.Local().Format(time.RFC3339), humanize.Time(info.CreatedAt))
		fmt.Fprintf(w, "Secrets:\t%s\n", humanize.Comma(int64(info.Secrets)))
		fmt.Fprintf(w, "Store ID:\t%s\n", info.StoreID)
	}
	w.Flush()
}

func (a *app) rekeyCmd() *cobra.Command {
	var changePassword bool
	cmd := &cobra.Command{
		Use:   "rekey",
		Short: "Re-derive the key with a fresh salt, optionally changing password or KDF cost",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withKeystore(func(ks *keystore.Keystore) error {
				var params *krypto.KdfParams
				if kdfFlagsChanged(cmd) {
					p, err := a.rekeyParams(cmd, ks.KDF())
					if err != nil {
						return err
					}
					params = &p
				}

				var newPw []byte
				if changePassword {
					pw, err := a.prompt.newPassword(envNewPassword, "password")
					if err != nil {
						return err
					}
					defer krypto.Wipe(pw)
					if err := a.validateNew(cmd, pw); err != nil {
						return err
					}
					newPw = pw
				}

				fmt.Fprintln(a.errOut, "Deriving key...")
				if err := ks.Rekey(newPw, params); err != nil {
					return err
				}
				fmt.Fprintf(a.out, "Rekeyed %s (%s)\n", ks.Path(), ks.KDF())
				return nil
			})
		},
	}
	addKDFFlags(cmd)
	cmd.Flags().BoolVarP(&changePassword, "change-password", "p", false, "prompt for a new password")
	cmd.Flags().Bool("no-policy", false, "skip the password strength policy")
	cmd.Flags().Bool("breach-check", false, "reject passwords found in the Pwned Passwords corpus")
	return cmd
}

// rekeyParams overlays the --kdf-* flags given on cmd onto the keystore's
// current parameters.
func (a *app) rekeyParams(cmd *cobra.Command, current krypto.KdfParams) (krypto.KdfParams, error) {
	m, t, p := current.MemoryKiB, current.Time, current.Parallelism
	if cmd.Flags().Changed("kdf-memory") {
		m = a.cfg.KDF.Memory
	}
	if cmd.Flags().Changed("kdf-time") {
		t = a.cfg.KDF.Time
	}
	if cmd.Flags().Changed("kdf-parallelism") {
		p = a.cfg.KDF.Parallelism
	}
	return krypto.NewKdfParams(m, t, p)
}

func (a *app) configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or write the configuration file",
	}

	var system bool
	write := &cobra.Command{
		Use:   "write",
		Short: "Write the effective configuration to keynest.yaml",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := a.cfg
			path, err := config.WriteConfigFile(&c, system)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "Wrote %s\n", path)
			return nil
		},
	}
	write.Flags().BoolVar(&system, "system", false, "write the system-wide file instead of the user file")

	show := &cobra.Command{
		Use:   "path",
		Short: "Print the resolved keystore path",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(a.out, a.cfg.Path)
			return nil
		},
	}

	cmd.AddCommand(write, show)
	return cmd
}
