package main

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/ruteri/configserver/api/clients"
	"github.com/ruteri/configserver/cmd/flags"
	"github.com/ruteri/configserver/config"
	"github.com/ruteri/configserver/cryptoutils"
	"github.com/ruteri/configserver/kms"
	"github.com/urfave/cli/v2"
	"golang.org/x/term"
)

var encryptCommand = &cli.Command{
	Name:      "encrypt",
	Usage:     "seal a value, remotely with --server or locally with --config",
	ArgsUsage: "[value|-]",
	Flags: append([]cli.Flag{
		flags.ServerAddrFlag,
		flags.ConfigFileFlag,
		flags.KeyIDFlag,
	}, flags.LogFlags...),
	Action: func(cCtx *cli.Context) error {
		plaintext, err := readInput(cCtx, "Value to encrypt: ")
		if err != nil {
			return err
		}
		defer cryptoutils.Wipe(plaintext)
		if len(plaintext) == 0 {
			return errors.New("nothing to encrypt")
		}

		keyID := cCtx.String(flags.KeyIDFlag.Name)
		if addr := cCtx.String(flags.ServerAddrFlag.Name); addr != "" {
			resp, err := clients.NewConfigServerClient(addr).Encrypt(cCtx.Context, plaintext, keyID)
			if err != nil {
				return err
			}
			fmt.Fprintln(cCtx.App.Writer, resp.Token)
			return nil
		}

		ks, cfg, err := localKeyStore(cCtx)
		if err != nil {
			return err
		}
		defer ks.Close()

		key, err := localKey(ks, cfg, keyID)
		if err != nil {
			return err
		}

		token, err := cryptoutils.EncryptText(plaintext, key)
		if err != nil {
			return err
		}
		fmt.Fprintln(cCtx.App.Writer, string(token))
		return nil
	},
}

var tokenizeCommand = &cli.Command{
	Name:  "tokenize",
	Usage: "seal every {enc:<plaintext>} placeholder of a text file, remotely with --server or locally with --config",
	Flags: append([]cli.Flag{
		&cli.StringFlag{Name: "file", Aliases: []string{"f"}, Usage: "file to tokenize", Required: true},
		&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Usage: "destination file, the input file is overwritten when empty"},
		flags.ServerAddrFlag,
		flags.ConfigFileFlag,
		flags.KeyIDFlag,
	}, flags.LogFlags...),
	Action: func(cCtx *cli.Context) error {
		in := cCtx.String("file")
		info, err := os.Stat(in)
		if err != nil {
			return err
		}
		document, err := os.ReadFile(in)
		if err != nil {
			return err
		}
		defer cryptoutils.Wipe(document)

		sealed, err := tokenize(cCtx, document)
		if err != nil {
			return fmt.Errorf("could not tokenize %s: %w", in, err)
		}

		out := cCtx.String("out")
		if out == "" {
			out = in
		}
		return os.WriteFile(out, sealed, info.Mode().Perm())
	},
}

func tokenize(cCtx *cli.Context, document []byte) ([]byte, error) {
	keyID := cCtx.String(flags.KeyIDFlag.Name)
	if addr := cCtx.String(flags.ServerAddrFlag.Name); addr != "" {
		return clients.NewConfigServerClient(addr).Tokenize(cCtx.Context, document, keyID)
	}

	ks, cfg, err := localKeyStore(cCtx)
	if err != nil {
		return nil, err
	}
	defer ks.Close()

	key, err := localKey(ks, cfg, keyID)
	if err != nil {
		return nil, err
	}
	sealed, _, err := cryptoutils.SealPlaceholders(document, key)
	return sealed, err
}

var decryptCommand = &cli.Command{
	Name:      "decrypt",
	Usage:     "open a sealed value or expand the values sealed in a file, using local keys",
	ArgsUsage: "[token|-]",
	Flags:     append([]cli.Flag{requiredConfigFlag}, flags.LogFlags...),
	Action: func(cCtx *cli.Context) error {
		input, err := readInput(cCtx, "Token to decrypt: ")
		if err != nil {
			return err
		}

		ks, _, err := localKeyStore(cCtx)
		if err != nil {
			return err
		}
		defer ks.Close()

		plaintext, err := cryptoutils.ExpandEnvelopes(input, ks)
		if err != nil {
			return err
		}
		defer cryptoutils.Wipe(plaintext)
		_, err = cCtx.App.Writer.Write(plaintext)
		return err
	},
}

var keygenCommand = &cli.Command{
	Name:  "keygen",
	Usage: "generate a key file, or a master seed for the derived key provider",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "out", Usage: "directory to write the key file to"},
		&cli.StringFlag{Name: "id", Usage: "key identifier"},
		&cli.StringFlag{Name: "algorithm", Value: cryptoutils.AES256GCM.String(), Usage: "aes-256-gcm or xchacha20-poly1305"},
		&cli.BoolFlag{Name: "master", Usage: "generate a master seed instead of a key file"},
		&cli.IntFlag{Name: "shares", Usage: "split the master seed into this many shares"},
		&cli.IntFlag{Name: "threshold", Usage: "shares required to reconstruct the master seed"},
	},
	Action: func(cCtx *cli.Context) error {
		if cCtx.Bool("master") {
			return generateMasterSeed(cCtx.App.Writer, cCtx.Int("shares"), cCtx.Int("threshold"))
		}

		dir, id := cCtx.String("out"), cCtx.String("id")
		if dir == "" || id == "" {
			return errors.New("--out and --id are required")
		}
		alg, err := cryptoutils.ParseAlgorithm(cCtx.String("algorithm"))
		if err != nil {
			return err
		}

		key, err := cryptoutils.GenerateKeyMaterial(id, alg)
		if err != nil {
			return err
		}
		defer key.Zero()

		path, err := kms.WriteKeyFile(dir, key)
		if err != nil {
			return err
		}
		fmt.Fprintln(cCtx.App.Writer, path)
		return nil
	},
}

var statusCommand = &cli.Command{
	Name:  "status",
	Usage: "show the repository statuses of a running server",
	Flags: []cli.Flag{flags.ServerAddrFlag},
	Action: func(cCtx *cli.Context) error {
		addr := cCtx.String(flags.ServerAddrFlag.Name)
		if addr == "" {
			return fmt.Errorf("--%s is required", flags.ServerAddrFlag.Name)
		}
		statuses, err := clients.NewConfigServerClient(addr).Repositories(cCtx.Context)
		if err != nil {
			return err
		}
		for _, s := range statuses {
			line := fmt.Sprintf("%s\t%s\tgeneration=%d\trevision=%s", s.Repository, s.State, s.Generation, s.Revision)
			if s.LastError != "" {
				line += "\terror=" + s.LastError
			}
			fmt.Fprintln(cCtx.App.Writer, line)
		}
		return nil
	},
}

func generateMasterSeed(w io.Writer, shares, threshold int) error {
	seed, err := cryptoutils.GenerateKeyMaterial("master", cryptoutils.AES256GCM)
	if err != nil {
		return err
	}
	defer seed.Zero()

	secret := seed.Secret()
	defer cryptoutils.Wipe(secret)

	if shares <= 1 {
		fmt.Fprintln(w, hex.EncodeToString(secret))
		return nil
	}

	parts, err := kms.SplitMasterSeed(secret, shares, threshold)
	if err != nil {
		return err
	}
	for _, p := range parts {
		fmt.Fprintln(w, p)
	}
	return nil
}

func localKeyStore(cCtx *cli.Context) (*kms.StaticKeyStore, *config.Config, error) {
	path := cCtx.String(flags.ConfigFileFlag.Name)
	if path == "" {
		return nil, nil, fmt.Errorf("--%s or --%s is required", flags.ServerAddrFlag.Name, flags.ConfigFileFlag.Name)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}

	log := flags.SetupLogger(cCtx)
	if !cCtx.Bool(flags.LogDebugFlag.Name) {
		log = slog.New(slog.DiscardHandler)
	}
	ks, err := cfg.BuildKeyStore(cCtx.Context, log)
	if err != nil {
		return nil, nil, err
	}
	return ks, cfg, nil
}

// localKey picks keyID, else the configured default key, else the only key of ks.
func localKey(ks *kms.StaticKeyStore, cfg *config.Config, keyID string) (*cryptoutils.KeyMaterial, error) {
	if keyID == "" {
		keyID = cfg.Server.DefaultKeyID
	}
	if keyID == "" {
		ids := ks.KeyIDs()
		if len(ids) != 1 {
			return nil, fmt.Errorf("--%s is required, available keys: %s", flags.KeyIDFlag.Name, strings.Join(ids, ", "))
		}
		keyID = ids[0]
	}
	return ks.Key(keyID)
}

// readInput returns the first argument, or reads standard input when it is
// absent or "-". A terminal is prompted without echo.
func readInput(cCtx *cli.Context, prompt string) ([]byte, error) {
	if arg := cCtx.Args().First(); arg != "" && arg != "-" {
		return []byte(arg), nil
	}

	if f, ok := cCtx.App.Reader.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(cCtx.App.ErrWriter, prompt)
		value, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(cCtx.App.ErrWriter)
		return value, err
	}

	data, err := io.ReadAll(cCtx.App.Reader)
	if err != nil {
		return nil, err
	}
	return bytes.TrimRight(data, "\r\n"), nil
}
