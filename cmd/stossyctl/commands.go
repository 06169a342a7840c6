package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/prometheus/common/version"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/kenneth/stossymoji/internal/api"
	"github.com/kenneth/stossymoji/internal/blobstore"
	"github.com/kenneth/stossymoji/internal/config"
	"github.com/kenneth/stossymoji/internal/crypto"
	"github.com/kenneth/stossymoji/internal/emoji"
	"github.com/kenneth/stossymoji/internal/metrics"
	"github.com/kenneth/stossymoji/internal/render"
)

var (
	buildVersion = "dev"
	buildCommit  = "unknown"
)

// cliEnv holds everything a command touches outside its arguments.
type cliEnv struct {
	stdout    io.Writer
	stderr    io.Writer
	stdin     io.Reader
	readFile  func(name string) ([]byte, error)
	openStore func(ctx context.Context, cfg *config.Config, creds crypto.Credentials, logger *logrus.Logger) (blobstore.Store, error)
}

func defaultEnv() *cliEnv {
	return &cliEnv{
		stdout:    os.Stdout,
		stderr:    os.Stderr,
		stdin:     os.Stdin,
		readFile:  os.ReadFile,
		openStore: openStore,
	}
}

func openStore(ctx context.Context, cfg *config.Config, creds crypto.Credentials, logger *logrus.Logger) (blobstore.Store, error) {
	var s3Store blobstore.Store
	if cfg.Store.Backend == config.BackendS3 {
		s, err := blobstore.NewS3Store(ctx, cfg.Store.S3)
		if err != nil {
			return nil, err
		}
		s3Store = s
	}
	return api.NewStoreFactory(s3Store, logger)(cfg, creds)
}

type globalOptions struct {
	configPath string
	storeID    string
	token      string
	verbose    bool
}

// session is the per-invocation state shared by the subcommands.
type session struct {
	env    *cliEnv
	opts   globalOptions
	logger *logrus.Logger
	cfg    *config.Config
	creds  crypto.Credentials
}

func (s *session) load() error {
	s.logger = logrus.New()
	s.logger.SetOutput(s.env.stderr)
	s.logger.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
	s.logger.SetLevel(logrus.WarnLevel)
	if s.opts.verbose {
		s.logger.SetLevel(logrus.DebugLevel)
	}

	cfg, err := config.Load(s.opts.configPath, func(c *config.Config) {
		if s.opts.storeID != "" {
			c.Store.ID = s.opts.storeID
		}
		if s.opts.token != "" {
			c.Store.Token = s.opts.token
		}
		// Every command acts with one set of credentials.
		c.Store.UseClientCredentials = false
	})
	if err != nil {
		return err
	}
	s.cfg = cfg
	s.creds = cfg.Store.Credentials()
	s.logger.WithFields(logrus.Fields{
		"store":   s.creds.StoreIdentifier(),
		"backend": cfg.Store.Backend,
		"cipher":  cfg.Cipher.Algorithm,
	}).Debug("Configuration loaded")
	return nil
}

func (s *session) cipher() (*crypto.NameCipher, error) {
	return crypto.NewNameCipher(s.creds, crypto.WithAlgorithm(s.cfg.Cipher.Algorithm))
}

func (s *session) service(ctx context.Context) (*emoji.Service, error) {
	cipher, err := s.cipher()
	if err != nil {
		return nil, err
	}
	store, err := s.env.openStore(ctx, s.cfg, s.creds, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open blob store: %w", err)
	}
	return emoji.NewService(store, cipher, s.logger,
		emoji.WithPrefix(s.cfg.Store.Prefix),
		emoji.WithBackendName(s.cfg.Store.Backend),
	)
}

func (s *session) printJSON(v interface{}) error {
	enc := json.NewEncoder(s.env.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// readInput reads a file argument, or stdin for "-".
func (s *session) readInput(name string) ([]byte, error) {
	if name == "-" {
		return io.ReadAll(s.env.stdin)
	}
	return s.env.readFile(name)
}

func newRootCommand(env *cliEnv) *cobra.Command {
	s := &session{env: env}

	root := &cobra.Command{
		Use:           "stossyctl",
		Short:         "Manage custom emoji with encrypted names.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(env.stdout)
	root.SetErr(env.stderr)
	root.SetIn(env.stdin)

	flags := root.PersistentFlags()
	flags.StringVarP(&s.opts.configPath, "config", "c", os.Getenv("CONFIG_PATH"), "path to the YAML configuration file")
	flags.StringVar(&s.opts.storeID, "store-id", "", "store id (overrides config and STORE_ID)")
	flags.StringVar(&s.opts.token, "token", "", "store secret token (overrides config and STORE_TOKEN)")
	flags.BoolVarP(&s.opts.verbose, "verbose", "v", false, "log debug output to stderr")

	root.AddCommand(newListCommand(s))
	root.AddCommand(newUploadCommand(s))
	root.AddCommand(newDeleteCommand(s))
	root.AddCommand(newRenameCommand(s))
	root.AddCommand(newRenderCommand(s))
	root.AddCommand(newNativeCommand(s))
	root.AddCommand(newEncryptCommand(s))
	root.AddCommand(newDecryptCommand(s))
	root.AddCommand(newKeyCommand(s))
	root.AddCommand(newVersionCommand(s))
	return root
}

// withSession loads configuration before running fn.
func withSession(s *session, fn func(cmd *cobra.Command, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		if err := s.load(); err != nil {
			return err
		}
		return fn(cmd, args)
	}
}

func newListCommand(s *session) *cobra.Command {
	var (
		limit  int
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored emoji with their decrypted names.",
		Args:  cobra.NoArgs,
		RunE: withSession(s, func(cmd *cobra.Command, args []string) error {
			if limit < 0 {
				return fmt.Errorf("--limit must not be negative")
			}
			svc, err := s.service(cmd.Context())
			if err != nil {
				return err
			}
			records, err := svc.List(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if asJSON {
				return s.printJSON(records)
			}

			tw := tabwriter.NewWriter(s.env.stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tSIZE\tID")
			for _, rec := range records {
				name := rec.DisplayName
				if !rec.Decrypted {
					name += " (encrypted)"
				}
				fmt.Fprintf(tw, "%s\t%d\t%s\n", name, rec.SizeBytes, rec.ID)
			}
			return tw.Flush()
		}),
	}
	cmd.Flags().IntVar(&limit, "limit", emoji.DefaultListLimit, "maximum number of emoji to list")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print records as JSON")
	return cmd
}

func newUploadCommand(s *session) *cobra.Command {
	var name, contentType string
	cmd := &cobra.Command{
		Use:   "upload <file|->",
		Short: "Upload an image under an encrypted name.",
		Args:  cobra.ExactArgs(1),
		RunE: withSession(s, func(cmd *cobra.Command, args []string) error {
			data, err := s.readInput(args[0])
			if err != nil {
				return err
			}
			svc, err := s.service(cmd.Context())
			if err != nil {
				return err
			}
			filename := args[0]
			if filename == "-" {
				filename = ""
			}
			rec, err := svc.Upload(cmd.Context(), emoji.UploadRequest{
				Data:        data,
				Filename:    filename,
				DisplayName: name,
				ContentType: contentType,
			})
			if err != nil {
				return err
			}
			return s.printJSON(rec)
		}),
	}
	cmd.Flags().StringVar(&name, "name", "", "emoji name (defaults to the file name)")
	cmd.Flags().StringVar(&contentType, "content-type", "", "image MIME type (defaults to one derived from the file name)")
	return cmd
}

func newDeleteCommand(s *session) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a stored emoji by its object id.",
		Args:  cobra.ExactArgs(1),
		RunE: withSession(s, func(cmd *cobra.Command, args []string) error {
			svc, err := s.service(cmd.Context())
			if err != nil {
				return err
			}
			name := svc.DisplayName(args[0])
			if err := svc.Delete(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(s.env.stdout, "deleted %s (%s)\n", name, args[0])
			return nil
		}),
	}
}

func newRenameCommand(s *session) *cobra.Command {
	var contentType string
	cmd := &cobra.Command{
		Use:   "rename <id> <new-name> <file|->",
		Short: "Re-upload an emoji under a new name.",
		Long: "Rename deletes the old object and uploads the image again under the new name.\n" +
			"It exits with status 2 when the old object is gone but the upload failed.",
		Args: cobra.ExactArgs(3),
		RunE: withSession(s, func(cmd *cobra.Command, args []string) error {
			data, err := s.readInput(args[2])
			if err != nil {
				return err
			}
			svc, err := s.service(cmd.Context())
			if err != nil {
				return err
			}
			oldName := svc.DisplayName(args[0])
			result, err := svc.Rename(cmd.Context(), emoji.RenameRequest{
				Data:        data,
				OldID:       args[0],
				NewName:     args[1],
				ContentType: contentType,
			})
			if result != nil && result.Outcome == emoji.RenameDeletedButUploadFailed {
				_ = s.printJSON(result)
				return newCLIExitError(exitCodePartialRename, err)
			}
			if err != nil {
				return err
			}
			if result.Record != nil {
				fmt.Fprintf(s.env.stderr, "renamed %s to %s\n", oldName, result.Record.DisplayName)
			}
			return s.printJSON(result)
		}),
	}
	cmd.Flags().StringVar(&contentType, "content-type", "", "image MIME type")
	return cmd
}

func newRenderCommand(s *session) *cobra.Command {
	return &cobra.Command{
		Use:   "render [text]",
		Short: "Rewrite emoji shortcodes and links in chat text into image markdown.",
		Long:  "Render reads the text from its arguments, or from stdin when none are given.",
		RunE: withSession(s, func(cmd *cobra.Command, args []string) error {
			text := strings.Join(args, " ")
			if len(args) == 0 {
				data, err := io.ReadAll(s.env.stdin)
				if err != nil {
					return err
				}
				text = string(data)
			}

			var decrypter render.SegmentDecrypter
			if cipher, err := s.cipher(); err == nil {
				decrypter = cipher
			} else {
				s.logger.WithError(err).Debug("Rendering without name decryption")
			}
			rewriter := render.NewRewriter(decrypter, render.WithNativeCDN(s.cfg.Render.NativeCDN))
			out := rewriter.Rewrite(text)
			if !strings.HasSuffix(out, "\n") {
				out += "\n"
			}
			_, err := io.WriteString(s.env.stdout, out)
			return err
		}),
	}
}

func newNativeCommand(s *session) *cobra.Command {
	return &cobra.Command{
		Use:   "native <emoji://id>",
		Short: "Print the CDN image URL for a native emoji reference.",
		Args:  cobra.ExactArgs(1),
		RunE: withSession(s, func(cmd *cobra.Command, args []string) error {
			rewriter := render.NewRewriter(nil, render.WithNativeCDN(s.cfg.Render.NativeCDN))
			u, err := rewriter.ResolveNativeURL(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(s.env.stdout, u)
			return nil
		}),
	}
}

func newEncryptCommand(s *session) *cobra.Command {
	return &cobra.Command{
		Use:   "encrypt <name>",
		Short: "Encrypt an emoji name into a URL-safe token.",
		Args:  cobra.ExactArgs(1),
		RunE: withSession(s, func(cmd *cobra.Command, args []string) error {
			cipher, err := s.cipher()
			if err != nil {
				return err
			}
			token, err := cipher.Encrypt(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(s.env.stdout, token)
			return nil
		}),
	}
}

func newDecryptCommand(s *session) *cobra.Command {
	return &cobra.Command{
		Use:   "decrypt <token>",
		Short: "Decrypt a token produced with the same credentials.",
		Args:  cobra.ExactArgs(1),
		RunE: withSession(s, func(cmd *cobra.Command, args []string) error {
			cipher, err := s.cipher()
			if err != nil {
				return err
			}
			name, err := cipher.Decrypt(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(s.env.stdout, name)
			return nil
		}),
	}
}

func newKeyCommand(s *session) *cobra.Command {
	return &cobra.Command{
		Use:   "key",
		Short: "Print the hex name key derived from the store credentials.",
		Args:  cobra.NoArgs,
		RunE: withSession(s, func(cmd *cobra.Command, args []string) error {
			if err := s.creds.Validate(); err != nil {
				return err
			}
			fmt.Fprintln(s.env.stdout, hex.EncodeToString(crypto.DeriveKey(s.creds)))
			return nil
		}),
	}
}

func newVersionCommand(s *session) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			metrics.SetVersion(buildVersion, buildCommit)
			fmt.Fprintln(s.env.stdout, version.Print("stossyctl"))
			return nil
		},
	}
}
