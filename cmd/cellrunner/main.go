package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"cellrunner/internal/auth"
	"cellrunner/internal/config"
	"cellrunner/internal/kernel"
	"cellrunner/internal/server"
	"cellrunner/pkg/outputlog"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var (
	configPath string
	stateDir   string
	logLevel   string
	listenAddr string
	allowRoot  bool

	fromStdin     bool
	generateToken bool
	streamName    string
)

// errFailed makes main exit with status 1 without printing anything more.
var errFailed = errors.New("failed")

var rootCmd = &cobra.Command{
	Use:   "cellrunner",
	Short: "cellrunner - C++ notebook kernel",
	Long:  `cellrunner compiles and runs C++ notebook cells and streams their output to the client while they run.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var level slog.Level
		if err := level.UnmarshalText([]byte(logLevel)); err != nil {
			return fmt.Errorf("invalid --log-level %q: %w", logLevel, err)
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
		return nil
	},
}

// checkRootUser returns an error if running as root and allowRoot is false
func checkRootUser(allowRoot bool) error {
	if os.Geteuid() == 0 && !allowRoot {
		return fmt.Errorf("running as root is not allowed for security reasons. Use --allow-root to override")
	}
	return nil
}

// loadConfig reads --config and lets flags override the file.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if stateDir != "" {
		cfg.StateDir = stateDir
	}
	if listenAddr != "" {
		cfg.Listen = listenAddr
	}
	return cfg, nil
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the kernel server",
	Long:  `Start the websocket server. Every connection to /kernel gets its own kernel session.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkRootUser(allowRoot); err != nil {
			return err
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		dir, err := config.GetStateDir(cfg.StateDir, true)
		if err != nil {
			return err
		}

		a, err := auth.New(dir)
		if err != nil {
			return fmt.Errorf("failed to initialize auth: %w", err)
		}
		entries, err := os.ReadDir(filepath.Join(dir, "hashed-tokens"))
		if err != nil {
			return fmt.Errorf("failed to read hashed-tokens directory: %w", err)
		}
		if len(entries) == 0 {
			slog.Warn("No tokens configured yet. Add one with: cellrunner add-token")
		}

		transcripts := filepath.Join(dir, "transcripts")
		newKernel := func(ctx context.Context) (server.Kernel, error) {
			return kernel.New(ctx, cfg, kernel.Options{TranscriptDir: transcripts})
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return server.New(a, newKernel, slog.Default()).Run(ctx, cfg.ListenAddr())
	},
}

// terminalOutput writes cell output to the process's own streams.
type terminalOutput struct {
	stdout io.Writer
	stderr io.Writer
}

func (o terminalOutput) Stdout(text string) { _, _ = io.WriteString(o.stdout, text) }
func (o terminalOutput) Stderr(text string) { _, _ = io.WriteString(o.stderr, text) }

func (o terminalOutput) Display(data map[string]string) {
	_, _ = io.WriteString(o.stdout, data["text/plain"])
}

var execCmd = &cobra.Command{
	Use:           "exec file.cpp",
	Short:         "Compile and run one source file like a notebook cell",
	Args:          cobra.ExactArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		path, err := filepath.Abs(args[0])
		if err != nil {
			return err
		}
		code, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", args[0], err)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		k, err := kernel.New(ctx, cfg, kernel.Options{})
		if err != nil {
			return err
		}
		defer func() { _ = k.Shutdown() }()

		out := terminalOutput{stdout: cmd.OutOrStdout(), stderr: cmd.ErrOrStderr()}
		// Local includes resolve against the directory of the file.
		req := kernel.Request{Code: string(code), CellID: "file:" + path + "#cell"}
		reply, err := k.Execute(ctx, req, out)
		if err != nil {
			return err
		}
		if reply.Status != kernel.StatusOK || reply.CompileExitCode != 0 || reply.RunExitCode != 0 {
			return errFailed
		}
		return nil
	},
}

var addTokenCmd = &cobra.Command{
	Use:           "add-token",
	Short:         "Add a bearer token for authentication",
	Long:          fmt.Sprintf("Read a token and add its hash to the hashed-tokens directory. The token must be at least %d characters long.", auth.MinTokenLength),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkRootUser(allowRoot); err != nil {
			return err
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		dir, err := config.GetStateDir(cfg.StateDir, true)
		if err != nil {
			return err
		}

		var token string
		switch {
		case generateToken:
			token, err = auth.GenerateToken()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
		case fromStdin:
			tokenBytes, err := io.ReadAll(cmd.InOrStdin())
			if err != nil {
				return fmt.Errorf("failed to read token from stdin: %w", err)
			}
			token = strings.TrimSpace(string(tokenBytes))
		default:
			fmt.Fprintf(os.Stderr, "Enter token (min %d characters, hint: openssl rand -hex 32): ", auth.MinTokenLength)
			tokenBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
			fmt.Fprintln(os.Stderr)
			if err != nil {
				return fmt.Errorf("failed to read token: %w", err)
			}
			token = strings.TrimSpace(string(tokenBytes))
		}

		if err := auth.AddToken(dir, token); err != nil {
			return fmt.Errorf("add token failed: %w", err)
		}
		fmt.Fprintln(os.Stderr, "Token added successfully!")
		return nil
	},
}

var transcriptCmd = &cobra.Command{
	Use:   "transcript file",
	Short: "Print a session transcript",
	Long: `Print the records of a session transcript. With --stream only the
content of that stream is written, exactly as the cell produced it.`,
	Args:         cobra.ExactArgs(1),
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("failed to open transcript: %w", err)
		}
		defer func() { _ = f.Close() }()
		return printTranscript(cmd.OutOrStdout(), f, streamName)
	},
}

func printTranscript(w io.Writer, r io.Reader, stream string) error {
	for chunk := range outputlog.NewReader(r).Channel() {
		if chunk.Error != nil {
			return fmt.Errorf("failed to read transcript: %w", chunk.Error)
		}
		if stream != "" {
			if chunk.Stream == stream {
				if _, err := w.Write(chunk.Data); err != nil {
					return err
				}
			}
			continue
		}
		text := strings.TrimSuffix(string(chunk.Data), "\n")
		for _, line := range strings.Split(text, "\n") {
			if _, err := fmt.Fprintf(w, "%s %-7s %s\n", chunk.Timestamp.Format("15:04:05.000"), chunk.Stream, line); err != nil {
				return err
			}
		}
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML config file")
	rootCmd.PersistentFlags().StringVarP(&stateDir, "state-dir", "s", "", "State directory for storing data (default: $STATE_DIRECTORY or .cellrunner)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn or error")

	serveCmd.Flags().StringVarP(&listenAddr, "listen", "l", "", "Address to listen on (default: "+config.DefaultListen+")")
	serveCmd.Flags().BoolVar(&allowRoot, "allow-root", false, "Allow running as root user (not recommended for security reasons)")

	addTokenCmd.Flags().BoolVar(&fromStdin, "from-stdin", false, "Read token from stdin without prompting (for scripts)")
	addTokenCmd.Flags().BoolVar(&generateToken, "generate", false, "Generate a random token, print it and add it")
	addTokenCmd.Flags().BoolVar(&allowRoot, "allow-root", false, "Allow running as root user (not recommended for security reasons)")

	transcriptCmd.Flags().StringVar(&streamName, "stream", "", "Only print the content of this stream")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(execCmd)
	rootCmd.AddCommand(addTokenCmd)
	rootCmd.AddCommand(transcriptCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		if !errors.Is(err, errFailed) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}
