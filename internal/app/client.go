package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/pflag"

	"github.com/hitoshi/smartmark/internal/client"
	"github.com/hitoshi/smartmark/internal/importer"
	"github.com/hitoshi/smartmark/internal/logger"
	"github.com/hitoshi/smartmark/internal/tui"
)

// errNotLoggedIn は保存済みトークンがない場合に返す。
var errNotLoggedIn = errors.New("not logged in: run `smartmark login` first")

// clientOptions はクライアント側コマンドの共通フラグ。
type clientOptions struct {
	server    string
	tokenFile string
}

func (o *clientOptions) addFlags(fs *pflag.FlagSet) {
	server := os.Getenv("SMARTMARK_SERVER")
	if server == "" {
		server = client.DefaultServerURL
	}
	fs.StringVar(&o.server, "server", server, "smartmark server URL (env SMARTMARK_SERVER)")
	fs.StringVar(&o.tokenFile, "token-file", "", "session token file (default: <user config dir>/smartmark/token)")
}

// resolveTokenFile は --token-file 未指定時に既定のパスを補う。
func (o *clientOptions) resolveTokenFile() error {
	if o.tokenFile != "" {
		return nil
	}
	path, err := client.DefaultTokenPath()
	if err != nil {
		return err
	}
	o.tokenFile = path
	return nil
}

// newClient は保存済みトークンでクライアントを作る。requireTokenならトークン必須。
func (o *clientOptions) newClient(requireToken bool) (*client.Client, error) {
	token, err := client.LoadToken(o.tokenFile)
	if err != nil {
		return nil, err
	}
	if requireToken && token == "" {
		return nil, errNotLoggedIn
	}
	return client.New(o.server, token, nil), nil
}

// runClient はクライアント側コマンドを実行する。
// 標準出力wはコマンドの結果に使い、ログは標準エラーに出す。
func runClient(w io.Writer, cmd Command, args []string) error {
	var opts clientOptions
	var logOutput string
	var dryRun bool
	var everywhere bool

	fs := pflag.NewFlagSet("smartmark "+string(cmd), pflag.ContinueOnError)
	fs.SetOutput(w)
	opts.addFlags(fs)
	switch cmd {
	case CommandTUI:
		fs.StringVar(&logOutput, "log-output", "", "write JSON log records to this file")
	case CommandLogout:
		fs.BoolVar(&everywhere, "all", false, "end every session of this account, not only this terminal's")
	case CommandImport:
		fs.BoolVar(&dryRun, "dry-run", false, "print parsed entries without creating them")
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if err := opts.resolveTokenFile(); err != nil {
		return err
	}

	if cmd != CommandTUI {
		logger.SetupDefaultWithLevel(os.Stderr, clientLogLevel())
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case CommandLogin:
		return runLogin(ctx, w, &opts)
	case CommandLogout:
		return runLogout(ctx, w, &opts, everywhere)
	case CommandTUI:
		return runTUI(ctx, &opts, logOutput)
	case CommandImport:
		if fs.NArg() != 1 {
			return fmt.Errorf("usage: smartmark import [flags] <file>")
		}
		return runImport(ctx, w, &opts, fs.Arg(0), dryRun)
	default:
		return fmt.Errorf("unknown client command: %s", cmd)
	}
}

// runLogin はブラウザでサインインし、得たトークンを保存する。
func runLogin(ctx context.Context, w io.Writer, opts *clientOptions) error {
	token, err := client.LoopbackLogin(ctx, opts.server, func(loginURL string) error {
		_, err := fmt.Fprintf(w, "次のURLをブラウザで開いてサインインしてください:\n\n  %s\n\n", loginURL)
		return err
	})
	if err != nil {
		return fmt.Errorf("login failed: %w", err)
	}

	u, err := client.New(opts.server, token, nil).CurrentUser(ctx)
	if err != nil {
		return fmt.Errorf("failed to verify session: %w", err)
	}
	if u == nil {
		return errors.New("login failed: server rejected the new session")
	}

	if err := client.SaveToken(opts.tokenFile, token); err != nil {
		return err
	}
	fmt.Fprintf(w, "%s としてログインしました。\n", u.Email)
	return nil
}

// runLogout はサーバーのセッションを終了し、トークンを削除する。
// everywhereなら同じアカウントの他の端末やブラウザのセッションも終了する。
// サーバーに届かなくてもトークンは削除する。
func runLogout(ctx context.Context, w io.Writer, opts *clientOptions, everywhere bool) error {
	c, err := opts.newClient(false)
	if err != nil {
		return err
	}
	signOut := c.SignOut
	if everywhere {
		signOut = c.SignOutEverywhere
	}
	if err := signOut(ctx); err != nil {
		slog.Warn("failed to sign out on server", slog.String("error", err.Error()))
	}
	if err := client.RemoveToken(opts.tokenFile); err != nil {
		return err
	}
	fmt.Fprintln(w, "ログアウトしました。")
	return nil
}

// runTUI は端末クライアントを起動する。
// 画面を乱さないよう、ログは --log-output 指定時のみファイルへ出す。
func runTUI(ctx context.Context, opts *clientOptions, logOutput string) error {
	if logOutput != "" {
		f, err := os.OpenFile(logOutput, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return fmt.Errorf("cannot open log file %s: %w", logOutput, err)
		}
		defer f.Close()
		logger.SetupDefaultWithLevel(f, clientLogLevel())
	} else {
		slog.SetDefault(logger.Discard())
	}

	c, err := opts.newClient(false)
	if err != nil {
		return err
	}

	tokenFile := opts.tokenFile
	model := tui.NewModel(tui.ClientBackend{Client: c}, func() {
		if err := client.RemoveToken(tokenFile); err != nil {
			slog.Error("failed to remove token", slog.String("error", err.Error()))
		}
	})

	program := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx))
	final, err := program.Run()
	if m, ok := final.(tui.Model); ok {
		m.Close()
	}
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}

// runImport はYAMLファイルのブックマークを一括登録する。
func runImport(ctx context.Context, w io.Writer, opts *clientOptions, path string, dryRun bool) error {
	entries, err := importer.Load(path)
	if err != nil {
		return err
	}

	if dryRun {
		for _, e := range entries {
			fmt.Fprintf(w, "%s\t%s\n", e.Title, e.URL)
		}
		fmt.Fprintf(w, "%d件を読み込みました（未登録）。\n", len(entries))
		return nil
	}

	c, err := opts.newClient(true)
	if err != nil {
		return err
	}

	res := importer.Import(ctx, c, entries)
	for _, f := range res.Failed {
		fmt.Fprintf(w, "失敗: %s (%s): %v\n", f.Entry.Title, f.Entry.URL, f.Err)
	}
	fmt.Fprintf(w, "登録: %d件、失敗: %d件\n", res.Imported, len(res.Failed))
	if err := ctx.Err(); err != nil {
		return err
	}
	return nil
}

// clientLogLevel はクライアント側のログレベル。LOG_LEVEL未設定ならWarn。
func clientLogLevel() slog.Level {
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		return logger.ParseLevel(v)
	}
	return slog.LevelWarn
}
