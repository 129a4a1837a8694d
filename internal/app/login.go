package app

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hitoshi/santhai/internal/client"
)

// loginRequestTimeout はloginコマンドの1リクエストあたりのタイムアウト。
const loginRequestTimeout = 30 * time.Second

// loginOptions はloginサブコマンドのオプション。
type loginOptions struct {
	apiURL   string
	stateDir string
	google   string
	signup   bool
	logout   bool
}

// parseLoginFlags はloginサブコマンドの引数を解析する。
func parseLoginFlags(args []string, out io.Writer) (*loginOptions, error) {
	opts := &loginOptions{}
	fs := flag.NewFlagSet("login", flag.ContinueOnError)
	fs.SetOutput(out)
	fs.StringVar(&opts.apiURL, "api", envOr("SANTHAI_API_URL", "http://localhost:8080"), "APIサーバーのベースURL")
	fs.StringVar(&opts.stateDir, "state-dir", "", "認証状態の保存先ディレクトリ（省略時はユーザー設定ディレクトリ）")
	fs.StringVar(&opts.google, "google", "", "Google IDトークンでサインインする")
	fs.BoolVar(&opts.signup, "signup", false, "ログイン前にアカウントを作成する")
	fs.BoolVar(&opts.logout, "logout", false, "保存済みの認証状態を削除する")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if opts.stateDir == "" {
		dir, err := os.UserConfigDir()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve config dir: %w", err)
		}
		opts.stateDir = filepath.Join(dir, "santhai")
	}
	return opts, nil
}

// runLogin はAPIサーバーへ対話的にログインし、トークンを状態ファイルへ保存する。
func runLogin(ctx context.Context, in io.Reader, out io.Writer, args []string) error {
	opts, err := parseLoginFlags(args, out)
	if errors.Is(err, flag.ErrHelp) {
		return nil
	}
	if err != nil {
		return err
	}

	session := client.NewSession(client.NewFileStore(opts.stateDir), slog.Default())
	if opts.logout {
		if err := session.Logout(); err != nil {
			return fmt.Errorf("failed to clear auth state: %w", err)
		}
		fmt.Fprintln(out, "Logged out")
		return nil
	}

	api, err := client.NewAPIClient(opts.apiURL, client.NewHTTPClient(session, nil, loginRequestTimeout), slog.Default())
	if err != nil {
		return err
	}
	flow := client.NewFlow(api, session, nil)
	p := &prompter{scanner: bufio.NewScanner(in), out: out}

	switch {
	case opts.google != "":
		if err := flow.GoogleSignIn(ctx, opts.google); err != nil {
			return err
		}
	case opts.signup:
		if err := signupInteractive(ctx, flow, p); err != nil {
			return err
		}
		fallthrough
	default:
		if err := loginInteractive(ctx, flow, p); err != nil {
			return err
		}
	}

	user, err := api.Me(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch current user: %w", err)
	}
	fmt.Fprintf(out, "Logged in as %s (%s)\n", user.Email, user.AuthProvider)
	return nil
}

// signupInteractive はアカウントを作成し、資格情報入力のステップへ戻す。
func signupInteractive(ctx context.Context, flow *client.Flow, p *prompter) error {
	for {
		email, err := p.ask("Email: ")
		if err != nil {
			return err
		}
		password, err := p.ask("Password: ")
		if err != nil {
			return err
		}
		confirm, err := p.ask("Confirm password: ")
		if err != nil {
			return err
		}

		if err := flow.Signup(ctx, email, password, confirm); err != nil {
			p.report(err)
			continue
		}
		if step, ok := flow.Step().(client.StepSuccess); ok {
			fmt.Fprintln(p.out, step.Message)
		}
		return flow.Continue()
	}
}

// loginInteractive はStepAuthenticatedに到達するまでウィザードを進める。
func loginInteractive(ctx context.Context, flow *client.Flow, p *prompter) error {
	for {
		switch step := flow.Step().(type) {
		case client.StepAuthenticated:
			return nil

		case client.StepCredentials:
			email, err := p.ask("Email: ")
			if err != nil {
				return err
			}
			password, err := p.ask("Password: ")
			if err != nil {
				return err
			}
			if err := flow.Login(ctx, email, password); err != nil {
				p.report(err)
				continue
			}
			fmt.Fprintln(p.out, flow.Notice())

		case client.StepOTP:
			line, err := p.ask(fmt.Sprintf("Code sent to %s (r: resend, b: back): ", step.Email))
			if err != nil {
				return err
			}
			switch line {
			case "r":
				err := flow.Resend(ctx)
				switch {
				case errors.Is(err, client.ErrCooldownActive):
					fmt.Fprintf(p.out, "Resend available in %ds\n", flow.Cooldown().RemainingSeconds())
				case err != nil:
					p.report(err)
				default:
					fmt.Fprintln(p.out, flow.Notice())
				}
			case "b":
				if err := flow.Back(); err != nil {
					return err
				}
			default:
				if err := flow.VerifyOTP(ctx, line); err != nil {
					p.report(err)
				}
			}

		default:
			return fmt.Errorf("unexpected login step: %s", client.StepName(step))
		}
	}
}

// prompter は1行ずつ入力を読み取る。
type prompter struct {
	scanner *bufio.Scanner
	out     io.Writer
}

func (p *prompter) ask(label string) (string, error) {
	fmt.Fprint(p.out, label)
	if !p.scanner.Scan() {
		if err := p.scanner.Err(); err != nil {
			return "", fmt.Errorf("failed to read input: %w", err)
		}
		return "", io.ErrUnexpectedEOF
	}
	return strings.TrimSpace(p.scanner.Text()), nil
}

// report は失敗を表示する。Flowのエラーは表示用の文言を持つ。
func (p *prompter) report(err error) {
	fmt.Fprintln(p.out, err.Error())
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
