package app

import (
	"fmt"
	"io"
)

// Command はバイナリの起動モード（サブコマンド）。
type Command string

const (
	// CommandServe はHTTP APIサーバーを起動する。引数なしの既定値。
	CommandServe Command = "serve"
	// CommandWorker はOTP掃除とテンプレート定期同期を行うワーカーを起動する。
	CommandWorker Command = "worker"
	// CommandMigrate は埋め込みマイグレーションを適用して終了する。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck はローカルの/healthを叩いて終了コードで結果を返す。
	CommandHealthcheck Command = "healthcheck"
	// CommandLogin は対話的にログインし、トークンを状態ファイルへ保存する。
	CommandLogin Command = "login"
)

// commands は既知のサブコマンドとその説明。usage表示の順序を兼ねる。
var commands = []struct {
	cmd  Command
	desc string
}{
	{CommandServe, "start the HTTP API server (default)"},
	{CommandWorker, "run OTP cleanup and scheduled template sync"},
	{CommandMigrate, "apply database migrations and exit"},
	{CommandHealthcheck, "probe the local /health endpoint"},
	{CommandLogin, "sign in to an API server from the terminal"},
}

// ParseCommand は先頭の引数をサブコマンドとして解釈する。
// 空または未知の値はCommandServeとして扱う。
func ParseCommand(args []string) Command {
	if len(args) == 0 {
		return CommandServe
	}
	for _, c := range commands {
		if string(c.cmd) == args[0] {
			return c.cmd
		}
	}
	return CommandServe
}

// PrintUsage はサブコマンドの一覧をwへ書き出す。
func PrintUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: santhai [command] [flags]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "commands:")
	for _, c := range commands {
		fmt.Fprintf(w, "  %-12s %s\n", c.cmd, c.desc)
	}
}
