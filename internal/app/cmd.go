package app

import (
	"fmt"
	"io"
	"strings"
)

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandServe はベンダー向けAPIサーバーを起動する。
	CommandServe Command = "serve"
	// CommandWorker は外部カレンダーの定期同期と監査ログのクリーンアップを実行する。
	CommandWorker Command = "worker"
	// CommandMigrate はデータベースマイグレーションを適用する。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck はdistroless環境でのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
	// CommandHelp はサブコマンドの一覧を表示する。
	CommandHelp Command = "help"
)

var commandDescriptions = []struct {
	cmd  Command
	desc string
}{
	{CommandServe, "APIサーバーを起動する（デフォルト）"},
	{CommandWorker, "カレンダー同期と監査ログ削除のワーカーを起動する"},
	{CommandMigrate, "データベースマイグレーションを適用する"},
	{CommandHealthcheck, "ローカルの /health を確認する"},
	{CommandHelp, "このヘルプを表示する"},
}

// ParseCommand はコマンドライン引数からサブコマンドを解析する。
// 引数が空またはサポート外のコマンドの場合はCommandServeを返す。
// 大文字小文字と前後の空白は区別しない。
func ParseCommand(args []string) Command {
	if len(args) == 0 {
		return CommandServe
	}

	name := Command(strings.ToLower(strings.TrimSpace(args[0])))
	switch name {
	case "-h", "--help":
		return CommandHelp
	}
	for _, c := range commandDescriptions {
		if c.cmd == name {
			return name
		}
	}
	return CommandServe
}

// PrintUsage はサブコマンドの一覧をwに出力する。
func PrintUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: vendorcal [command]")
	fmt.Fprintln(w)
	for _, c := range commandDescriptions {
		fmt.Fprintf(w, "  %-12s %s\n", c.cmd, c.desc)
	}
}
