package app

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandServe はAPIサーバーモードで起動することを示す。
	CommandServe Command = "serve"
	// CommandWorker はセッション掃除ワーカーで起動することを示す。
	CommandWorker Command = "worker"
	// CommandMigrate はデータベースマイグレーションを実行することを示す。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck はヘルスチェックを実行することを示す。
	// distroless環境でのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
	// CommandLogin はブラウザでサインインしてトークンを保存する。
	CommandLogin Command = "login"
	// CommandLogout はサーバーのセッションを終了し、保存済みトークンを削除する。
	CommandLogout Command = "logout"
	// CommandTUI は端末クライアントを起動する。
	CommandTUI Command = "tui"
	// CommandImport はYAMLファイルからブックマークを一括登録する。
	CommandImport Command = "import"
)

// IsClient はサーバー設定を必要としないクライアント側コマンドかを返す。
func (c Command) IsClient() bool {
	switch c {
	case CommandLogin, CommandLogout, CommandTUI, CommandImport:
		return true
	default:
		return false
	}
}

// ParseCommand はコマンドライン引数からサブコマンドを解析する。
// 引数が空またはサポート外のコマンドの場合はCommandServeを返す。
func ParseCommand(args []string) Command {
	if len(args) == 0 {
		return CommandServe
	}

	switch args[0] {
	case "worker":
		return CommandWorker
	case "serve":
		return CommandServe
	case "migrate":
		return CommandMigrate
	case "healthcheck":
		return CommandHealthcheck
	case "login":
		return CommandLogin
	case "logout":
		return CommandLogout
	case "tui":
		return CommandTUI
	case "import":
		return CommandImport
	default:
		return CommandServe
	}
}
