package client

const (
	// LoginPath はログイン画面のパス。
	LoginPath = "/login"
	// DashboardPath は認証後の遷移先。
	DashboardPath = "/dashboard"
	// RootPath はトップのパス。認証状態に応じて振り分ける。
	RootPath = "/"
)

// AuthChecker は認証状態を返す。Sessionが実装する。
type AuthChecker interface {
	IsAuthenticated() bool
}

// Guard は画面遷移時に認証状態を確認する。
type Guard struct {
	auth AuthChecker
}

// NewGuard はGuardを生成する。
func NewGuard(auth AuthChecker) *Guard {
	return &Guard{auth: auth}
}

// Check はpathへの遷移を許可するかを返す。許可しない場合はリダイレクト先を返す。
// ログイン画面は認証済みならダッシュボードへ、それ以外の画面は未認証ならログイン画面へ送る。
func (g *Guard) Check(path string) (redirect string, allowed bool) {
	authed := g.auth.IsAuthenticated()
	switch path {
	case LoginPath:
		if authed {
			return DashboardPath, false
		}
		return "", true
	case RootPath, "":
		if authed {
			return DashboardPath, false
		}
		return LoginPath, false
	default:
		if !authed {
			return LoginPath, false
		}
		return "", true
	}
}
