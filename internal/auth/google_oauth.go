package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// googleProviderName はidentities.provider列に保存する値。
const googleProviderName = "google"

// maxGoogleResponseBytes はGoogleのレスポンスとして読む上限。
const maxGoogleResponseBytes = 1 << 20

// GoogleEndpoints はGoogle OAuthのエンドポイント。空の項目は本番のURLを使う。
type GoogleEndpoints struct {
	Auth     string
	Token    string
	UserInfo string
}

var defaultGoogleEndpoints = GoogleEndpoints{
	Auth:     "https://accounts.google.com/o/oauth2/v2/auth",
	Token:    "https://oauth2.googleapis.com/token",
	UserInfo: "https://openidconnect.googleapis.com/v1/userinfo",
}

// GoogleConfig はGoogleサインインの設定。
type GoogleConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string

	Endpoints  GoogleEndpoints
	HTTPClient *http.Client // nilなら10秒タイムアウトのクライアント
}

// ErrEmailNotVerified はGoogleアカウントのメールアドレスが未確認の場合に返す。
var ErrEmailNotVerified = errors.New("google account email is not verified")

// googleError はGoogleが返すOAuthエラー。
type googleError struct {
	Status      int
	Code        string `json:"error"`
	Description string `json:"error_description"`
}

func (e *googleError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("google returned status %d", e.Status)
	}
	if e.Description == "" {
		return fmt.Sprintf("google returned status %d: %s", e.Status, e.Code)
	}
	return fmt.Sprintf("google returned status %d: %s (%s)", e.Status, e.Code, e.Description)
}

// GoogleProvider はGoogleアカウントでのサインインを提供する。
// Webとターミナルの両方のサインインが同じリダイレクトURLを共有する。
type GoogleProvider struct {
	cfg    GoogleConfig
	client *http.Client
}

// NewGoogleProvider はGoogleProviderを生成する。
func NewGoogleProvider(cfg GoogleConfig) *GoogleProvider {
	if cfg.Endpoints.Auth == "" {
		cfg.Endpoints.Auth = defaultGoogleEndpoints.Auth
	}
	if cfg.Endpoints.Token == "" {
		cfg.Endpoints.Token = defaultGoogleEndpoints.Token
	}
	if cfg.Endpoints.UserInfo == "" {
		cfg.Endpoints.UserInfo = defaultGoogleEndpoints.UserInfo
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &GoogleProvider{cfg: cfg, client: client}
}

// GetLoginURL はGoogleの同意画面へのURLを返す。
// リフレッシュトークンは使わないためオフラインアクセスは要求しない。
func (p *GoogleProvider) GetLoginURL(state string) string {
	q := url.Values{}
	q.Set("client_id", p.cfg.ClientID)
	q.Set("redirect_uri", p.cfg.RedirectURL)
	q.Set("response_type", "code")
	q.Set("scope", "openid email profile")
	q.Set("prompt", "select_account")
	q.Set("state", state)
	return p.cfg.Endpoints.Auth + "?" + q.Encode()
}

// ExchangeCode は認可コードからサインインしたアカウントの情報を得る。
// メールアドレスが未確認のアカウントはErrEmailNotVerifiedで拒否する。
func (p *GoogleProvider) ExchangeCode(ctx context.Context, code string) (*OAuthUserInfo, error) {
	accessToken, err := p.redeem(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to redeem authorization code: %w", err)
	}

	var claims struct {
		Sub           string `json:"sub"`
		Email         string `json:"email"`
		EmailVerified bool   `json:"email_verified"`
		Name          string `json:"name"`
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.Endpoints.UserInfo, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	if err := p.do(req, &claims); err != nil {
		return nil, fmt.Errorf("failed to fetch google account: %w", err)
	}

	if claims.Sub == "" || claims.Email == "" {
		return nil, errors.New("google account response lacks sub or email")
	}
	if !claims.EmailVerified {
		return nil, ErrEmailNotVerified
	}

	name := claims.Name
	if name == "" {
		name, _, _ = strings.Cut(claims.Email, "@")
	}

	return &OAuthUserInfo{
		ProviderUserID: claims.Sub,
		Email:          claims.Email,
		Name:           name,
		Provider:       googleProviderName,
	}, nil
}

// redeem は認可コードをアクセストークンに交換する。
func (p *GoogleProvider) redeem(ctx context.Context, code string) (string, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", p.cfg.RedirectURL)
	form.Set("client_id", p.cfg.ClientID)
	form.Set("client_secret", p.cfg.ClientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.Endpoints.Token, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var token struct {
		AccessToken string `json:"access_token"`
	}
	if err := p.do(req, &token); err != nil {
		return "", err
	}
	if token.AccessToken == "" {
		return "", errors.New("token response has no access_token")
	}
	return token.AccessToken, nil
}

// do はリクエストを送り、200ならJSONをoutへ読む。
// それ以外はgoogleErrorを返す。
func (p *GoogleProvider) do(req *http.Request, out any) error {
	req.Header.Set("Accept", "application/json")
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body := io.LimitReader(resp.Body, maxGoogleResponseBytes)
	if resp.StatusCode != http.StatusOK {
		gerr := &googleError{Status: resp.StatusCode}
		_ = json.NewDecoder(body).Decode(gerr)
		return gerr
	}
	if err := json.NewDecoder(body).Decode(out); err != nil {
		return fmt.Errorf("malformed google response: %w", err)
	}
	return nil
}

var _ OAuthProvider = (*GoogleProvider)(nil)
