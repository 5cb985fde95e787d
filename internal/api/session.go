package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"safevest-cerebro/internal/common/config"
	"safevest-cerebro/internal/models"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// SessionManager 管理服务账号的访问令牌
// 访问令牌何时过期只能通过 401 得知；所有网络错误都以 error 返回，不会 panic。
type SessionManager struct {
	httpClient *resty.Client
	config     *config.APIConfig
	logger     *zap.Logger

	mu    sync.Mutex
	creds *models.Credentials // nil 表示尚未认证
}

// NewSessionManager 创建会话管理器
func NewSessionManager(httpClient *resty.Client, cfg *config.APIConfig, logger *zap.Logger) *SessionManager {
	return &SessionManager{
		httpClient: httpClient,
		config:     cfg,
		logger:     logger,
	}
}

// Authenticate 使用服务账号登录，失败不重试
func (s *SessionManager) Authenticate(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authenticateLocked(ctx)
}

// loginPayloads 按 LoginField 生成登录请求体；auto 依次尝试 email、username、两者都带
func (s *SessionManager) loginPayloads() []map[string]string {
	user, password := s.config.ServiceUser, s.config.ServicePassword
	email := map[string]string{"email": user, "password": password}
	username := map[string]string{"username": user, "password": password}
	both := map[string]string{"email": user, "username": user, "password": password}

	switch s.config.LoginField {
	case "username":
		return []map[string]string{username}
	case "both":
		return []map[string]string{both}
	case "auto":
		return []map[string]string{email, username, both}
	default:
		return []map[string]string{email}
	}
}

// authenticateLocked 登录一次；auto 模式下只有 400/401 才换下一种字段，网络错误直接返回
func (s *SessionManager) authenticateLocked(ctx context.Context) error {
	var lastErr error
	for _, payload := range s.loginPayloads() {
		resp, err := s.httpClient.R().
			SetContext(ctx).
			SetBody(payload).
			Post(PathLogin)
		if err != nil {
			s.logger.Error("Authentication request failed", zap.Error(err))
			return fmt.Errorf("failed to call login endpoint: %w", err)
		}
		if !resp.IsSuccess() {
			s.logger.Error("Authentication rejected",
				zap.String("login_field", s.config.LoginField),
				zap.Strings("fields", loginFields(payload)),
				zap.Int("status_code", resp.StatusCode()),
				zap.String("body", resp.String()),
			)
			lastErr = &StatusError{Method: http.MethodPost, Path: PathLogin, StatusCode: resp.StatusCode(), Body: resp.String()}
			if code := resp.StatusCode(); code == http.StatusBadRequest || code == http.StatusUnauthorized {
				continue
			}
			return lastErr
		}

		var creds models.Credentials
		if err := json.Unmarshal(resp.Body(), &creds); err != nil {
			return fmt.Errorf("failed to decode login response: %w", err)
		}
		if creds.Access == "" {
			return fmt.Errorf("login response has no access token: %w", ErrNotAuthenticated)
		}

		s.creds = &creds
		s.logger.Info("Authenticated with SafeVest API",
			zap.String("login_field", s.config.LoginField),
			zap.Strings("fields", loginFields(payload)),
		)
		return nil
	}
	return lastErr
}

func loginFields(payload map[string]string) []string {
	fields := make([]string, 0, 2)
	for _, k := range []string{"email", "username"} {
		if _, ok := payload[k]; ok {
			fields = append(fields, k)
		}
	}
	return fields
}

// Refresh 用 refresh token 换新的访问令牌，失败时回退到完整登录
func (s *SessionManager) Refresh(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.creds == nil || s.creds.Refresh == "" {
		s.logger.Warn("No refresh token held, authenticating")
		return s.authenticateLocked(ctx)
	}

	resp, err := s.httpClient.R().
		SetContext(ctx).
		SetBody(map[string]string{"refresh": s.creds.Refresh}).
		Post(PathRefresh)
	if err != nil {
		s.logger.Error("Token refresh request failed", zap.Error(err))
		return fmt.Errorf("failed to call refresh endpoint: %w", err)
	}

	if resp.IsSuccess() {
		var refreshed models.Credentials
		if err := json.Unmarshal(resp.Body(), &refreshed); err == nil && refreshed.Access != "" {
			s.creds.Access = refreshed.Access
			// 服务端开启轮换时会同时返回新的 refresh token
			if refreshed.Refresh != "" {
				s.creds.Refresh = refreshed.Refresh
			}
			s.logger.Info("Access token refreshed")
			return nil
		}
	}

	s.logger.Warn("Token refresh rejected, authenticating",
		zap.Int("status_code", resp.StatusCode()),
		zap.String("body", resp.String()),
	)
	return s.authenticateLocked(ctx)
}

// AuthHeaders 返回 Bearer 请求头，尚未认证时先登录
func (s *SessionManager) AuthHeaders(ctx context.Context) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.creds == nil || s.creds.Access == "" {
		s.logger.Info("No access token held, authenticating")
		if err := s.authenticateLocked(ctx); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrNotAuthenticated, err)
		}
	}

	return map[string]string{
		"Authorization": "Bearer " + s.creds.Access,
		"Content-Type":  "application/json",
		"Accept":        "application/json",
	}, nil
}

// Credentials 当前令牌快照
func (s *SessionManager) Credentials() (models.Credentials, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.creds == nil {
		return models.Credentials{}, false
	}
	return *s.creds, true
}
