package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"safevest-cerebro/internal/common/config"
	"safevest-cerebro/internal/models"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// SafeVest API 路径
const (
	PathLogin     = "/token/"
	PathRefresh   = "/token/refresh/"
	PathDeviceMap = "/vestes/mapa/"
	PathReadings  = "/leiturasensor/"
	PathAlerts    = "/alertas/"
)

// NewHTTPClient 创建 SafeVest API 的 resty 客户端
// 关闭 resty 自带重试：401 的处理只能有一次刷新 + 一次重试。
func NewHTTPClient(cfg *config.APIConfig) *resty.Client {
	return resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(cfg.Timeout).
		SetRetryCount(0).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
}

// Client SafeVest API 客户端（设备映射、读数、告警）
type Client struct {
	httpClient *resty.Client
	session    *SessionManager
	ownerField string
	logger     *zap.Logger
}

// NewClient 创建 API 客户端
// ownerField 为告警 payload 里的用户字段名（profile 或 usuario）
func NewClient(httpClient *resty.Client, session *SessionManager, ownerField string, logger *zap.Logger) *Client {
	if ownerField == "" {
		ownerField = "profile"
	}
	return &Client{
		httpClient: httpClient,
		session:    session,
		ownerField: ownerField,
		logger:     logger,
	}
}

// doAuthorized 带认证的请求：401 时刷新令牌并且只重试一次
func (c *Client) doAuthorized(ctx context.Context, method, path string, body interface{}) (*resty.Response, error) {
	headers, err := c.session.AuthHeaders(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := c.execute(ctx, method, path, headers, body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode() == http.StatusUnauthorized {
		c.logger.Warn("Access token rejected, refreshing",
			zap.String("method", method),
			zap.String("path", path),
		)
		if err := c.session.Refresh(ctx); err != nil {
			return resp, fmt.Errorf("%s %s: %w: %v", method, path, ErrUnauthorized, err)
		}
		if headers, err = c.session.AuthHeaders(ctx); err != nil {
			return resp, err
		}
		if resp, err = c.execute(ctx, method, path, headers, body); err != nil {
			return nil, err
		}
		if resp.StatusCode() == http.StatusUnauthorized {
			return resp, fmt.Errorf("%s %s: %w", method, path, ErrUnauthorized)
		}
	}

	if !resp.IsSuccess() {
		return resp, &StatusError{Method: method, Path: path, StatusCode: resp.StatusCode(), Body: resp.String()}
	}
	return resp, nil
}

func (c *Client) execute(ctx context.Context, method, path string, headers map[string]string, body interface{}) (*resty.Response, error) {
	req := c.httpClient.R().
		SetContext(ctx).
		SetHeaders(headers)
	if body != nil {
		req.SetBody(body)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		return nil, fmt.Errorf("%s %s failed: %w", method, path, err)
	}
	return resp, nil
}

// vestMapItem /vestes/mapa/ 返回的元素，用户 id 可能在 usuario 或 profile.user.id
type vestMapItem struct {
	ID      int64  `json:"id"`
	Serial  string `json:"numero_de_serie"`
	Usuario *int64 `json:"usuario"`
	Profile *struct {
		User *struct {
			ID *int64 `json:"id"`
		} `json:"user"`
	} `json:"profile"`
}

func (v vestMapItem) owner() *int64 {
	if v.Usuario != nil {
		return v.Usuario
	}
	if v.Profile != nil && v.Profile.User != nil {
		return v.Profile.User.ID
	}
	return nil
}

// FetchDeviceMap 拉取全部在用背心的映射
func (c *Client) FetchDeviceMap(ctx context.Context) ([]models.DeviceEntry, error) {
	resp, err := c.doAuthorized(ctx, http.MethodGet, PathDeviceMap, nil)
	if err != nil {
		return nil, err
	}

	items, err := decodeVestMap(resp.Body())
	if err != nil {
		return nil, fmt.Errorf("failed to decode vest map: %w", err)
	}

	entries := make([]models.DeviceEntry, 0, len(items))
	for _, item := range items {
		if item.Serial == "" {
			c.logger.Debug("Skipping vest without serial", zap.Int64("vest_id", item.ID))
			continue
		}
		entries = append(entries, models.DeviceEntry{
			Serial:      item.Serial,
			VestID:      item.ID,
			OwnerUserID: item.owner(),
		})
	}
	return entries, nil
}

// decodeVestMap 兼容普通数组和 DRF 分页结构 {"results": [...]}
// null 不是空映射：返回错误，注册表保留上一次的快照。
func decodeVestMap(body []byte) ([]vestMapItem, error) {
	var items []vestMapItem
	if err := json.Unmarshal(body, &items); err == nil && items != nil {
		return items, nil
	}

	var page struct {
		Results []vestMapItem `json:"results"`
	}
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, err
	}
	if page.Results == nil {
		return nil, errors.New("unexpected vest map payload")
	}
	return page.Results, nil
}

// SaveReading 持久化读数，返回服务端分配的读数 id
func (c *Client) SaveReading(ctx context.Context, reading *models.SensorReading) (int64, error) {
	resp, err := c.doAuthorized(ctx, http.MethodPost, PathReadings, reading)
	if err != nil {
		return 0, err
	}

	var created struct {
		ID *int64 `json:"id"`
		PK *int64 `json:"pk"`
	}
	if err := json.Unmarshal(resp.Body(), &created); err != nil {
		return 0, fmt.Errorf("failed to decode reading response: %w", err)
	}
	switch {
	case created.ID != nil:
		return *created.ID, nil
	case created.PK != nil:
		return *created.PK, nil
	default:
		return 0, ErrMissingReadingID
	}
}

// SaveAlert 持久化告警
func (c *Client) SaveAlert(ctx context.Context, alert *models.AlertEvent) error {
	payload := map[string]interface{}{
		c.ownerField:        alert.OwnerUserID,
		"leitura_associada": alert.ReadingID,
		"tipo_alerta":       string(alert.Tier),
	}
	_, err := c.doAuthorized(ctx, http.MethodPost, PathAlerts, payload)
	return err
}
