package database

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"reflect"
	"strings"
	"sync"
	"time"

	"task-sync-backend/pkg/feed"
)

// SupabaseOptions Supabase 连接参数
type SupabaseOptions struct {
	URL        string
	AnonKey    string
	Timeout    time.Duration
	Heartbeat  time.Duration
	HTTPClient *http.Client
	// Feed overrides the Realtime change feed (e.g. Redis).
	Feed   feed.Feed
	Logger *slog.Logger
}

// SupabaseDatabase Supabase数据库实现（PostgREST + Realtime）
type SupabaseDatabase struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	log        *slog.Logger

	mu          sync.RWMutex
	accessToken string

	feed     feed.Feed
	realtime *feed.Realtime
}

// NewSupabaseDatabase 创建Supabase数据库实例
func NewSupabaseDatabase(opts SupabaseOptions) (*SupabaseDatabase, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.URL), "/")
	// 确保URL格式正确
	if !strings.HasPrefix(baseURL, "http") {
		baseURL = "https://" + baseURL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: opts.Timeout}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	db := &SupabaseDatabase{
		baseURL:    baseURL,
		apiKey:     opts.AnonKey,
		httpClient: client,
		log:        logger.With("component", "supabase"),
		feed:       opts.Feed,
	}
	if db.feed == nil {
		rt, err := feed.NewRealtime(feed.RealtimeConfig{
			ProjectURL: baseURL,
			APIKey:     opts.AnonKey,
			Heartbeat:  opts.Heartbeat,
			Logger:     logger,
		})
		if err != nil {
			return nil, err
		}
		db.realtime = rt
		db.feed = rt
	}
	return db, nil
}

// SetAccessToken 设置当前用户的访问令牌；为空时以匿名身份访问
func (db *SupabaseDatabase) SetAccessToken(token string) {
	db.mu.Lock()
	db.accessToken = token
	db.mu.Unlock()
	if db.realtime != nil {
		db.realtime.SetAccessToken(token)
	}
}

func (db *SupabaseDatabase) bearer() string {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.accessToken != "" {
		return db.accessToken
	}
	return db.apiKey
}

// makeRequest 发送HTTP请求到Supabase（支持自定义头）
func (db *SupabaseDatabase) makeRequest(ctx context.Context, method, endpoint string, body interface{}, customHeaders map[string]string) ([]byte, error) {
	var reqBody io.Reader

	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewBuffer(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, db.baseURL+"/rest/v1"+endpoint, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	// 设置默认请求头
	req.Header.Set("apikey", db.apiKey)
	req.Header.Set("Authorization", "Bearer "+db.bearer())
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Prefer", "return=representation")

	// 设置自定义请求头
	for key, value := range customHeaders {
		req.Header.Set(key, value)
	}

	resp, err := db.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, &RemoteError{Status: resp.StatusCode, Message: postgrestMessage(respBody)}
	}

	return respBody, nil
}

// postgrestMessage extracts the "message" field of a PostgREST error body.
func postgrestMessage(body []byte) string {
	var e struct {
		Message string `json:"message"`
		Msg     string `json:"msg"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(body, &e); err == nil {
		switch {
		case e.Message != "":
			return e.Message
		case e.Msg != "":
			return e.Msg
		case e.Error != "":
			return e.Error
		}
	}
	return strings.TrimSpace(string(body))
}

// buildQueryString renders filters and ordering in PostgREST syntax.
func buildQueryString(columns []string, filters []Filter, order *Order) string {
	parts := make([]string, 0, len(filters)+2)
	if columns != nil {
		sel := "*"
		if len(columns) > 0 {
			sel = strings.Join(columns, ",")
		}
		parts = append(parts, "select="+sel)
	}
	for _, f := range filters {
		parts = append(parts, url.QueryEscape(f.Column)+"="+url.QueryEscape(filterExpr(f)))
	}
	if order != nil && order.Column != "" {
		dir := "asc"
		if order.Desc {
			dir = "desc"
		}
		parts = append(parts, "order="+url.QueryEscape(order.Column+"."+dir))
	}
	if len(parts) == 0 {
		return ""
	}
	return "?" + strings.Join(parts, "&")
}

func filterExpr(f Filter) string {
	if f.Op == OpIn {
		vals := make([]string, len(f.Values))
		for i, v := range f.Values {
			if strings.ContainsAny(v, `,()"`) {
				v = `"` + strings.ReplaceAll(v, `"`, `\"`) + `"`
			}
			vals[i] = v
		}
		return "in.(" + strings.Join(vals, ",") + ")"
	}
	return "eq." + formatValue(f.Value)
}

func formatValue(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return "null"
	case string:
		return t
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	case fmt.Stringer:
		return t.String()
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.String {
		return rv.String()
	}
	return fmt.Sprint(v)
}

func (db *SupabaseDatabase) Select(ctx context.Context, q Query, dest interface{}) error {
	cols := q.Columns
	if cols == nil {
		cols = []string{}
	}
	data, err := db.makeRequest(ctx, http.MethodGet, "/"+q.Table+buildQueryString(cols, q.Filters, q.Order), nil, nil)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("failed to decode %s rows: %w", q.Table, err)
	}
	return nil
}

func (db *SupabaseDatabase) Insert(ctx context.Context, table string, row map[string]interface{}, dest interface{}) error {
	data, err := db.makeRequest(ctx, http.MethodPost, "/"+table, row, nil)
	if err != nil {
		return err
	}
	if dest == nil {
		return nil
	}
	var rows []json.RawMessage
	if err := json.Unmarshal(data, &rows); err != nil {
		return fmt.Errorf("failed to decode inserted %s row: %w", table, err)
	}
	if len(rows) == 0 {
		// 行级安全策略可能阻止读回刚插入的行
		return &RemoteError{Status: http.StatusForbidden, Message: "inserted row is not visible"}
	}
	if err := json.Unmarshal(rows[0], dest); err != nil {
		return fmt.Errorf("failed to decode inserted %s row: %w", table, err)
	}
	return nil
}

func (db *SupabaseDatabase) Update(ctx context.Context, table string, filters []Filter, patch map[string]interface{}) error {
	if len(filters) == 0 {
		return fmt.Errorf("refusing to update %s without filters", table)
	}
	endpoint := "/" + table + buildQueryString(nil, filters, nil)
	_, err := db.makeRequest(ctx, http.MethodPatch, endpoint, patch, map[string]string{"Prefer": "return=minimal"})
	return err
}

func (db *SupabaseDatabase) Subscribe(ctx context.Context, table string, filter feed.Filter, h feed.Handler) (feed.Subscription, error) {
	return db.feed.Subscribe(ctx, table, filter, h)
}

// HealthCheck 发送简单的查询来检查连接
func (db *SupabaseDatabase) HealthCheck(ctx context.Context) error {
	_, err := db.makeRequest(ctx, http.MethodGet, "/", nil, nil)
	return err
}

// Close 关闭变更订阅；HTTP客户端无需显式关闭
func (db *SupabaseDatabase) Close() error {
	if db.feed != nil {
		return db.feed.Close()
	}
	return nil
}
