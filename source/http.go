package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// HTTPAdapter 拉取平台的餐厅列表接口（JSON）。响应可以是数组，
// 也可以是 {"restaurants": [...]} / {"data": {"cards": [...]}} 形式。
// HTTPClient 可注入 httptest；Limiter 为 nil 时不限速。
type HTTPAdapter struct {
	AdapterName string
	BaseURL     string
	Path        string
	APIKey      string
	HTTPClient  *http.Client
	Limiter     Limiter
	Timeout     time.Duration
}

// NewDefaultHTTPClient 默认 10s 超时。
func NewDefaultHTTPClient() *http.Client {
	return &http.Client{Timeout: 10 * time.Second}
}

func (a *HTTPAdapter) Name() string { return a.AdapterName }
func (a *HTTPAdapter) Kind() Kind   { return KindLive }

func (a *HTTPAdapter) Fetch(ctx context.Context, hint Hint) ([]RawPayload, error) {
	if a == nil || a.HTTPClient == nil {
		return nil, &Error{Adapter: a.name(), Kind: NetworkFailure, Err: errors.New("http client not set")}
	}
	if a.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.Timeout)
		defer cancel()
	}
	if a.Limiter != nil {
		if err := a.Limiter.Wait(ctx); err != nil {
			return nil, classify(a.name(), err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.endpoint(hint), nil)
	if err != nil {
		return nil, &Error{Adapter: a.name(), Kind: NetworkFailure, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if a.APIKey != "" {
		req.Header.Set("X-Api-Key", a.APIKey)
	}
	resp, err := a.HTTPClient.Do(req)
	if err != nil {
		return nil, classify(a.name(), err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, &Error{Adapter: a.name(), Kind: NetworkFailure, Err: fmt.Errorf("listing status %d", resp.StatusCode)}
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classify(a.name(), err)
	}
	payloads, err := decodeListing(body)
	if err != nil {
		return nil, &Error{Adapter: a.name(), Kind: LayoutMismatch, Err: err}
	}
	return payloads, nil
}

func (a *HTTPAdapter) name() string {
	if a == nil || a.AdapterName == "" {
		return "http"
	}
	return a.AdapterName
}

func (a *HTTPAdapter) endpoint(hint Hint) string {
	q := url.Values{}
	if hint.Query != "" {
		q.Set("q", hint.Query)
	}
	if hint.Location != nil {
		q.Set("lat", strconv.FormatFloat(hint.Location.Lat, 'f', 6, 64))
		q.Set("lng", strconv.FormatFloat(hint.Location.Lng, 'f', 6, 64))
	}
	path := a.Path
	if path == "" {
		path = "/listing"
	}
	u := a.BaseURL + path
	if enc := q.Encode(); enc != "" {
		u += "?" + enc
	}
	return u
}

// decodeListing 识别已知的列表结构，结构不匹配时返回错误。
func decodeListing(body []byte) ([]RawPayload, error) {
	var arr []RawPayload
	if err := json.Unmarshal(body, &arr); err == nil {
		return arr, nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(body, &obj); err != nil {
		return nil, fmt.Errorf("decode listing: %w", err)
	}
	if raw, ok := obj["restaurants"]; ok {
		if err := json.Unmarshal(raw, &arr); err != nil {
			return nil, fmt.Errorf("decode restaurants: %w", err)
		}
		return arr, nil
	}
	if raw, ok := obj["data"]; ok {
		var data struct {
			Cards []RawPayload `json:"cards"`
		}
		if err := json.Unmarshal(raw, &data); err == nil && data.Cards != nil {
			return data.Cards, nil
		}
	}
	return nil, errors.New("no restaurant list in response")
}
