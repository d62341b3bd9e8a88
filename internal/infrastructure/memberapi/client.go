package memberapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"

	"github.com/sanosuguru/go-tour-reservation/internal/domain/member"
	"github.com/sanosuguru/go-tour-reservation/internal/pkg/logger"
)

// Client は会員サービスのHTTP JSONクライアント
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient は Client を作成する
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

type eligibilityRequest struct {
	Capabilities []string `json:"capabilities"`
	Features     []string `json:"features"`
	Agencies     []string `json:"agencies"`
}

// GetMemberByNationalID は GET /members/{nationalId} を呼び出す
func (c *Client) GetMemberByNationalID(ctx context.Context, nationalID string) (*member.MemberInfo, error) {
	var info member.MemberInfo
	status, err := c.do(ctx, http.MethodGet, "/members/"+url.PathEscape(nationalID), nil, &info)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, member.ErrMemberNotFound
	}
	return &info, nil
}

// ValidateEligibility は POST /members/{nationalId}/eligibility を呼び出す
func (c *Client) ValidateEligibility(ctx context.Context, nationalID string, capabilities, features, agencies []string) (member.EligibilityResult, error) {
	var result member.EligibilityResult
	body := eligibilityRequest{Capabilities: capabilities, Features: features, Agencies: agencies}
	status, err := c.do(ctx, http.MethodPost, "/members/"+url.PathEscape(nationalID)+"/eligibility", body, &result)
	if err != nil {
		return member.EligibilityResult{}, err
	}
	if status == http.StatusNotFound {
		return member.EligibilityResult{Eligible: false, Reasons: []string{"会員が見つかりません"}}, nil
	}
	return result, nil
}

// do はリクエストを送り、2xx の本文を out にデコードする
// 404 はステータスのみ返し、それ以外の失敗は ErrServiceUnavailable にする
func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) (int, error) {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return 0, fmt.Errorf("リクエストのエンコードに失敗: %w", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return 0, fmt.Errorf("リクエスト作成に失敗: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		logger.Warn("会員サービスの呼び出しに失敗", zap.String("path", path), zap.Error(err))
		return 0, fmt.Errorf("%w: %v", member.ErrServiceUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return resp.StatusCode, nil
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return 0, fmt.Errorf("%w: レスポンスのデコードに失敗: %v", member.ErrServiceUnavailable, err)
		}
		return resp.StatusCode, nil
	default:
		logger.Warn("会員サービスがエラーを返しました", zap.String("path", path), zap.Int("status", resp.StatusCode))
		return 0, fmt.Errorf("%w: status %d", member.ErrServiceUnavailable, resp.StatusCode)
	}
}

var _ member.Service = (*Client)(nil)
