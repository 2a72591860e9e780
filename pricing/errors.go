package pricing

import "errors"

var (
	// ErrNotFound 上游明确表示不支持该资产，不重试。
	ErrNotFound = errors.New("asset not found upstream")
	// ErrRateLimited 上游返回 429，不重试。
	ErrRateLimited = errors.New("upstream rate limited")
	// ErrRetriesExhausted 瞬时错误重试用尽，包裹最后一次错误。
	ErrRetriesExhausted = errors.New("upstream retries exhausted")
)

// NotFoundError 带资产 ID 的 ErrNotFound。
type NotFoundError struct {
	AssetID string
}

func (e *NotFoundError) Error() string {
	return "asset " + e.AssetID + " not found upstream"
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }
