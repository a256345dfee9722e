package security

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
)

// ErrNotAnImage は取得したレスポンスが画像でない場合のエラー。
var ErrNotAnImage = errors.New("response is not an image")

// ErrTooLarge はレスポンスが上限サイズを超えた場合のエラー。
var ErrTooLarge = errors.New("response exceeds size limit")

// Image は取得した画像データ。
type Image struct {
	Data        []byte
	ContentType string
}

// FetchImage はrawURLの画像をmaxSizeバイトまで取得する。
// clientにはNewSafeClientで生成したクライアントを渡すこと。
func FetchImage(ctx context.Context, client *http.Client, rawURL string, maxSize int64) (*Image, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create image request: %w", err)
	}
	req.Header.Set("Accept", "image/*")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("image fetch failed with status %d", resp.StatusCode)
	}

	mediaType, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil || !strings.HasPrefix(mediaType, "image/") || mediaType == "image/svg+xml" {
		return nil, fmt.Errorf("%w: %q", ErrNotAnImage, resp.Header.Get("Content-Type"))
	}

	// 上限+1バイトまで読み、超過を検出する
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read image: %w", err)
	}
	if int64(len(data)) > maxSize {
		return nil, ErrTooLarge
	}

	return &Image{Data: data, ContentType: mediaType}, nil
}
