// Command smoke exercises a running server end to end: it indexes two
// product images, searches with one of them and removes both again.
package main

import (
	"bytes"
	"flag"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"time"

	"github.com/goccy/go-json"
)

type searchResponse struct {
	Results []struct {
		ProductID       int64   `json:"product_id"`
		Distance        float32 `json:"distance"`
		SimilarityScore float64 `json:"similarity_score"`
	} `json:"results"`
	Condition string `json:"condition"`
}

func main() {
	var (
		baseURL = flag.String("url", "http://localhost:8080", "server base URL")
		first   = flag.Int64("product", 900001, "first product id to use; the next id is used too")
	)
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	if err := run(*baseURL, *first, logger); err != nil {
		logger.Error("smoke test failed", "error", err)
		os.Exit(1)
	}
	logger.Info("smoke test passed")
}

func run(baseURL string, first int64, logger *slog.Logger) error {
	client := &http.Client{Timeout: 30 * time.Second}

	if _, err := call(client, http.MethodGet, baseURL+"/health", "", nil); err != nil {
		return err
	}

	red := solidPNG(color.RGBA{R: 255, A: 255})
	blue := solidPNG(color.RGBA{B: 255, A: 255})
	for i, img := range [][]byte{red, blue} {
		id := first + int64(i)
		body, ctype := multipartImage(img, nil)
		if _, err := call(client, http.MethodPost, fmt.Sprintf("%s/products/%d/image", baseURL, id), ctype, body); err != nil {
			return err
		}
		logger.Info("indexed", "product_id", id)
	}

	body, ctype := multipartImage(red, map[string]string{"limit": "5"})
	data, err := call(client, http.MethodPost, baseURL+"/search", ctype, body)
	if err != nil {
		return err
	}
	var resp searchResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return fmt.Errorf("decode search response: %w", err)
	}
	// The products may be missing from the catalogue; then results are empty.
	logger.Info("searched", "results", len(resp.Results), "condition", resp.Condition)
	if len(resp.Results) > 0 && resp.Results[0].Distance != 0 {
		return fmt.Errorf("exact image was not the top hit: %+v", resp.Results[0])
	}

	for i := range 2 {
		id := first + int64(i)
		if _, err := call(client, http.MethodDelete, fmt.Sprintf("%s/products/%d/embedding", baseURL, id), "", nil); err != nil {
			return err
		}
	}

	data, err = call(client, http.MethodGet, baseURL+"/stats", "", nil)
	if err != nil {
		return err
	}
	logger.Info("stats", "body", string(bytes.TrimSpace(data)))
	return nil
}

func call(client *http.Client, method, url, contentType string, body io.Reader) ([]byte, error) {
	req, err := http.NewRequest(method, url, body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s %s: status %d: %s", method, url, resp.StatusCode, bytes.TrimSpace(data))
	}
	return data, nil
}

func solidPNG(c color.Color) []byte {
	img := image.NewRGBA(image.Rect(0, 0, 16, 16))
	for x := 0; x < 16; x++ {
		for y := 0; y < 16; y++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	_ = png.Encode(&buf, img)
	return buf.Bytes()
}

func multipartImage(img []byte, fields map[string]string) (io.Reader, string) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, _ := mw.CreateFormFile("image", "smoke.png")
	_, _ = fw.Write(img)
	for k, v := range fields {
		_ = mw.WriteField(k, v)
	}
	_ = mw.Close()
	return &body, mw.FormDataContentType()
}
