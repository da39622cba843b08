package discord

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bwmarrin/discordgo"

	kit "conduction/internal/transport"
	logx "conduction/pkg/logx"
)

type downloader struct {
	http     *http.Client
	maxBytes int64
}

func newDownloader(timeout time.Duration, maxBytes int64) *downloader {
	return &downloader{http: &http.Client{Timeout: timeout}, maxBytes: maxBytes}
}

// fetchAll downloads attachments for re-upload. Attachments that are too large
// or fail to download come back as links.
func (d *downloader) fetchAll(ctx context.Context, atts []kit.Attachment, log logx.Logger) ([]*discordgo.File, []string) {
	var files []*discordgo.File
	var links []string
	for _, a := range atts {
		if int64(a.Size) > d.maxBytes {
			links = append(links, a.URL)
			continue
		}
		body, err := d.fetch(ctx, a.URL)
		if err != nil {
			log.Warn("attachment download failed, linking instead", logx.String("file", a.Filename), logx.Err(err))
			links = append(links, a.URL)
			continue
		}
		files = append(files, &discordgo.File{Name: a.Filename, ContentType: a.ContentType, Reader: bytes.NewReader(body)})
	}
	return files, links
}

func (d *downloader) fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := d.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("download %s: http %d", url, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, d.maxBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > d.maxBytes {
		return nil, fmt.Errorf("download %s: larger than %d bytes", url, d.maxBytes)
	}
	return body, nil
}
