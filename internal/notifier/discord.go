package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/dlc_downloader/internal/downloader"
	"github.com/italolelis/dlc_downloader/internal/logctx"
)

type Notifier interface {
	Notify(ctx context.Context, content string) error
}

type DiscordNotifier struct {
	WebhookURL string
	Client     *http.Client
}

func NewDiscordNotifier(webhookURL string) *DiscordNotifier {
	return &DiscordNotifier{WebhookURL: webhookURL, Client: &http.Client{Timeout: 10 * time.Second}}
}

func (d *DiscordNotifier) Notify(ctx context.Context, content string) error {
	if d.WebhookURL == "" {
		return fmt.Errorf("webhook URL is not set")
	}

	payload := map[string]string{"content": content}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook failed with status %d", resp.StatusCode)
	}

	return nil
}

// FinishedMessage formats the notification for a completed job.
func FinishedMessage(job *downloader.Job) string {
	res, _ := job.Outcome()
	if res == nil {
		return fmt.Sprintf("Download finished: %s", job.Asset.Key)
	}

	if res.Skipped {
		return fmt.Sprintf("Download skipped, already complete: %s", job.Asset.Key)
	}

	return fmt.Sprintf("Download finished: %s (%s from %s in %s)",
		job.Asset.Key, humanize.IBytes(uint64(res.Bytes)), res.Source, res.Duration.Round(time.Second))
}

// FailedMessage formats the notification for a failed job.
func FailedMessage(job *downloader.Job) string {
	_, err := job.Outcome()
	if err == nil {
		return fmt.Sprintf("Download failed: %s", job.Asset.Key)
	}

	return fmt.Sprintf("Download failed: %s: %v", job.Asset.Key, err)
}

// Watch forwards downloader events to n until both channels are closed.
func Watch(ctx context.Context, n Notifier, finished, failed <-chan *downloader.Job) {
	logger := logctx.LoggerFromContext(ctx)

	for finished != nil || failed != nil {
		var content string

		select {
		case job, ok := <-finished:
			if !ok {
				finished = nil

				continue
			}

			content = FinishedMessage(job)
		case job, ok := <-failed:
			if !ok {
				failed = nil

				continue
			}

			content = FailedMessage(job)
		}

		if err := n.Notify(ctx, content); err != nil {
			logger.Error("failed to send notification", "err", err)
		}
	}
}
