package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/kindredlabs/voice-core/internal/config"
)

const transcribeAPIVersion = "2024-11-15"

// AzureTranscriber uploads one audio segment to the Azure Speech fast
// transcription endpoint and extracts the best available transcript.
type AzureTranscriber struct {
	cfg      config.STTConfig
	endpoint string
	client   *http.Client
	logger   *slog.Logger
}

func NewAzureTranscriber(cfg config.STTConfig, logger *slog.Logger) *AzureTranscriber {
	endpoint := fmt.Sprintf("https://%s.api.cognitive.microsoft.com/speechtotext/transcriptions:transcribe?api-version=%s",
		cfg.Region, transcribeAPIVersion)
	return newAzureTranscriber(cfg, endpoint, logger)
}

func newAzureTranscriber(cfg config.STTConfig, endpoint string, logger *slog.Logger) *AzureTranscriber {
	timeout := time.Duration(cfg.RequestTimeout) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &AzureTranscriber{
		cfg:      cfg,
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With(slog.String("component", "stt-azure")),
	}
}

type transcribeResponse struct {
	CombinedPhrases []struct {
		Text string `json:"text"`
	} `json:"combinedPhrases"`
	Phrases []struct {
		Text string `json:"text"`
	} `json:"phrases"`
}

func (t *AzureTranscriber) Transcribe(ctx context.Context, wav []byte, locale string) (string, error) {
	if len(wav) == 0 {
		return "", nil
	}
	if err := CheckContainer(wav, t.cfg.SampleRate, t.cfg.Channels, t.logger); err != nil {
		return "", fmt.Errorf("invalid audio container: %w", err)
	}
	if strings.TrimSpace(locale) == "" {
		locale = t.cfg.Language
	}

	body := &bytes.Buffer{}
	form := multipart.NewWriter(body)

	header := textproto.MIMEHeader{}
	header.Set("Content-Disposition", `form-data; name="audio"; filename="audio.wav"`)
	header.Set("Content-Type", "audio/wav")
	part, err := form.CreatePart(header)
	if err != nil {
		return "", fmt.Errorf("build audio part: %w", err)
	}
	if _, err := part.Write(wav); err != nil {
		return "", fmt.Errorf("write audio part: %w", err)
	}

	definition, err := json.Marshal(map[string]any{"locales": []string{locale}})
	if err != nil {
		return "", fmt.Errorf("marshal definition: %w", err)
	}
	if err := form.WriteField("definition", string(definition)); err != nil {
		return "", fmt.Errorf("write definition part: %w", err)
	}
	if err := form.Close(); err != nil {
		return "", fmt.Errorf("finalize form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, body)
	if err != nil {
		return "", fmt.Errorf("build transcribe request: %w", err)
	}
	req.Header.Set("Content-Type", form.FormDataContentType())
	req.Header.Set("Ocp-Apim-Subscription-Key", t.cfg.Key)

	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("transcribe request: %w", err)
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read transcribe response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("transcribe returned status %s", resp.Status)
	}

	var parsed transcribeResponse
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return "", fmt.Errorf("decode transcribe response: %w", err)
	}
	return extractTranscript(parsed), nil
}

// extractTranscript prefers the combined transcript and falls back to
// joining individual phrases, skipping blanks.
func extractTranscript(resp transcribeResponse) string {
	if len(resp.CombinedPhrases) > 0 {
		return resp.CombinedPhrases[0].Text
	}
	var sb strings.Builder
	for _, p := range resp.Phrases {
		if strings.TrimSpace(p.Text) == "" {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(p.Text)
	}
	return sb.String()
}
