package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"kokoro/internal/logging"
)

// parenRe matches parenthesized asides, Chinese or ASCII brackets, which
// read badly when spoken aloud.
var parenRe = regexp.MustCompile(`[(（].*?[)）]`)

// TTSClient synthesizes speech via the TTS sidecar.
type TTSClient struct {
	baseURL string
	voice   string
	client  *http.Client
}

// NewTTSClient creates a client for the TTS sidecar at baseURL. voice
// selects the character voice, defaulting to "feibi".
func NewTTSClient(baseURL, voice string, timeout time.Duration) *TTSClient {
	if voice == "" {
		voice = "feibi"
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &TTSClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		voice:   voice,
		client:  &http.Client{Timeout: timeout},
	}
}

type ttsRequest struct {
	Text      string `json:"text"`
	Character string `json:"character"`
	Language  string `json:"language"`
}

// Synthesize converts text to WAV audio. Markdown markers and
// parenthesized asides are stripped first. Returns (nil, nil) when
// nothing speakable remains after preprocessing.
func (c *TTSClient) Synthesize(ctx context.Context, text string) ([]byte, error) {
	timer := logging.StartTimer(logging.CategorySpeech, "tts.Synthesize")
	defer timer.Stop()

	processed := PreprocessText(text)
	if processed == "" {
		logging.SpeechDebug("nothing speakable after preprocessing, skipping synthesis")
		return nil, nil
	}

	body, err := json.Marshal(ttsRequest{
		Text:      processed,
		Character: c.voice,
		Language:  "zh",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal TTS request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/tts", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create TTS request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("TTS request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("TTS sidecar returned status %d: %s", resp.StatusCode, string(respBody))
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read TTS audio: %w", err)
	}

	logging.Speech("synthesized %d bytes for %d chars of text", len(audio), len([]rune(processed)))
	return audio, nil
}

// PreprocessText strips content that should not be read aloud: Markdown
// heading and emphasis markers, and parenthesized stage directions.
func PreprocessText(text string) string {
	text = strings.ReplaceAll(text, "#", "")
	text = strings.ReplaceAll(text, "*", "")
	text = parenRe.ReplaceAllString(text, "")
	return strings.TrimSpace(text)
}
