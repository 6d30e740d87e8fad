// Package speech wraps the ASR and TTS sidecar services over HTTP.
// The sidecars run the actual models (SenseVoice for recognition,
// GPT-SoVITS for synthesis); this package handles transport and the
// text-level pre and post processing.
package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"kokoro/internal/logging"
)

// emotionMarks maps SenseVoice emotion labels to inline text markers.
// Neutral and unknown emotions add nothing.
var emotionMarks = map[string]string{
	"HAPPY":       "[开心]",
	"SAD":         "[伤心]",
	"ANGRY":       "[愤怒]",
	"DISGUSTED":   "[厌恶]",
	"SURPRISED":   "[惊讶]",
	"NEUTRAL":     "",
	"EMO_UNKNOWN": "",
}

// eventMarks maps SenseVoice audio event labels to inline text markers.
var eventMarks = map[string]string{
	"BGM":       "",
	"Applause":  "[鼓掌]",
	"Laughter":  "[大笑]",
	"Cry":       "[哭]",
	"Sneeze":    "[打喷嚏]",
	"Cough":     "[咳嗽]",
	"Breath":    "[深呼吸]",
	"Speech":    "",
	"Event_UNK": "",
}

// ASRClient recognizes speech via the ASR sidecar.
type ASRClient struct {
	baseURL string
	client  *http.Client
}

// NewASRClient creates a client for the ASR sidecar at baseURL.
func NewASRClient(baseURL string, timeout time.Duration) *ASRClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &ASRClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// asrResponse is the sidecar's recognition result. The emotion and event
// fields arrive wrapped in SenseVoice token delimiters, e.g. "<|HAPPY|>".
type asrResponse struct {
	Text    string `json:"text"`
	Emotion string `json:"emotion"`
	Event   string `json:"event"`
}

// Recognize sends 16 kHz mono PCM WAV audio to the sidecar and returns
// the recognized text with emotion and event markers attached. Returns
// "" for audio the sidecar could not make sense of.
func (c *ASRClient) Recognize(ctx context.Context, wav []byte) (string, error) {
	timer := logging.StartTimer(logging.CategorySpeech, "asr.Recognize")
	defer timer.Stop()

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/asr", bytes.NewReader(wav))
	if err != nil {
		return "", fmt.Errorf("failed to create ASR request: %w", err)
	}
	req.Header.Set("Content-Type", "audio/wav")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("ASR request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("ASR sidecar returned status %d: %s", resp.StatusCode, string(body))
	}

	var result asrResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("failed to decode ASR response: %w", err)
	}

	text := DecorateTranscript(result.Text, result.Emotion, result.Event)
	logging.SpeechDebug("ASR result: %q", text)
	return text, nil
}

// DecorateTranscript combines the raw transcript with emotion and event
// markers. Labels may arrive wrapped in token delimiters ("<|HAPPY|>").
// Hallucinated results ("The." on silence) are filtered to "".
func DecorateTranscript(text, emotion, event string) string {
	emotionMark := emotionMarks[strings.Trim(emotion, "<|>")]
	eventMark := eventMarks[strings.Trim(event, "<|>")]

	result := eventMark + text + emotionMark
	if result == "The." || result == "" {
		return ""
	}
	return result
}
