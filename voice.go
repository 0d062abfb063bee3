package telechat

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
)

const (
	// VoiceBucket is the storage bucket holding voice message audio.
	VoiceBucket = "voice-messages"

	legacyVoiceBucket = "voice_messages"
	maxVoiceSize      = 10 * 1024 * 1024
)

// NormalizeVoiceURL rewrites the first occurrence of the legacy bucket name
// voice_messages to voice-messages. Older uploads were referenced under the
// underscore name, which the storage API does not serve.
func NormalizeVoiceURL(ref string) string {
	return strings.Replace(ref, legacyVoiceBucket, VoiceBucket, 1)
}

// VoiceObjectURL returns the public URL of an object in the voice bucket.
func (c *Client) VoiceObjectURL(objectPath string) string {
	return c.baseURL + "/storage/v1/object/public/" + VoiceBucket + "/" + strings.TrimLeft(objectPath, "/")
}

// UploadVoice stores audio under objectPath in the voice bucket and returns its
// public URL, ready to pass to Conversation.SendVoice.
func (c *Client) UploadVoice(ctx context.Context, data []byte, objectPath, mimeType string) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("voice message is empty")
	}
	if len(data) > maxVoiceSize {
		return "", fmt.Errorf("voice message exceeds maximum size of 10 MB")
	}
	objectPath = strings.TrimLeft(objectPath, "/")
	if objectPath == "" || path.Clean(objectPath) != objectPath {
		return "", fmt.Errorf("invalid object path %q", objectPath)
	}
	if mimeType == "" {
		mimeType = guessAudioMimeType(objectPath)
	}

	uploadURL := c.baseURL + "/storage/v1/object/" + VoiceBucket + "/" + (&url.URL{Path: objectPath}).EscapedPath()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uploadURL, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("failed to create upload request: %w", err)
	}
	req.Header.Set("Content-Type", mimeType)
	req.Header.Set("x-upsert", "false")
	c.setAuthHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return "", decodeAPIError(resp.StatusCode, body)
	}

	return c.VoiceObjectURL(objectPath), nil
}

func guessAudioMimeType(fileName string) string {
	switch strings.ToLower(path.Ext(fileName)) {
	case ".webm":
		return "audio/webm"
	case ".ogg", ".oga":
		return "audio/ogg"
	case ".mp3":
		return "audio/mpeg"
	case ".m4a", ".mp4":
		return "audio/mp4"
	case ".wav":
		return "audio/wav"
	default:
		return "application/octet-stream"
	}
}
