// Package transcript turns captured PCM into text using AssemblyAI's
// streaming API.
package transcript

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const DefaultURL = "wss://streaming.assemblyai.com/v3/ws"

var ErrMissingKey = errors.New("transcript: assemblyai api key missing")

// message is the union of the server messages we care about.
type message struct {
	Type           string  `json:"type"`
	ID             string  `json:"id,omitempty"`
	ExpiresAt      int64   `json:"expires_at,omitempty"`
	Transcript     string  `json:"transcript,omitempty"`
	TurnOrder      int     `json:"turn_order,omitempty"`
	EndOfTurn      bool    `json:"end_of_turn,omitempty"`
	TurnFormatted  bool    `json:"turn_is_formatted,omitempty"`
	AudioDuration  float64 `json:"audio_duration_seconds,omitempty"`
	SessionSeconds float64 `json:"session_duration_seconds,omitempty"`
	Error          string  `json:"error,omitempty"`
}

// AssemblyAI transcribes one finished capture per websocket session.
type AssemblyAI struct {
	apiKey  string
	URL     string
	Chunk   time.Duration
	Timeout time.Duration
	Dialer  *websocket.Dialer
	log     zerolog.Logger
}

func NewAssemblyAI(apiKey string, logger zerolog.Logger) *AssemblyAI {
	return &AssemblyAI{
		apiKey:  apiKey,
		URL:     DefaultURL,
		Chunk:   50 * time.Millisecond,
		Timeout: 20 * time.Second,
		Dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		log:     logger.With().Str("component", "stt").Logger(),
	}
}

// Transcribe streams pcm (mono PCM16LE) and returns the joined turn
// transcripts once the server acknowledges termination.
func (a *AssemblyAI) Transcribe(ctx context.Context, pcm []byte, sampleRate int) (string, error) {
	if a.apiKey == "" {
		return "", ErrMissingKey
	}
	if len(pcm) == 0 {
		return "", nil
	}
	if a.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.Timeout)
		defer cancel()
	}

	params := url.Values{}
	params.Set("sample_rate", strconv.Itoa(sampleRate))
	params.Set("encoding", "pcm_s16le")
	params.Set("format_turns", "true")
	wsURL := a.URL + "?" + params.Encode()

	conn, resp, err := a.Dialer.DialContext(ctx, wsURL, http.Header{"Authorization": {a.apiKey}})
	if err != nil {
		if resp != nil {
			return "", fmt.Errorf("assemblyai dial: status=%d: %w", resp.StatusCode, err)
		}
		return "", fmt.Errorf("assemblyai dial: %w", err)
	}
	defer conn.Close()

	// unblock the reader when the caller gives up
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	type outcome struct {
		text string
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		text, err := a.readTurns(conn)
		done <- outcome{text, err}
	}()

	step := sampleRate * 2 * int(a.Chunk) / int(time.Second)
	if step <= 0 {
		step = len(pcm)
	}
	for off := 0; off < len(pcm); off += step {
		end := min(off+step, len(pcm))
		if err := conn.WriteMessage(websocket.BinaryMessage, pcm[off:end]); err != nil {
			return "", a.writeErr(ctx, err)
		}
	}
	if err := conn.WriteJSON(map[string]string{"type": "Terminate"}); err != nil {
		return "", a.writeErr(ctx, err)
	}

	select {
	case o := <-done:
		if o.err != nil && ctx.Err() != nil {
			return "", ctx.Err()
		}
		return o.text, o.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (a *AssemblyAI) writeErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("assemblyai write: %w", err)
}

// readTurns keeps the latest transcript per turn until Termination.
func (a *AssemblyAI) readTurns(conn *websocket.Conn) (string, error) {
	turns := map[int]string{}
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return joinTurns(turns), nil
			}
			return "", fmt.Errorf("assemblyai read: %w", err)
		}
		var msg message
		if err := json.Unmarshal(data, &msg); err != nil {
			a.log.Warn().Err(err).Msg("bad message")
			continue
		}
		switch msg.Type {
		case "Begin":
			a.log.Debug().Str("session", msg.ID).Msg("session began")
		case "Turn":
			if msg.Transcript != "" {
				turns[msg.TurnOrder] = msg.Transcript
			}
		case "Termination":
			a.log.Debug().Float64("audio_sec", msg.AudioDuration).Msg("session terminated")
			return joinTurns(turns), nil
		case "Error":
			return "", fmt.Errorf("assemblyai: %s", msg.Error)
		default:
			a.log.Debug().Str("type", msg.Type).Msg("unknown message type")
		}
	}
}

func joinTurns(turns map[int]string) string {
	orders := make([]int, 0, len(turns))
	for o := range turns {
		orders = append(orders, o)
	}
	sort.Ints(orders)
	parts := make([]string, 0, len(orders))
	for _, o := range orders {
		parts = append(parts, strings.TrimSpace(turns[o]))
	}
	return strings.TrimSpace(strings.Join(parts, " "))
}
