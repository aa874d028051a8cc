package twilio

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// Sink delivers chunks to one recipient, one message per chunk, in order.
type Sink struct {
	client *Client
	to     string
}

func (s *Sink) Deliver(ctx context.Context, chunks []string) error {
	for _, chunk := range chunks {
		for _, part := range splitBody(chunk, MaxBodyLength) {
			start := time.Now()
			sid, err := s.client.Send(ctx, s.to, part)
			if err != nil {
				return fmt.Errorf("send message: %w", err)
			}
			s.client.logger.Debug("message sent",
				"sid", sid,
				"duration_ms", time.Since(start).Milliseconds(),
			)
		}
	}
	return nil
}

// splitBody breaks body into parts of at most limit runes, preferring the
// last whitespace before the limit.
func splitBody(body string, limit int) []string {
	if utf8.RuneCountInString(body) <= limit {
		return []string{body}
	}

	var parts []string
	runes := []rune(body)
	for len(runes) > limit {
		cut := limit
		for i := limit; i > limit/2; i-- {
			if runes[i] == ' ' || runes[i] == '\n' {
				cut = i
				break
			}
		}
		parts = append(parts, strings.TrimSpace(string(runes[:cut])))
		runes = []rune(strings.TrimLeft(string(runes[cut:]), " \n"))
	}
	if len(runes) > 0 {
		parts = append(parts, string(runes))
	}
	return parts
}
