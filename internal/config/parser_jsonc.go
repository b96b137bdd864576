package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

type jsoncConfig struct {
	Control *jsoncControl `json:"control"`
	Audio   *jsoncAudio   `json:"audio"`
	Health  *jsoncHealth  `json:"health"`
	Scale   *jsoncScale   `json:"scale"`
	Display *jsoncDisplay `json:"display"`
}

type jsoncControl struct {
	Addr           *string `json:"addr"`
	PollIntervalMS *int    `json:"poll_interval_ms"`
	WriteTimeoutMS *int    `json:"write_timeout_ms"`
}

type jsoncAudio struct {
	Addr                *string `json:"addr"`
	Input               *string `json:"input"`
	InputFallback       *string `json:"input_fallback"`
	Output              *string `json:"output"`
	OutputFallback      *string `json:"output_fallback"`
	MicSampleRate       *int    `json:"mic_sample_rate"`
	MicChunkSamples     *int    `json:"mic_chunk_samples"`
	SpeakerSampleRate   *int    `json:"speaker_sample_rate"`
	SpeakerChunkSamples *int    `json:"speaker_chunk_samples"`
	ReadPollMS          *int    `json:"read_poll_ms"`
}

type jsoncHealth struct {
	Addr *string `json:"addr"`
}

type jsoncScale struct {
	Backend *string  `json:"backend"`
	Port    *string  `json:"port"`
	Baud    *int     `json:"baud"`
	Factor  *float64 `json:"factor"`
	Offset  *float64 `json:"offset"`
}

type jsoncDisplay struct {
	Backend         *string `json:"backend"`
	Width           *int    `json:"width"`
	ANSI            *bool   `json:"ansi"`
	QueueDepth      *int    `json:"queue_depth"`
	SubmitTimeoutMS *int    `json:"submit_timeout_ms"`
	PopupDurationMS *int    `json:"popup_duration_ms"`
}

func parseJSONC(content string, base Config) (Config, []Warning, error) {
	cfg, warnings, err := decodeJSONC(content, base)
	if err != nil {
		return Config{}, nil, err
	}

	validatedWarnings, err := Validate(cfg)
	if err != nil {
		return Config{}, nil, err
	}
	warnings = append(warnings, validatedWarnings...)
	return cfg, warnings, nil
}

// decodeJSONC applies content over base without validating the result.
func decodeJSONC(content string, base Config) (Config, []Warning, error) {
	normalized, err := normalizeJSONC(content)
	if err != nil {
		return Config{}, nil, err
	}

	decoder := json.NewDecoder(strings.NewReader(normalized))
	decoder.DisallowUnknownFields()

	var payload jsoncConfig
	if err := decoder.Decode(&payload); err != nil {
		return Config{}, nil, wrapJSONDecodeError(normalized, err)
	}
	if err := ensureSingleJSONValue(decoder); err != nil {
		return Config{}, nil, wrapJSONDecodeError(normalized, err)
	}

	cfg := base
	return cfg, payload.applyTo(&cfg), nil
}

func (payload jsoncConfig) applyTo(cfg *Config) []Warning {
	warnings := make([]Warning, 0)

	if c := payload.Control; c != nil {
		setString(&cfg.Control.Addr, c.Addr)
		setMillis(&cfg.Control.PollInterval, c.PollIntervalMS)
		setMillis(&cfg.Control.WriteTimeout, c.WriteTimeoutMS)
	}

	if a := payload.Audio; a != nil {
		setString(&cfg.Audio.Addr, a.Addr)
		setString(&cfg.Audio.Input, a.Input)
		setString(&cfg.Audio.InputFallback, a.InputFallback)
		setString(&cfg.Audio.Output, a.Output)
		setString(&cfg.Audio.OutputFallback, a.OutputFallback)
		setInt(&cfg.Audio.MicSampleRate, a.MicSampleRate)
		setInt(&cfg.Audio.MicChunkSamples, a.MicChunkSamples)
		setInt(&cfg.Audio.SpeakerSampleRate, a.SpeakerSampleRate)
		setInt(&cfg.Audio.SpeakerChunkSamples, a.SpeakerChunkSamples)
		setMillis(&cfg.Audio.ReadPoll, a.ReadPollMS)
	}

	if payload.Health != nil {
		setString(&cfg.Health.Addr, payload.Health.Addr)
		if payload.Health.Addr != nil && cfg.Health.Addr == "" {
			warnings = append(warnings, Warning{Message: "health.addr is empty; health endpoint disabled"})
		}
	}

	if s := payload.Scale; s != nil {
		if s.Backend != nil {
			cfg.Scale.Backend = strings.ToLower(strings.TrimSpace(*s.Backend))
		}
		setString(&cfg.Scale.Port, s.Port)
		setInt(&cfg.Scale.Baud, s.Baud)
		if s.Factor != nil {
			cfg.Scale.Factor = *s.Factor
		}
		if s.Offset != nil {
			cfg.Scale.Offset = *s.Offset
		}
	}

	if d := payload.Display; d != nil {
		if d.Backend != nil {
			cfg.Display.Backend = strings.ToLower(strings.TrimSpace(*d.Backend))
		}
		setInt(&cfg.Display.Width, d.Width)
		if d.ANSI != nil {
			cfg.Display.ANSI = *d.ANSI
		}
		setInt(&cfg.Display.QueueDepth, d.QueueDepth)
		setMillis(&cfg.Display.SubmitTimeout, d.SubmitTimeoutMS)
		setMillis(&cfg.Display.PopupDuration, d.PopupDurationMS)
	}

	return warnings
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = strings.TrimSpace(*v)
	}
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

func setMillis(dst *time.Duration, v *int) {
	if v != nil {
		*dst = time.Duration(*v) * time.Millisecond
	}
}

func normalizeJSONC(content string) (string, error) {
	withoutComments, err := stripJSONCComments(content)
	if err != nil {
		return "", err
	}
	return stripJSONCTrailingCommas(withoutComments), nil
}

func stripJSONCComments(content string) (string, error) {
	var out strings.Builder
	out.Grow(len(content))

	inString := false
	escape := false
	lineComment := false
	blockComment := false

	for i := 0; i < len(content); i++ {
		ch := content[i]

		if lineComment {
			if ch == '\n' {
				lineComment = false
				out.WriteByte(ch)
				continue
			}
			if ch == '\r' {
				lineComment = false
				out.WriteByte(ch)
				continue
			}
			out.WriteByte(' ')
			continue
		}

		if blockComment {
			if ch == '*' && i+1 < len(content) && content[i+1] == '/' {
				blockComment = false
				out.WriteString("  ")
				i++
				continue
			}
			if ch == '\n' || ch == '\r' || ch == '\t' {
				out.WriteByte(ch)
			} else {
				out.WriteByte(' ')
			}
			continue
		}

		if inString {
			out.WriteByte(ch)
			if escape {
				escape = false
				continue
			}
			if ch == '\\' {
				escape = true
				continue
			}
			if ch == '"' {
				inString = false
			}
			continue
		}

		if ch == '"' {
			inString = true
			out.WriteByte(ch)
			continue
		}

		if ch == '/' && i+1 < len(content) {
			next := content[i+1]
			if next == '/' {
				lineComment = true
				out.WriteString("  ")
				i++
				continue
			}
			if next == '*' {
				blockComment = true
				out.WriteString("  ")
				i++
				continue
			}
		}

		out.WriteByte(ch)
	}

	if blockComment {
		return "", fmt.Errorf("unterminated block comment in JSONC")
	}

	return out.String(), nil
}

func stripJSONCTrailingCommas(content string) string {
	var out strings.Builder
	out.Grow(len(content))

	inString := false
	escape := false

	for i := 0; i < len(content); i++ {
		ch := content[i]

		if inString {
			out.WriteByte(ch)
			if escape {
				escape = false
				continue
			}
			if ch == '\\' {
				escape = true
				continue
			}
			if ch == '"' {
				inString = false
			}
			continue
		}

		if ch == '"' {
			inString = true
			out.WriteByte(ch)
			continue
		}

		if ch == ',' {
			j := i + 1
			for j < len(content) && isJSONWhitespace(content[j]) {
				j++
			}
			if j < len(content) && (content[j] == '}' || content[j] == ']') {
				continue
			}
		}

		out.WriteByte(ch)
	}

	return out.String()
}

func isJSONWhitespace(ch byte) bool {
	switch ch {
	case ' ', '\n', '\r', '\t':
		return true
	default:
		return false
	}
}

func ensureSingleJSONValue(decoder *json.Decoder) error {
	var extra struct{}
	err := decoder.Decode(&extra)
	if errors.Is(err, io.EOF) {
		return nil
	}
	if err == nil {
		return fmt.Errorf("multiple JSON values are not allowed")
	}
	return err
}

func wrapJSONDecodeError(content string, err error) error {
	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) {
		line, col := offsetToLineCol(content, syntaxErr.Offset)
		return fmt.Errorf("line %d column %d: %w", line, col, err)
	}

	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		line, col := offsetToLineCol(content, typeErr.Offset)
		return fmt.Errorf("line %d column %d: %w", line, col, err)
	}

	return err
}

func offsetToLineCol(content string, offset int64) (int, int) {
	if offset <= 0 {
		return 1, 1
	}

	limit := int(offset)
	if limit > len(content) {
		limit = len(content)
	}

	line := 1
	col := 1
	for i := 0; i < limit-1; i++ {
		if content[i] == '\n' {
			line++
			col = 1
			continue
		}
		col++
	}
	return line, col
}
