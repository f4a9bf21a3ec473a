package tts

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	DefaultGoogleEndpoint = "https://translate.google.com/translate_tts"
	// The endpoint refuses longer queries.
	googleMaxChunk = 100
)

// GoogleTTS uses the Google Translate speech endpoint, which needs no key.
// Each chunk comes back as a standalone MP3 stream; concatenated streams play
// back as one clip.
type GoogleTTS struct {
	endpoint string
	client   *http.Client
}

func NewGoogleTTS(endpoint string, timeout time.Duration) *GoogleTTS {
	if endpoint == "" { endpoint = DefaultGoogleEndpoint }
	return &GoogleTTS{endpoint: endpoint, client: &http.Client{Timeout: timeout}}
}

func (g *GoogleTTS) Model() string { return "google-gtts" }

func (g *GoogleTTS) Synthesize(ctx context.Context, text, lang string) (Audio, error) {
	if lang == "" { lang = "en" }
	chunks := splitText(text, googleMaxChunk)
	if len(chunks) == 0 { return Audio{}, fmt.Errorf("no text to speak") }
	var out bytes.Buffer
	for i, c := range chunks {
		q := url.Values{}
		q.Set("ie", "UTF-8")
		q.Set("client", "tw-ob")
		q.Set("tl", lang)
		q.Set("q", c)
		q.Set("total", strconv.Itoa(len(chunks)))
		q.Set("idx", strconv.Itoa(i))
		q.Set("textlen", strconv.Itoa(utf8.RuneCountInString(c)))
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.endpoint+"?"+q.Encode(), nil)
		if err != nil { return Audio{}, err }
		req.Header.Set("User-Agent", "Mozilla/5.0 (X11; Linux x86_64)")
		req.Header.Set("Referer", "https://translate.google.com/")
		resp, err := g.client.Do(req)
		if err != nil { return Audio{}, fmt.Errorf("google tts unreachable: %w", err) }
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return Audio{}, fmt.Errorf("%d (%s) from TTS API. Probable cause: Unknown", resp.StatusCode, http.StatusText(resp.StatusCode))
		}
		_, err = io.Copy(&out, resp.Body)
		resp.Body.Close()
		if err != nil { return Audio{}, fmt.Errorf("read tts chunk %d: %w", i, err) }
	}
	if out.Len() == 0 { return Audio{}, fmt.Errorf("tts api returned no audio") }
	return Audio{Data: out.Bytes()}, nil
}

// splitText cuts text into chunks of at most max runes, breaking on
// whitespace and hard-splitting words that are longer than max.
func splitText(text string, max int) []string {
	var chunks []string
	var cur strings.Builder
	curLen := 0
	flush := func() {
		if curLen > 0 {
			chunks = append(chunks, cur.String())
			cur.Reset()
			curLen = 0
		}
	}
	for _, word := range strings.Fields(text) {
		for utf8.RuneCountInString(word) > max {
			flush()
			r := []rune(word)
			chunks = append(chunks, string(r[:max]))
			word = string(r[max:])
		}
		n := utf8.RuneCountInString(word)
		if n == 0 { continue }
		if curLen > 0 && curLen+1+n > max { flush() }
		if curLen > 0 { cur.WriteByte(' '); curLen++ }
		cur.WriteString(word)
		curLen += n
	}
	flush()
	return chunks
}
