package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/forge-ai/testforge/shared/events"
	"github.com/forge-ai/testforge/shared/testfile"
	"github.com/rs/zerolog/log"
)

const telegramAPI = "https://api.telegram.org/bot"

// Telegram rejects captions longer than this.
const maxCaption = 1024

type notifier struct {
	api     string
	tgToken string
	tgChat  string
	http    *http.Client
}

func (n *notifier) onComplete(ctx context.Context, body []byte) error {
	p, err := events.Unwrap[events.TestgenCompletePayload](body)
	if err != nil {
		return err
	}

	log.Info().
		Str("job", p.JobID).
		Str("class", p.TestClassName).
		Int64("ms", p.DurationMS).
		Msg("sending notification")

	caption := fmt.Sprintf(
		"✅ *%s* generated\n"+
			"Model: `%s`\n"+
			"Took: %s\n"+
			"`job: %s`",
		mdEscape(p.TestClassName), mdCode(p.Model),
		(time.Duration(p.DurationMS) * time.Millisecond).Round(100*time.Millisecond),
		p.JobID,
	)

	if n.tgToken == "" {
		log.Warn().Msg("TELEGRAM_BOT_TOKEN not set, skipping notification")
		return nil
	}
	doc := testfile.Content(p.PackageName, p.Code)
	return n.sendDocument(ctx, caption, p.TestClassName+testfile.Ext, []byte(doc))
}

func (n *notifier) onFailed(ctx context.Context, body []byte) error {
	p, err := events.Unwrap[events.TestgenFailedPayload](body)
	if err != nil {
		return err
	}

	log.Info().Str("job", p.JobID).Str("kind", p.Kind).Msg("sending failure notification")

	msg := fmt.Sprintf(
		"❌ *%s* test generation failed (`%s`)\n"+
			"```\n%s\n```\n"+
			"`job: %s`",
		mdEscape(p.ClassName), mdCode(p.Kind), mdCode(p.Error), mdCode(p.JobID),
	)

	if n.tgToken == "" {
		log.Warn().Msg("TELEGRAM_BOT_TOKEN not set, skipping notification")
		return nil
	}
	return n.sendMessage(ctx, msg)
}

// mdEscape makes s literal in Telegram's legacy Markdown.
var mdEscape = strings.NewReplacer(`_`, `\_`, `*`, `\*`, "`", "\\`", `[`, `\[`).Replace

// mdCode makes s safe inside a code span, where only backticks end it.
func mdCode(s string) string {
	return strings.ReplaceAll(s, "`", "'")
}

func (n *notifier) sendMessage(ctx context.Context, text string) error {
	body, _ := json.Marshal(map[string]string{
		"chat_id":    n.tgChat,
		"text":       text,
		"parse_mode": "Markdown",
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		n.api+n.tgToken+"/sendMessage",
		bytes.NewReader(body),
	)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return n.do(req, "sendMessage")
}

func (n *notifier) sendDocument(ctx context.Context, caption, filename string, data []byte) error {
	if len(caption) > maxCaption {
		caption = strings.ToValidUTF8(caption[:maxCaption], "")
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	_ = w.WriteField("chat_id", n.tgChat)
	_ = w.WriteField("caption", caption)
	_ = w.WriteField("parse_mode", "Markdown")
	part, err := w.CreateFormFile("document", filename)
	if err != nil {
		return err
	}
	part.Write(data)
	w.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		n.api+n.tgToken+"/sendDocument",
		&buf,
	)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	return n.do(req, "sendDocument")
}

func (n *notifier) do(req *http.Request, method string) error {
	resp, err := n.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("telegram %s %d: %s", method, resp.StatusCode, b)
	}
	return nil
}
