// Package compose renders per-subscriber newsletter messages with embedded
// tracking references.
package compose

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"html/template"
	"net/url"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/Kdhungel/ai-newsletter-system/internal/model"
)

// tokenBytes gives 192 bits of entropy per token; tokens are the only
// credential for the tracking endpoints and must be unguessable.
const tokenBytes = 24

// Composer builds Message records and rendered bodies for dispatch.
type Composer struct {
	baseURL string
	tmpl    *template.Template
}

// New creates a Composer. baseURL is the externally reachable root of the
// tracking endpoints, without a trailing slash.
func New(baseURL string) (*Composer, error) {
	tmpl, err := template.New("newsletter").Parse(bodyTemplate)
	if err != nil {
		return nil, fmt.Errorf("parse template: %w", err)
	}
	return &Composer{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		tmpl:    tmpl,
	}, nil
}

type templateArticle struct {
	Number   int
	Title    string
	Summary  string
	ClickURL string
}

type templateData struct {
	Interests      string
	Articles       []templateArticle
	PixelURL       string
	UnsubscribeURL string
}

// Compose renders one subscriber's message for the run, generating a fresh
// tracking token. The returned message is in queued status and carries the
// full rendered body.
func (c *Composer) Compose(runID string, sub model.Subscriber, items []model.ContentItem) (*model.Message, error) {
	token, err := NewToken()
	if err != nil {
		return nil, fmt.Errorf("generate token: %w", err)
	}

	data := templateData{
		Interests:      strings.Join(sub.Interests, ", "),
		PixelURL:       fmt.Sprintf("%s/track/open/%s", c.baseURL, token),
		UnsubscribeURL: fmt.Sprintf("%s/unsubscribe/%s", c.baseURL, url.PathEscape(sub.Email)),
	}
	itemIDs := make([]string, len(items))
	for i, item := range items {
		itemIDs[i] = item.ID
		data.Articles = append(data.Articles, templateArticle{
			Number:   i + 1,
			Title:    item.Title,
			Summary:  item.Summary,
			ClickURL: fmt.Sprintf("%s/track/click/%s/%d", c.baseURL, token, i),
		})
	}

	var body strings.Builder
	if err := c.tmpl.Execute(&body, data); err != nil {
		return nil, fmt.Errorf("render body: %w", err)
	}

	return &model.Message{
		RunID:        runID,
		SubscriberID: sub.ID,
		Email:        sub.Email,
		Token:        token,
		ItemIDs:      itemIDs,
		Subject:      Subject(sub.Interests),
		Body:         body.String(),
		Status:       model.MessageQueued,
	}, nil
}

// Subject builds the email subject line from the subscriber's first interest.
func Subject(interests []string) string {
	if len(interests) == 0 {
		return "Your News Digest"
	}
	first := strings.TrimSpace(interests[0])
	if first == "" {
		return "Your News Digest"
	}
	r, size := utf8.DecodeRuneInString(first)
	return fmt.Sprintf("Your %s News Digest", string(unicode.ToUpper(r))+first[size:])
}

// NewToken returns a fresh URL-safe tracking token.
func NewToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

const bodyTemplate = `<!DOCTYPE html>
<html>
<head>
<style>
  body { font-family: Arial, sans-serif; line-height: 1.6; color: #333; }
  .container { max-width: 600px; margin: 0 auto; padding: 20px; }
  .header { background: #4F46E5; color: white; padding: 20px; text-align: center; }
  .article { margin: 20px 0; padding: 15px; border-left: 4px solid #4F46E5; background: #f9f9f9; }
  .title { font-size: 18px; font-weight: bold; color: #1F2937; }
  .summary { margin: 10px 0; color: #4B5563; }
  .read-more { color: #4F46E5; text-decoration: none; }
  .footer { margin-top: 30px; padding-top: 20px; border-top: 1px solid #E5E7EB; color: #6B7280; font-size: 12px; text-align: center; }
</style>
</head>
<body>
<div class="container">
  <div class="header">
    <h1>Your Personalized Newsletter</h1>
    {{if .Interests}}<p>Curated based on your interests: {{.Interests}}</p>{{end}}
  </div>
{{range .Articles}}  <div class="article">
    <div class="title">#{{.Number}}: {{.Title}}</div>
    {{if .Summary}}<div class="summary">{{.Summary}}</div>{{end}}
    <a href="{{.ClickURL}}" class="read-more">Read full article &rarr;</a>
  </div>
{{end}}  <div class="footer">
    <p>You received this email because you subscribed to our newsletter.</p>
    <p><a href="{{.UnsubscribeURL}}">Unsubscribe</a></p>
  </div>
</div>
<img src="{{.PixelURL}}" width="1" height="1" alt="">
</body>
</html>
`
