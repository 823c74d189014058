package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/smtp"
	"strings"
	"time"
)

// WebhookSender 通过 HTTP webhook 投递消息，同时满足 Slack 与钉钉的发送接口。
type WebhookSender struct {
	URL    string
	Client *http.Client
}

func (s *WebhookSender) client() *http.Client {
	if s.Client != nil {
		return s.Client
	}
	return &http.Client{Timeout: 10 * time.Second}
}

// Send 以钉钉文本消息格式发送。
func (s *WebhookSender) Send(ctx context.Context, content string) error {
	return s.post(ctx, map[string]any{
		"msgtype": "text",
		"text":    map[string]string{"content": content},
	})
}

// SlackSender 返回 Slack incoming webhook 形式的发送器。
func (s *WebhookSender) SlackSender() SlackSender {
	return slackWebhook{s}
}

type slackWebhook struct{ s *WebhookSender }

func (w slackWebhook) Send(ctx context.Context, channel, content string) error {
	return w.s.post(ctx, map[string]string{"channel": channel, "text": content})
}

func (s *WebhookSender) post(ctx context.Context, body any) error {
	if strings.TrimSpace(s.URL) == "" {
		return fmt.Errorf("webhook 地址为空")
	}
	encoded, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(encoded))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("webhook 返回状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}

// SMTPSender 通过 SMTP 发送告警邮件。
type SMTPSender struct {
	Addr     string
	Username string
	Password string
	From     string
}

// Send 实现 EmailSender。
func (s *SMTPSender) Send(_ context.Context, subject, content string, to []string) error {
	host := s.Addr
	if i := strings.LastIndexByte(host, ':'); i > 0 {
		host = host[:i]
	}
	var auth smtp.Auth
	if s.Username != "" {
		auth = smtp.PlainAuth("", s.Username, s.Password, host)
	}
	var msg bytes.Buffer
	fmt.Fprintf(&msg, "From: %s\r\nTo: %s\r\nSubject: %s\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n%s\r\n",
		s.From, strings.Join(to, ", "), subject, content)
	return smtp.SendMail(s.Addr, auth, s.From, to, msg.Bytes())
}
