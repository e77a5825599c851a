package messenger

import "context"

// Sender delivers one message kind through a bot's Client
type Sender interface {
	Send(ctx context.Context, req SendRequest) (*Result, error)
	Kind() MessageKind
	Supports(kind MessageKind) bool
}

type textSender struct {
	client *Client
}

func (s *textSender) Kind() MessageKind { return KindText }

func (s *textSender) Supports(kind MessageKind) bool { return kind == KindText }

func (s *textSender) Send(ctx context.Context, req SendRequest) (*Result, error) {
	req.Kind = KindText
	if err := req.Validate(); err != nil {
		return nil, err
	}
	payload := basePayload(req)
	payload["text"] = Truncate(req.Text, MaxTextLength)
	return s.client.Call(ctx, "sendMessage", payload)
}

// mediaSender covers every kind that is a media reference plus an optional caption
type mediaSender struct {
	client *Client
	kind   MessageKind
	method string
	field  string
}

func newMediaSender(client *Client, kind MessageKind) *mediaSender {
	s := &mediaSender{client: client, kind: kind}
	switch kind {
	case KindPhoto:
		s.method, s.field = "sendPhoto", "photo"
	case KindVideo:
		s.method, s.field = "sendVideo", "video"
	case KindAudio:
		s.method, s.field = "sendAudio", "audio"
	case KindDocument:
		s.method, s.field = "sendDocument", "document"
	}
	return s
}

func (s *mediaSender) Kind() MessageKind { return s.kind }

func (s *mediaSender) Supports(kind MessageKind) bool { return kind == s.kind }

func (s *mediaSender) Send(ctx context.Context, req SendRequest) (*Result, error) {
	req.Kind = s.kind
	if err := req.Validate(); err != nil {
		return nil, err
	}
	payload := basePayload(req)
	payload[s.field] = req.MediaURL
	if req.Text != "" {
		payload["caption"] = Truncate(req.Text, MaxCaptionLength)
	}
	return s.client.Call(ctx, s.method, payload)
}

func basePayload(req SendRequest) map[string]interface{} {
	payload := map[string]interface{}{
		"chat_id": req.ChatID,
	}
	if req.ParseMode != "" {
		payload["parse_mode"] = req.ParseMode
	}
	if req.DisableNotification {
		payload["disable_notification"] = true
	}
	return payload
}
