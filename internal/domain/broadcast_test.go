package domain

import "testing"

func TestTemplateRender(t *testing.T) {
	t.Parallel()
	tmpl := Template{Name: "welcome", Body: "Hi {{name}}, code {{code}}"}
	p := tmpl.Render(map[string]string{"name": "Ada", "code": "X-9"})
	if p.Body != "Hi Ada, code X-9" {
		t.Fatalf("body = %q", p.Body)
	}
}

func TestTemplateRenderLongestKeyFirst(t *testing.T) {
	t.Parallel()
	tmpl := Template{Body: "{{name_full}} aka {{name}}"}
	p := tmpl.Render(map[string]string{"name": "Ada", "name_full": "Ada Lovelace"})
	if p.Body != "Ada Lovelace aka Ada" {
		t.Fatalf("body = %q", p.Body)
	}
}

func TestTemplateRenderKeepsUnmatchedPlaceholders(t *testing.T) {
	t.Parallel()
	tmpl := Template{Body: "Hi {{name}}, code {{code}}"}
	p := tmpl.Render(map[string]string{"name": "Ada"})
	if p.Body != "Hi Ada, code {{code}}" {
		t.Fatalf("body = %q", p.Body)
	}
	if got := tmpl.Render(nil); got.Body != tmpl.Body {
		t.Fatalf("nil vars body = %q", got.Body)
	}
}

func TestNewMessage(t *testing.T) {
	t.Parallel()
	m := NewMessage("chat-1", KindText, "hello")
	if m.ID == "" || m.Key != "chat-1" || m.Kind != KindText || m.Body != "hello" {
		t.Fatalf("message = %+v", m)
	}
	if m.ReceivedAt.IsZero() {
		t.Fatal("received timestamp not set")
	}
	if m.IsReply() {
		t.Fatal("fresh message claims to be a reply")
	}
	m.ReplyTo = "other"
	if !m.IsReply() {
		t.Fatal("reply reference not detected")
	}
}
