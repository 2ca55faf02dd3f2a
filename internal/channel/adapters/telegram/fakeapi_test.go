package telegram

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/memohai/tgflow/internal/config"
)

const testToken = "123:test"

type apiCall struct {
	Method string
	Form   map[string]string
}

// fakeBotAPI answers Bot API requests. Methods without a scripted reply
// succeed with result true.
type fakeBotAPI struct {
	mu      sync.Mutex
	calls   []apiCall
	replies map[string][]string
	srv     *httptest.Server
}

func newFakeBotAPI(t *testing.T) *fakeBotAPI {
	t.Helper()
	f := &fakeBotAPI{replies: make(map[string][]string)}
	f.srv = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.srv.Close)
	return f
}

// reply queues raw JSON bodies for method, served in order. The last one repeats.
func (f *fakeBotAPI) reply(method string, bodies ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies[method] = append(f.replies[method], bodies...)
}

func (f *fakeBotAPI) serve(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	method := parts[len(parts)-1]
	_ = r.ParseForm()
	form := make(map[string]string, len(r.PostForm))
	for k := range r.PostForm {
		form[k] = r.PostForm.Get(k)
	}

	f.mu.Lock()
	f.calls = append(f.calls, apiCall{Method: method, Form: form})
	body := `{"ok":true,"result":true}`
	if method == "getMe" {
		body = `{"ok":true,"result":{"id":42,"is_bot":true,"first_name":"Flow","username":"flowbot"}}`
	}
	if queued := f.replies[method]; len(queued) > 0 {
		body = queued[0]
		if len(queued) > 1 {
			f.replies[method] = queued[1:]
		}
	}
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(body))
}

// methodCalls returns recorded calls to method, getMe excluded unless asked for.
func (f *fakeBotAPI) methodCalls(method string) []apiCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []apiCall
	for _, c := range f.calls {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeBotAPI) config() config.TelegramConfig {
	return config.TelegramConfig{
		BotToken:    testToken,
		APIEndpoint: f.srv.URL + "/bot%s/%s",
		Mode:        config.ModePoll,
	}
}

func (f *fakeBotAPI) adapter(t *testing.T) *Adapter {
	t.Helper()
	return NewAdapter(f.config(), slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func okResult(t *testing.T, v any) string {
	t.Helper()
	raw, err := json.Marshal(map[string]any{"ok": true, "result": v})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return string(raw)
}
