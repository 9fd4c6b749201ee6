// Package webhook runs the HTTP ingestor: signature verification over the raw
// body, delivery-id idempotency, route matching, and prompt templating.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/nextlevelbuilder/fleetd/internal/bus"
	"github.com/nextlevelbuilder/fleetd/internal/config"
)

// maxBodySize bounds webhook request bodies.
const maxBodySize = 1 << 20

// Trigger is the fleet entry point a matched route fires. sessionKey may be
// empty when the route has no session_key configured.
type Trigger func(ctx context.Context, route config.RouteConfig, prompt, sessionKey string, payload map[string]any)

type provider struct {
	name   string
	kind   string
	secret []byte
}

// Server is the webhook HTTP receiver.
type Server struct {
	cfg       config.WebhookConfig
	providers map[string]provider
	idem      *IdempotencySet
	trigger   Trigger
	events    bus.Publisher
	log       *slog.Logger

	srv *http.Server
}

// NewServer resolves provider secrets and builds the receiver. idemPath may be
// empty to keep the idempotency set in memory only.
func NewServer(cfg config.WebhookConfig, idemTTL time.Duration, idemPath string, trigger Trigger, events bus.Publisher, log *slog.Logger) (*Server, error) {
	providers := make(map[string]provider, len(cfg.Providers))
	for name, pc := range cfg.Providers {
		secret := os.Getenv(pc.SecretEnv)
		if secret == "" {
			return nil, fmt.Errorf("webhook provider %s: env var %s is not set", name, pc.SecretEnv)
		}
		providers[name] = provider{name: name, kind: pc.Kind, secret: []byte(secret)}
	}
	return &Server{
		cfg:       cfg,
		providers: providers,
		idem:      NewIdempotencySet(idemTTL, idemPath),
		trigger:   trigger,
		events:    events,
		log:       log,
	}, nil
}

// Start begins serving on the configured address.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/webhooks/", s.handle)

	s.srv = &http.Server{
		Addr:              s.cfg.ListenAddr(),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("webhook.server_failed", "error", err)
		}
	}()
	s.log.Info("webhook.listening", "addr", s.cfg.ListenAddr())
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// Handler exposes the route handler for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/webhooks/", s.handle)
	return mux
}

// handle runs the ingest pipeline. The response is always synchronous; any
// triggered work happens asynchronously.
func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	name := strings.TrimPrefix(r.URL.Path, "/webhooks/")
	p, known := s.providers[name]
	if name == "" || !known {
		http.NotFound(w, r)
		return
	}

	rawBody, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		http.Error(w, "read error", http.StatusBadRequest)
		return
	}

	if err := verifySignature(p.kind, p.secret, r.Header, rawBody); err != nil {
		s.log.Warn("webhook.signature_rejected", "provider", name, "error", err)
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	var payload map[string]any
	if err := json.Unmarshal(rawBody, &payload); err != nil {
		http.Error(w, "malformed body", http.StatusBadRequest)
		return
	}

	// From here on the answer is 202; processing outcomes never leak.
	w.WriteHeader(http.StatusAccepted)

	if id := deliveryID(p.kind, r.Header); s.idem.Observe(id) {
		s.log.Debug("webhook.duplicate_delivery", "provider", name, "delivery_id", id)
		return
	}

	event := extractEvent(p.kind, r.Header, payload)
	action, _ := lookupPath(payload, "action")

	if s.events != nil {
		s.events.Publish(bus.Event{
			Name: bus.EventWebhookReceived,
			Payload: map[string]any{
				"provider": name,
				"event":    event,
			},
		})
	}

	route, matched := s.matchRoute(name, event, fmt.Sprint(action), payload)
	if !matched {
		s.log.Debug("webhook.no_matching_route", "provider", name, "event", event)
		return
	}

	prompt := RenderTemplate(route.Prompt, payload)
	sessionKey := ""
	if route.SessionKey != "" {
		if v, ok := lookupPath(payload, route.SessionKey); ok {
			sessionKey = fmt.Sprint(v)
		}
	}

	s.log.Info("webhook.route_matched",
		"provider", name,
		"route", route.Name,
		"agent", route.Agent,
		"session_key", sessionKey)

	go s.trigger(context.Background(), route, prompt, sessionKey, payload)
}

// matchRoute returns the first route matching source, event, action, and all
// dot-path filters.
func (s *Server) matchRoute(source, event, action string, payload map[string]any) (config.RouteConfig, bool) {
	for _, route := range s.cfg.Routes {
		if route.Source != source {
			continue
		}
		if route.Event != "" && route.Event != event {
			continue
		}
		if route.Action != "" && route.Action != action {
			continue
		}
		ok := true
		for path, want := range route.Filters {
			v, found := lookupPath(payload, path)
			if !found || fmt.Sprint(v) != want {
				ok = false
				break
			}
		}
		if ok {
			return route, true
		}
	}
	return config.RouteConfig{}, false
}

// extractEvent finds the event name: a header for GitHub, the body type field
// for the rest.
func extractEvent(kind string, header http.Header, payload map[string]any) string {
	if kind == "github" {
		return header.Get("X-GitHub-Event")
	}
	if v, ok := lookupPath(payload, "type"); ok {
		return fmt.Sprint(v)
	}
	if v, ok := lookupPath(payload, "event"); ok {
		return fmt.Sprint(v)
	}
	return ""
}

// lookupPath resolves a dot path into nested JSON maps.
func lookupPath(payload map[string]any, path string) (any, bool) {
	var cur any = payload
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

var templateVar = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_.]+)\s*\}\}`)

// RenderTemplate substitutes {{dot.path}} references with payload values.
// Unresolvable references render empty.
func RenderTemplate(tmpl string, payload map[string]any) string {
	return templateVar.ReplaceAllStringFunc(tmpl, func(m string) string {
		path := templateVar.FindStringSubmatch(m)[1]
		if v, ok := lookupPath(payload, path); ok {
			return fmt.Sprint(v)
		}
		return ""
	})
}
