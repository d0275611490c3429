package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"mdplane/internal/domain"
	"mdplane/internal/engine"
	"mdplane/internal/engine/auth"
)

// Streamer serves a WebSocket subscription until the client goes away.
type Streamer interface {
	Serve(w http.ResponseWriter, r *http.Request, sub domain.Subscription)
}

// Config for the HTTP API handler.
type Config struct {
	Engine   *engine.Engine
	Resolver auth.Resolver
	Tokens   auth.TokenIssuer
	Hub      Streamer
	// PublicURL is the externally visible base URL; the request host is used when empty.
	PublicURL string
	Logger    *slog.Logger
}

type apiErrorBody struct {
	Code    string `json:"code" example:"ALREADY_CLAIMED"`
	Message string `json:"message" example:"task a1 is already claimed by alice"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	OK     bool         `json:"ok"`
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

type requestKey struct{}

type service struct {
	engine    *engine.Engine
	resolver  auth.Resolver
	tokens    auth.TokenIssuer
	publicURL string
	logger    *slog.Logger
}

// New returns an HTTP handler exposing the mdplane API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Engine == nil {
		return nil, errors.New("server: engine is required")
	}
	if cfg.Hub == nil {
		return nil, errors.New("server: websocket hub is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Resolver.Repo.DB == nil {
		cfg.Resolver.Repo = cfg.Engine.Repo
	}
	s := &service{
		engine:    cfg.Engine,
		resolver:  cfg.Resolver,
		tokens:    cfg.Tokens,
		publicURL: strings.TrimRight(cfg.PublicURL, "/"),
		logger:    logger,
	}

	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return humaError(status, msg, errs)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		return humaError(status, msg, errs)
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(requestLogger(logger))
	router.Use(middleware.Recoverer)
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, newAPIError(http.StatusNotFound, engine.CodeInvalidRequest, "route not found"))
	})

	hcfg := huma.DefaultConfig("mdplane API", "0.1.0")
	hcfg.OpenAPIPath = ""
	hcfg.DocsPath = ""
	hcfg.SchemasPath = ""
	api := humachi.New(router, hcfg)

	registerDocs(router)
	registerHealth(api)
	registerFiles(api, s)
	registerAppends(api, s)
	registerTasks(api, s)
	registerEvents(api, s)
	registerSubscribe(api, s)
	registerWebhooks(api, s)
	registerOpenAPI(router, api)
	router.Get("/ws", wsHandler(s.tokens, cfg.Hub, logger))

	return router, nil
}

func newAPIError(status int, code, message string) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{status: status, Body: apiErrorBody{Code: code, Message: message}}
}

// humaError shapes huma's own failures (parsing, schema validation) as the envelope;
// validation failures are reported as 400 INVALID_REQUEST.
func humaError(status int, msg string, errs []error) huma.StatusError {
	if status == http.StatusUnprocessableEntity {
		status = http.StatusBadRequest
	}
	details := make([]string, 0, len(errs))
	for _, err := range errs {
		if err != nil {
			details = append(details, err.Error())
		}
	}
	if len(details) > 0 {
		msg = fmt.Sprintf("%s: %s", msg, strings.Join(details, "; "))
	}
	return newAPIError(status, "", msg)
}

func defaultCodeForStatus(status int) string {
	switch {
	case status == http.StatusNotFound:
		return engine.CodeInvalidKey
	case status >= 500:
		return engine.CodeInternal
	default:
		return engine.CodeInvalidRequest
	}
}

func (s *service) handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var ee *engine.Error
	if errors.As(err, &ee) {
		return newAPIError(ee.Status(), ee.Code, ee.Message)
	}
	s.logger.Error("request failed", "err", err)
	return newAPIError(http.StatusInternalServerError, engine.CodeInternal, "internal error")
}

// writeError renders the envelope outside huma (plain chi routes).
func writeError(w http.ResponseWriter, err huma.StatusError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.GetStatus())
	_ = json.NewEncoder(w).Encode(err)
}

// requestLogger logs one line per request once the response is written.
func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			started := time.Now()
			defer func() {
				logger.Info("http request",
					"method", r.Method,
					"path", redactKey(r.URL.Path),
					"status", ww.Status(),
					"bytes", ww.BytesWritten(),
					"duration_ms", time.Since(started).Milliseconds(),
					"request_id", middleware.GetReqID(r.Context()),
				)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}

// redactKey hides the capability key segment of /k/{key}/... paths.
func redactKey(p string) string {
	if !strings.HasPrefix(p, "/k/") {
		return p
	}
	rest := strings.TrimPrefix(p, "/k/")
	if i := strings.Index(rest, "/"); i >= 0 {
		return "/k/***" + rest[i:]
	}
	return "/k/***"
}

func requestFromContext(ctx context.Context) *http.Request {
	r, _ := ctx.Value(requestKey{}).(*http.Request)
	return r
}

func registerDocs(r chi.Router) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML)
	})
}

func registerOpenAPI(r chi.Router, api huma.API) {
	var (
		once sync.Once
		spec []byte
	)
	r.Get("/openapi.json", func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			spec, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil || oas.Components == nil || oas.Components.Schemas == nil {
		return
	}
	ref := oas.Components.Schemas.Schema(reflect.TypeOf(apiError{}), true, "ErrorEnvelope")
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {Schema: ref},
				},
			}
		}
	}
}

const swaggerHTML = `<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>mdplane API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '/openapi.json',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Every operation lives under /k/{key}; the capability key is the credential.
    </p>
  </body>
</html>`

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*okOutput[HealthData], error) {
		return ok(HealthData{Status: "ok"}), nil
	})
}
