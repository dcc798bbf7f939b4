package inquiry

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/keithlinneman/siteguard/internal/httpmw"
	"github.com/keithlinneman/siteguard/internal/log"
)

// MaxBodyBytes caps the request body.
const MaxBodyBytes = 16 << 10

type Options struct {
	Sink   Sink
	Logger log.Logger

	// SpamThreshold overrides DefaultSpamThreshold when > 0
	SpamThreshold int

	// Now is used for scoring and timestamps, defaults to time.Now
	Now func() time.Time

	// OnSubmitted is called once per request with the outcome:
	// "new", "spam", "invalid" or "error"
	OnSubmitted func(outcome string)
}

// API implements the inquiry endpoint.
type API struct {
	sink      Sink
	logger    log.Logger
	threshold int
	now       func() time.Time
	onSubmit  func(string)
}

func NewAPI(opts Options) *API {
	api := &API{
		sink:      opts.Sink,
		logger:    opts.Logger,
		threshold: opts.SpamThreshold,
		now:       opts.Now,
		onSubmit:  opts.OnSubmitted,
	}
	if api.logger == nil {
		api.logger = log.Nop()
	}
	if api.sink == nil {
		api.sink = LogSink{Logger: api.logger}
	}
	if api.threshold <= 0 {
		api.threshold = DefaultSpamThreshold
	}
	if api.now == nil {
		api.now = time.Now
	}
	return api
}

// RegisterRoutes attaches the inquiry endpoint to the router.
func (api *API) RegisterRoutes(r chi.Router) {
	r.With(httpmw.Scope("inquiry"), httpmw.MaxBody(MaxBodyBytes)).Post("/api/inquiries", api.HandleCreate)
}

type createResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type errorResponse struct {
	Error  string      `json:"error"`
	Fields FieldErrors `json:"fields,omitempty"`
}

// HandleCreate validates, scores and stores one submission.
func (api *API) HandleCreate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	L := log.FromContext(ctx)

	var sub Submission
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&sub); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			api.outcome("invalid")
			api.writeJSON(ctx, w, http.StatusRequestEntityTooLarge, errorResponse{Error: "request body too large"})
			return
		}
		api.outcome("invalid")
		api.writeJSON(ctx, w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body"})
		return
	}

	sub.sanitize()
	if err := sub.Validate(); err != nil {
		api.outcome("invalid")
		resp := errorResponse{Error: "validation failed"}
		var fe FieldErrors
		if errors.As(err, &fe) {
			resp.Fields = fe
		}
		api.writeJSON(ctx, w, http.StatusBadRequest, resp)
		return
	}

	now := api.now()
	score, reasons := Score(sub, now)
	rec := Record{
		ID:          uuid.NewString(),
		Status:      Classify(score, api.threshold),
		SpamScore:   score,
		SpamReasons: reasons,
		ReceivedAt:  now.UTC(),
		ClientIP:    httpmw.ClientIPFromContext(ctx),
		UserAgent:   r.UserAgent(),
		RequestID:   httpmw.RequestIDFromContext(ctx),
		Submission:  sub,
	}

	if err := api.sink.Put(ctx, rec); err != nil {
		L.Error(ctx, err, "store inquiry", "inquiry_id", rec.ID)
		api.outcome("error")
		api.writeJSON(ctx, w, http.StatusInternalServerError, errorResponse{Error: "could not accept inquiry, please try again later"})
		return
	}

	L.Info(ctx, "inquiry accepted",
		"inquiry_id", rec.ID,
		"status", string(rec.Status),
		"spam_score", score,
	)
	api.outcome(string(rec.Status))
	api.writeJSON(ctx, w, http.StatusAccepted, createResponse{ID: rec.ID, Status: "received"})
}

func (api *API) outcome(o string) {
	if api.onSubmit != nil {
		api.onSubmit(o)
	}
}

func (api *API) writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		api.logger.Warn(ctx, "failed to encode JSON response", "error", err)
	}
}
