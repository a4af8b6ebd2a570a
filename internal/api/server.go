// Package api exposes the tenant-scoped HTTP surface: lists and rules,
// subscribers and membership, imports, segment resolution, campaigns and
// dispatch. Handlers are thin adapters over the engine packages.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mailbeam/mailbeam/internal/attr"
	"github.com/mailbeam/mailbeam/internal/importer"
	"github.com/mailbeam/mailbeam/internal/mailing"
)

// Store is the persistence surface the handlers need. *mailing.Store
// satisfies it.
type Store interface {
	CreateOrganization(ctx context.Context, org *mailing.Organization) error
	GetOrganization(ctx context.Context, id uuid.UUID) (*mailing.Organization, error)

	CreateList(ctx context.Context, list *mailing.List) error
	GetList(ctx context.Context, orgID, listID uuid.UUID) (*mailing.List, error)
	GetLists(ctx context.Context, orgID uuid.UUID) ([]*mailing.List, error)
	UpdateList(ctx context.Context, list *mailing.List) error
	DeleteList(ctx context.Context, orgID, listID uuid.UUID) error
	ListMembers(ctx context.Context, orgID, listID uuid.UUID) ([]*mailing.Subscriber, error)

	CreateSubscriber(ctx context.Context, sub *mailing.Subscriber) error
	GetSubscriber(ctx context.Context, orgID, subID uuid.UUID) (*mailing.Subscriber, error)
	SubscribersByOrg(ctx context.Context, orgID uuid.UUID, search string, limit, offset int) ([]*mailing.Subscriber, int, error)
	UpdateSubscriber(ctx context.Context, sub *mailing.Subscriber) error
	DeleteSubscriber(ctx context.Context, orgID, subID uuid.UUID) error

	AddMembers(ctx context.Context, listID uuid.UUID, subIDs []uuid.UUID) error
	RemoveMember(ctx context.Context, listID, subID uuid.UUID) error
	IsMember(ctx context.Context, listID, subID uuid.UUID) (bool, error)

	CreateCampaign(ctx context.Context, c *mailing.Campaign) error
	GetCampaign(ctx context.Context, orgID, campaignID uuid.UUID) (*mailing.Campaign, error)
	GetCampaigns(ctx context.Context, orgID uuid.UUID) ([]*mailing.Campaign, error)
	UpdateCampaign(ctx context.Context, c *mailing.Campaign) error
	DeleteCampaign(ctx context.Context, orgID, campaignID uuid.UUID) error
}

// Resolver is the segmentation surface the handlers need.
type Resolver interface {
	Resolve(ctx context.Context, orgID, listID uuid.UUID) ([]*mailing.Subscriber, error)
	AddRule(ctx context.Context, orgID, listID uuid.UUID, rule mailing.Rule) error
}

// ImportRunner runs one import.
type ImportRunner interface {
	Import(ctx context.Context, orgID, listID uuid.UUID, src importer.TabularSource, opts importer.Options) (*importer.Result, error)
}

// DispatchRunner runs one campaign dispatch.
type DispatchRunner interface {
	Dispatch(ctx context.Context, orgID, campaignID uuid.UUID) (*mailing.DispatchResult, error)
}

// Options configure the server beyond its collaborators.
type Options struct {
	JWTSecret      string
	DevMode        bool
	AllowedOrigins []string
	MaxUploadBytes int64
	Cache          *mailing.SegmentCache
}

// Server wires handlers, middleware, and routes.
type Server struct {
	store      Store
	resolver   Resolver
	importer   ImportRunner
	dispatcher DispatchRunner
	cache      *mailing.SegmentCache
	validate   *validator.Validate
	opts       Options
	log        zerolog.Logger
}

// NewServer creates the API server.
func NewServer(store Store, resolver Resolver, imp ImportRunner, disp DispatchRunner, opts Options, log zerolog.Logger) *Server {
	if opts.MaxUploadBytes == 0 {
		opts.MaxUploadBytes = 32 << 20
	}
	return &Server{
		store:      store,
		resolver:   resolver,
		importer:   imp,
		dispatcher: disp,
		cache:      opts.Cache,
		validate:   validator.New(),
		opts:       opts,
		log:        log.With().Str("component", "api").Logger(),
	}
}

// Router builds the chi router with the full route tree.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	origins := s.opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Organization-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", s.handleHealth)

	// Tenant signup happens before any tenant context exists.
	r.Post("/api/v1/organizations", s.handleCreateOrganization)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.requireOrg)

		r.Get("/organization", s.handleGetOrganization)

		r.Route("/lists", func(r chi.Router) {
			r.Get("/", s.handleGetLists)
			r.Post("/", s.handleCreateList)
			r.Route("/{listID}", func(r chi.Router) {
				r.Get("/", s.handleGetList)
				r.Put("/", s.handleUpdateList)
				r.Delete("/", s.handleDeleteList)
				r.Post("/rules", s.handleAddRule)
				r.Get("/members", s.handleGetMembers)
				r.Post("/members", s.handleAddMember)
				r.Delete("/members/{subscriberID}", s.handleRemoveMember)
				r.Get("/segment", s.handleResolveSegment)
				r.Post("/import", s.handleImport)
			})
		})

		r.Route("/subscribers", func(r chi.Router) {
			r.Get("/", s.handleGetSubscribers)
			r.Post("/", s.handleCreateSubscriber)
			r.Route("/{subscriberID}", func(r chi.Router) {
				r.Get("/", s.handleGetSubscriber)
				r.Put("/", s.handleUpdateSubscriber)
				r.Delete("/", s.handleDeleteSubscriber)
			})
		})

		r.Route("/campaigns", func(r chi.Router) {
			r.Get("/", s.handleGetCampaigns)
			r.Post("/", s.handleCreateCampaign)
			r.Route("/{campaignID}", func(r chi.Router) {
				r.Get("/", s.handleGetCampaign)
				r.Put("/", s.handleUpdateCampaign)
				r.Delete("/", s.handleDeleteCampaign)
				r.Post("/send", s.handleSendCampaign)
			})
		})
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// urlUUID parses a uuid path parameter; responds 400 and returns false on
// failure.
func urlUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid "+name)
		return uuid.Nil, false
	}
	return id, true
}

// parseSchema validates a custom-field schema from a request payload.
func parseSchema(fields map[string]string) (attr.Schema, error) {
	schema := attr.Schema{}
	for k, v := range fields {
		t := attr.Type(v)
		if !t.Valid() {
			return nil, &fieldTypeError{field: k, value: v}
		}
		schema[k] = t
	}
	return schema, nil
}

type fieldTypeError struct {
	field, value string
}

func (e *fieldTypeError) Error() string {
	return "unknown type " + e.value + " for field " + e.field
}
