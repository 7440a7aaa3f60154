package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/crypto/bcrypt"

	"github.com/Richardson2512/drason/consts"
	"github.com/Richardson2512/drason/db"
	"github.com/Richardson2512/drason/engine"
	"github.com/Richardson2512/drason/events"
	"github.com/Richardson2512/drason/gate"
	"github.com/Richardson2512/drason/helpers"
	"github.com/Richardson2512/drason/ingest"
	"github.com/Richardson2512/drason/pkg/health"
	"github.com/Richardson2512/drason/pkg/resilient"
)

// Server represents the HTTP API server
type Server struct {
	addr         string
	apiKeyHash   string
	allowedHosts []string
	rdb          *resilient.ResilientDatabase
	engine       *engine.Engine
	gate         *gate.Gate
	pipeline     *ingest.Pipeline
	monitor      *health.HealthMonitor
	server       *http.Server
	tls          bool
	tlsCertFile  string
	tlsKeyFile   string
}

// ServerOptions holds configuration options for the HTTP API server
type ServerOptions struct {
	Addr         string
	APIKeyHash   string
	AllowedHosts []string
	Engine       *engine.Engine
	Gate         *gate.Gate
	Pipeline     *ingest.Pipeline
	Monitor      *health.HealthMonitor
	TLS          bool
	TLSCertFile  string
	TLSKeyFile   string
}

// New creates a new HTTP API server
func New(rdb *resilient.ResilientDatabase, options ServerOptions) (*Server, error) {
	if options.APIKeyHash == "" {
		return nil, fmt.Errorf("API key hash is required for HTTP API server")
	}

	// Validate TLS configuration
	if options.TLS {
		if options.TLSCertFile == "" || options.TLSKeyFile == "" {
			return nil, fmt.Errorf("TLS certificate and key files are required when TLS is enabled")
		}
	}

	s := &Server{
		addr:         options.Addr,
		apiKeyHash:   options.APIKeyHash,
		allowedHosts: options.AllowedHosts,
		rdb:          rdb,
		engine:       options.Engine,
		gate:         options.Gate,
		pipeline:     options.Pipeline,
		monitor:      options.Monitor,
		tls:          options.TLS,
		tlsCertFile:  options.TLSCertFile,
		tlsKeyFile:   options.TLSKeyFile,
	}

	return s, nil
}

// Start starts the HTTP API server
func Start(ctx context.Context, rdb *resilient.ResilientDatabase, options ServerOptions, errChan chan error) {
	server, err := New(rdb, options)
	if err != nil {
		errChan <- fmt.Errorf("failed to create HTTP API server: %w", err)
		return
	}

	protocol := "HTTP"
	if options.TLS {
		protocol = "HTTPS"
	}
	log.Printf("Starting %s API server on %s", protocol, options.Addr)
	if err := server.start(ctx); err != nil && err != http.ErrServerClosed && ctx.Err() == nil {
		errChan <- fmt.Errorf("HTTP API server failed: %w", err)
	}
}

// start initializes and starts the HTTP server
func (s *Server) start(ctx context.Context) error {
	router := s.setupRoutes()

	s.server = &http.Server{
		Addr:    s.addr,
		Handler: router,
	}

	// Graceful shutdown
	go func() {
		<-ctx.Done()
		log.Println("Shutting down HTTP API server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			log.Printf("Error shutting down HTTP API server: %v", err)
		}
	}()

	// Start server with or without TLS
	if s.tls {
		return s.server.ListenAndServeTLS(s.tlsCertFile, s.tlsKeyFile)
	}
	return s.server.ListenAndServe()
}

// setupRoutes configures all HTTP routes and middleware
func (s *Server) setupRoutes() *mux.Router {
	router := mux.NewRouter()

	// Add middleware
	router.Use(s.loggingMiddleware)
	router.Use(s.allowedHostsMiddleware)
	router.Use(s.authMiddleware)

	// API v1 routes
	v1 := router.PathPrefix("/api/v1").Subrouter()

	// Event ingestion routes
	v1.HandleFunc("/events", s.handleSubmitEvent).Methods("POST")
	v1.HandleFunc("/events/dsn", s.handleSubmitDSN).Methods("POST")

	// Execution gate routes
	v1.HandleFunc("/gate/check", s.handleGateCheck).Methods("POST")
	v1.HandleFunc("/leads", s.handleCreateLead).Methods("POST")
	v1.HandleFunc("/leads/{id:[0-9]+}/authorize", s.handleAuthorizeLead).Methods("POST")

	// Campaign routes
	v1.HandleFunc("/campaigns/{id:[0-9]+}/synced", s.handleMarkCampaignSynced).Methods("POST")
	v1.HandleFunc("/campaigns/{id:[0-9]+}/status", s.handleSetCampaignStatus).Methods("PUT")

	// Mailbox routes
	v1.HandleFunc("/mailboxes", s.handleCreateMailbox).Methods("POST")
	v1.HandleFunc("/mailboxes", s.handleGetMailboxByAddress).Methods("GET").Queries("address", "{address}")
	v1.HandleFunc("/mailboxes/{id:[0-9]+}", s.handleGetMailbox).Methods("GET")
	v1.HandleFunc("/mailboxes/{id:[0-9]+}/events", s.handleListMailboxEvents).Methods("GET")
	v1.HandleFunc("/mailboxes/{id:[0-9]+}", s.handleDeactivateMailbox).Methods("DELETE")

	// Domain routes
	v1.HandleFunc("/domains", s.handleCreateDomain).Methods("POST")
	v1.HandleFunc("/domains/{id:[0-9]+}", s.handleGetDomain).Methods("GET")
	v1.HandleFunc("/domains/{id:[0-9]+}/override", s.handleOverrideDomain).Methods("POST")

	// Organization routes
	v1.HandleFunc("/organizations", s.handleCreateOrganization).Methods("POST")
	v1.HandleFunc("/organizations/{id:[0-9]+}/domains", s.handleListOrganizationDomains).Methods("GET")
	v1.HandleFunc("/organizations/{id:[0-9]+}/mode", s.handleSetOrganizationMode).Methods("PUT")
	v1.HandleFunc("/organizations/{id:[0-9]+}/thresholds", s.handleSetOrganizationThresholds).Methods("PUT")

	// Audit log routes
	v1.HandleFunc("/transitions", s.handleListTransitions).Methods("GET")

	// Component health snapshots, as persisted by the health monitor
	v1.HandleFunc("/health", s.handleListHealthStatuses).Methods("GET")

	// Unauthenticated operational endpoints; authMiddleware skips these paths.
	router.HandleFunc("/healthz", s.handleHealthz).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	return router
}

// Middleware functions

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		log.Printf("HTTP API: %s %s from %s", r.Method, r.URL.Path, r.RemoteAddr)
		next.ServeHTTP(w, r)
		log.Printf("HTTP API: %s %s completed in %v", r.Method, r.URL.Path, time.Since(start))
	})
}

func (s *Server) allowedHostsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.allowedHosts) == 0 {
			// No restrictions, allow all hosts
			next.ServeHTTP(w, r)
			return
		}

		clientIP := getClientIP(r)

		allowed := false
		for _, allowedHost := range s.allowedHosts {
			if allowedHost == clientIP {
				allowed = true
				break
			}
			// Check CIDR blocks
			if strings.Contains(allowedHost, "/") {
				if _, cidr, err := net.ParseCIDR(allowedHost); err == nil {
					if ip := net.ParseIP(clientIP); ip != nil {
						if cidr.Contains(ip) {
							allowed = true
							break
						}
					}
				}
			}
		}

		if !allowed {
			s.writeError(w, http.StatusForbidden, "Host not allowed")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Liveness and scrape endpoints stay open for load balancers and
		// Prometheus; access control for those is the allowed-hosts list.
		if r.URL.Path == "/healthz" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			s.writeError(w, http.StatusUnauthorized, "Authorization header required")
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
			s.writeError(w, http.StatusUnauthorized, "Authorization header must be 'Bearer <token>'")
			return
		}

		// Only the bcrypt hash of the key is kept in configuration.
		if err := bcrypt.CompareHashAndPassword([]byte(s.apiKeyHash), []byte(parts[1])); err != nil {
			s.writeError(w, http.StatusForbidden, "Invalid API key")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Utility functions

func getClientIP(r *http.Request) string {
	// Try X-Forwarded-For header first (for proxies)
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ips := strings.Split(xff, ",")
		return strings.TrimSpace(ips[0])
	}

	// Try X-Real-IP header
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}

	// Fall back to RemoteAddr
	host, _, _ := net.SplitHostPort(r.RemoteAddr)
	return host
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("HTTP API: Error encoding JSON response: %v", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// parseTimeParam parses an optional RFC3339 query parameter.
func parseTimeParam(r *http.Request, name string) (time.Time, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid %s parameter format (use RFC3339)", name)
	}
	return t, nil
}

// Request/Response types

type SubmitEventRequest struct {
	MailboxID  int64             `json:"mailbox_id"`
	Provider   string            `json:"provider"`
	Outcome    string            `json:"outcome"`
	OccurredAt string            `json:"occurred_at,omitempty"` // RFC3339, defaults to now
	ProviderID string            `json:"provider_id,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

type GateCheckRequest struct {
	CampaignID int64 `json:"campaign_id"`
}

type SetCampaignStatusRequest struct {
	Status string `json:"status"`
}

type CreateLeadRequest struct {
	CampaignID *int64  `json:"campaign_id,omitempty"`
	Email      string  `json:"email"`
	Persona    *string `json:"persona,omitempty"`
	Score      float64 `json:"score,omitempty"`
}

type CreateMailboxRequest struct {
	DomainID int64  `json:"domain_id"`
	Address  string `json:"address"`
	Status   string `json:"status,omitempty"` // defaults to warming
}

type CreateDomainRequest struct {
	OrganizationID int64  `json:"organization_id"`
	Name           string `json:"name"`
}

type CreateOrganizationRequest struct {
	Name string `json:"name"`
	Mode string `json:"mode,omitempty"` // defaults to enforce
}

type OverrideDomainRequest struct {
	Status   string `json:"status"`
	Reason   string `json:"reason"`
	Operator string `json:"operator"`
}

type SetModeRequest struct {
	Mode string `json:"mode"`
}

type SetThresholdsRequest struct {
	Overrides map[string]float64 `json:"overrides"`
}

// Handler functions

func (s *Server) handleSubmitEvent(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req SubmitEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	occurredAt := time.Now()
	if req.OccurredAt != "" {
		var err error
		occurredAt, err = time.Parse(time.RFC3339, req.OccurredAt)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "Invalid occurred_at format (use RFC3339)")
			return
		}
	}

	ev := &events.DeliveryEvent{
		MailboxID:  req.MailboxID,
		Provider:   req.Provider,
		Outcome:    events.Outcome(req.Outcome),
		OccurredAt: occurredAt,
		ProviderID: req.ProviderID,
		Metadata:   req.Metadata,
	}

	if err := s.pipeline.Submit(ev); err != nil {
		switch {
		case errors.Is(err, consts.ErrMalformedEvent):
			s.writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, ingest.ErrQueueFull):
			s.writeError(w, http.StatusTooManyRequests, "Ingest queue is full, retry later")
		default:
			log.Printf("HTTP API: Error submitting event: %v", err)
			s.writeError(w, http.StatusInternalServerError, "Failed to submit event")
		}
		return
	}

	s.writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"mailbox_id": req.MailboxID,
		"outcome":    req.Outcome,
		"message":    "Event accepted",
	})
}

func (s *Server) handleSubmitDSN(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	mailboxID, err := strconv.ParseInt(r.URL.Query().Get("mailbox_id"), 10, 64)
	if err != nil || mailboxID <= 0 {
		s.writeError(w, http.StatusBadRequest, "mailbox_id query parameter is required")
		return
	}
	provider := r.URL.Query().Get("provider")
	if provider == "" {
		s.writeError(w, http.StatusBadRequest, "provider query parameter is required")
		return
	}

	report, err := events.ParseDSN(r.Body)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("Failed to parse DSN: %v", err))
		return
	}

	ev, err := events.EventFromDSN(report, mailboxID, provider, time.Now())
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.pipeline.Submit(ev); err != nil {
		if errors.Is(err, ingest.ErrQueueFull) {
			s.writeError(w, http.StatusTooManyRequests, "Ingest queue is full, retry later")
			return
		}
		log.Printf("HTTP API: Error submitting DSN event: %v", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to submit event")
		return
	}

	s.writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"mailbox_id": mailboxID,
		"outcome":    string(ev.Outcome),
		"dsn_status": report.Status,
		"message":    "Event accepted",
	})
}

func (s *Server) handleGateCheck(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req GateCheckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if req.CampaignID <= 0 {
		s.writeError(w, http.StatusBadRequest, "campaign_id is required")
		return
	}

	decision, err := s.gate.Check(r.Context(), req.CampaignID)
	if err != nil {
		log.Printf("HTTP API: Error checking gate for campaign %d: %v", req.CampaignID, err)
		s.writeError(w, http.StatusInternalServerError, "Failed to evaluate gate")
		return
	}

	s.writeJSON(w, http.StatusOK, decision)
}

func (s *Server) handleAuthorizeLead(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	leadID, _ := strconv.ParseInt(vars["id"], 10, 64)

	decision, err := s.gate.AuthorizeLead(r.Context(), leadID)
	if err != nil {
		if errors.Is(err, db.ErrLeadNotFound) {
			s.writeError(w, http.StatusNotFound, "Lead not found")
			return
		}
		log.Printf("HTTP API: Error authorizing lead %d: %v", leadID, err)
		s.writeError(w, http.StatusInternalServerError, "Failed to authorize lead")
		return
	}

	s.writeJSON(w, http.StatusOK, decision)
}

func (s *Server) handleCreateLead(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req CreateLeadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if req.Email == "" {
		s.writeError(w, http.StatusBadRequest, "email is required")
		return
	}
	if _, domain := helpers.SplitEmailAddress(req.Email); domain == "" {
		s.writeError(w, http.StatusBadRequest, "email must be a full address")
		return
	}

	lead, err := s.rdb.CreateLead(r.Context(), req.CampaignID, req.Email, req.Persona, req.Score)
	if err != nil {
		log.Printf("HTTP API: Error creating lead %s: %v", helpers.MaskEmail(req.Email), err)
		s.writeError(w, http.StatusInternalServerError, "Failed to create lead")
		return
	}

	s.writeJSON(w, http.StatusCreated, lead)
}

func (s *Server) handleMarkCampaignSynced(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id, _ := strconv.ParseInt(vars["id"], 10, 64)

	if err := s.rdb.MarkCampaignSynced(r.Context(), id); err != nil {
		if errors.Is(err, db.ErrCampaignNotFound) {
			s.writeError(w, http.StatusNotFound, "Campaign not found")
			return
		}
		log.Printf("HTTP API: Error marking campaign %d synced: %v", id, err)
		s.writeError(w, http.StatusInternalServerError, "Failed to mark campaign synced")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"campaign_id": id,
		"message":     "Campaign configuration marked as synced",
	})
}

func (s *Server) handleSetCampaignStatus(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	vars := mux.Vars(r)
	id, _ := strconv.ParseInt(vars["id"], 10, 64)

	var req SetCampaignStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	switch req.Status {
	case "draft", "active", "paused":
	default:
		s.writeError(w, http.StatusBadRequest, "status must be one of: draft, active, paused")
		return
	}

	if err := s.rdb.UpdateCampaignStatus(r.Context(), id, req.Status); err != nil {
		if errors.Is(err, db.ErrCampaignNotFound) {
			s.writeError(w, http.StatusNotFound, "Campaign not found")
			return
		}
		log.Printf("HTTP API: Error updating status for campaign %d: %v", id, err)
		s.writeError(w, http.StatusInternalServerError, "Failed to update campaign status")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"campaign_id": id,
		"status":      req.Status,
		"message":     "Campaign status updated",
	})
}

func (s *Server) handleCreateMailbox(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req CreateMailboxRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if req.DomainID <= 0 || req.Address == "" {
		s.writeError(w, http.StatusBadRequest, "domain_id and address are required")
		return
	}
	if _, domain := helpers.SplitEmailAddress(req.Address); domain == "" {
		s.writeError(w, http.StatusBadRequest, "address must be a full email address")
		return
	}

	status := req.Status
	if status == "" {
		status = string(engine.StatusWarming)
	}
	if st := engine.Status(status); st != engine.StatusWarming && st != engine.StatusHealthy {
		s.writeError(w, http.StatusBadRequest, "status must be 'warming' or 'healthy'")
		return
	}

	mailbox, err := s.rdb.CreateMailbox(r.Context(), req.DomainID, req.Address, status)
	if err != nil {
		if errors.Is(err, db.ErrDomainNotFound) {
			s.writeError(w, http.StatusNotFound, "Domain not found")
			return
		}
		log.Printf("HTTP API: Error creating mailbox %s: %v", helpers.MaskEmail(req.Address), err)
		s.writeError(w, http.StatusInternalServerError, "Failed to create mailbox")
		return
	}

	s.writeJSON(w, http.StatusCreated, mailbox)
}

func (s *Server) handleGetMailbox(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id, _ := strconv.ParseInt(vars["id"], 10, 64)

	mailbox, err := s.rdb.GetMailboxByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, db.ErrMailboxNotFound) {
			s.writeError(w, http.StatusNotFound, "Mailbox not found")
			return
		}
		log.Printf("HTTP API: Error getting mailbox %d: %v", id, err)
		s.writeError(w, http.StatusInternalServerError, "Failed to get mailbox")
		return
	}

	s.writeJSON(w, http.StatusOK, mailbox)
}

func (s *Server) handleGetMailboxByAddress(w http.ResponseWriter, r *http.Request) {
	address := r.URL.Query().Get("address")

	mailbox, err := s.rdb.GetMailboxByAddress(r.Context(), address)
	if err != nil {
		if errors.Is(err, db.ErrMailboxNotFound) {
			s.writeError(w, http.StatusNotFound, "Mailbox not found")
			return
		}
		log.Printf("HTTP API: Error getting mailbox %s: %v", helpers.MaskEmail(address), err)
		s.writeError(w, http.StatusInternalServerError, "Failed to get mailbox")
		return
	}

	s.writeJSON(w, http.StatusOK, mailbox)
}

func (s *Server) handleListMailboxEvents(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id, _ := strconv.ParseInt(vars["id"], 10, 64)

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if l, err := strconv.Atoi(v); err == nil && l > 0 {
			limit = l
		}
	}

	events, err := s.rdb.ListDeliveryEvents(r.Context(), id, limit)
	if err != nil {
		log.Printf("HTTP API: Error listing events for mailbox %d: %v", id, err)
		s.writeError(w, http.StatusInternalServerError, "Failed to list events")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"count":  len(events),
	})
}

func (s *Server) handleDeactivateMailbox(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id, _ := strconv.ParseInt(vars["id"], 10, 64)

	if err := s.rdb.DeactivateMailbox(r.Context(), id); err != nil {
		if errors.Is(err, db.ErrMailboxNotFound) {
			s.writeError(w, http.StatusNotFound, "Mailbox not found")
			return
		}
		log.Printf("HTTP API: Error deactivating mailbox %d: %v", id, err)
		s.writeError(w, http.StatusInternalServerError, "Failed to deactivate mailbox")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"mailbox_id": id,
		"message":    "Mailbox deactivated; it no longer counts toward domain health",
	})
}

func (s *Server) handleCreateDomain(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req CreateDomainRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if req.OrganizationID <= 0 || req.Name == "" {
		s.writeError(w, http.StatusBadRequest, "organization_id and name are required")
		return
	}

	domain, err := s.rdb.CreateDomain(r.Context(), req.OrganizationID, req.Name)
	if err != nil {
		if errors.Is(err, db.ErrOrganizationNotFound) {
			s.writeError(w, http.StatusNotFound, "Organization not found")
			return
		}
		log.Printf("HTTP API: Error creating domain %s: %v", req.Name, err)
		s.writeError(w, http.StatusInternalServerError, "Failed to create domain")
		return
	}

	s.writeJSON(w, http.StatusCreated, domain)
}

func (s *Server) handleGetDomain(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id, _ := strconv.ParseInt(vars["id"], 10, 64)
	ctx := r.Context()

	domain, err := s.rdb.GetDomainByID(ctx, id)
	if err != nil {
		if errors.Is(err, db.ErrDomainNotFound) {
			s.writeError(w, http.StatusNotFound, "Domain not found")
			return
		}
		log.Printf("HTTP API: Error getting domain %d: %v", id, err)
		s.writeError(w, http.StatusInternalServerError, "Failed to get domain")
		return
	}

	mailboxes, err := s.rdb.ListDomainMailboxes(ctx, id)
	if err != nil {
		log.Printf("HTTP API: Error listing mailboxes for domain %d: %v", id, err)
		s.writeError(w, http.StatusInternalServerError, "Failed to list domain mailboxes")
		return
	}

	statuses := make([]engine.Status, 0, len(mailboxes))
	for _, mb := range mailboxes {
		statuses = append(statuses, engine.Status(mb.Status))
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"domain":          domain,
		"mailboxes":       mailboxes,
		"mailbox_count":   len(mailboxes),
		"unhealthy_ratio": engine.UnhealthyRatio(statuses),
	})
}

func (s *Server) handleOverrideDomain(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	vars := mux.Vars(r)
	id, _ := strconv.ParseInt(vars["id"], 10, 64)

	var req OverrideDomainRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if req.Reason == "" || req.Operator == "" {
		s.writeError(w, http.StatusBadRequest, "reason and operator are required")
		return
	}

	status := engine.DomainStatus(req.Status)
	switch status {
	case engine.DomainHealthy, engine.DomainWarning, engine.DomainPaused:
	default:
		s.writeError(w, http.StatusBadRequest, "status must be 'healthy', 'warning' or 'paused'")
		return
	}

	err := s.engine.OverrideDomainStatus(r.Context(), id, status, req.Reason, req.Operator)
	if err != nil {
		if errors.Is(err, db.ErrDomainNotFound) {
			s.writeError(w, http.StatusNotFound, "Domain not found")
			return
		}
		log.Printf("HTTP API: Error overriding domain %d: %v", id, err)
		s.writeError(w, http.StatusInternalServerError, "Failed to override domain status")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"domain_id": id,
		"status":    req.Status,
		"message":   "Domain status overridden",
	})
}

func (s *Server) handleCreateOrganization(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req CreateOrganizationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if req.Name == "" {
		s.writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	mode := req.Mode
	if mode == "" {
		mode = string(engine.ModeEnforce)
	}
	if _, err := engine.ParseMode(mode); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	org, err := s.rdb.CreateOrganization(r.Context(), req.Name, mode)
	if err != nil {
		log.Printf("HTTP API: Error creating organization %s: %v", req.Name, err)
		s.writeError(w, http.StatusInternalServerError, "Failed to create organization")
		return
	}

	s.writeJSON(w, http.StatusCreated, org)
}

func (s *Server) handleListOrganizationDomains(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id, _ := strconv.ParseInt(vars["id"], 10, 64)

	domains, err := s.rdb.ListDomainsByOrganization(r.Context(), id)
	if err != nil {
		log.Printf("HTTP API: Error listing domains for organization %d: %v", id, err)
		s.writeError(w, http.StatusInternalServerError, "Failed to list domains")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"domains": domains,
		"count":   len(domains),
	})
}

func (s *Server) handleSetOrganizationMode(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	vars := mux.Vars(r)
	id, _ := strconv.ParseInt(vars["id"], 10, 64)

	var req SetModeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	mode, err := engine.ParseMode(req.Mode)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.rdb.UpdateOrganizationMode(r.Context(), id, string(mode)); err != nil {
		if errors.Is(err, db.ErrOrganizationNotFound) {
			s.writeError(w, http.StatusNotFound, "Organization not found")
			return
		}
		log.Printf("HTTP API: Error updating mode for organization %d: %v", id, err)
		s.writeError(w, http.StatusInternalServerError, "Failed to update organization mode")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"organization_id": id,
		"mode":            string(mode),
		"message":         "Organization mode updated",
	})
}

func (s *Server) handleSetOrganizationThresholds(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	vars := mux.Vars(r)
	id, _ := strconv.ParseInt(vars["id"], 10, 64)

	var req SetThresholdsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	if err := s.rdb.UpdateOrganizationThresholds(r.Context(), id, req.Overrides); err != nil {
		if errors.Is(err, db.ErrOrganizationNotFound) {
			s.writeError(w, http.StatusNotFound, "Organization not found")
			return
		}
		log.Printf("HTTP API: Error updating thresholds for organization %d: %v", id, err)
		s.writeError(w, http.StatusInternalServerError, "Failed to update organization thresholds")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"organization_id": id,
		"overrides":       req.Overrides,
		"message":         "Organization thresholds updated",
	})
}

func (s *Server) handleListTransitions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	filter := db.TransitionFilter{
		EntityType: r.URL.Query().Get("entity_type"),
	}

	if v := r.URL.Query().Get("entity_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "Invalid entity_id parameter")
			return
		}
		filter.EntityID = id
	}

	var err error
	if filter.Since, err = parseTimeParam(r, "since"); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if filter.Until, err = parseTimeParam(r, "until"); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	filter.Limit = 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if l, err := strconv.Atoi(v); err == nil && l > 0 {
			filter.Limit = l
		}
	}

	transitions, err := s.rdb.ListStateTransitions(ctx, filter)
	if err != nil {
		log.Printf("HTTP API: Error listing transitions: %v", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to list transitions")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"transitions": transitions,
		"count":       len(transitions),
	})
}

func (s *Server) handleListHealthStatuses(w http.ResponseWriter, r *http.Request) {
	statuses, err := s.rdb.ListHealthStatuses(r.Context())
	if err != nil {
		log.Printf("HTTP API: Error listing health statuses: %v", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to list health statuses")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"components": statuses,
		"count":      len(statuses),
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if s.monitor == nil {
		// No monitor wired; fall back to a direct database ping.
		if err := s.rdb.HealthCheck(r.Context()); err != nil {
			s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
		return
	}

	overall := s.monitor.OverallStatus()
	status := http.StatusOK
	if overall == health.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}

	s.writeJSON(w, status, map[string]interface{}{
		"status":     overall,
		"components": s.monitor.ComponentStatuses(),
	})
}
