package main

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"fundgate/config"
	"fundgate/db"
	"fundgate/disclosure"
	"fundgate/escrow"
	"fundgate/identity"
	"fundgate/mediation"
	"fundgate/metrics"
	"fundgate/nda"
	"fundgate/negotiation"
	"fundgate/project"
)

func main() {
	ctx := context.Background()
	cfg := config.FromEnv()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("bootstrap database pool: %v", err)
	}
	defer pool.Close()

	mtr := metrics.New()

	identityService := identity.NewService(identity.NewRepository(pool), cfg.JWTSecret)
	projectService := project.NewService(project.NewRepository(pool))
	projects := projectDirectory{projects: projectService}

	var throttle nda.Throttle = nda.NewMemoryThrottle(cfg.OTPResendLimit, cfg.OTPResendWindow)
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Fatalf("parse redis url: %v", err)
		}
		throttle = nda.NewRedisThrottle(redis.NewClient(opts), cfg.OTPResendLimit, cfg.OTPResendWindow)
	}
	ndaService := nda.NewService(nda.NewRepository(pool), nda.LogSender{}, throttle, identityService, nda.Options{
		CodeTTL:      cfg.OTPTTL,
		SendAttempts: cfg.OTPSendAttempts,
		Metrics:      mtr,
	})

	ledger := escrow.NewLedger(escrow.NewRepository(), escrow.SimulatedGateway{})
	sessionService := negotiation.NewService(pool, negotiation.NewRepository(pool), ledger, projects, negotiation.Options{
		MinimumDeposit: cfg.MinimumDeposit,
		SessionTTL:     cfg.SessionTTL,
		Metrics:        mtr,
	})

	var strategy mediation.Strategy = mediation.HeuristicStrategy{}
	if cfg.MediatorURL != "" {
		strategy = mediation.NewModelClient(cfg.MediatorURL)
	}
	gateway := mediation.NewGateway(sessionService, mediation.NewTurnRepository(pool), projects, strategy, mediation.Options{
		LeakThreshold: cfg.LeakThreshold,
		Timeout:       cfg.MediatorTimeout,
	})

	server := &Server{
		identityService: identityService,
		projectService:  projectService,
		resolver:        disclosure.NewResolver(ndaService, sessionService),
		ndaService:      ndaService,
		sessionService:  sessionService,
		chat:            gateway,
	}

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	log.Printf("api listening on %s", cfg.Addr)
	if err := httpServer.ListenAndServe(); err != nil {
		log.Fatalf("http server: %v", err)
	}
}

// projectDirectory adapts the project read model to the slices the
// negotiation and mediation packages consume.
type projectDirectory struct {
	projects *project.Service
}

func (d projectDirectory) Facts(ctx context.Context, projectID string) (negotiation.ProjectFacts, error) {
	p, err := d.projects.GetByID(ctx, projectID)
	if err != nil {
		return negotiation.ProjectFacts{}, err
	}
	return negotiation.ProjectFacts{OwnerUserID: p.OwnerUserID, FundingGoal: p.FundingGoal}, nil
}

func (d projectDirectory) Brief(ctx context.Context, projectID string) (mediation.ProjectBrief, error) {
	p, err := d.projects.GetByID(ctx, projectID)
	if err != nil {
		return mediation.ProjectBrief{}, err
	}
	return mediation.ProjectBrief{Title: p.Title, Summary: p.PublicSummary}, nil
}
